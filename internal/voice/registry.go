// Package voice holds the speaker table a model exposes and the rules for
// picking one of its voices for a request.
package voice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrNoVoices reports a model that loaded without any speakers.
var ErrNoVoices = errors.New("voice registry is empty")

// Voice is a single named speaker and the numeric id the engine expects.
type Voice struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

// Registry is an ordered, read-only mapping of speaker name to id.
type Registry struct {
	names []string
	ids   map[string]int
}

// New builds a registry in the given order. A repeated name keeps its first
// position and takes the last id, matching how a JSON object is decoded.
func New(voices ...Voice) Registry {
	r := Registry{ids: make(map[string]int, len(voices))}
	for _, v := range voices {
		if _, ok := r.ids[v.Name]; !ok {
			r.names = append(r.names, v.Name)
		}
		r.ids[v.Name] = v.ID
	}
	return r
}

// FromMap builds a registry from an unordered map. Names are sorted so the
// fallback voice stays stable across processes.
func FromMap(m map[string]int) Registry {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	voices := make([]Voice, 0, len(names))
	for _, name := range names {
		voices = append(voices, Voice{Name: name, ID: m[name]})
	}
	return New(voices...)
}

func (r Registry) Len() int { return len(r.names) }

// Names returns speaker names in registry order.
func (r Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func (r Registry) ID(name string) (int, bool) {
	id, ok := r.ids[name]
	return id, ok
}

func (r Registry) Has(name string) bool {
	_, ok := r.ids[name]
	return ok
}

// Voices returns the registry entries in order.
func (r Registry) Voices() []Voice {
	out := make([]Voice, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, Voice{Name: name, ID: r.ids[name]})
	}
	return out
}

// Map returns a copy of the name to id table.
func (r Registry) Map() map[string]int {
	out := make(map[string]int, len(r.ids))
	for k, v := range r.ids {
		out[k] = v
	}
	return out
}

// Parse normalizes the speaker tables engines emit into a Registry. Accepted
// shapes are an object of name to id (key order preserved), an array of
// {"name","id"} entries, or either of those wrapped in {"spk2id": ...}.
func Parse(data []byte) (Registry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Registry{}, fmt.Errorf("parse voices: empty document")
	}
	switch data[0] {
	case '[':
		var voices []Voice
		if err := json.Unmarshal(data, &voices); err != nil {
			return Registry{}, fmt.Errorf("parse voice list: %w", err)
		}
		return New(voices...), nil
	case '{':
		var wrapper struct {
			Spk2ID json.RawMessage `json:"spk2id"`
		}
		if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Spk2ID) > 0 {
			return Parse(wrapper.Spk2ID)
		}
		return parseObject(data)
	default:
		return Registry{}, fmt.Errorf("parse voices: unsupported document starting with %q", data[0])
	}
}

func parseObject(data []byte) (Registry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return Registry{}, fmt.Errorf("parse voice table: %w", err)
	}
	var voices []Voice
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Registry{}, fmt.Errorf("parse voice table: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return Registry{}, fmt.Errorf("parse voice table: unexpected key %v", tok)
		}
		var num json.Number
		if err := dec.Decode(&num); err != nil {
			return Registry{}, fmt.Errorf("parse voice %q: %w", name, err)
		}
		id, err := num.Int64()
		if err != nil {
			return Registry{}, fmt.Errorf("parse voice %q: id %s is not an integer", name, num)
		}
		voices = append(voices, Voice{Name: name, ID: int(id)})
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return Registry{}, fmt.Errorf("parse voice table: %w", err)
	}
	return New(voices...), nil
}
