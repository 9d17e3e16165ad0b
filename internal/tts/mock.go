package tts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-voice/internal/voice"
)

// ErrUnsupportedLanguage is returned by loaders that have no model for a language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

const (
	mockBitDepth       = 16
	mockSecondsPerRune = 0.06
	mockMinSeconds     = 0.25
	mockAmplitude      = 0.3
)

type mockLoader struct {
	voices     map[string][]string
	sampleRate int
}

// NewMockLoader returns a loader whose models render a deterministic tone per
// speaker. voices maps an upper-case language code to its speaker names.
func NewMockLoader(voices map[string][]string, sampleRate int) Loader {
	copied := make(map[string][]string, len(voices))
	for lang, names := range voices {
		copied[strings.ToUpper(lang)] = append([]string(nil), names...)
	}
	return &mockLoader{voices: copied, sampleRate: sampleRate}
}

func (l *mockLoader) Load(ctx context.Context, lang string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, ok := l.voices[lang]
	if !ok {
		known := make([]string, 0, len(l.voices))
		for k := range l.voices {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnsupportedLanguage, lang, strings.Join(known, ", "))
	}
	entries := make([]voice.Voice, 0, len(names))
	for i, name := range names {
		entries = append(entries, voice.Voice{Name: name, ID: i})
	}
	return &mockModel{lang: lang, voices: voice.New(entries...), sampleRate: l.sampleRate}, nil
}

type mockModel struct {
	lang       string
	voices     voice.Registry
	sampleRate int
}

func (m *mockModel) Language() string       { return m.lang }
func (m *mockModel) Voices() voice.Registry { return m.voices }

func (m *mockModel) SynthesizeToFile(ctx context.Context, req SynthRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	seconds := math.Max(mockMinSeconds, float64(utf8.RuneCountInString(req.Text))*mockSecondsPerRune/speed)
	frames := int(seconds * float64(m.sampleRate))
	freq := 220.0 + 55.0*float64(req.SpeakerID)

	maxAmp := float64(int(1)<<(mockBitDepth-1) - 1)
	data := make([]int, frames)
	for i := range data {
		t := float64(i) / float64(m.sampleRate)
		data[i] = int(mockAmplitude * maxAmp * math.Sin(2*math.Pi*freq*t))
	}

	f, err := os.OpenFile(req.OutputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	enc := wav.NewEncoder(f, m.sampleRate, mockBitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: m.sampleRate},
		Data:           data,
		SourceBitDepth: mockBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return f.Close()
}
