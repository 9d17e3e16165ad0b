package voice

import "strings"

// EnglishDefault is the speaker the multi-accent English model uses as its
// neutral voice.
const EnglishDefault = "EN-Default"

// Resolve picks the speaker to synthesize with. The requested name wins when
// the registry has it (exact match), then a speaker named after the language,
// then EN-Default for English, then the first registered speaker.
func Resolve(r Registry, lang, requested string) (string, error) {
	if r.Len() == 0 {
		return "", ErrNoVoices
	}
	if requested != "" && r.Has(requested) {
		return requested, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(lang))
	if r.Has(upper) {
		return upper, nil
	}
	if upper == "EN" && r.Has(EnglishDefault) {
		return EnglishDefault, nil
	}
	return r.names[0], nil
}
