package tts

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/voice"
)

// SynthRequest carries everything a model needs to render one utterance.
type SynthRequest struct {
	Text       string
	Speaker    string
	SpeakerID  int
	Speed      float64
	OutputPath string
}

// Model is a loaded per-language synthesis model.
type Model interface {
	Language() string
	Voices() voice.Registry
	// SynthesizeToFile writes a WAV file to req.OutputPath.
	SynthesizeToFile(ctx context.Context, req SynthRequest) error
}

// Loader constructs the model for a language. Loading may take seconds.
type Loader interface {
	Load(ctx context.Context, lang string) (Model, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, lang string) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, lang string) (Model, error) {
	return f(ctx, lang)
}
