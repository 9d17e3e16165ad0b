package tts

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// NewLoader builds the loader selected by cfg.Mode. When cfg.Languages is set,
// other languages are rejected without touching the engine.
func NewLoader(cfg config.EngineConfig) (Loader, error) {
	var (
		loader Loader
		err    error
	)
	switch cfg.Mode {
	case "mock":
		loader = NewMockLoader(cfg.Mock.Voices, cfg.Mock.SampleRate)
	case "exec":
		loader, err = NewExecLoader(cfg.Command, cfg.Device)
	case "http":
		loader = NewHTTPLoader(cfg.Endpoint, cfg.Device, &http.Client{})
	default:
		err = fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	if len(cfg.Languages) > 0 {
		loader = restrictLanguages(loader, cfg.Languages)
	}
	return loader, nil
}

func restrictLanguages(next Loader, allowed []string) Loader {
	allowed = slices.Clone(allowed)
	return LoaderFunc(func(ctx context.Context, lang string) (Model, error) {
		if !slices.Contains(allowed, lang) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
		}
		return next.Load(ctx, lang)
	})
}
