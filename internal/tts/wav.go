package tts

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// ErrInvalidAudio reports engine output that is not a readable WAV file.
var ErrInvalidAudio = errors.New("engine produced invalid wav output")

// checkWAV verifies the engine left a well-formed WAV file at path.
func checkWAV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open engine output: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("%w: %s", ErrInvalidAudio, path)
	}
	return nil
}
