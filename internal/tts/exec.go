package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-voice/internal/voice"
)

// The exec engine drives a bridge program with two subcommands:
//
//	<command> voices --language KR --device cpu
//	    prints the speaker table as JSON on stdout
//	<command> synthesize
//	    reads an execRequest as JSON on stdin and writes a WAV file to output_path
type execLoader struct {
	cmd    []string
	device string
}

type execRequest struct {
	Language   string  `json:"language"`
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker"`
	SpeakerID  int     `json:"speaker_id"`
	Speed      float64 `json:"speed"`
	OutputPath string  `json:"output_path"`
	Device     string  `json:"device"`
}

func NewExecLoader(command, device string) (Loader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execLoader{cmd: args, device: device}, nil
}

func (l *execLoader) command(ctx context.Context, extra ...string) *exec.Cmd {
	args := append(append([]string{}, l.cmd[1:]...), extra...)
	// #nosec G204 -- the command comes from operator configuration
	return exec.CommandContext(ctx, l.cmd[0], args...)
}

func (l *execLoader) Load(ctx context.Context, lang string) (Model, error) {
	cmd := l.command(ctx, "voices", "--language", lang, "--device", l.device)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("load model %s: %w: %s", lang, err, strings.TrimSpace(stderr.String()))
	}
	voices, err := voice.Parse(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", lang, err)
	}
	return &execModel{loader: l, lang: lang, voices: voices}, nil
}

type execModel struct {
	loader *execLoader
	lang   string
	voices voice.Registry
	mu     sync.Mutex
}

func (m *execModel) Language() string       { return m.lang }
func (m *execModel) Voices() voice.Registry { return m.voices }

func (m *execModel) SynthesizeToFile(ctx context.Context, req SynthRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		Language:   m.lang,
		Text:       req.Text,
		Speaker:    req.Speaker,
		SpeakerID:  req.SpeakerID,
		Speed:      req.Speed,
		OutputPath: req.OutputPath,
		Device:     m.loader.device,
	})
	if err != nil {
		return err
	}

	cmd := m.loader.command(ctx, "synthesize")
	cmd.Stdin = bytes.NewReader(payload)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tts exec command failed: %w - output: %s", err, strings.TrimSpace(string(output)))
	}
	return checkWAV(req.OutputPath)
}
