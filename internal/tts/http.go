package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/voice"
)

const (
	apiVoices      = "/voices"
	apiSynthesize  = "/synthesize"
	contentTypeWAV = "audio/wav"
)

var errEmptyAudio = errors.New("received empty audio data")

// httpLoader talks to a standalone engine over HTTP. The engine lists speakers
// at GET /voices?language=XX and renders audio at POST /synthesize.
type httpLoader struct {
	baseURL string
	device  string
	client  *http.Client
}

type httpSynthRequest struct {
	Language  string  `json:"language"`
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker"`
	SpeakerID int     `json:"speaker_id"`
	Speed     float64 `json:"speed"`
	Device    string  `json:"device,omitempty"`
}

type httpErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPLoader returns a loader for a remote engine at baseURL. Timeouts are
// taken from the request context.
func NewHTTPLoader(baseURL, device string, client *http.Client) Loader {
	if client == nil {
		client = &http.Client{}
	}
	return &httpLoader{baseURL: strings.TrimRight(baseURL, "/"), device: device, client: client}
}

func (l *httpLoader) Load(ctx context.Context, lang string) (Model, error) {
	endpoint := l.baseURL + apiVoices + "?language=" + url.QueryEscape(lang)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create voices request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch voices from %s: %w", l.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load model %s: %w", lang, parseErrorResponse(resp))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read voices: %w", err)
	}
	voices, err := voice.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", lang, err)
	}
	return &httpModel{loader: l, lang: lang, voices: voices}, nil
}

type httpModel struct {
	loader *httpLoader
	lang   string
	voices voice.Registry
}

func (m *httpModel) Language() string       { return m.lang }
func (m *httpModel) Voices() voice.Registry { return m.voices }

func (m *httpModel) SynthesizeToFile(ctx context.Context, req SynthRequest) error {
	body, err := json.Marshal(httpSynthRequest{
		Language:  m.lang,
		Text:      req.Text,
		Speaker:   req.Speaker,
		SpeakerID: req.SpeakerID,
		Speed:     req.Speed,
		Device:    m.loader.device,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.loader.baseURL+apiSynthesize, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", contentTypeWAV)

	resp, err := m.loader.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request to tts engine at %s: %w", m.loader.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}
	if ct := resp.Header.Get("Content-Type"); ct != contentTypeWAV {
		return fmt.Errorf("unexpected content type: expected %s, got %s", contentTypeWAV, ct)
	}

	f, err := os.OpenFile(req.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("write audio: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close output: %w", closeErr)
	}
	if n == 0 {
		return errEmptyAudio
	}
	return checkWAV(req.OutputPath)
}

// parseErrorResponse prefers the engine's structured error and falls back to
// the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp httpErrorResponse
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Detail != "" {
		if errorResp.ErrorCode != "" {
			return fmt.Errorf("tts engine error (%s): %s (code: %s)", resp.Status, errorResp.Detail, errorResp.ErrorCode)
		}
		return fmt.Errorf("tts engine error (%s): %s", resp.Status, errorResp.Detail)
	}
	return fmt.Errorf("tts engine returned non-OK status: %s, body: %s", resp.Status, strings.TrimSpace(string(body)))
}
