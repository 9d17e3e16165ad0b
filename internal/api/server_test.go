package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voice/internal/api"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/modelcache"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

type testServer struct {
	url     string
	tempDir string
	ready   *atomic.Bool
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T) testServer {
	t.Helper()
	log := newLogger()
	dir := t.TempDir()
	tempDir := filepath.Join(dir, "tmp")
	require.NoError(t, os.Mkdir(tempDir, 0o755))

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Enabled: true,
		Path:    filepath.Join(dir, "journal.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	voices := map[string][]string{
		"KR": {"KR"},
		"EN": {"EN-US", "EN-BR", "EN-Default"},
	}
	cache := modelcache.New(tts.NewMockLoader(voices, 16000), time.Second, log)
	handler := synth.NewHandler(cache, store, synth.Options{MaxSpeed: 4, TempDir: tempDir}, log)

	ready := &atomic.Bool{}
	ready.Store(true)
	srv := api.NewServer(handler, store, api.Options{
		Device:       "cpu",
		MaxBodyBytes: 1024,
		Ready:        ready.Load,
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	}, log)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return testServer{url: ts.URL, tempDir: tempDir, ready: ready}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSynthesizeBase64(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	resp := postJSON(t, srv.url+"/synthesize_base64", `{"text":"hello world","lang":"en","speed":1.0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	reply := decodeBody[protocol.SynthesizeReply](t, resp)
	assert.Equal(t, "audio/wav", reply.MimeType)
	audio, err := base64.StdEncoding.DecodeString(reply.AudioBase64)
	require.NoError(t, err)
	assert.True(t, wav.NewDecoder(bytes.NewReader(audio)).IsValidFile())
	assertNoTempFiles(t, srv.tempDir)
}

func TestSynthesizeBase64Errors(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	cases := []struct {
		name   string
		body   string
		status int
		detail string
	}{
		{"empty text", `{"text":"   "}`, http.StatusBadRequest, "Text is empty"},
		{"negative speed", `{"text":"hi","speed":-2}`, http.StatusBadRequest, "speed must be a positive number"},
		{"malformed json", `{"text":`, http.StatusBadRequest, "invalid request body"},
		{"unknown language", `{"text":"hi","lang":"xx"}`, http.StatusInternalServerError, "TTS synthesis failed: "},
		{"body too large", `{"text":"` + strings.Repeat("a", 2048) + `"}`, http.StatusRequestEntityTooLarge, "request body exceeds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.url+"/synthesize_base64", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			errResp := decodeBody[protocol.ErrorResponse](t, resp)
			assert.Contains(t, errResp.Detail, tc.detail)
		})
	}
	assertNoTempFiles(t, srv.tempDir)
}

func TestSynthesizeFile(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	resp := postJSON(t, srv.url+"/synthesize", `{"text":"안녕하세요"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	disposition := resp.Header.Get("Content-Disposition")
	assert.True(t, strings.HasPrefix(disposition, `attachment; filename="tts_kr_`), disposition)
	assert.True(t, strings.HasSuffix(disposition, `.wav"`), disposition)

	audio, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, wav.NewDecoder(bytes.NewReader(audio)).IsValidFile())
	assert.Equal(t, resp.ContentLength, int64(len(audio)))
	assertNoTempFiles(t, srv.tempDir)

	resp = postJSON(t, srv.url+"/synthesize", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Text is empty", decodeBody[protocol.ErrorResponse](t, resp).Detail)
}

func TestSynthesizeMethodNotAllowed(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	resp := get(t, srv.url+"/synthesize")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthReportsLoadedLanguages(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	health := decodeBody[protocol.HealthResponse](t, get(t, srv.url+"/health"))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "cpu", health.Device)
	assert.Empty(t, health.LoadedLanguages)

	require.Equal(t, http.StatusOK, postJSON(t, srv.url+"/synthesize_base64", `{"text":"hi","lang":"EN"}`).StatusCode)
	require.Equal(t, http.StatusOK, postJSON(t, srv.url+"/synthesize_base64", `{"text":"hi"}`).StatusCode)

	health = decodeBody[protocol.HealthResponse](t, get(t, srv.url+"/health"))
	assert.Equal(t, []string{"EN", "KR"}, health.LoadedLanguages)
}

func TestSpeakers(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	resp := get(t, srv.url+"/speakers/en")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	speakers := decodeBody[protocol.SpeakersResponse](t, resp)
	assert.Equal(t, "en", speakers.Language)
	assert.Equal(t, []string{"EN-US", "EN-BR", "EN-Default"}, speakers.Speakers)
	assert.Equal(t, map[string]int{"EN-US": 0, "EN-BR": 1, "EN-Default": 2}, speakers.SpeakerIDs)

	resp = get(t, srv.url+"/speakers/XX")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid language: XX", decodeBody[protocol.ErrorResponse](t, resp).Detail)
}

func TestHistory(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	postJSON(t, srv.url+"/synthesize_base64", `{"text":"first","lang":"EN","speaker":"EN-BR"}`)
	postJSON(t, srv.url+"/synthesize", `{"text":" "}`)

	resp := get(t, srv.url+"/history?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decodeBody[[]protocol.HistoryEntry](t, resp)
	require.Len(t, entries, 2)

	byFormat := map[string]protocol.HistoryEntry{}
	for _, e := range entries {
		byFormat[e.Format] = e
	}
	assert.Equal(t, "ok", byFormat["base64"].Status)
	assert.Equal(t, "EN-BR", byFormat["base64"].Speaker)
	assert.Equal(t, "client_error", byFormat["file"].Status)

	resp = get(t, srv.url+"/history?limit=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()
	srv := startServer(t)

	assert.Equal(t, http.StatusOK, get(t, srv.url+"/healthz").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, srv.url+"/readyz").StatusCode)

	srv.ready.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.url+"/readyz").StatusCode)

	resp := get(t, srv.url+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "# metrics", string(body))
}
