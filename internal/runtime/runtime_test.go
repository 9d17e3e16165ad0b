package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func TestRuntimeServesHTTPAndBus(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Engine.TempDir = dir
	cfg.Engine.Mock.SampleRate = 8000
	cfg.EventStore.Path = filepath.Join(dir, "journal.db")
	cfg.Bus.Enabled = true
	cfg.Bus.Port = server.RANDOM_PORT
	cfg.Bus.StoreDir = ""

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	require.Eventually(t, func() bool { return rt.Addr() != "" && rt.isReady() }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + rt.Addr()

	resp, err := http.Post(base+"/synthesize_base64", "application/json", strings.NewReader(`{"text":"hello","lang":"EN"}`))
	require.NoError(t, err)
	var reply protocol.SynthesizeReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, reply.AudioBase64)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	var health protocol.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "cpu", health.Device)
	assert.Equal(t, []string{"EN"}, health.LoadedLanguages)

	nc, err := nats.Connect(rt.natsServer.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	msg, err := nc.Request(cfg.Bus.Subject, []byte(`{"text":"bus hello","lang":"kr"}`), 5*time.Second)
	require.NoError(t, err)
	var busReply protocol.SynthesizeReply
	require.NoError(t, json.Unmarshal(msg.Data, &busReply))
	assert.Empty(t, busReply.Error)
	assert.Equal(t, "audio/wav", busReply.MimeType)

	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.False(t, rt.isReady())
}

func TestRuntimeFailsOnBadEngine(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.EventStore.Enabled = false
	cfg.Engine.Mode = "bogus"

	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := rt.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tts mode")
}
