package synth_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/modelcache"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

var testVoices = map[string][]string{
	"KR": {"KR"},
	"EN": {"EN-US", "EN-BR", "EN-Default"},
	"JP": {"JP"},
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingLoader struct {
	next  tts.Loader
	calls atomic.Int32
}

func (l *countingLoader) Load(ctx context.Context, lang string) (tts.Model, error) {
	l.calls.Add(1)
	return l.next.Load(ctx, lang)
}

type memoryJournal struct {
	mu      sync.Mutex
	records []eventstore.Synthesis
}

func (j *memoryJournal) AppendSynthesis(_ context.Context, rec eventstore.Synthesis) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *memoryJournal) all() []eventstore.Synthesis {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]eventstore.Synthesis(nil), j.records...)
}

type fixture struct {
	handler *synth.Handler
	loader  *countingLoader
	journal *memoryJournal
	tempDir string
}

func newFixture(t *testing.T, loader tts.Loader, opts synth.Options) fixture {
	t.Helper()
	counting := &countingLoader{next: loader}
	journal := &memoryJournal{}
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	if opts.MaxSpeed == 0 {
		opts.MaxSpeed = 4
	}
	cache := modelcache.New(counting, time.Second, newLogger())
	return fixture{
		handler: synth.NewHandler(cache, journal, opts, newLogger()),
		loader:  counting,
		journal: journal,
		tempDir: opts.TempDir,
	}
}

func newMockFixture(t *testing.T) fixture {
	return newFixture(t, tts.NewMockLoader(testVoices, 16000), synth.Options{})
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files left behind")
}

func TestEmptyTextRejectedBeforeModelLoad(t *testing.T) {
	t.Parallel()
	fx := newMockFixture(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := fx.handler.SynthesizeBase64(context.Background(), synth.Request{Text: text, Language: "EN"})
		require.ErrorIs(t, err, synth.ErrEmptyText)
		assert.True(t, synth.IsClientError(err))

		_, err = fx.handler.SynthesizeFile(context.Background(), synth.Request{Text: text})
		require.ErrorIs(t, err, synth.ErrEmptyText)
	}
	assert.Zero(t, fx.loader.calls.Load())
	assert.Empty(t, fx.handler.LoadedLanguages())
	assertNoTempFiles(t, fx.tempDir)
}

func TestInvalidSpeed(t *testing.T) {
	t.Parallel()
	fx := newMockFixture(t)

	for _, speed := range []float64{-1, 4.5} {
		_, err := fx.handler.SynthesizeBase64(context.Background(), synth.Request{Text: "hi", Speed: speed})
		require.ErrorIs(t, err, synth.ErrInvalidSpeed)
	}
	assert.Zero(t, fx.loader.calls.Load())
}

func TestBase64MatchesFileOutput(t *testing.T) {
	t.Parallel()
	fx := newMockFixture(t)
	req := synth.Request{Text: "안녕하세요", Language: "kr", Speed: 1.2}

	res, err := fx.handler.SynthesizeBase64(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, synth.MimeTypeWAV, res.MimeType)
	assert.Equal(t, "KR", res.Language)
	assert.Equal(t, "KR", res.Speaker)

	decoded, err := base64.StdEncoding.DecodeString(res.AudioBase64)
	require.NoError(t, err)
	assert.Len(t, decoded, res.Size)
	assert.True(t, wav.NewDecoder(bytes.NewReader(decoded)).IsValidFile())

	art, err := fx.handler.SynthesizeFile(context.Background(), req)
	require.NoError(t, err)
	onDisk, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, decoded, onDisk)
	assert.Equal(t, int64(len(onDisk)), art.Size)
	assert.True(t, strings.HasPrefix(art.Filename, "tts_kr_"))
	assert.True(t, strings.HasSuffix(art.Filename, ".wav"))

	art.Release()
	art.Release()
	_, err = os.Stat(art.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assertNoTempFiles(t, fx.tempDir)

	assert.Equal(t, int32(1), fx.loader.calls.Load(), "model should be loaded once")
}

func TestSpeakerResolution(t *testing.T) {
	t.Parallel()
	fx := newMockFixture(t)

	cases := []struct {
		lang, speaker, want string
	}{
		{"EN", "", "EN-Default"},
		{"en", "EN-BR", "EN-BR"},
		{"EN", "en-br", "EN-Default"},
		{"KR", "nope", "KR"},
		{"", "", "KR"},
	}
	for _, tc := range cases {
		res, err := fx.handler.SynthesizeBase64(context.Background(), synth.Request{Text: "hello", Language: tc.lang, Speaker: tc.speaker})
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Speaker, "lang=%q speaker=%q", tc.lang, tc.speaker)
	}
}

func TestModelLoadFailure(t *testing.T) {
	t.Parallel()
	fx := newMockFixture(t)

	_, err := fx.handler.SynthesizeBase64(context.Background(), synth.Request{Text: "bonjour", Language: "FR"})
	require.ErrorIs(t, err, synth.ErrModelLoad)
	require.ErrorIs(t, err, tts.ErrUnsupportedLanguage)
	assert.False(t, synth.IsClientError(err))
	assertNoTempFiles(t, fx.tempDir)

	_, _, err = fx.handler.Speakers(context.Background(), "FR")
	require.ErrorIs(t, err, synth.ErrModelLoad)
}

type failingModel struct {
	voices voice.Registry
	delay  time.Duration
}

func (m failingModel) Language() string       { return "EN" }
func (m failingModel) Voices() voice.Registry { return m.voices }
func (m failingModel) SynthesizeToFile(ctx context.Context, req tts.SynthRequest) error {
	if err := os.WriteFile(req.OutputPath, []byte("partial"), 0o600); err != nil {
		return err
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.New("engine crashed")
}

func failingLoader(delay time.Duration) tts.Loader {
	return tts.LoaderFunc(func(context.Context, string) (tts.Model, error) {
		return failingModel{voices: voice.New(voice.Voice{Name: "EN-Default", ID: 1}), delay: delay}, nil
	})
}

func TestSynthesisFailureCleansUp(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, failingLoader(0), synth.Options{})

	_, err := fx.handler.SynthesizeBase64(context.Background(), synth.Request{Text: "hello", Language: "EN"})
	require.ErrorIs(t, err, synth.ErrSynthesis)
	assert.Contains(t, err.Error(), "engine crashed")

	art, err := fx.handler.SynthesizeFile(context.Background(), synth.Request{Text: "hello", Language: "EN"})
	require.ErrorIs(t, err, synth.ErrSynthesis)
	assert.Nil(t, art)

	assertNoTempFiles(t, fx.tempDir)
}

func TestSynthesisTimeout(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, failingLoader(time.Second), synth.Options{SynthTimeout: 20 * time.Millisecond})

	_, err := fx.handler.SynthesizeBase64(context.Background(), synth.Request{Text: "hello", Language: "EN"})
	require.ErrorIs(t, err, synth.ErrSynthesis)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assertNoTempFiles(t, fx.tempDir)
}

func TestJournalRecordsOutcomes(t *testing.T) {
	t.Parallel()
	fx := newMockFixture(t)

	_, err := fx.handler.SynthesizeBase64(context.Background(), synth.Request{Text: "hello", Language: "EN", Source: "bus"})
	require.NoError(t, err)
	_, err = fx.handler.SynthesizeBase64(context.Background(), synth.Request{Text: " ", Language: "EN"})
	require.Error(t, err)

	records := fx.journal.all()
	require.Len(t, records, 2)

	ok := records[0]
	assert.Equal(t, "ok", ok.Status)
	assert.Equal(t, "bus", ok.Source)
	assert.Equal(t, "base64", ok.Format)
	assert.Equal(t, "EN", ok.Language)
	assert.Equal(t, "EN-Default", ok.Speaker)
	assert.Equal(t, 5, ok.TextChars)
	assert.Equal(t, 1.0, ok.Speed)
	assert.Positive(t, ok.AudioBytes)
	assert.NotEmpty(t, ok.RequestID)
	assert.Empty(t, ok.Error)

	rejected := records[1]
	assert.Equal(t, "client_error", rejected.Status)
	assert.Equal(t, "http", rejected.Source)
	assert.Equal(t, synth.ErrEmptyText.Error(), rejected.Error)
}

func TestSpeakersAndLoadedLanguages(t *testing.T) {
	t.Parallel()
	fx := newMockFixture(t)

	lang, voices, err := fx.handler.Speakers(context.Background(), " en ")
	require.NoError(t, err)
	assert.Equal(t, "EN", lang)
	assert.Equal(t, []string{"EN-US", "EN-BR", "EN-Default"}, voices.Names())

	_, _, err = fx.handler.Speakers(context.Background(), "jp")
	require.NoError(t, err)
	assert.Equal(t, []string{"EN", "JP"}, fx.handler.LoadedLanguages())
}
