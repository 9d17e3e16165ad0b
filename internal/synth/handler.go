// Package synth turns a synthesis request into WAV audio: it validates input,
// fetches the language model, resolves the speaker and manages the temporary
// output file.
package synth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/modelcache"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

const (
	MimeTypeWAV     = "audio/wav"
	DefaultLanguage = "KR"
	DefaultSpeed    = 1.0

	previewRunes = 100
)

var (
	ErrEmptyText    = errors.New("Text is empty")
	ErrInvalidSpeed = errors.New("speed must be a positive number")
	ErrModelLoad    = errors.New("model load failed")
	ErrSynthesis    = errors.New("synthesis failed")
)

// Request is a single synthesis call. Zero values take the defaults.
type Request struct {
	Text     string
	Language string
	Speaker  string
	Speed    float64
	Source   string
}

// Timings breaks a request down the way operators read it in the logs.
type Timings struct {
	ModelLoad time.Duration
	Synthesis time.Duration
	Encoding  time.Duration
	Total     time.Duration
}

// Result is the base64 response shape.
type Result struct {
	AudioBase64 string
	MimeType    string
	Language    string
	Speaker     string
	Size        int
	Timings     Timings
}

// Artifact is a synthesized file handed to the caller for streaming. The
// caller owns the file and must call Release once it has been served.
type Artifact struct {
	Path     string
	Filename string
	Language string
	Speaker  string
	Size     int64
	Timings  Timings
	release  func()
}

// Release removes the artifact's file. It is safe to call more than once.
func (a *Artifact) Release() {
	if a != nil && a.release != nil {
		a.release()
		a.release = nil
	}
}

// Journal records synthesis outcomes.
type Journal interface {
	AppendSynthesis(ctx context.Context, rec eventstore.Synthesis) error
}

type Options struct {
	DefaultLanguage string
	MaxSpeed        float64
	TempDir         string
	SynthTimeout    time.Duration
}

// Handler is safe for concurrent use; it keeps no per-request state.
type Handler struct {
	cache   *modelcache.Cache
	journal Journal
	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer

	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func NewHandler(cache *modelcache.Cache, journal Journal, opts Options, log *slog.Logger) *Handler {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = DefaultLanguage
	}
	h := &Handler{
		cache:   cache,
		journal: journal,
		opts:    opts,
		log:     log.With(slog.String("component", "synth")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-voice/synth"),
	}
	if err := h.initMetrics(); err != nil {
		h.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return h
}

// Speakers returns the speaker table for lang, loading the model if needed.
func (h *Handler) Speakers(ctx context.Context, lang string) (string, voice.Registry, error) {
	entry, err := h.cache.Get(ctx, h.language(lang))
	if err != nil {
		return "", voice.Registry{}, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	return entry.Language, entry.Voices, nil
}

// LoadedLanguages lists languages with a cached model.
func (h *Handler) LoadedLanguages() []string {
	return h.cache.Languages()
}

// SynthesizeBase64 renders req and returns the audio inline. The temporary
// file never outlives the call.
func (h *Handler) SynthesizeBase64(ctx context.Context, req Request) (result *Result, err error) {
	run := h.begin(req, "base64")
	ctx, span := h.tracer.Start(ctx, "synth.base64")
	defer func() { h.finish(ctx, span, run, err) }()

	out, err := h.render(ctx, run)
	if err != nil {
		return nil, err
	}
	defer out.Release()

	encodeStart := time.Now()
	audio, err := os.ReadFile(out.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %w", ErrSynthesis, err)
	}
	encoded := base64.StdEncoding.EncodeToString(audio)
	run.timings.Encoding = time.Since(encodeStart)
	run.size = len(audio)

	h.log.Debug("encoded audio",
		slog.String("request_id", run.id),
		slog.Float64("size_kb", float64(len(audio))/1024),
		slog.Duration("elapsed", run.timings.Encoding))

	return &Result{
		AudioBase64: encoded,
		MimeType:    MimeTypeWAV,
		Language:    run.lang,
		Speaker:     run.speaker,
		Size:        len(audio),
		Timings:     run.finalTimings(),
	}, nil
}

// SynthesizeFile renders req and hands the file to the caller. On error no
// file is left behind.
func (h *Handler) SynthesizeFile(ctx context.Context, req Request) (artifact *Artifact, err error) {
	run := h.begin(req, "file")
	ctx, span := h.tracer.Start(ctx, "synth.file")
	defer func() { h.finish(ctx, span, run, err) }()

	out, err := h.render(ctx, run)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(out.Path)
	if err != nil {
		out.Release()
		return nil, fmt.Errorf("%w: stat output: %w", ErrSynthesis, err)
	}
	run.size = int(info.Size())

	out.Size = info.Size()
	out.Filename = fmt.Sprintf("tts_%s_%s.wav", strings.ToLower(run.lang), uuid.NewString()[:8])
	out.Timings = run.finalTimings()
	return out, nil
}

// render runs every stage up to a finished WAV file on disk.
func (h *Handler) render(ctx context.Context, run *runState) (*Artifact, error) {
	if run.text == "" {
		h.log.Warn("rejected request", slog.String("request_id", run.id), slog.String("error", ErrEmptyText.Error()))
		return nil, ErrEmptyText
	}
	if run.speed <= 0 || (h.opts.MaxSpeed > 0 && run.speed > h.opts.MaxSpeed) {
		return nil, fmt.Errorf("%w: got %g (max %g)", ErrInvalidSpeed, run.speed, h.opts.MaxSpeed)
	}

	loadStart := time.Now()
	entry, err := h.cache.Get(ctx, run.lang)
	run.timings.ModelLoad = time.Since(loadStart)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	if run.timings.ModelLoad > 100*time.Millisecond {
		h.log.Debug("model load time", slog.String("request_id", run.id), slog.Duration("elapsed", run.timings.ModelLoad))
	}

	h.log.Debug("available speakers", slog.String("request_id", run.id), slog.Any("speakers", entry.Voices.Names()))
	speaker, err := voice.Resolve(entry.Voices, run.lang, run.requested)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, run.lang, err)
	}
	speakerID, _ := entry.Voices.ID(speaker)
	run.speaker = speaker
	if speaker == run.requested {
		h.log.Debug("using speaker", slog.String("request_id", run.id), slog.String("speaker", speaker), slog.Int("id", speakerID))
	} else {
		h.log.Debug("using default speaker", slog.String("request_id", run.id), slog.String("speaker", speaker), slog.Int("id", speakerID))
	}

	out, err := h.acquireTemp()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	out.Language = run.lang
	out.Speaker = speaker

	synthCtx := ctx
	if h.opts.SynthTimeout > 0 {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(ctx, h.opts.SynthTimeout)
		defer cancel()
	}

	h.log.Info("synthesizing speech", slog.String("request_id", run.id), slog.String("language", run.lang), slog.String("speaker", speaker))
	synthStart := time.Now()
	err = entry.Model.SynthesizeToFile(synthCtx, tts.SynthRequest{
		Text:       run.text,
		Speaker:    speaker,
		SpeakerID:  speakerID,
		Speed:      run.speed,
		OutputPath: out.Path,
	})
	run.timings.Synthesis = time.Since(synthStart)
	if err != nil {
		out.Release()
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	h.log.Info("synthesis completed", slog.String("request_id", run.id), slog.Duration("elapsed", run.timings.Synthesis))
	return out, nil
}

// acquireTemp reserves a uniquely named output file. The returned artifact's
// Release removes it; a file that is already gone is not an error.
func (h *Handler) acquireTemp() (*Artifact, error) {
	f, err := os.CreateTemp(h.opts.TempDir, "loqa-voice-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		h.log.Warn("failed to close temp file", slog.String("path", path), slog.String("error", err.Error()))
	}
	h.log.Debug("temp output", slog.String("path", path))

	return &Artifact{
		Path: path,
		release: func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				h.log.Warn("failed to remove temp file", slog.String("path", path), slog.String("error", err.Error()))
				return
			}
			h.log.Debug("cleaned output file", slog.String("path", path))
		},
	}, nil
}

func (h *Handler) language(lang string) string {
	lang = modelcache.Normalize(lang)
	if lang == "" {
		return h.opts.DefaultLanguage
	}
	return lang
}

type runState struct {
	id        string
	source    string
	format    string
	text      string
	chars     int
	lang      string
	requested string
	speaker   string
	speed     float64
	size      int
	start     time.Time
	timings   Timings
}

func (r *runState) finalTimings() Timings {
	t := r.timings
	t.Total = time.Since(r.start)
	return t
}

func (h *Handler) begin(req Request, format string) *runState {
	speed := req.Speed
	if speed == 0 {
		speed = DefaultSpeed
	}
	source := req.Source
	if source == "" {
		source = "http"
	}
	run := &runState{
		id:        uuid.NewString(),
		source:    source,
		format:    format,
		text:      strings.TrimSpace(req.Text),
		chars:     utf8.RuneCountInString(req.Text),
		lang:      h.language(req.Language),
		requested: req.Speaker,
		speed:     speed,
		start:     time.Now(),
	}
	speaker := req.Speaker
	if speaker == "" {
		speaker = "default"
	}
	h.log.Info("new tts request",
		slog.String("request_id", run.id),
		slog.String("source", source),
		slog.String("format", format),
		slog.String("language", run.lang),
		slog.Float64("speed", speed),
		slog.String("speaker", speaker),
		slog.Int("chars", run.chars))
	h.log.Debug("text preview", slog.String("request_id", run.id), slog.String("preview", preview(req.Text)))
	return run
}

func (h *Handler) finish(ctx context.Context, span trace.Span, run *runState, err error) {
	defer span.End()
	timings := run.finalTimings()

	status := "ok"
	switch {
	case err == nil:
	case IsClientError(err):
		status = "client_error"
	default:
		status = "error"
	}

	span.SetAttributes(
		attribute.String("tts.request_id", run.id),
		attribute.String("tts.language", run.lang),
		attribute.String("tts.speaker", run.speaker),
		attribute.String("tts.format", run.format),
		attribute.Int("tts.audio_bytes", run.size),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.log.Error("request failed",
			slog.String("request_id", run.id),
			slog.Duration("elapsed", timings.Total),
			slog.String("error", err.Error()))
	} else {
		h.log.Info("request completed",
			slog.String("request_id", run.id),
			slog.Duration("elapsed", timings.Total))
		h.log.Debug("breakdown",
			slog.String("request_id", run.id),
			slog.Duration("model_load", timings.ModelLoad),
			slog.Duration("synthesis", timings.Synthesis),
			slog.Duration("encoding", timings.Encoding))
	}

	if h.requests != nil {
		attrs := metric.WithAttributes(
			attribute.String("format", run.format),
			attribute.String("language", run.lang),
			attribute.String("status", status))
		h.requests.Add(ctx, 1, attrs)
		if err == nil {
			h.duration.Record(ctx, timings.Synthesis.Seconds(), attrs)
		}
	}

	if h.journal == nil {
		return
	}
	rec := eventstore.Synthesis{
		RequestID:  run.id,
		Source:     run.source,
		Format:     run.format,
		Language:   run.lang,
		Speaker:    run.speaker,
		TextChars:  run.chars,
		Speed:      run.speed,
		Status:     status,
		AudioBytes: run.size,
		LoadMS:     timings.ModelLoad.Milliseconds(),
		SynthMS:    timings.Synthesis.Milliseconds(),
		EncodeMS:   timings.Encoding.Milliseconds(),
		TotalMS:    timings.Total.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := h.journal.AppendSynthesis(context.WithoutCancel(ctx), rec); jerr != nil {
		h.log.Warn("failed to journal synthesis", slog.String("request_id", run.id), slog.String("error", jerr.Error()))
	}
}

func (h *Handler) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/synth")
	requests, err := meter.Int64Counter("loqa.voice.requests", metric.WithDescription("Synthesis requests by format, language and status"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("loqa.voice.synthesis_seconds",
		metric.WithDescription("Time spent inside the engine per request"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	h.requests = requests
	h.duration = duration
	return nil
}

// IsClientError reports errors caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrEmptyText) || errors.Is(err, ErrInvalidSpeed)
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	return string([]rune(text)[:previewRunes]) + "..."
}
