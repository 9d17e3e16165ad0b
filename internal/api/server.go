// Package api exposes the synthesis handler over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Synthesizer is the part of synth.Handler the routes need.
type Synthesizer interface {
	SynthesizeBase64(ctx context.Context, req synth.Request) (*synth.Result, error)
	SynthesizeFile(ctx context.Context, req synth.Request) (*synth.Artifact, error)
	Speakers(ctx context.Context, lang string) (string, voice.Registry, error)
	LoadedLanguages() []string
}

type History interface {
	ListRecent(ctx context.Context, limit int) ([]eventstore.Synthesis, error)
}

type Options struct {
	Device       string
	MaxBodyBytes int64
	// Ready gates /readyz. Nil means always ready.
	Ready func() bool
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

type Server struct {
	synth   Synthesizer
	history History
	opts    Options
	log     *slog.Logger
}

func NewServer(s Synthesizer, history History, opts Options, log *slog.Logger) *Server {
	return &Server{
		synth:   s,
		history: history,
		opts:    opts,
		log:     log.With(slog.String("component", "http-api")),
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /synthesize", s.handleSynthesizeFile)
	mux.HandleFunc("POST /synthesize_base64", s.handleSynthesizeBase64)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /speakers/{lang}", s.handleSpeakers)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	return mux
}

func (s *Server) handleSynthesizeBase64(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	res, err := s.synth.SynthesizeBase64(r.Context(), req)
	if err != nil {
		s.writeSynthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SynthesizeReply{AudioBase64: res.AudioBase64, MimeType: res.MimeType})
}

func (s *Server) handleSynthesizeFile(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	art, err := s.synth.SynthesizeFile(r.Context(), req)
	if err != nil {
		s.writeSynthError(w, err)
		return
	}
	defer art.Release()

	f, err := os.Open(art.Path)
	if err != nil {
		s.writeSynthError(w, fmt.Errorf("%w: open output: %w", synth.ErrSynthesis, err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", synth.MimeTypeWAV)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.log.Warn("failed to stream audio", slog.String("file", art.Filename), slog.String("error", err.Error()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	loaded := s.synth.LoadedLanguages()
	s.log.Info("health check requested")
	s.log.Debug("loaded models", slog.Any("languages", loaded))
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:          "ok",
		Device:          s.opts.Device,
		LoadedLanguages: loaded,
	})
}

func (s *Server) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	lang := r.PathValue("lang")
	s.log.Info("speaker list requested", slog.String("language", lang))

	_, voices, err := s.synth.Speakers(r.Context(), lang)
	if err != nil {
		s.log.Error("failed to get speakers", slog.String("language", lang), slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid language: "+lang)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SpeakersResponse{
		Language:   lang,
		Speakers:   voices.Names(),
		SpeakerIDs: voices.Map(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, []protocol.HistoryEntry{})
		return
	}

	records, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		s.log.Error("failed to list history", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "history unavailable: "+err.Error())
		return
	}
	out := make([]protocol.HistoryEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, protocol.HistoryEntry{
			RequestID:  rec.RequestID,
			Source:     rec.Source,
			Format:     rec.Format,
			Language:   rec.Language,
			Speaker:    rec.Speaker,
			TextChars:  rec.TextChars,
			Speed:      rec.Speed,
			Status:     rec.Status,
			Error:      rec.Error,
			AudioBytes: rec.AudioBytes,
			LoadMS:     rec.LoadMS,
			SynthMS:    rec.SynthMS,
			EncodeMS:   rec.EncodeMS,
			TotalMS:    rec.TotalMS,
			CreatedAt:  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready == nil || s.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (synth.Request, bool) {
	if s.opts.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	}
	var body protocol.SynthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return synth.Request{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return synth.Request{}, false
	}
	return synth.FromWire(body, "http"), true
}

func (s *Server) writeSynthError(w http.ResponseWriter, err error) {
	if synth.IsClientError(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "TTS synthesis failed: "+err.Error())
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, protocol.ErrorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
