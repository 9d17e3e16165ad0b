package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Service answers synthesis requests arriving on the bus with the base64
// envelope.
type Service struct {
	subject string
	bus     *bus.Client
	handler *Handler
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, subject string, busClient *bus.Client, handler *Handler, log *slog.Logger) *Service {
	if subject == "" {
		subject = protocol.SubjectSynthesize
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		subject: subject,
		bus:     busClient,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(s.subject, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info("listening for synthesis requests", slog.String("subject", s.subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	if msg.Reply == "" {
		s.logger.Warn("dropping synthesis request without reply subject")
		return
	}

	var req protocol.SynthesizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		s.respond(msg, protocol.SynthesizeReply{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		res, err := s.handler.SynthesizeBase64(s.ctx, FromWire(req, "bus"))
		if err != nil {
			s.respond(msg, protocol.SynthesizeReply{Error: err.Error()})
			return
		}
		s.respond(msg, protocol.SynthesizeReply{AudioBase64: res.AudioBase64, MimeType: res.MimeType})
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.SynthesizeReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal synthesis reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to publish synthesis reply", slogError(err))
	}
}

// FromWire maps the wire request shared by the HTTP and bus surfaces. A zero
// speed means the default.
func FromWire(req protocol.SynthesizeRequest, source string) Request {
	out := Request{
		Text:     req.Text,
		Language: req.Lang,
		Speed:    DefaultSpeed,
		Source:   source,
	}
	if req.Speed != nil && *req.Speed != 0 {
		out.Speed = *req.Speed
	}
	if req.Speaker != nil {
		out.Speaker = *req.Speaker
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
