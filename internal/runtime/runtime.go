package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-voice/internal/api"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/modelcache"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	store       *eventstore.Store
	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client
	busService  *synth.Service
	ready       atomic.Bool

	mu   sync.Mutex
	addr string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the service until ctx is cancelled or a component fails.
func (r *Runtime) Start(ctx context.Context) (err error) {
	defer func() {
		if cerr := r.closeComponents(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	loader, err := tts.NewLoader(r.cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to build tts engine: %w", err)
	}
	cache := modelcache.New(loader, time.Duration(r.cfg.Engine.LoadTimeoutMS)*time.Millisecond, r.logger)
	handler := synth.NewHandler(cache, r.store, synth.Options{
		DefaultLanguage: r.cfg.Engine.DefaultLanguage,
		MaxSpeed:        r.cfg.Engine.MaxSpeed,
		TempDir:         r.cfg.Engine.TempDir,
		SynthTimeout:    time.Duration(r.cfg.Engine.SynthTimeoutMS) * time.Millisecond,
	}, r.logger)

	if err := r.startBus(ctx, handler); err != nil {
		return err
	}

	server := api.NewServer(handler, r.store, api.Options{
		Device:       r.cfg.Engine.Device,
		MaxBodyBytes: r.cfg.HTTP.MaxBodyBytes,
		Ready:        r.isReady,
		Metrics:      metricsHandler,
	}, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.setAddr(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: time.Duration(r.cfg.HTTP.ReadHeaderTimeoutMS) * time.Millisecond,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.String("device", r.cfg.Engine.Device),
		slog.String("default_language", r.cfg.Engine.DefaultLanguage),
		slog.Bool("bus", r.busService != nil))

	return g.Wait()
}

// Addr is the bound HTTP address, empty until the listener is up.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

func (r *Runtime) setAddr(addr string) {
	r.mu.Lock()
	r.addr = addr
	r.mu.Unlock()
}

func (r *Runtime) startBus(ctx context.Context, handler *synth.Handler) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus

	ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.natsServer = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.busClient, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}

	svc := synth.NewService(ctx, busCfg.Subject, r.busClient, handler, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start bus service: %w", err)
	}
	r.busService = svc
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.busService != nil && (!r.busClient.Healthy() || !r.busService.Healthy()) {
		return false
	}
	return true
}

// closeComponents releases everything Start acquired, in reverse order.
func (r *Runtime) closeComponents() error {
	var errs []error
	if r.busService != nil {
		r.busService.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.natsServer.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
