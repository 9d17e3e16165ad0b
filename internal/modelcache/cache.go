// Package modelcache keeps one loaded synthesis model per language for the
// life of the process.
package modelcache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Entry is a loaded model together with the speaker table it exposed at load
// time.
type Entry struct {
	Language string
	Model    tts.Model
	Voices   voice.Registry
	LoadedAt time.Time
	LoadTime time.Duration
}

// Cache loads each language at most once. Concurrent first requests for the
// same language share a single load; failed loads are not remembered.
type Cache struct {
	loader      tts.Loader
	loadTimeout time.Duration
	log         *slog.Logger
	group       singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string

	loads    metric.Int64Counter
	loadTime metric.Float64Histogram
}

func New(loader tts.Loader, loadTimeout time.Duration, log *slog.Logger) *Cache {
	c := &Cache{
		loader:      loader,
		loadTimeout: loadTimeout,
		log:         log.With(slog.String("component", "model-cache")),
		entries:     make(map[string]*Entry),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c
}

// Normalize is the cache key form of a language code.
func Normalize(lang string) string {
	return strings.ToUpper(strings.TrimSpace(lang))
}

// Get returns the model for lang, loading it on first use.
func (c *Cache) Get(ctx context.Context, lang string) (*Entry, error) {
	key := Normalize(lang)
	if key == "" {
		return nil, fmt.Errorf("language code is empty")
	}

	if entry, ok := c.lookup(key); ok {
		c.log.Debug("using cached model", slog.String("language", key))
		return entry, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if entry, ok := c.lookup(key); ok {
			return entry, nil
		}
		return c.load(ctx, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) lookup(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// load runs detached from the first caller's cancellation because other
// callers may be waiting on the same result.
func (c *Cache) load(ctx context.Context, key string) (*Entry, error) {
	loadCtx := context.WithoutCancel(ctx)
	if c.loadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(loadCtx, c.loadTimeout)
		defer cancel()
	}

	c.log.Info("loading model", slog.String("language", key))
	start := time.Now()
	model, err := c.loader.Load(loadCtx, key)
	elapsed := time.Since(start)
	if err != nil {
		c.record(loadCtx, key, "error", elapsed)
		c.log.Error("failed to load model", slog.String("language", key), slog.String("error", err.Error()))
		return nil, err
	}
	c.record(loadCtx, key, "ok", elapsed)

	entry := &Entry{
		Language: key,
		Model:    model,
		Voices:   model.Voices(),
		LoadedAt: start,
		LoadTime: elapsed,
	}

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.entries[key] = entry
	c.order = append(c.order, key)
	c.mu.Unlock()

	c.log.Info("model loaded",
		slog.String("language", key),
		slog.Int("voices", entry.Voices.Len()),
		slog.Duration("elapsed", elapsed))
	return entry, nil
}

// Languages lists loaded languages in the order they were loaded.
func (c *Cache) Languages() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.order...)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/modelcache")
	loads, err := meter.Int64Counter("loqa.voice.model.loads", metric.WithDescription("Model load attempts by language and outcome"))
	if err != nil {
		return err
	}
	loadTime, err := meter.Float64Histogram("loqa.voice.model.load_seconds",
		metric.WithDescription("Model load duration"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	loaded, err := meter.Int64ObservableGauge("loqa.voice.models.loaded", metric.WithDescription("Languages with a loaded model"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(loaded, int64(c.Len()))
		return nil
	}, loaded)
	if err != nil {
		return err
	}
	c.loads = loads
	c.loadTime = loadTime
	return nil
}

func (c *Cache) record(ctx context.Context, lang, outcome string, elapsed time.Duration) {
	if c.loads == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("language", lang), attribute.String("outcome", outcome))
	c.loads.Add(ctx, 1, attrs)
	c.loadTime.Record(ctx, elapsed.Seconds(), attrs)
}
