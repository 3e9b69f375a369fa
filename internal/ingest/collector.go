// Package ingest polls external event sources. Concrete adapters (RSS,
// wikis, forums) live outside this module and plug in through Source.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
)

const DefaultFetchTimeout = 30 * time.Second

// Item is one candidate event as reported by a source.
type Item struct {
	ExternalID  string
	Title       string
	Description string
	URL         string
	Category    string
}

type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Item, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	SourceName string
	Fn         func(ctx context.Context) ([]Item, error)
}

func (s SourceFunc) Name() string { return s.SourceName }

func (s SourceFunc) Fetch(ctx context.Context) ([]Item, error) { return s.Fn(ctx) }

type CollectorConfig struct {
	Sources []Source
	Health  *SourceHealth
	// MinInterval spaces consecutive fetches. Zero means no pacing.
	MinInterval  time.Duration
	FetchTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *otel.Metrics
}

// Collector fetches every enabled source once per Collect call.
type Collector struct {
	sources []Source
	health  *SourceHealth
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
	m       *otel.Metrics
}

func NewCollector(cfg CollectorConfig) *Collector {
	c := &Collector{
		sources: cfg.Sources,
		health:  cfg.Health,
		timeout: cfg.FetchTimeout,
		logger:  cfg.Logger,
		m:       cfg.Metrics,
	}
	if c.health == nil {
		c.health = NewSourceHealth(HealthConfig{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if c.timeout <= 0 {
		c.timeout = DefaultFetchTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	c.limiter = rate.NewLimiter(limit, 1)
	return c
}

func (c *Collector) Health() *SourceHealth { return c.health }

// Collect polls the sources and returns their items as new events. A
// failing source is recorded and skipped; only cancellation of ctx fails
// the whole collection.
func (c *Collector) Collect(ctx context.Context) ([]persistence.NewEvent, error) {
	var out []persistence.NewEvent
	for _, src := range c.sources {
		name := src.Name()
		if !c.health.ShouldPoll(name) {
			c.logger.Debug("source disabled, skipping", "source", name)
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return out, fmt.Errorf("wait for fetch slot: %w", err)
		}
		items, err := c.fetch(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			c.health.RecordFailure(ctx, name, err)
			continue
		}
		c.health.RecordSuccess(ctx, name)
		kept := 0
		for _, it := range items {
			ev, ok := toEvent(name, it)
			if !ok {
				continue
			}
			out = append(out, ev)
			kept++
		}
		c.logger.Debug("source fetched", "source", name, "items", len(items), "kept", kept)
	}
	return out, nil
}

func (c *Collector) fetch(ctx context.Context, src Source) (items []Item, err error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source %s panicked: %v", src.Name(), r)
		}
	}()
	items, err = src.Fetch(fetchCtx)
	if err == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("source %s: %w", src.Name(), fetchCtx.Err())
	}
	return items, err
}

func toEvent(source string, it Item) (persistence.NewEvent, bool) {
	title := strings.TrimSpace(it.Title)
	id := strings.TrimSpace(it.ExternalID)
	if title == "" {
		return persistence.NewEvent{}, false
	}
	if id == "" {
		id = strings.TrimSpace(it.URL)
	}
	if id == "" {
		return persistence.NewEvent{}, false
	}
	return persistence.NewEvent{
		Source:      source,
		ExternalID:  id,
		Title:       title,
		Description: strings.TrimSpace(it.Description),
		URL:         strings.TrimSpace(it.URL),
		Category:    strings.TrimSpace(it.Category),
	}, true
}
