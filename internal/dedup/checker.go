// Package dedup rejects candidate topic titles that repeat recent or
// permanent topics. Checks run cheapest first: a rolling hash cache, the
// permanent slug store, then Jaccard similarity against recent titles.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/bus"
	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/similarity"
)

// Tier names the check that rejected a title.
type Tier string

const (
	TierNone       Tier = ""
	TierEmpty      Tier = "empty"
	TierHash       Tier = "hash"
	TierSlug       Tier = "slug"
	TierSimilarity Tier = "similarity"
	TierBatch      Tier = "batch"
)

const (
	DefaultCacheTTL           = 24 * time.Hour
	DefaultCorpusWindow       = 30 * 24 * time.Hour
	DefaultCorpusSize         = 200
	DefaultDuplicateThreshold = 0.85
	DefaultSimilarThreshold   = 0.6
)

// SlugStore is the permanent record of slugs that have produced a topic.
type SlugStore interface {
	SlugExists(ctx context.Context, slug string) (bool, error)
	RetireSlug(ctx context.Context, slug, title, category string) (bool, error)
}

// TitleCorpus returns the newest titles of a category created after since.
type TitleCorpus interface {
	RecentTitles(ctx context.Context, category string, since time.Time, limit int) ([]string, error)
}

type Thresholds struct {
	Duplicate float64
	Similar   float64
}

type Config struct {
	Cache        Cache
	Slugs        SlugStore
	Corpus       TitleCorpus
	Clock        Clock
	Logger       *slog.Logger
	Bus          *bus.Bus
	Metrics      *otel.Metrics
	CorpusWindow time.Duration
	CorpusSize   int
	Thresholds   Thresholds
}

// Decision is the outcome of checking one title. Duplicate is a normal
// negative result, not an error.
type Decision struct {
	Duplicate  bool    `json:"duplicate"`
	Tier       Tier    `json:"tier,omitempty"`
	Match      string  `json:"match,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
	// Similar is set when the best match clears the warning threshold
	// without reaching the duplicate threshold.
	Similar bool   `json:"similar,omitempty"`
	Hash    string `json:"hash"`
	Slug    string `json:"slug"`
}

type Checker struct {
	cache  Cache
	slugs  SlugStore
	corpus TitleCorpus
	clock  Clock
	logger *slog.Logger
	bus    *bus.Bus
	m      *otel.Metrics

	window time.Duration
	size   int

	mu         sync.RWMutex
	thresholds Thresholds
}

func NewChecker(cfg Config) (*Checker, error) {
	if cfg.Cache == nil || cfg.Slugs == nil || cfg.Corpus == nil {
		return nil, errors.New("dedup: cache, slug store and corpus are required")
	}
	c := &Checker{
		cache:  cfg.Cache,
		slugs:  cfg.Slugs,
		corpus: cfg.Corpus,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		bus:    cfg.Bus,
		m:      cfg.Metrics,
		window: cfg.CorpusWindow,
		size:   cfg.CorpusSize,
	}
	if c.clock == nil {
		c.clock = SystemClock
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.window <= 0 {
		c.window = DefaultCorpusWindow
	}
	if c.size <= 0 {
		c.size = DefaultCorpusSize
	}
	c.SetThresholds(cfg.Thresholds)
	return c, nil
}

// SetThresholds swaps thresholds at runtime. Zero values select defaults.
func (c *Checker) SetThresholds(t Thresholds) {
	if t.Duplicate <= 0 || t.Duplicate > 1 {
		t.Duplicate = DefaultDuplicateThreshold
	}
	if t.Similar <= 0 || t.Similar > t.Duplicate {
		t.Similar = min(DefaultSimilarThreshold, t.Duplicate)
	}
	c.mu.Lock()
	c.thresholds = t
	c.mu.Unlock()
}

func (c *Checker) Thresholds() Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thresholds
}

// Check runs the three tiers against persisted state, stopping at the first
// positive match.
func (c *Checker) Check(ctx context.Context, title, category string) (Decision, error) {
	d := Decision{Hash: similarity.Hash(title), Slug: similarity.Slug(title)}
	if similarity.Normalize(title) == "" {
		d.Duplicate, d.Tier = true, TierEmpty
		c.rejected(ctx, title, category, d)
		return d, nil
	}

	entry, hit, err := c.cache.Get(ctx, CacheKey(category, d.Hash))
	if err != nil {
		return Decision{}, fmt.Errorf("dedup cache lookup: %w", err)
	}
	if hit {
		d.Duplicate, d.Tier, d.Match, d.Similarity = true, TierHash, entry.Title, 1
		c.rejected(ctx, title, category, d)
		return d, nil
	}

	if d.Slug != "" {
		exists, err := c.slugs.SlugExists(ctx, d.Slug)
		if err != nil {
			return Decision{}, fmt.Errorf("dedup slug lookup: %w", err)
		}
		if exists {
			d.Duplicate, d.Tier = true, TierSlug
			c.rejected(ctx, title, category, d)
			return d, nil
		}
	}

	since := c.clock.Now().Add(-c.window)
	titles, err := c.corpus.RecentTitles(ctx, category, since, c.size)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup corpus lookup: %w", err)
	}
	th := c.Thresholds()
	if best, ok := similarity.BestMatch(title, titles); ok {
		d.Match, d.Similarity = best.Title, best.Score
		switch {
		case best.Score >= th.Duplicate:
			d.Duplicate, d.Tier = true, TierSimilarity
			c.rejected(ctx, title, category, d)
		case best.Score >= th.Similar:
			d.Similar = true
			c.logger.Info("dedup: similar topic exists",
				"title", title, "match", best.Title, "similarity", best.Score, "category", category)
		}
	}
	return d, nil
}

// Remember records that a topic was created from title: it enters the
// rolling cache and its slug is retired permanently.
func (c *Checker) Remember(ctx context.Context, title, category string) error {
	hash := similarity.Hash(title)
	if err := c.cache.Put(ctx, CacheKey(category, hash), Entry{Title: title, FirstSeen: c.clock.Now()}); err != nil {
		return fmt.Errorf("dedup cache put: %w", err)
	}
	if slug := similarity.Slug(title); slug != "" {
		if _, err := c.slugs.RetireSlug(ctx, slug, title, category); err != nil {
			return fmt.Errorf("dedup retire slug: %w", err)
		}
	}
	return nil
}

func (c *Checker) rejected(ctx context.Context, title, category string, d Decision) {
	c.logger.Debug("dedup: duplicate rejected",
		"title", title, "category", category, "tier", string(d.Tier), "match", d.Match, "similarity", d.Similarity)
	c.m.DedupRejected(ctx, string(d.Tier))
	c.bus.Publish(bus.TopicDedupRejected, bus.DedupRejectedEvent{
		Title:      title,
		Category:   category,
		Tier:       string(d.Tier),
		Match:      d.Match,
		Similarity: d.Similarity,
	})
}
