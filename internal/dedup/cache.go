package dedup

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time for TTL evaluation.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Entry is a cached record of a title seen recently in a category.
type Entry struct {
	Title     string
	FirstSeen time.Time
}

// Cache is the short-lived exact-match tier. Implementations own expiry:
// Get never returns an entry older than the cache TTL.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
}

// CacheKey is the (category, hash) key of the rolling cache.
func CacheKey(category, hash string) string {
	return "topic:" + category + ":" + hash
}

// MemoryCache is an in-process Cache with TTL eviction driven by an
// injected clock.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   Clock
	entries map[string]Entry
}

func NewMemoryCache(ttl time.Duration, clock Clock) *MemoryCache {
	if clock == nil {
		clock = SystemClock
	}
	return &MemoryCache{ttl: ttl, clock: clock, entries: make(map[string]Entry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if c.clock.Now().Sub(e.FirstSeen) >= c.ttl {
		delete(c.entries, key)
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put keeps the original FirstSeen when the key is still live, so repeated
// sightings do not extend the window.
func (c *MemoryCache) Put(_ context.Context, key string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if old, ok := c.entries[key]; ok && now.Sub(old.FirstSeen) < c.ttl {
		return nil
	}
	if e.FirstSeen.IsZero() {
		e.FirstSeen = now
	}
	c.entries[key] = e
	return nil
}

// Prune drops expired entries and reports how many were removed.
func (c *MemoryCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.FirstSeen) >= c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Record is one persisted cache row.
type Record struct {
	Key       string
	Title     string
	FirstSeen time.Time
	ExpiresAt time.Time
}

// RecordStore persists cache rows with an absolute expiry.
type RecordStore interface {
	PutDedupRecord(ctx context.Context, rec Record) error
	GetDedupRecord(ctx context.Context, key string, now time.Time) (Record, bool, error)
	PruneDedupRecords(ctx context.Context, now time.Time) (int64, error)
}

// StoreCache is a Cache backed by a RecordStore so the window survives
// restarts.
type StoreCache struct {
	store RecordStore
	ttl   time.Duration
	clock Clock
}

func NewStoreCache(store RecordStore, ttl time.Duration, clock Clock) *StoreCache {
	if clock == nil {
		clock = SystemClock
	}
	return &StoreCache{store: store, ttl: ttl, clock: clock}
}

func (c *StoreCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	rec, ok, err := c.store.GetDedupRecord(ctx, key, c.clock.Now())
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return Entry{Title: rec.Title, FirstSeen: rec.FirstSeen}, true, nil
}

func (c *StoreCache) Put(ctx context.Context, key string, e Entry) error {
	if e.FirstSeen.IsZero() {
		e.FirstSeen = c.clock.Now()
	}
	return c.store.PutDedupRecord(ctx, Record{
		Key:       key,
		Title:     e.Title,
		FirstSeen: e.FirstSeen,
		ExpiresAt: e.FirstSeen.Add(c.ttl),
	})
}

// Prune removes expired rows.
func (c *StoreCache) Prune(ctx context.Context) (int64, error) {
	return c.store.PruneDedupRecords(ctx, c.clock.Now())
}
