// Package cluster groups freshly ingested events that describe the same
// story, so only one topic is proposed per story.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
	"github.com/fatihaydin9/logsozluk-sub000/internal/similarity"
)

const (
	DefaultSimilarityThreshold = 0.5
	MaxKeywords                = 5
)

// EventStore persists cluster assignments.
type EventStore interface {
	SetEventCluster(ctx context.Context, id, clusterID string, keywords []string) error
}

// Cluster is a group of events about one story. Members keep input order.
type Cluster struct {
	ID       string              `json:"id"`
	Events   []persistence.Event `json:"events"`
	Keywords []string            `json:"keywords"`
}

// EventIDs returns the member ids in order.
func (c Cluster) EventIDs() []string {
	ids := make([]string, len(c.Events))
	for i, ev := range c.Events {
		ids[i] = ev.ID
	}
	return ids
}

// Representative is the member used to propose a topic: the one with the
// longest description, first in input order on ties.
func (c Cluster) Representative() persistence.Event {
	best := c.Events[0]
	for _, ev := range c.Events[1:] {
		if len(ev.Description) > len(best.Description) {
			best = ev
		}
	}
	return best
}

type Config struct {
	Store               EventStore
	Logger              *slog.Logger
	Metrics             *otel.Metrics
	SimilarityThreshold float64
	// NewID generates cluster ids. Defaults to random UUIDs.
	NewID func() string
}

type Clusterer struct {
	store  EventStore
	logger *slog.Logger
	m      *otel.Metrics
	newID  func() string

	mu        sync.RWMutex
	threshold float64
}

func New(cfg Config) *Clusterer {
	c := &Clusterer{
		store:  cfg.Store,
		logger: cfg.Logger,
		m:      cfg.Metrics,
		newID:  cfg.NewID,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	c.SetThreshold(cfg.SimilarityThreshold)
	return c
}

// SetThreshold sets the cosine similarity two groups need to merge.
// Values outside (0, 1] select the default.
func (c *Clusterer) SetThreshold(sim float64) {
	if sim <= 0 || sim > 1 || math.IsNaN(sim) {
		sim = DefaultSimilarityThreshold
	}
	c.mu.Lock()
	c.threshold = sim
	c.mu.Unlock()
}

func (c *Clusterer) Threshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

// Group clusters events without persisting anything. Clusters are ordered
// by their first member's input position.
func (c *Clusterer) Group(ctx context.Context, events []persistence.Event) []Cluster {
	if len(events) == 0 {
		return nil
	}
	if len(events) == 1 {
		return c.singletons(events)
	}

	vectors := make([]termVector, len(events))
	vocabulary := 0
	for i, ev := range events {
		vectors[i] = vectorize(ev.Title + " " + ev.Description)
		vocabulary += len(vectors[i])
	}
	if vocabulary == 0 {
		c.logger.Warn("clustering degenerate, using singletons", "events", len(events), "reason", "empty vocabulary")
		return c.singletons(events)
	}

	dist := make([][]float64, len(events))
	for i := range dist {
		dist[i] = make([]float64, len(events))
	}
	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			d := 1 - cosine(vectors[i], vectors[j])
			if math.IsNaN(d) {
				c.logger.Warn("clustering degenerate, using singletons", "events", len(events), "reason", "nan distance")
				return c.singletons(events)
			}
			dist[i][j], dist[j][i] = d, d
		}
	}

	groups := averageLinkage(dist, 1-c.Threshold())
	out := make([]Cluster, 0, len(groups))
	for _, members := range groups {
		cl := Cluster{ID: c.newID()}
		for _, idx := range members {
			cl.Events = append(cl.Events, events[idx])
		}
		cl.Keywords = Keywords(cl.Events)
		out = append(out, cl)
	}
	c.logger.Debug("events clustered", "events", len(events), "clusters", len(out))
	return out
}

// Assign clusters events and persists each member's cluster id and
// keywords.
func (c *Clusterer) Assign(ctx context.Context, events []persistence.Event) ([]Cluster, error) {
	clusters := c.Group(ctx, events)
	for i := range clusters {
		cl := &clusters[i]
		c.m.Cluster(ctx, len(cl.Events))
		for j := range cl.Events {
			ev := &cl.Events[j]
			ev.ClusterID = cl.ID
			ev.ClusterKeywords = cl.Keywords
			if c.store == nil {
				continue
			}
			if err := c.store.SetEventCluster(ctx, ev.ID, cl.ID, cl.Keywords); err != nil {
				return nil, fmt.Errorf("persist cluster %s: %w", cl.ID, err)
			}
		}
	}
	return clusters, nil
}

func (c *Clusterer) singletons(events []persistence.Event) []Cluster {
	out := make([]Cluster, len(events))
	for i, ev := range events {
		members := []persistence.Event{ev}
		out[i] = Cluster{ID: c.newID(), Events: members, Keywords: Keywords(members)}
	}
	return out
}

// Keywords returns up to MaxKeywords of the most frequent normalized words
// across the members' titles and descriptions. Ties sort alphabetically.
func Keywords(events []persistence.Event) []string {
	freq := map[string]int{}
	for _, ev := range events {
		for _, tok := range similarity.Tokens(ev.Title + " " + ev.Description) {
			freq[tok]++
		}
	}
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > MaxKeywords {
		words = words[:MaxKeywords]
	}
	return words
}

type termVector map[string]float64

// vectorize counts unigrams and bigrams of the normalized text.
func vectorize(text string) termVector {
	toks := similarity.Tokens(text)
	v := termVector{}
	for i, tok := range toks {
		v[tok]++
		if i > 0 {
			v[toks[i-1]+" "+tok]++
		}
	}
	return v
}

func cosine(a, b termVector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot float64
	for term, x := range a {
		dot += x * b[term]
	}
	return dot / (norm(a) * norm(b))
}

func norm(v termVector) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// averageLinkage merges the closest pair of groups while their mean
// pairwise distance is below threshold. Each returned group lists input
// indexes in ascending order; groups are ordered by their first index.
func averageLinkage(dist [][]float64, threshold float64) [][]int {
	n := len(dist)
	groups := make([][]int, n)
	sums := make([][]float64, n)
	for i := 0; i < n; i++ {
		groups[i] = []int{i}
		sums[i] = append([]float64(nil), dist[i]...)
	}
	alive := make([]bool, n)
	for i := range alive {
		alive[i] = true
	}

	for {
		bi, bj := -1, -1
		best := math.Inf(1)
		for i := 0; i < n; i++ {
			if !alive[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !alive[j] {
					continue
				}
				avg := sums[i][j] / float64(len(groups[i])*len(groups[j]))
				if avg < best {
					best, bi, bj = avg, i, j
				}
			}
		}
		if bi < 0 || best >= threshold {
			break
		}
		groups[bi] = append(groups[bi], groups[bj]...)
		sort.Ints(groups[bi])
		for k := 0; k < n; k++ {
			sums[bi][k] += sums[bj][k]
			sums[k][bi] = sums[bi][k]
		}
		alive[bj] = false
		groups[bj] = nil
	}

	var out [][]int
	for i := 0; i < n; i++ {
		if alive[i] {
			out = append(out, groups[i])
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a][0] < out[b][0] })
	return out
}

