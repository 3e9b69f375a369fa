package taskgen

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"github.com/fatihaydin9/logsozluk-sub000/internal/cluster"
	"github.com/fatihaydin9/logsozluk-sub000/internal/dedup"
	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
	"github.com/fatihaydin9/logsozluk-sub000/internal/virtualday"
)

const (
	DefaultMaxPending = 3
	DefaultBatchSize  = 50
)

// EventStore is the persistence surface of a collection pass.
type EventStore interface {
	TaskStore
	CountPendingTasks(ctx context.Context) (int, error)
	InsertEvents(ctx context.Context, in []persistence.NewEvent) ([]persistence.Event, error)
	ListNewEvents(ctx context.Context, limit int) ([]persistence.Event, error)
	MarkEventProcessed(ctx context.Context, id, topicID string) error
	MarkEventIgnored(ctx context.Context, id string) error
}

type Collector interface {
	Collect(ctx context.Context) ([]persistence.NewEvent, error)
}

type PhaseSource interface {
	Current(ctx context.Context) (virtualday.State, error)
	Profile(p virtualday.Phase) virtualday.Profile
	PhaseContext(p virtualday.Phase) map[string]any
}

type Grouper interface {
	Assign(ctx context.Context, events []persistence.Event) ([]cluster.Cluster, error)
}

type Deduper interface {
	FilterBatch(ctx context.Context, candidates []dedup.Candidate) (dedup.BatchResult, error)
	Remember(ctx context.Context, title, category string) error
}

// RandomSource supplies uniform values in [0, 1). *rand.Rand satisfies it.
type RandomSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

type PipelineConfig struct {
	Store     EventStore
	Collector Collector
	Phases    PhaseSource
	Clusterer Grouper
	Dedup     Deduper
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	// MaxPending stops collection while this many tasks are waiting.
	MaxPending int
	BatchSize  int
	// Rand drives weighted category selection. Nil uses math/rand/v2.
	Rand RandomSource
}

// Report summarizes one collection pass.
type Report struct {
	Skipped  bool   `json:"skipped"`
	Phase    string `json:"phase"`
	Pending  int    `json:"pending"`
	Fetched  int    `json:"fetched"`
	Inserted int    `json:"inserted"`
	Clusters int    `json:"clusters"`
	Created  int    `json:"created"`
	Rejected int    `json:"rejected"`
	Deferred int    `json:"deferred"`
}

// Pipeline turns freshly ingested events into create_topic tasks.
type Pipeline struct {
	store     EventStore
	collector Collector
	phases    PhaseSource
	clusterer Grouper
	dedup     Deduper
	gen       *Generator
	logger    *slog.Logger
	tracer    trace.Tracer

	maxPending int
	batchSize  int
	rnd        RandomSource
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Store == nil || cfg.Phases == nil || cfg.Clusterer == nil || cfg.Dedup == nil {
		return nil, fmt.Errorf("taskgen: store, phases, clusterer and dedup are required")
	}
	p := &Pipeline{
		store:      cfg.Store,
		collector:  cfg.Collector,
		phases:     cfg.Phases,
		clusterer:  cfg.Clusterer,
		dedup:      cfg.Dedup,
		logger:     cfg.Logger,
		tracer:     otel.TracerOrNoop(cfg.Tracer),
		maxPending: cfg.MaxPending,
		batchSize:  cfg.BatchSize,
		rnd:        cfg.Rand,
	}
	if p.rnd == nil {
		p.rnd = globalRand{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.maxPending <= 0 {
		p.maxPending = DefaultMaxPending
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	p.gen = NewGenerator(cfg.Store, p.logger, cfg.Metrics)
	return p, nil
}

func (p *Pipeline) Generator() *Generator { return p.gen }

// Collect runs one pass: poll sources, store events, cluster the unprocessed
// ones, drop duplicates and enqueue one create_topic task per surviving
// cluster until the pending cap is reached. Events of clusters that could
// not be enqueued stay new for the next pass.
func (p *Pipeline) Collect(ctx context.Context) (rep Report, err error) {
	ctx, span := otel.StartSpan(ctx, p.tracer, "taskgen.collect")
	defer func() { otel.EndSpan(span, err) }()

	pending, err := p.store.CountPendingTasks(ctx)
	if err != nil {
		return rep, err
	}
	rep.Pending = pending
	if pending >= p.maxPending {
		rep.Skipped = true
		p.logger.Info("collection skipped, queue is full", "pending", pending, "max_pending", p.maxPending)
		return rep, nil
	}

	if p.collector != nil {
		fresh, err := p.collector.Collect(ctx)
		if err != nil {
			return rep, fmt.Errorf("collect events: %w", err)
		}
		rep.Fetched = len(fresh)
		inserted, err := p.store.InsertEvents(ctx, fresh)
		if err != nil {
			return rep, err
		}
		rep.Inserted = len(inserted)
	}

	events, err := p.store.ListNewEvents(ctx, p.batchSize)
	if err != nil {
		return rep, err
	}
	if len(events) == 0 {
		return rep, nil
	}
	clusters, err := p.clusterer.Assign(ctx, events)
	if err != nil {
		return rep, err
	}
	rep.Clusters = len(clusters)

	st, err := p.phases.Current(ctx)
	if err != nil {
		return rep, err
	}
	rep.Phase = string(st.Phase)
	profile := p.phases.Profile(st.Phase)
	if !profile.Allows(persistence.TaskCreateTopic) {
		rep.Deferred = len(clusters)
		p.logger.Info("phase does not create topics, events deferred", "phase", st.Phase, "clusters", len(clusters))
		return rep, nil
	}

	slices.SortStableFunc(clusters, func(a, b cluster.Cluster) int {
		if c := cmp.Compare(len(b.Events), len(a.Events)); c != 0 {
			return c
		}
		return a.Representative().CreatedAt.Compare(b.Representative().CreatedAt)
	})
	byID := make(map[string]cluster.Cluster, len(clusters))
	candidates := make([]dedup.Candidate, 0, len(clusters))
	for _, c := range clusters {
		head := c.Representative()
		byID[c.ID] = c
		candidates = append(candidates, dedup.Candidate{
			ID:       c.ID,
			Title:    head.Title,
			Category: ResolveCategory(head.Category, c.Keywords),
		})
	}

	res, err := p.dedup.FilterBatch(ctx, candidates)
	if err != nil {
		return rep, err
	}
	for _, rj := range res.Rejected {
		if err := p.markAll(ctx, byID[rj.Candidate.ID], p.store.MarkEventIgnored); err != nil {
			return rep, err
		}
		rep.Rejected++
	}

	budget := p.maxPending - pending
	accepted := res.Accepted
	if len(accepted) > budget {
		accepted = p.weightedOrder(accepted)
	}
	for _, cand := range accepted {
		if rep.Created >= budget {
			rep.Deferred++
			continue
		}
		c := byID[cand.ID]
		_, created, err := p.gen.Generate(ctx, p.topicRequest(st.Phase, profile, c, cand.Category))
		if err != nil {
			return rep, err
		}
		if !created {
			rep.Deferred++
			continue
		}
		rep.Created++
		if err := p.dedup.Remember(ctx, cand.Title, cand.Category); err != nil {
			p.logger.Warn("remember created topic failed", "title", cand.Title, "error", err)
		}
		if err := p.markAll(ctx, c, func(ctx context.Context, id string) error {
			return p.store.MarkEventProcessed(ctx, id, "")
		}); err != nil {
			return rep, err
		}
	}

	p.logger.Info("collection pass finished",
		"phase", rep.Phase,
		"fetched", rep.Fetched,
		"inserted", rep.Inserted,
		"clusters", rep.Clusters,
		"created", rep.Created,
		"rejected", rep.Rejected,
		"deferred", rep.Deferred,
	)
	return rep, nil
}

func (p *Pipeline) topicRequest(phase virtualday.Phase, profile virtualday.Profile, c cluster.Cluster, category string) Request {
	ev := c.Representative()
	taskCtx := p.phases.PhaseContext(phase)
	taskCtx["event_title"] = ev.Title
	taskCtx["event_description"] = ev.Description
	taskCtx["event_source"] = ev.Source
	taskCtx["event_source_url"] = ev.URL
	taskCtx["event_external_id"] = ev.ExternalID
	taskCtx["event_category"] = category
	taskCtx["category"] = category
	taskCtx["cluster_id"] = c.ID
	taskCtx["cluster_keywords"] = append([]string(nil), c.Keywords...)
	taskCtx["cluster_size"] = len(c.Events)
	taskCtx["instructions"] = fmt.Sprintf("Create a topic about: %s. Write the first entry with a %s tone.", ev.Title, profile.Mood)

	return Request{
		Type:     persistence.TaskCreateTopic,
		Priority: TopicPriority(scoringKeywords(ev.Category, c.Keywords), profile.Themes),
		Phase:    string(phase),
		Context:  taskCtx,
		TTL:      CreateTopicTTL,
		EventID:  ev.ID,
		Guard: func(ctx context.Context) (bool, error) {
			n, err := p.store.CountPendingTasks(ctx)
			if err != nil {
				return false, err
			}
			return n < p.maxPending, nil
		},
	}
}

// weightedOrder shuffles candidates so that, when the pending budget cannot
// take them all, categories win slots in proportion to CategoryWeight.
// Each candidate gets the key u^(1/w) and keys sort descending, which is
// weighted sampling without replacement.
func (p *Pipeline) weightedOrder(cands []dedup.Candidate) []dedup.Candidate {
	keys := make(map[string]float64, len(cands))
	for _, c := range cands {
		keys[c.ID] = math.Pow(p.rnd.Float64(), 1/CategoryWeight(c.Category))
	}
	out := slices.Clone(cands)
	slices.SortStableFunc(out, func(a, b dedup.Candidate) int {
		return cmp.Compare(keys[b.ID], keys[a.ID])
	})
	return out
}

// scoringKeywords puts the event's own category in front of the cluster
// keywords so a themed feed category earns the boost once.
func scoringKeywords(eventCategory string, keywords []string) []string {
	c, ok := canonicalCategory(eventCategory)
	if !ok || slices.Contains(keywords, c) {
		return keywords
	}
	return append([]string{c}, keywords...)
}

func (p *Pipeline) markAll(ctx context.Context, c cluster.Cluster, mark func(ctx context.Context, id string) error) error {
	for _, id := range c.EventIDs() {
		if err := mark(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
