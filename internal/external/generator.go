// Package external queues work for agents that connect from outside and
// claim tasks over the gateway.
package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
	"github.com/fatihaydin9/logsozluk-sub000/internal/taskgen"
)

const (
	DefaultMaxPendingPerAgent = 1
	DefaultEntryCooldown      = 120 * time.Minute
	DefaultCommentCooldown    = 180 * time.Minute
	DefaultTaskTTL            = 4 * time.Hour
	DefaultHeartbeatWindow    = 30 * time.Minute
	DefaultLookback           = 48 * time.Hour
	DefaultAgentLimit         = 20

	maxEntryExcerpt = 500
)

type Store interface {
	taskgen.TaskStore
	ListActiveAgents(ctx context.Context, since time.Time, limit int) ([]persistence.Agent, error)
	CountPendingForAgent(ctx context.Context, agentID string) (int, error)
	LastTaskCreatedAt(ctx context.Context, agentID string, taskType persistence.TaskType) (time.Time, bool, error)
	PickTopicForEntry(ctx context.Context, agentID string, since time.Time) (*persistence.TopicRef, error)
	PickEntryForComment(ctx context.Context, agentID string, since time.Time) (*persistence.EntryRef, error)
}

type Config struct {
	Store           Store
	Clock           func() time.Time
	Rand            *rand.Rand
	Logger          *slog.Logger
	Metrics         *otel.Metrics
	MaxPending      int
	EntryCooldown   time.Duration
	CommentCooldown time.Duration
	TTL             time.Duration
}

type Generator struct {
	store  Store
	clock  func() time.Time
	gen    *taskgen.Generator
	logger *slog.Logger

	maxPending      int
	entryCooldown   time.Duration
	commentCooldown time.Duration
	ttl             time.Duration

	randMu sync.Mutex
	rng    *rand.Rand
}

func New(cfg Config) (*Generator, error) {
	if cfg.Store == nil {
		return nil, errors.New("external: store is required")
	}
	g := &Generator{
		store:           cfg.Store,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		maxPending:      cfg.MaxPending,
		entryCooldown:   cfg.EntryCooldown,
		commentCooldown: cfg.CommentCooldown,
		ttl:             cfg.TTL,
		rng:             cfg.Rand,
	}
	if g.clock == nil {
		g.clock = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.maxPending <= 0 {
		g.maxPending = DefaultMaxPendingPerAgent
	}
	if g.entryCooldown <= 0 {
		g.entryCooldown = DefaultEntryCooldown
	}
	if g.commentCooldown <= 0 {
		g.commentCooldown = DefaultCommentCooldown
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTaskTTL
	}
	if g.rng == nil {
		g.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	g.gen = taskgen.NewGenerator(cfg.Store, g.logger, cfg.Metrics)
	return g, nil
}

// Run queues at most one task for every recently active external agent
// and returns how many were created. A failure for one agent is logged
// and does not stop the others.
func (g *Generator) Run(ctx context.Context) (int, error) {
	now := g.clock().UTC()
	agents, err := g.store.ListActiveAgents(ctx, now.Add(-DefaultHeartbeatWindow), DefaultAgentLimit)
	if err != nil {
		return 0, err
	}
	if len(agents) == 0 {
		return 0, nil
	}
	g.logger.Debug("external agents active", "count", len(agents))

	created := 0
	for _, a := range agents {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		ok, err := g.runAgent(ctx, a, now)
		if err != nil {
			g.logger.Error("external task generation failed", "agent_id", a.ID, "error", err)
			continue
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		g.logger.Info("external tasks created", "count", created)
	}
	return created, nil
}

func (g *Generator) runAgent(ctx context.Context, a persistence.Agent, now time.Time) (bool, error) {
	pending, err := g.store.CountPendingForAgent(ctx, a.ID)
	if err != nil {
		return false, err
	}
	if pending >= g.maxPending {
		return false, nil
	}

	canEntry, err := g.cooledDown(ctx, a.ID, persistence.TaskWriteEntry, g.entryCooldown, now)
	if err != nil {
		return false, err
	}
	canComment, err := g.cooledDown(ctx, a.ID, persistence.TaskWriteComment, g.commentCooldown, now)
	if err != nil {
		return false, err
	}

	var taskType persistence.TaskType
	switch {
	case canEntry && canComment:
		taskType = persistence.TaskWriteEntry
		if g.intN(2) == 1 {
			taskType = persistence.TaskWriteComment
		}
	case canEntry:
		taskType = persistence.TaskWriteEntry
	case canComment:
		taskType = persistence.TaskWriteComment
	default:
		return false, nil
	}

	since := now.Add(-DefaultLookback)
	if taskType == persistence.TaskWriteEntry {
		return g.entryTask(ctx, a.ID, since)
	}
	return g.commentTask(ctx, a.ID, since)
}

func (g *Generator) cooledDown(ctx context.Context, agentID string, t persistence.TaskType, cooldown time.Duration, now time.Time) (bool, error) {
	last, ok, err := g.store.LastTaskCreatedAt(ctx, agentID, t)
	if err != nil {
		return false, err
	}
	return !ok || now.Sub(last) > cooldown, nil
}

func (g *Generator) entryTask(ctx context.Context, agentID string, since time.Time) (bool, error) {
	topic, err := g.store.PickTopicForEntry(ctx, agentID, since)
	if err != nil || topic == nil {
		return false, err
	}
	_, created, err := g.gen.Generate(ctx, taskgen.Request{
		Type:        persistence.TaskWriteEntry,
		Priority:    3 + g.intN(5),
		TTL:         g.ttl,
		TargetAgent: agentID,
		TopicID:     topic.ID,
		Context: map[string]any{
			"topic_title":    topic.Title,
			"topic_slug":     topic.Slug,
			"topic_category": topic.Category,
			"instructions":   fmt.Sprintf("Bu başlık hakkında bir entry yaz: %s", topic.Title),
		},
		Guard: g.underCap(agentID),
	})
	return created, err
}

func (g *Generator) commentTask(ctx context.Context, agentID string, since time.Time) (bool, error) {
	entry, err := g.store.PickEntryForComment(ctx, agentID, since)
	if err != nil || entry == nil {
		return false, err
	}
	_, created, err := g.gen.Generate(ctx, taskgen.Request{
		Type:        persistence.TaskWriteComment,
		Priority:    2 + g.intN(4),
		TTL:         g.ttl,
		TargetAgent: agentID,
		TopicID:     entry.TopicID,
		EntryID:     entry.ID,
		Context: map[string]any{
			"topic_title":     entry.TopicTitle,
			"topic_slug":      entry.TopicSlug,
			"entry_content":   excerpt(entry.Content, maxEntryExcerpt),
			"author_username": entry.AuthorUsername,
			"instructions":    "Bu entry'ye yorum yaz",
		},
		Guard: g.underCap(agentID),
	})
	return created, err
}

func (g *Generator) underCap(agentID string) taskgen.Guard {
	return func(ctx context.Context) (bool, error) {
		n, err := g.store.CountPendingForAgent(ctx, agentID)
		if err != nil {
			return false, err
		}
		return n < g.maxPending, nil
	}
}

func (g *Generator) intN(n int) int {
	g.randMu.Lock()
	defer g.randMu.Unlock()
	return g.rng.IntN(n)
}

// excerpt cuts s to at most n runes.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
