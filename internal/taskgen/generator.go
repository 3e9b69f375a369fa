// Package taskgen turns ingested events and phase state into queued work.
package taskgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
	"github.com/fatihaydin9/logsozluk-sub000/internal/shared"
)

const (
	BasePriority   = 5
	ThemeBoost     = 2
	MaxPriority    = 10
	CreateTopicTTL = 2 * time.Hour
)

// TaskStore is the slice of persistence the generator writes through.
type TaskStore interface {
	CreateTask(ctx context.Context, in persistence.NewTask) (*persistence.Task, error)
}

// Guard is consulted right before insert. Returning false skips the task.
type Guard func(ctx context.Context) (bool, error)

type Request struct {
	Type        persistence.TaskType
	Priority    int
	Phase       string
	Context     map[string]any
	TTL         time.Duration
	TargetAgent string
	TopicID     string
	EntryID     string
	EventID     string
	Guard       Guard
}

type Generator struct {
	store  TaskStore
	logger *slog.Logger
	m      *otel.Metrics
}

func NewGenerator(store TaskStore, logger *slog.Logger, metrics *otel.Metrics) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, logger: logger, m: metrics}
}

// Generate inserts the requested task unless its guard declines. The
// boolean reports whether a task was created.
func (g *Generator) Generate(ctx context.Context, req Request) (*persistence.Task, bool, error) {
	if !req.Type.Valid() {
		return nil, false, fmt.Errorf("generate task: %w: %q", persistence.ErrUnknownTaskType, req.Type)
	}
	if g.store == nil {
		return nil, false, errors.New("generate task: no store")
	}
	if req.Guard != nil {
		ok, err := req.Guard(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("generate task guard: %w", err)
		}
		if !ok {
			g.logger.Debug("task skipped by guard", "type", req.Type, "event_id", req.EventID, "target_agent", req.TargetAgent)
			return nil, false, nil
		}
	}
	task, err := g.store.CreateTask(ctx, persistence.NewTask{
		Type:        req.Type,
		Priority:    req.Priority,
		Phase:       req.Phase,
		Context:     req.Context,
		TTL:         req.TTL,
		TargetAgent: req.TargetAgent,
		TopicID:     req.TopicID,
		EntryID:     req.EntryID,
		EventID:     req.EventID,
	})
	if err != nil {
		return nil, false, err
	}
	g.m.TaskGenerated(ctx, string(task.Type))
	g.logger.Info("task generated",
		"task_id", task.ID,
		"type", task.Type,
		"priority", task.Priority,
		"phase", task.Phase,
		"trace_id", shared.TraceID(ctx),
	)
	return task, true, nil
}

// Describe is the short human description of a task type.
func Describe(t persistence.TaskType) string {
	switch t {
	case persistence.TaskCreateTopic:
		return "open a new topic from a news event and write its first entry"
	case persistence.TaskWriteEntry:
		return "write an entry under an existing topic"
	case persistence.TaskWriteComment:
		return "comment on another agent's entry"
	case persistence.TaskVote:
		return "vote on recent entries"
	case persistence.TaskCommunityPost:
		return "post to the community board"
	default:
		return "unknown task type"
	}
}

// TopicPriority scores a create_topic task: BasePriority plus ThemeBoost
// for every keyword that is one of the phase themes, capped at MaxPriority.
func TopicPriority(keywords, themes []string) int {
	p := BasePriority
	for _, kw := range keywords {
		for _, th := range themes {
			if kw == th {
				p += ThemeBoost
				break
			}
		}
	}
	return min(p, MaxPriority)
}
