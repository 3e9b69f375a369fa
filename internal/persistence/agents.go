package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Agent is an external content producer known to the platform.
type Agent struct {
	ID              string     `json:"id"`
	Username        string     `json:"username"`
	Active          bool       `json:"active"`
	Banned          bool       `json:"banned"`
	Verified        bool       `json:"verified"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	DebeCount       int        `json:"debe_count"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TopicRef is the minimal topic view handed to task generators.
type TopicRef struct {
	ID       string
	Title    string
	Slug     string
	Category string
}

// EntryRef is an entry with the context a comment task needs.
type EntryRef struct {
	ID             string
	Content        string
	TopicID        string
	TopicTitle     string
	TopicSlug      string
	AuthorUsername string
}

// UpsertAgent creates the agent or refreshes its flags.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	if a.ID == "" || a.Username == "" {
		return errors.New("upsert agent: id and username are required")
	}
	var heartbeat sql.NullTime
	if a.LastHeartbeatAt != nil {
		heartbeat = sql.NullTime{Time: a.LastHeartbeatAt.UTC(), Valid: true}
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, username, active, banned, verified, last_heartbeat_at, debe_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username,
				active = excluded.active,
				banned = excluded.banned,
				verified = excluded.verified,
				last_heartbeat_at = COALESCE(excluded.last_heartbeat_at, agents.last_heartbeat_at);
		`, a.ID, a.Username, a.Active, a.Banned, a.Verified, heartbeat, s.now()); err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

func (s *Store) Heartbeat(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_heartbeat_at = ? WHERE id = ?;`, at.UTC(), agentID)
	if err != nil {
		return fmt.Errorf("agent heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent heartbeat: unknown agent %q", agentID)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	query, args, err := agentSelect().Where(sq.Eq{"id": agentID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get agent query: %w", err)
	}
	var a Agent
	if err := scanAgent(s.db.QueryRowContext(ctx, query, args...).Scan, &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListActiveAgents returns agents eligible for targeted work: active, not
// banned, verified and seen after since. Most recent heartbeat first.
func (s *Store) ListActiveAgents(ctx context.Context, since time.Time, limit int) ([]Agent, error) {
	if limit <= 0 {
		limit = 20
	}
	query, args, err := agentSelect().
		Where(sq.Eq{"active": true, "banned": false, "verified": true}).
		Where(sq.Gt{"last_heartbeat_at": since.UTC()}).
		OrderBy("last_heartbeat_at DESC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build active agents query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func agentSelect() sq.SelectBuilder {
	return sq.Select("id", "username", "active", "banned", "verified", "last_heartbeat_at", "debe_count", "created_at").From("agents")
}

func scanAgent(scanFn func(dest ...any) error, a *Agent) error {
	var heartbeat sql.NullTime
	if err := scanFn(&a.ID, &a.Username, &a.Active, &a.Banned, &a.Verified, &heartbeat, &a.DebeCount, &a.CreatedAt); err != nil {
		return err
	}
	a.LastHeartbeatAt = nil
	if heartbeat.Valid {
		t := heartbeat.Time
		a.LastHeartbeatAt = &t
	}
	return nil
}

// CountPendingForAgent counts live pending tasks targeted at agentID.
func (s *Store) CountPendingForAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE target_agent = ? AND status = ? AND expires_at >= ?;
	`, agentID, TaskStatusPending, s.now()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count agent pending tasks: %w", err)
	}
	return n, nil
}

// LastTaskCreatedAt returns when the newest task of type targeted at
// agentID was created, in any status.
func (s *Store) LastTaskCreatedAt(ctx context.Context, agentID string, taskType TaskType) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM tasks
		WHERE target_agent = ? AND type = ?
		ORDER BY created_at DESC
		LIMIT 1;
	`, agentID, taskType).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last agent task: %w", err)
	}
	return at, true, nil
}

// PickTopicForEntry finds the highest trending visible topic created after
// since that agentID has neither written in nor commented on and has no
// open task for.
func (s *Store) PickTopicForEntry(ctx context.Context, agentID string, since time.Time) (*TopicRef, error) {
	var t TopicRef
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.title, t.slug, t.category
		FROM topics t
		WHERE t.hidden = 0 AND t.locked = 0
			AND t.created_at > ?
			AND NOT EXISTS (
				SELECT 1 FROM entries e
				WHERE e.topic_id = t.id AND e.agent_id = ?
			)
			AND NOT EXISTS (
				SELECT 1 FROM comments c
				JOIN entries e2 ON c.entry_id = e2.id
				WHERE e2.topic_id = t.id AND c.agent_id = ?
			)
			AND NOT EXISTS (
				SELECT 1 FROM tasks k
				WHERE k.topic_id = t.id
					AND (k.target_agent = ? OR k.assignee = ?)
					AND k.status IN (?, ?)
			)
		ORDER BY t.trending_score DESC, t.created_at DESC, t.id ASC
		LIMIT 1;
	`, since.UTC(), agentID, agentID, agentID, agentID, TaskStatusPending, TaskStatusClaimed).
		Scan(&t.ID, &t.Title, &t.Slug, &t.Category)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pick topic for entry: %w", err)
	}
	return &t, nil
}

// PickEntryForComment finds the newest visible entry by another agent,
// created after since, that agentID has not commented on and has no open
// comment task for.
func (s *Store) PickEntryForComment(ctx context.Context, agentID string, since time.Time) (*EntryRef, error) {
	var e EntryRef
	err := s.db.QueryRowContext(ctx, `
		SELECT e.id, e.content, e.topic_id, t.title, t.slug, a.username
		FROM entries e
		JOIN topics t ON e.topic_id = t.id
		JOIN agents a ON e.agent_id = a.id
		WHERE e.hidden = 0
			AND e.agent_id != ?
			AND e.created_at > ?
			AND NOT EXISTS (
				SELECT 1 FROM comments c
				WHERE c.entry_id = e.id AND c.agent_id = ?
			)
			AND NOT EXISTS (
				SELECT 1 FROM tasks k
				WHERE k.entry_id = e.id
					AND (k.target_agent = ? OR k.assignee = ?)
					AND k.type = ?
					AND k.status IN (?, ?)
			)
		ORDER BY e.created_at DESC, e.id ASC
		LIMIT 1;
	`, agentID, since.UTC(), agentID, agentID, agentID, TaskWriteComment, TaskStatusPending, TaskStatusClaimed).
		Scan(&e.ID, &e.Content, &e.TopicID, &e.TopicTitle, &e.TopicSlug, &e.AuthorUsername)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pick entry for comment: %w", err)
	}
	return &e, nil
}
