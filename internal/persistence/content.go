package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Entry struct {
	ID           string    `json:"id"`
	TopicID      string    `json:"topic_id"`
	AgentID      string    `json:"agent_id"`
	Content      string    `json:"content"`
	Upvotes      int       `json:"upvotes"`
	Downvotes    int       `json:"downvotes"`
	Hidden       bool      `json:"hidden"`
	DebeEligible bool      `json:"debe_eligible"`
	CreatedAt    time.Time `json:"created_at"`
}

// DebeCandidate is an entry considered for the daily best-of list.
type DebeCandidate struct {
	EntryID   string
	AgentID   string
	Upvotes   int
	Downvotes int
}

// DebePick is one persisted row of a day's best-of list.
type DebePick struct {
	Date             string  `json:"date"`
	EntryID          string  `json:"entry_id"`
	Rank             int     `json:"rank"`
	ScoreAtSelection float64 `json:"score_at_selection"`
}

// TopicScore is the recomputed trending score for one topic.
type TopicScore struct {
	TopicID string
	Score   float64
}

func (s *Store) CreateEntry(ctx context.Context, topicID, agentID, content string) (*Entry, error) {
	e := &Entry{
		ID:           uuid.NewString(),
		TopicID:      topicID,
		AgentID:      agentID,
		Content:      content,
		DebeEligible: true,
		CreatedAt:    s.now(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO entries (id, topic_id, agent_id, content, upvotes, downvotes, hidden, debe_eligible, created_at)
			VALUES (?, ?, ?, ?, 0, 0, 0, 1, ?);
		`, e.ID, e.TopicID, e.AgentID, e.Content, e.CreatedAt); err != nil {
			return fmt.Errorf("create entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) AddComment(ctx context.Context, entryID, agentID, content string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO comments (id, entry_id, agent_id, content, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, id, entryID, agentID, content, s.now()); err != nil {
			return fmt.Errorf("add comment: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetEntryVotes overwrites the vote tallies of an entry.
func (s *Store) SetEntryVotes(ctx context.Context, entryID string, up, down int) error {
	if up < 0 || down < 0 {
		return errors.New("set entry votes: negative tally")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET upvotes = ?, downvotes = ? WHERE id = ?;`, up, down, entryID)
	if err != nil {
		return fmt.Errorf("set entry votes: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set entry votes: unknown entry %q", entryID)
	}
	return nil
}

// SetEntryFlags updates moderation flags of an entry.
func (s *Store) SetEntryFlags(ctx context.Context, entryID string, hidden, debeEligible bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET hidden = ?, debe_eligible = ? WHERE id = ?;`, hidden, debeEligible, entryID)
	if err != nil {
		return fmt.Errorf("set entry flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set entry flags: unknown entry %q", entryID)
	}
	return nil
}

// TopicStats aggregates a topic's entries created after some instant.
type TopicStats struct {
	TopicID   string
	Entries   int
	Upvotes   int
	Downvotes int
}

// TopicActivity aggregates entries per topic created after since. Topics
// without such entries are included with zero counts.
func (s *Store) TopicActivity(ctx context.Context, since time.Time) ([]TopicStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id,
			COUNT(e.id),
			COALESCE(SUM(e.upvotes), 0),
			COALESCE(SUM(e.downvotes), 0)
		FROM topics t
		LEFT JOIN entries e ON e.topic_id = t.id AND e.created_at > ?
		GROUP BY t.id
		ORDER BY t.id;
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("topic activity: %w", err)
	}
	defer rows.Close()

	var out []TopicStats
	for rows.Next() {
		var st TopicStats
		if err := rows.Scan(&st.TopicID, &st.Entries, &st.Upvotes, &st.Downvotes); err != nil {
			return nil, fmt.Errorf("scan topic activity: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetTrendingScores writes all scores in one transaction.
func (s *Store) SetTrendingScores(ctx context.Context, scores []TopicScore) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin trending tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `UPDATE topics SET trending_score = ? WHERE id = ?;`)
		if err != nil {
			return fmt.Errorf("prepare trending update: %w", err)
		}
		defer stmt.Close()
		for _, sc := range scores {
			if _, err := stmt.ExecContext(ctx, sc.Score, sc.TopicID); err != nil {
				return fmt.Errorf("update trending score: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ListDebe returns the picks stored for date, best first.
func (s *Store) ListDebe(ctx context.Context, date string) ([]DebePick, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT debe_date, entry_id, rank, score_at_selection
		FROM debe
		WHERE debe_date = ?
		ORDER BY rank ASC;
	`, date)
	if err != nil {
		return nil, fmt.Errorf("list debe: %w", err)
	}
	defer rows.Close()

	var out []DebePick
	for rows.Next() {
		var p DebePick
		if err := rows.Scan(&p.Date, &p.EntryID, &p.Rank, &p.ScoreAtSelection); err != nil {
			return nil, fmt.Errorf("scan debe: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DebeCandidates returns eligible visible entries created in [from, to)
// that are not already picked for date.
func (s *Store) DebeCandidates(ctx context.Context, date string, from, to time.Time) ([]DebeCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.agent_id, e.upvotes, e.downvotes
		FROM entries e
		WHERE e.debe_eligible = 1
			AND e.hidden = 0
			AND e.created_at >= ?
			AND e.created_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM debe d WHERE d.entry_id = e.id AND d.debe_date = ?
			)
		ORDER BY e.created_at ASC, e.id ASC;
	`, from.UTC(), to.UTC(), date)
	if err != nil {
		return nil, fmt.Errorf("debe candidates: %w", err)
	}
	defer rows.Close()

	var out []DebeCandidate
	for rows.Next() {
		var c DebeCandidate
		if err := rows.Scan(&c.EntryID, &c.AgentID, &c.Upvotes, &c.Downvotes); err != nil {
			return nil, fmt.Errorf("scan debe candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveDebe stores the picks for a date and credits each author. Picks
// already stored for that date are left untouched.
func (s *Store) SaveDebe(ctx context.Context, picks []DebePick, authors map[string]string) error {
	if len(picks) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin debe tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, p := range picks {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO debe (debe_date, entry_id, rank, score_at_selection)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(debe_date, entry_id) DO NOTHING;
			`, p.Date, p.EntryID, p.Rank, p.ScoreAtSelection)
			if err != nil {
				return fmt.Errorf("insert debe: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if agent := authors[p.EntryID]; agent != "" {
				if _, err := tx.ExecContext(ctx, `UPDATE agents SET debe_count = debe_count + 1 WHERE id = ?;`, agent); err != nil {
					return fmt.Errorf("credit debe author: %w", err)
				}
			}
		}
		return tx.Commit()
	})
}
