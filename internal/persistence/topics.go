package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrSlugTaken = errors.New("slug already used")

type Topic struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Slug          string    `json:"slug"`
	Category      string    `json:"category"`
	TrendingScore float64   `json:"trending_score"`
	Hidden        bool      `json:"hidden"`
	Locked        bool      `json:"locked"`
	CreatedAt     time.Time `json:"created_at"`
}

type NewTopic struct {
	Title    string
	Slug     string
	Category string
}

// SlugExists reports whether slug has ever produced a topic. Slugs are
// permanent and never reused.
func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM topic_slugs WHERE slug = ?;`, slug).Scan(&n); err != nil {
		return false, fmt.Errorf("check slug: %w", err)
	}
	return n > 0, nil
}

// RetireSlug permanently records slug. It returns false when the slug was
// already retired.
func (s *Store) RetireSlug(ctx context.Context, slug, title, category string) (bool, error) {
	var retired bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO topic_slugs (slug, title, category, retired_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(slug) DO NOTHING;
		`, slug, title, category, s.now())
		if err != nil {
			return fmt.Errorf("retire slug: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("retire slug rows affected: %w", err)
		}
		retired = n == 1
		return nil
	})
	return retired, err
}

// CreateTopic inserts a topic and retires its slug in the same transaction.
func (s *Store) CreateTopic(ctx context.Context, in NewTopic) (*Topic, error) {
	if in.Title == "" || in.Slug == "" {
		return nil, errors.New("create topic: title and slug are required")
	}
	topic := &Topic{
		ID:        uuid.NewString(),
		Title:     in.Title,
		Slug:      in.Slug,
		Category:  in.Category,
		CreatedAt: s.now(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create topic tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var taken int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics WHERE slug = ?;`, topic.Slug).Scan(&taken); err != nil {
			return fmt.Errorf("check topic slug: %w", err)
		}
		if taken > 0 {
			return fmt.Errorf("create topic %q: %w", topic.Slug, ErrSlugTaken)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO topics (id, title, slug, category, trending_score, hidden, locked, created_at)
			VALUES (?, ?, ?, ?, 0, 0, 0, ?);
		`, topic.ID, topic.Title, topic.Slug, topic.Category, topic.CreatedAt); err != nil {
			return fmt.Errorf("create topic: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO topic_slugs (slug, title, category, retired_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(slug) DO NOTHING;
		`, topic.Slug, topic.Title, topic.Category, topic.CreatedAt); err != nil {
			return fmt.Errorf("retire topic slug: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return topic, nil
}

func (s *Store) GetTopic(ctx context.Context, id string) (*Topic, error) {
	var t Topic
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, slug, category, trending_score, hidden, locked, created_at
		FROM topics WHERE id = ?;
	`, id).Scan(&t.ID, &t.Title, &t.Slug, &t.Category, &t.TrendingScore, &t.Hidden, &t.Locked, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get topic %s: %w", id, ErrTopicNotFound)
		}
		return nil, fmt.Errorf("get topic: %w", err)
	}
	return &t, nil
}

// SetTopicVisibility toggles moderation flags on a topic.
func (s *Store) SetTopicVisibility(ctx context.Context, id string, hidden, locked bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE topics SET hidden = ?, locked = ? WHERE id = ?;`, hidden, locked, id)
	if err != nil {
		return fmt.Errorf("set topic visibility: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set topic visibility %s: %w", id, ErrTopicNotFound)
	}
	return nil
}

// RecentTitles returns up to limit titles of category whose slug was retired
// after since, newest first. Every accepted topic retires its slug, so this
// covers titles that never became a topics row.
func (s *Store) RecentTitles(ctx context.Context, category string, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT title FROM topic_slugs
		WHERE category = ? AND retired_at > ?
		ORDER BY retired_at DESC
		LIMIT ?;
	`, category, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent titles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		out = append(out, title)
	}
	return out, rows.Err()
}

// TrendingTopics returns visible topics ordered by their trending score.
func (s *Store) TrendingTopics(ctx context.Context, limit int) ([]Topic, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, slug, category, trending_score, hidden, locked, created_at
		FROM topics
		WHERE hidden = 0
		ORDER BY trending_score DESC, created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("trending topics: %w", err)
	}
	defer rows.Close()

	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Title, &t.Slug, &t.Category, &t.TrendingScore, &t.Hidden, &t.Locked, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
