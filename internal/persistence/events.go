package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventNew       EventStatus = "new"
	EventProcessed EventStatus = "processed"
	EventIgnored   EventStatus = "ignored"
)

// Event is an ingested candidate for a topic. Title and description never
// change after insert.
type Event struct {
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	ExternalID      string      `json:"external_id"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	URL             string      `json:"url,omitempty"`
	Category        string      `json:"category,omitempty"`
	ClusterID       string      `json:"cluster_id,omitempty"`
	ClusterKeywords []string    `json:"cluster_keywords,omitempty"`
	Status          EventStatus `json:"status"`
	TopicID         string      `json:"topic_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

type NewEvent struct {
	Source      string
	ExternalID  string
	Title       string
	Description string
	URL         string
	Category    string
}

const eventColumns = `id, source, external_id, title, description, url, category,
	COALESCE(cluster_id, ''), cluster_keywords, status, COALESCE(topic_id, ''), created_at`

func scanEvent(scanFn func(dest ...any) error, ev *Event) error {
	var keywords string
	if err := scanFn(&ev.ID, &ev.Source, &ev.ExternalID, &ev.Title, &ev.Description, &ev.URL,
		&ev.Category, &ev.ClusterID, &keywords, &ev.Status, &ev.TopicID, &ev.CreatedAt); err != nil {
		return err
	}
	ev.ClusterKeywords = nil
	if keywords != "" && keywords != "[]" {
		if err := json.Unmarshal([]byte(keywords), &ev.ClusterKeywords); err != nil {
			return fmt.Errorf("decode cluster keywords: %w", err)
		}
	}
	return nil
}

// InsertEvents stores events, skipping any whose (source, external_id) is
// already known. It returns only the rows that were new.
func (s *Store) InsertEvents(ctx context.Context, in []NewEvent) ([]Event, error) {
	if len(in) == 0 {
		return nil, nil
	}
	var inserted []Event
	err := retryOnBusy(ctx, 5, func() error {
		inserted = inserted[:0]
		now := s.now()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert events tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO events (id, source, external_id, title, description, url, category, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source, external_id) DO NOTHING;
		`)
		if err != nil {
			return fmt.Errorf("prepare insert event: %w", err)
		}
		defer stmt.Close()

		for _, ne := range in {
			if ne.Source == "" || ne.ExternalID == "" || ne.Title == "" {
				return fmt.Errorf("insert event: source, external id and title are required")
			}
			ev := Event{
				ID:          uuid.NewString(),
				Source:      ne.Source,
				ExternalID:  ne.ExternalID,
				Title:       ne.Title,
				Description: ne.Description,
				URL:         ne.URL,
				Category:    ne.Category,
				Status:      EventNew,
				CreatedAt:   now,
			}
			res, err := stmt.ExecContext(ctx, ev.ID, ev.Source, ev.ExternalID, ev.Title, ev.Description, ev.URL, ev.Category, ev.Status, ev.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				inserted = append(inserted, ev)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	var ev Event
	err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?;`, id).Scan, &ev)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get event %s: %w", id, ErrEventNotFound)
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &ev, nil
}

// ListNewEvents returns unprocessed events, oldest first.
func (s *Store) ListNewEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, EventNew, limit)
	if err != nil {
		return nil, fmt.Errorf("list new events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := scanEvent(rows.Scan, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SetEventCluster records the cluster an event was assigned to.
func (s *Store) SetEventCluster(ctx context.Context, id, clusterID string, keywords []string) error {
	if keywords == nil {
		keywords = []string{}
	}
	raw, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("encode cluster keywords: %w", err)
	}
	return s.updateEvent(ctx, id, `UPDATE events SET cluster_id = ?, cluster_keywords = ? WHERE id = ?;`, clusterID, string(raw), id)
}

// MarkEventProcessed links the event to the topic task it produced.
func (s *Store) MarkEventProcessed(ctx context.Context, id, topicID string) error {
	return s.updateEvent(ctx, id, `UPDATE events SET status = ?, topic_id = ? WHERE id = ?;`, EventProcessed, nullString(topicID), id)
}

func (s *Store) MarkEventIgnored(ctx context.Context, id string) error {
	return s.updateEvent(ctx, id, `UPDATE events SET status = ? WHERE id = ?;`, EventIgnored, id)
}

func (s *Store) updateEvent(ctx context.Context, id, query string, args ...any) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update event %s: %w", id, ErrEventNotFound)
		}
		return nil
	})
}
