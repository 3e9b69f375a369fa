package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/dedup"
)

// PutDedupRecord stores a hash cache row. A row whose window is still open
// keeps its original first_seen.
func (s *Store) PutDedupRecord(ctx context.Context, rec dedup.Record) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO dedup_cache (cache_key, title, first_seen, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(cache_key) DO UPDATE SET
				title = excluded.title,
				first_seen = excluded.first_seen,
				expires_at = excluded.expires_at
			WHERE dedup_cache.expires_at <= excluded.first_seen;
		`, rec.Key, rec.Title, rec.FirstSeen.UTC(), rec.ExpiresAt.UTC()); err != nil {
			return fmt.Errorf("put dedup record: %w", err)
		}
		return nil
	})
}

func (s *Store) GetDedupRecord(ctx context.Context, key string, now time.Time) (dedup.Record, bool, error) {
	var rec dedup.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT cache_key, title, first_seen, expires_at
		FROM dedup_cache
		WHERE cache_key = ? AND expires_at > ?;
	`, key, now.UTC()).Scan(&rec.Key, &rec.Title, &rec.FirstSeen, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dedup.Record{}, false, nil
		}
		return dedup.Record{}, false, fmt.Errorf("get dedup record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) PruneDedupRecords(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup_cache WHERE expires_at <= ?;`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune dedup records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune dedup rows affected: %w", err)
	}
	return n, nil
}
