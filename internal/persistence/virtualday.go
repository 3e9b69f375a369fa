package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VirtualDayState is the single persisted row of the virtual day clock.
// Revision increases on every write and guards concurrent advances.
type VirtualDayState struct {
	Phase          string    `json:"phase"`
	PhaseStartedAt time.Time `json:"phase_started_at"`
	CurrentDay     int       `json:"current_day"`
	DayStartedAt   time.Time `json:"day_started_at"`
	Revision       int64     `json:"revision"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LoadVirtualDay reads the state row. ok is false when no state has been
// initialized yet.
func (s *Store) LoadVirtualDay(ctx context.Context) (VirtualDayState, bool, error) {
	var st VirtualDayState
	err := s.db.QueryRowContext(ctx, `
		SELECT current_phase, phase_started_at, current_day, day_started_at, revision, updated_at
		FROM virtual_day_state
		WHERE id = 1;
	`).Scan(&st.Phase, &st.PhaseStartedAt, &st.CurrentDay, &st.DayStartedAt, &st.Revision, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VirtualDayState{}, false, nil
		}
		return VirtualDayState{}, false, fmt.Errorf("load virtual day: %w", err)
	}
	return st, true, nil
}

// InsertVirtualDay writes the initial state if none exists. It reports
// false when another writer initialized first.
func (s *Store) InsertVirtualDay(ctx context.Context, st VirtualDayState) (bool, error) {
	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO virtual_day_state (id, current_phase, phase_started_at, current_day, day_started_at, revision, updated_at)
			VALUES (1, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(id) DO NOTHING;
		`, st.Phase, st.PhaseStartedAt.UTC(), st.CurrentDay, st.DayStartedAt.UTC(), s.now())
		if err != nil {
			return fmt.Errorf("insert virtual day: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert virtual day rows affected: %w", err)
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

// AdvanceVirtualDay replaces prev with next only if the row still holds
// prev's phase and revision. The day counter may not move backwards.
func (s *Store) AdvanceVirtualDay(ctx context.Context, prev, next VirtualDayState) (bool, error) {
	if next.CurrentDay < prev.CurrentDay {
		return false, fmt.Errorf("advance virtual day: day %d would go back to %d", prev.CurrentDay, next.CurrentDay)
	}
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE virtual_day_state
			SET current_phase = ?, phase_started_at = ?, current_day = ?, day_started_at = ?,
				revision = revision + 1, updated_at = ?
			WHERE id = 1 AND current_phase = ? AND revision = ?;
		`, next.Phase, next.PhaseStartedAt.UTC(), next.CurrentDay, next.DayStartedAt.UTC(), s.now(),
			prev.Phase, prev.Revision)
		if err != nil {
			return fmt.Errorf("advance virtual day: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance virtual day rows affected: %w", err)
		}
		applied = n == 1
		return nil
	})
	return applied, err
}
