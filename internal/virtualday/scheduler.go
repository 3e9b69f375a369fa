package virtualday

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/bus"
	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
)

const (
	DefaultDayLength = 24 * time.Hour
	DefaultTimezone  = "Europe/Istanbul"
)

// StateStore persists the single virtual day row.
type StateStore interface {
	LoadVirtualDay(ctx context.Context) (persistence.VirtualDayState, bool, error)
	InsertVirtualDay(ctx context.Context, st persistence.VirtualDayState) (bool, error)
	AdvanceVirtualDay(ctx context.Context, prev, next persistence.VirtualDayState) (bool, error)
}

type State struct {
	Phase          Phase     `json:"phase"`
	PhaseStartedAt time.Time `json:"phase_started_at"`
	Day            int       `json:"day"`
	DayStartedAt   time.Time `json:"day_started_at"`

	row persistence.VirtualDayState
}

type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Day    int       `json:"day"`
	NewDay bool      `json:"new_day"`
	At     time.Time `json:"at"`
}

// Progress describes how far the current phase has run.
type Progress struct {
	Phase          Phase         `json:"phase"`
	Label          string        `json:"label"`
	Day            int           `json:"day"`
	PhaseStartedAt time.Time     `json:"phase_started_at"`
	Elapsed        time.Duration `json:"elapsed"`
	Remaining      time.Duration `json:"remaining"`
	Percent        float64       `json:"percent"`
	Themes         []string      `json:"themes"`
	Mood           string        `json:"mood"`
}

type Config struct {
	Store     StateStore
	Clock     func() time.Time
	DayLength time.Duration
	Location  *time.Location
	Profiles  map[Phase]Profile
	Logger    *slog.Logger
	Bus       *bus.Bus
	Metrics   *otel.Metrics
}

type Scheduler struct {
	store  StateStore
	clock  func() time.Time
	loc    *time.Location
	logger *slog.Logger
	bus    *bus.Bus
	m      *otel.Metrics

	mu        sync.RWMutex
	dayLength time.Duration
	profiles  map[Phase]Profile
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("virtualday: state store is required")
	}
	s := &Scheduler{
		store:  cfg.Store,
		clock:  cfg.Clock,
		loc:    cfg.Location,
		logger: cfg.Logger,
		bus:    cfg.Bus,
		m:      cfg.Metrics,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.loc == nil {
		s.loc = defaultLocation()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.SetDayLength(cfg.DayLength)
	if err := s.SetProfiles(cfg.Profiles); err != nil {
		return nil, err
	}
	return s, nil
}

func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		// Turkey has stayed on UTC+3 without DST since 2016.
		return time.FixedZone("TRT", 3*60*60)
	}
	return loc
}

// SetDayLength changes the length of a full virtual day. Non-positive
// values select DefaultDayLength.
func (s *Scheduler) SetDayLength(d time.Duration) {
	if d <= 0 {
		d = DefaultDayLength
	}
	s.mu.Lock()
	s.dayLength = d
	s.mu.Unlock()
}

// SetProfiles replaces the phase table. Phases missing from profiles keep
// their default profile. A nil map restores all defaults.
func (s *Scheduler) SetProfiles(profiles map[Phase]Profile) error {
	merged := DefaultProfiles()
	for p, prof := range profiles {
		if !p.Valid() {
			return fmt.Errorf("virtualday: profile for %w %q", ErrUnknownPhase, p)
		}
		if prof.Ratio <= 0 {
			return fmt.Errorf("virtualday: phase %s needs a positive ratio", p)
		}
		merged[p] = prof
	}
	s.mu.Lock()
	s.profiles = merged
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Profile(p Phase) Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[p]
}

// PhaseDuration is the virtual length of phase p.
func (s *Scheduler) PhaseDuration(p Phase) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(float64(s.dayLength) * s.profiles[p].Ratio)
}

// Load reads the persisted state without side effects.
func (s *Scheduler) Load(ctx context.Context) (State, bool, error) {
	row, ok, err := s.store.LoadVirtualDay(ctx)
	if err != nil || !ok {
		return State{}, ok, err
	}
	st, err := fromRow(row)
	if err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

// Initialize creates day 1 in the phase that owns the current wall-clock
// hour. An existing state is returned unchanged.
func (s *Scheduler) Initialize(ctx context.Context) (State, error) {
	now := s.clock().UTC()
	phase := PhaseForHour(now.In(s.loc).Hour())
	row := persistence.VirtualDayState{
		Phase:          string(phase),
		PhaseStartedAt: now,
		CurrentDay:     1,
		DayStartedAt:   now,
	}
	inserted, err := s.store.InsertVirtualDay(ctx, row)
	if err != nil {
		return State{}, fmt.Errorf("initialize virtual day: %w", err)
	}
	if inserted {
		s.logger.Info("virtual day initialized", "phase", phase, "day", 1)
	}
	st, ok, err := s.Load(ctx)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, errors.New("initialize virtual day: state missing after insert")
	}
	return st, nil
}

// Current returns the persisted state, initializing it on first use.
func (s *Scheduler) Current(ctx context.Context) (State, error) {
	st, ok, err := s.Load(ctx)
	if err != nil {
		return State{}, err
	}
	if ok {
		return st, nil
	}
	return s.Initialize(ctx)
}

// AdvanceIfDue moves to the next phase once the current one has run its
// share of the day. At most one phase is advanced per call. The write is
// conditional on the state read, so a concurrent scheduler that advanced
// first makes this call a no-op.
func (s *Scheduler) AdvanceIfDue(ctx context.Context) (Transition, bool, error) {
	st, ok, err := s.Load(ctx)
	if err != nil {
		return Transition{}, false, err
	}
	if !ok {
		if _, err := s.Initialize(ctx); err != nil {
			return Transition{}, false, err
		}
		return Transition{}, false, nil
	}

	now := s.clock().UTC()
	if now.Sub(st.PhaseStartedAt) < s.PhaseDuration(st.Phase) {
		return Transition{}, false, nil
	}

	next := st.Phase.Next()
	tr := Transition{From: st.Phase, To: next, Day: st.Day, At: now}
	row := persistence.VirtualDayState{
		Phase:          string(next),
		PhaseStartedAt: now,
		CurrentDay:     st.Day,
		DayStartedAt:   st.DayStartedAt,
	}
	if next == cycle[0] {
		row.CurrentDay++
		row.DayStartedAt = now
		tr.Day = row.CurrentDay
		tr.NewDay = true
	}
	applied, err := s.store.AdvanceVirtualDay(ctx, st.row, row)
	if err != nil {
		return Transition{}, false, err
	}
	if !applied {
		s.logger.Debug("phase advance lost race", "phase", st.Phase)
		return Transition{}, false, nil
	}

	s.logger.Info("phase advanced", "from", tr.From, "to", tr.To, "day", tr.Day, "new_day", tr.NewDay)
	s.m.PhaseAdvanced(ctx, string(tr.To))
	s.bus.Publish(bus.TopicPhaseAdvanced, bus.PhaseAdvancedEvent{
		From:       string(tr.From),
		To:         string(tr.To),
		Day:        tr.Day,
		NewDay:     tr.NewDay,
		AdvancedAt: now,
	})
	return tr, true, nil
}

// Progress reports the elapsed and remaining share of the current phase.
func (s *Scheduler) Progress(ctx context.Context) (Progress, error) {
	st, err := s.Current(ctx)
	if err != nil {
		return Progress{}, err
	}
	prof := s.Profile(st.Phase)
	total := s.PhaseDuration(st.Phase)
	elapsed := s.clock().UTC().Sub(st.PhaseStartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	percent := 100.0
	if total > 0 && elapsed < total {
		percent = float64(elapsed) / float64(total) * 100
	}
	return Progress{
		Phase:          st.Phase,
		Label:          prof.Label,
		Day:            st.Day,
		PhaseStartedAt: st.PhaseStartedAt,
		Elapsed:        elapsed,
		Remaining:      remaining,
		Percent:        percent,
		Themes:         append([]string(nil), prof.Themes...),
		Mood:           prof.Mood,
	}, nil
}

// PhaseContext is the phase section of a task context.
func (s *Scheduler) PhaseContext(p Phase) map[string]any {
	prof := s.Profile(p)
	return map[string]any{
		"phase":            string(p),
		"phase_label":      prof.Label,
		"themes":           append([]string(nil), prof.Themes...),
		"secondary_themes": append([]string(nil), prof.SecondaryThemes...),
		"mood":             prof.Mood,
		"temperature":      prof.Temperature,
		"organic_boost":    prof.OrganicBoost,
	}
}

func fromRow(row persistence.VirtualDayState) (State, error) {
	p, err := ParsePhase(row.Phase)
	if err != nil {
		return State{}, fmt.Errorf("load virtual day: %w", err)
	}
	return State{
		Phase:          p,
		PhaseStartedAt: row.PhaseStartedAt.UTC(),
		Day:            row.CurrentDay,
		DayStartedAt:   row.DayStartedAt.UTC(),
		row:            row,
	}, nil
}
