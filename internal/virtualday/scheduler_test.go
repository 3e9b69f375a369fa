package virtualday

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/bus"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
)

// memStore is an in-memory StateStore with the same compare-and-swap rule
// as the SQLite row.
type memStore struct {
	mu  sync.Mutex
	row *persistence.VirtualDayState
}

func (m *memStore) LoadVirtualDay(context.Context) (persistence.VirtualDayState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.row == nil {
		return persistence.VirtualDayState{}, false, nil
	}
	return *m.row, true, nil
}

func (m *memStore) InsertVirtualDay(_ context.Context, st persistence.VirtualDayState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.row != nil {
		return false, nil
	}
	m.row = &st
	return true, nil
}

func (m *memStore) AdvanceVirtualDay(_ context.Context, prev, next persistence.VirtualDayState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.row == nil || m.row.Phase != prev.Phase || m.row.Revision != prev.Revision {
		return false, nil
	}
	next.Revision = prev.Revision + 1
	m.row = &next
	return true, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, store StateStore, start time.Time, dayLength time.Duration) (*Scheduler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: start}
	s, err := New(Config{
		Store:     store,
		Clock:     clock.Now,
		DayLength: dayLength,
		Location:  time.FixedZone("TRT", 3*60*60),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, clock
}

// 06:00 UTC is 09:00 in Istanbul.
var morningUTC = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

func TestInitialize_UsesLocalHour(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		want  Phase
	}{
		{"morning", morningUTC, MorningHate},
		{"office", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), OfficeHours},
		{"prime", time.Date(2026, 3, 1, 16, 30, 0, 0, time.UTC), PrimeTime},
		{"night", time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC), Existential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScheduler(t, &memStore{}, tt.start, time.Hour)
			if _, ok, err := s.Load(context.Background()); err != nil || ok {
				t.Fatalf("load before init = %v, %v", ok, err)
			}
			st, err := s.Current(context.Background())
			if err != nil {
				t.Fatalf("current: %v", err)
			}
			if st.Phase != tt.want || st.Day != 1 {
				t.Fatalf("initialized %+v, want phase %s day 1", st, tt.want)
			}
		})
	}
}

func TestInitialize_KeepsExistingState(t *testing.T) {
	store := &memStore{}
	s, clock := newTestScheduler(t, store, morningUTC, time.Hour)
	first, err := s.Initialize(context.Background())
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	clock.Advance(10 * time.Hour)
	again, err := s.Initialize(context.Background())
	if err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if again.Phase != first.Phase || !again.PhaseStartedAt.Equal(first.PhaseStartedAt) {
		t.Fatalf("re-initialize overwrote state: %+v -> %+v", first, again)
	}
}

func TestAdvanceIfDue_NoOpBeforeDeadline(t *testing.T) {
	s, clock := newTestScheduler(t, &memStore{}, morningUTC, time.Hour)
	ctx := context.Background()
	before, err := s.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	clock.Advance(s.PhaseDuration(MorningHate) - time.Second)

	if _, advanced, err := s.AdvanceIfDue(ctx); err != nil || advanced {
		t.Fatalf("advance before deadline = %v, %v", advanced, err)
	}
	after, _ := s.Current(ctx)
	if after.Phase != before.Phase || after.Day != before.Day || !after.PhaseStartedAt.Equal(before.PhaseStartedAt) {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
}

func TestAdvanceIfDue_FullCycleIncrementsDay(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicPhaseAdvanced)
	defer b.Unsubscribe(sub)

	clock := &fakeClock{now: morningUTC}
	s, err := New(Config{Store: &memStore{}, Clock: clock.Now, DayLength: time.Hour, Location: time.FixedZone("TRT", 3*60*60), Bus: b})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	st, err := s.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}

	want := []Phase{OfficeHours, PrimeTime, Existential, MorningHate}
	for i, next := range want {
		clock.Advance(s.PhaseDuration(st.Phase))
		tr, advanced, err := s.AdvanceIfDue(ctx)
		if err != nil || !advanced {
			t.Fatalf("step %d: advance = %v, %v", i, advanced, err)
		}
		if tr.To != next {
			t.Fatalf("step %d: moved to %s, want %s", i, tr.To, next)
		}
		st, _ = s.Current(ctx)
		if !st.PhaseStartedAt.Equal(clock.Now()) {
			t.Fatalf("step %d: phase_started_at = %v, want %v", i, st.PhaseStartedAt, clock.Now())
		}
	}
	if st.Phase != MorningHate || st.Day != 2 {
		t.Fatalf("after full cycle got %+v, want morning of day 2", st)
	}
	if !st.DayStartedAt.Equal(clock.Now()) {
		t.Fatalf("day_started_at = %v, want %v", st.DayStartedAt, clock.Now())
	}

	for i := range want {
		select {
		case ev := <-sub.Ch():
			payload := ev.Payload.(bus.PhaseAdvancedEvent)
			if payload.To != string(want[i]) {
				t.Fatalf("event %d to %s, want %s", i, payload.To, want[i])
			}
			if payload.NewDay != (want[i] == MorningHate) {
				t.Fatalf("event %d new_day = %v", i, payload.NewDay)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing phase event %d", i)
		}
	}
}

func TestAdvanceIfDue_RacingSchedulersApplyOnce(t *testing.T) {
	store := &memStore{}
	clock := &fakeClock{now: morningUTC}
	var schedulers []*Scheduler
	for i := 0; i < 8; i++ {
		s, err := New(Config{Store: store, Clock: clock.Now, DayLength: time.Hour})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		schedulers = append(schedulers, s)
	}
	ctx := context.Background()
	st, err := schedulers[0].Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	clock.Advance(schedulers[0].PhaseDuration(st.Phase))

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for _, s := range schedulers {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			_, ok, err := s.AdvanceIfDue(ctx)
			if err != nil {
				t.Errorf("advance: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected exactly one transition, got %d", applied)
	}
	after, _ := schedulers[0].Current(ctx)
	if after.Phase != st.Phase.Next() {
		t.Fatalf("phase = %s, want %s", after.Phase, st.Phase.Next())
	}
}

func TestProgress(t *testing.T) {
	s, clock := newTestScheduler(t, &memStore{}, morningUTC, 24*time.Hour)
	ctx := context.Background()
	if _, err := s.Current(ctx); err != nil {
		t.Fatalf("current: %v", err)
	}
	total := s.PhaseDuration(MorningHate)
	clock.Advance(total / 2)

	p, err := s.Progress(ctx)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Phase != MorningHate || p.Mood != "huysuz" || len(p.Themes) != 3 {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if p.Percent < 49.9 || p.Percent > 50.1 {
		t.Fatalf("percent = %v, want ~50", p.Percent)
	}
	if p.Elapsed+p.Remaining != total {
		t.Fatalf("elapsed %v + remaining %v != %v", p.Elapsed, p.Remaining, total)
	}

	clock.Advance(total)
	p, _ = s.Progress(ctx)
	if p.Percent != 100 || p.Remaining != 0 {
		t.Fatalf("overdue progress = %+v", p)
	}
}

func TestPhaseContextAndProfiles(t *testing.T) {
	s, _ := newTestScheduler(t, &memStore{}, morningUTC, time.Hour)
	ctx := s.PhaseContext(PrimeTime)
	if ctx["phase"] != "prime_time" || ctx["mood"] != "sosyal" || ctx["temperature"] != 0.80 {
		t.Fatalf("unexpected phase context: %#v", ctx)
	}

	custom := DefaultProfiles()[PrimeTime]
	custom.Mood = "coskulu"
	if err := s.SetProfiles(map[Phase]Profile{PrimeTime: custom}); err != nil {
		t.Fatalf("set profiles: %v", err)
	}
	if got := s.Profile(PrimeTime).Mood; got != "coskulu" {
		t.Fatalf("mood = %q", got)
	}
	if got := s.Profile(MorningHate).Mood; got != "huysuz" {
		t.Fatalf("untouched phase lost its default, mood = %q", got)
	}
	if err := s.SetProfiles(map[Phase]Profile{"lunch": custom}); err == nil {
		t.Fatal("expected error for unknown phase profile")
	}
}

func TestScheduler_WithSQLiteStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agenda.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	s, clock := newTestScheduler(t, store, morningUTC, time.Hour)
	ctx := context.Background()
	st, err := s.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	for i := 0; i < 4; i++ {
		clock.Advance(s.PhaseDuration(st.Phase))
		if _, ok, err := s.AdvanceIfDue(ctx); err != nil || !ok {
			t.Fatalf("advance %d = %v, %v", i, ok, err)
		}
		st, _ = s.Current(ctx)
	}
	if st.Phase != MorningHate || st.Day != 2 {
		t.Fatalf("state after a day = %+v", st)
	}
}
