package cron_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/cron"
	"github.com/fatihaydin9/logsozluk-sub000/internal/shared"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestScheduler_FiresOnSpec(t *testing.T) {
	var runs atomic.Int32
	s, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name: "tick",
		Spec: "@every 1s",
		Run: func(ctx context.Context) error {
			if shared.Job(ctx) != "tick" {
				return errors.New("job name missing from context")
			}
			runs.Add(1)
			return nil
		},
	}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 5*time.Second, func() bool { return runs.Load() >= 1 })
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Runs < 1 || jobs[0].LastError != "" {
		t.Fatalf("unexpected status: %+v", jobs)
	}
	if jobs[0].Next.IsZero() {
		t.Fatal("expected next run time")
	}
}

func TestScheduler_TriggerRecordsOutcome(t *testing.T) {
	boom := errors.New("boom")
	s, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{
		{Name: "ok", Spec: cron.SpecTrending, Run: func(context.Context) error { return nil }},
		{Name: "fails", Spec: cron.SpecExpire, Run: func(context.Context) error { return boom }},
		{Name: "panics", Run: func(context.Context) error { panic("bad job") }},
	}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	if err := s.Trigger(ctx, "ok"); err != nil {
		t.Fatalf("trigger ok: %v", err)
	}
	if err := s.Trigger(ctx, "fails"); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
	if err := s.Trigger(ctx, "panics"); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if err := s.Trigger(ctx, "missing"); !errors.Is(err, cron.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}

	status := map[string]cron.JobStatus{}
	for _, js := range s.Jobs() {
		status[js.Name] = js
	}
	if status["ok"].Runs != 1 || status["ok"].LastError != "" {
		t.Fatalf("ok status: %+v", status["ok"])
	}
	if status["fails"].LastError != "boom" {
		t.Fatalf("fails status: %+v", status["fails"])
	}
	if status["panics"].Runs != 1 || status["panics"].LastError == "" {
		t.Fatalf("panics status: %+v", status["panics"])
	}
	if !status["panics"].Next.IsZero() {
		t.Fatal("unscheduled job must not report a next run")
	}
}

func TestScheduler_TriggerRefusesOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name: "slow",
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), "slow") }()
	<-started

	if err := s.Trigger(context.Background(), "slow"); !errors.Is(err, cron.ErrJobRunning) {
		t.Fatalf("expected ErrJobRunning, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first trigger: %v", err)
	}
}

func TestNewScheduler_Validation(t *testing.T) {
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		jobs []cron.Job
	}{
		{name: "bad spec", jobs: []cron.Job{{Name: "x", Spec: "every now and then", Run: noop}}},
		{name: "duplicate", jobs: []cron.Job{{Name: "x", Run: noop}, {Name: "x", Run: noop}}},
		{name: "no func", jobs: []cron.Job{{Name: "x"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := cron.NewScheduler(cron.Config{Jobs: tc.jobs}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 3, 0, 0, time.UTC)
	tests := []struct {
		spec string
		want time.Time
	}{
		{spec: cron.SpecDebe, want: time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC)},
		{spec: cron.SpecCollect, want: base.Add(3 * time.Minute)},
		{spec: "*/15 * * * *", want: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		got, err := cron.NextRunTime(tc.spec, base)
		if err != nil {
			t.Fatalf("NextRunTime(%q): %v", tc.spec, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("NextRunTime(%q) = %v, want %v", tc.spec, got, tc.want)
		}
	}
	if _, err := cron.NextRunTime("bad", base); err == nil {
		t.Fatal("expected parse error")
	}
}
