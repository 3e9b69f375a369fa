// Package cron runs the engine's periodic jobs on cron specs.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/shared"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 5m" or "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Default job specs.
const (
	SpecAdvance  = "@every 5m"
	SpecExpire   = "@every 30m"
	SpecCollect  = "@every 3m"
	SpecExternal = "@every 10m"
	SpecTrending = "@every 15m"
	SpecDebe     = "5 0 * * *"
)

type JobFunc func(ctx context.Context) error

type Job struct {
	Name string
	Spec string
	Run  JobFunc
}

// JobStatus is the last known state of a job.
type JobStatus struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	Next      time.Time     `json:"next_run_at,omitempty"`
	LastRun   time.Time     `json:"last_run_at,omitempty"`
	LastTook  time.Duration `json:"last_took_ns,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int           `json:"runs"`
}

type Config struct {
	Jobs     []Job
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

type registered struct {
	job     Job
	entry   cronlib.EntryID
	running sync.Mutex

	mu     sync.Mutex
	status JobStatus
}

// Scheduler owns a robfig cron instance. Scheduled runs of one job never
// overlap, and a manual Trigger while the job is running is refused.
type Scheduler struct {
	c      *cronlib.Cron
	jobs   map[string]*registered
	logger *slog.Logger
	m      *otel.Metrics
	tracer trace.Tracer

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		c: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLocation(loc),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
			cronlib.WithLogger(cl),
		),
		jobs:   make(map[string]*registered, len(cfg.Jobs)),
		logger: logger,
		m:      cfg.Metrics,
		tracer: otel.TracerOrNoop(cfg.Tracer),
		ctx:    context.Background(),
	}
	for _, job := range cfg.Jobs {
		if job.Name == "" || job.Run == nil {
			return nil, errors.New("cron: job name and func are required")
		}
		if _, dup := s.jobs[job.Name]; dup {
			return nil, fmt.Errorf("cron: duplicate job %q", job.Name)
		}
		r := &registered{job: job, status: JobStatus{Name: job.Name, Spec: job.Spec}}
		if job.Spec != "" {
			id, err := s.c.AddFunc(job.Spec, func() { s.runScheduled(r) })
			if err != nil {
				return nil, fmt.Errorf("cron: job %q spec %q: %w", job.Name, job.Spec, err)
			}
			r.entry = id
		}
		s.jobs[job.Name] = r
	}
	return s, nil
}

// Start begins firing jobs on their specs. Jobs receive a context derived
// from ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.c.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop halts scheduling, cancels running jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.c.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// Trigger runs the named job now, outside its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	r, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("trigger %q: %w", name, ErrUnknownJob)
	}
	if !r.running.TryLock() {
		return fmt.Errorf("trigger %q: %w", name, ErrJobRunning)
	}
	defer r.running.Unlock()
	return s.run(ctx, r)
}

// Jobs lists every registered job sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, r := range s.jobs {
		r.mu.Lock()
		st := r.status
		r.mu.Unlock()
		if r.entry != 0 {
			st.Next = s.c.Entry(r.entry).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) runScheduled(r *registered) {
	if !r.running.TryLock() {
		s.logger.Info("cron: job still running, skipped", "job", r.job.Name)
		return
	}
	defer r.running.Unlock()
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	_ = s.run(ctx, r)
}

func (s *Scheduler) run(ctx context.Context, r *registered) (err error) {
	name := r.job.Name
	ctx = shared.WithJob(shared.WithTraceID(ctx, shared.NewTraceID()), name)
	ctx, span := otel.StartSpan(ctx, s.tracer, "job."+name, otel.AttrJob.String(name))
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", name, p)
		}
		took := time.Since(start)
		otel.EndSpan(span, err)
		s.m.Job(ctx, name, took, err)

		r.mu.Lock()
		r.status.Runs++
		r.status.LastRun = start.UTC()
		r.status.LastTook = took
		r.status.LastError = ""
		if err != nil {
			r.status.LastError = err.Error()
		}
		r.mu.Unlock()

		if err != nil {
			s.logger.Error("cron: job failed", "job", name, "duration", took, "trace_id", shared.TraceID(ctx), "error", err)
			return
		}
		s.logger.Debug("cron: job finished", "job", name, "duration", took, "trace_id", shared.TraceID(ctx))
	}()
	return r.job.Run(ctx)
}

// NextRunTime parses spec and returns the next activation after the given
// time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger routes robfig's logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
