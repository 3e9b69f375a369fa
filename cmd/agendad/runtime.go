package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fatihaydin9/logsozluk-sub000/internal/bus"
	"github.com/fatihaydin9/logsozluk-sub000/internal/cluster"
	"github.com/fatihaydin9/logsozluk-sub000/internal/config"
	"github.com/fatihaydin9/logsozluk-sub000/internal/cron"
	"github.com/fatihaydin9/logsozluk-sub000/internal/dedup"
	"github.com/fatihaydin9/logsozluk-sub000/internal/external"
	"github.com/fatihaydin9/logsozluk-sub000/internal/ingest"
	otelPkg "github.com/fatihaydin9/logsozluk-sub000/internal/otel"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
	"github.com/fatihaydin9/logsozluk-sub000/internal/taskgen"
	"github.com/fatihaydin9/logsozluk-sub000/internal/trending"
	"github.com/fatihaydin9/logsozluk-sub000/internal/virtualday"
)

// Job names, also accepted by /api/trigger/{job}.
const (
	jobAdvance  = "advance"
	jobExpire   = "expire"
	jobCollect  = "collect"
	jobExternal = "external"
	jobTrending = "trending"
	jobDebe     = "debe"
)

type runtimeDeps struct {
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer
	Clock   func() time.Time
	// Sources replaces the spool source built from config. Tests use it.
	Sources []ingest.Source
}

// runtime holds every long-lived component of the daemon.
type runtime struct {
	logger      *slog.Logger
	bus         *bus.Bus
	clock       func() time.Time
	fingerprint atomic.Value

	store     *persistence.Store
	phases    *virtualday.Scheduler
	checker   *dedup.Checker
	clusterer *cluster.Clusterer
	health    *ingest.SourceHealth
	pipeline  *taskgen.Pipeline
	external  *external.Generator
	trending  *trending.Service
	scheduler *cron.Scheduler

	// memCache is set when dedup runs without the persistent cache.
	memCache *dedup.MemoryCache
}

func newRuntime(cfg config.Config, deps runtimeDeps) (_ *runtime, err error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	rt := &runtime{logger: deps.Logger, bus: deps.Bus, clock: deps.Clock}
	rt.fingerprint.Store(cfg.Fingerprint())

	rt.store, err = persistence.Open(cfg.DBPath, deps.Bus)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err != nil {
			_ = rt.store.Close()
		}
	}()
	rt.store.SetClock(deps.Clock)

	profiles, err := buildProfiles(cfg.VirtualDay.Phases)
	if err != nil {
		return nil, err
	}
	rt.phases, err = virtualday.New(virtualday.Config{
		Store:     rt.store,
		Clock:     deps.Clock,
		DayLength: cfg.VirtualDay.DayLength,
		Location:  cfg.Location(),
		Profiles:  profiles,
		Logger:    deps.Logger,
		Bus:       deps.Bus,
		Metrics:   deps.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("virtual day: %w", err)
	}

	clock := dedup.ClockFunc(deps.Clock)
	var cache dedup.Cache
	if cfg.Dedup.Persistent {
		cache = dedup.NewStoreCache(rt.store, cfg.CacheTTL(), clock)
	} else {
		rt.memCache = dedup.NewMemoryCache(cfg.CacheTTL(), clock)
		cache = rt.memCache
	}
	rt.checker, err = dedup.NewChecker(dedup.Config{
		Cache:        cache,
		Slugs:        rt.store,
		Corpus:       rt.store,
		Clock:        clock,
		Logger:       deps.Logger,
		Bus:          deps.Bus,
		Metrics:      deps.Metrics,
		CorpusWindow: cfg.CorpusWindow(),
		CorpusSize:   cfg.Dedup.CorpusSize,
		Thresholds:   thresholds(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}

	rt.clusterer = cluster.New(cluster.Config{
		Store:               rt.store,
		Logger:              deps.Logger,
		Metrics:             deps.Metrics,
		SimilarityThreshold: cfg.Cluster.SimilarityThreshold,
	})

	rt.health = ingest.NewSourceHealth(ingest.HealthConfig{
		FailureThreshold: cfg.Ingest.FailureThreshold,
		ProbeEvery:       cfg.Ingest.ProbeEvery,
		Logger:           deps.Logger,
		Bus:              deps.Bus,
		Metrics:          deps.Metrics,
	})
	sources := deps.Sources
	if sources == nil {
		sources = []ingest.Source{ingest.NewSpoolSource("spool", cfg.Ingest.SpoolDir)}
	}
	collector := ingest.NewCollector(ingest.CollectorConfig{
		Sources:      sources,
		Health:       rt.health,
		MinInterval:  cfg.FetchInterval(),
		FetchTimeout: cfg.FetchTimeout(),
		Logger:       deps.Logger,
		Metrics:      deps.Metrics,
	})

	rt.pipeline, err = taskgen.NewPipeline(taskgen.PipelineConfig{
		Store:      rt.store,
		Collector:  collector,
		Phases:     rt.phases,
		Clusterer:  rt.clusterer,
		Dedup:      rt.checker,
		Logger:     deps.Logger,
		Metrics:    deps.Metrics,
		Tracer:     deps.Tracer,
		MaxPending: cfg.Queue.MaxPending,
	})
	if err != nil {
		return nil, fmt.Errorf("task pipeline: %w", err)
	}

	rt.external, err = external.New(external.Config{
		Store:           rt.store,
		Clock:           deps.Clock,
		Logger:          deps.Logger,
		Metrics:         deps.Metrics,
		MaxPending:      cfg.Queue.ExternalMaxPending,
		EntryCooldown:   time.Duration(cfg.Queue.EntryCooldownMinutes) * time.Minute,
		CommentCooldown: time.Duration(cfg.Queue.CommentCooldownMinutes) * time.Minute,
		TTL:             time.Duration(cfg.Queue.ExternalTTLMinutes) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("external generator: %w", err)
	}

	rt.trending, err = trending.New(trending.Config{
		Store:    rt.store,
		Clock:    deps.Clock,
		Location: cfg.Location(),
		Logger:   deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("trending: %w", err)
	}

	rt.scheduler, err = cron.NewScheduler(cron.Config{
		Jobs:     rt.jobs(cfg.Jobs),
		Location: cfg.Location(),
		Logger:   deps.Logger,
		Metrics:  deps.Metrics,
		Tracer:   deps.Tracer,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Fingerprint identifies the config currently applied.
func (rt *runtime) Fingerprint() string {
	fp, _ := rt.fingerprint.Load().(string)
	return fp
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

func (rt *runtime) jobs(specs config.JobsConfig) []cron.Job {
	return []cron.Job{
		{Name: jobAdvance, Spec: specs.Advance, Run: rt.runAdvance},
		{Name: jobExpire, Spec: specs.Expire, Run: rt.runExpire},
		{Name: jobCollect, Spec: specs.Collect, Run: rt.runCollect},
		{Name: jobExternal, Spec: specs.External, Run: rt.runExternal},
		{Name: jobTrending, Spec: specs.Trending, Run: rt.runTrending},
		{Name: jobDebe, Spec: specs.Debe, Run: rt.runDebe},
	}
}

func (rt *runtime) runAdvance(ctx context.Context) error {
	tr, advanced, err := rt.phases.AdvanceIfDue(ctx)
	if err != nil {
		return err
	}
	if advanced {
		rt.logger.Info("virtual day advanced", "from", tr.From, "to", tr.To, "day", tr.Day, "new_day", tr.NewDay)
	}
	return nil
}

func (rt *runtime) runExpire(ctx context.Context) error {
	now := rt.clock().UTC()
	expired, err := rt.store.ExpireTasks(ctx, now)
	if err != nil {
		return err
	}
	pruned, err := rt.store.PruneDedupRecords(ctx, now)
	if err != nil {
		return err
	}
	if rt.memCache != nil {
		pruned += int64(rt.memCache.Prune())
	}
	if expired > 0 || pruned > 0 {
		rt.logger.Info("expire sweep", "expired_tasks", expired, "pruned_dedup_records", pruned)
	}
	return nil
}

func (rt *runtime) runCollect(ctx context.Context) error {
	rep, err := rt.pipeline.Collect(ctx)
	if err != nil {
		return err
	}
	rt.logger.Info("collection pass",
		"skipped", rep.Skipped,
		"phase", rep.Phase,
		"pending", rep.Pending,
		"fetched", rep.Fetched,
		"inserted", rep.Inserted,
		"clusters", rep.Clusters,
		"created", rep.Created,
		"rejected", rep.Rejected,
		"deferred", rep.Deferred,
	)
	return nil
}

func (rt *runtime) runExternal(ctx context.Context) error {
	n, err := rt.external.Run(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		rt.logger.Info("external tasks generated", "count", n)
	}
	return nil
}

func (rt *runtime) runTrending(ctx context.Context) error {
	n, err := rt.trending.RecomputeTrending(ctx, rt.clock())
	if err != nil {
		return err
	}
	rt.logger.Debug("trending recomputed", "topics", n)
	return nil
}

func (rt *runtime) runDebe(ctx context.Context) error {
	date := rt.trending.DebeDate(rt.clock())
	picks, err := rt.trending.SelectDebe(ctx, date)
	if err != nil {
		return err
	}
	rt.logger.Info("debe selected", "date", date, "picks", len(picks))
	return nil
}

// watchConfig reloads config.yaml on every watcher event until ctx ends or
// the channel closes.
func (rt *runtime) watchConfig(ctx context.Context, events <-chan config.ReloadEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				rt.logger.Warn("config reload failed, keeping previous settings", "path", ev.Path, "error", err)
				continue
			}
			if err := rt.applyConfig(cfg); err != nil {
				rt.logger.Warn("config reload rejected", "path", ev.Path, "error", err)
			}
		}
	}
}

// applyConfig pushes the hot-reloadable settings into running components.
// Store path, bind address and job specs need a restart.
func (rt *runtime) applyConfig(cfg config.Config) error {
	profiles, err := buildProfiles(cfg.VirtualDay.Phases)
	if err != nil {
		return err
	}
	if err := rt.phases.SetProfiles(profiles); err != nil {
		return err
	}
	rt.phases.SetDayLength(cfg.VirtualDay.DayLength)
	rt.checker.SetThresholds(thresholds(cfg))
	rt.clusterer.SetThreshold(cfg.Cluster.SimilarityThreshold)

	fingerprint := cfg.Fingerprint()
	rt.fingerprint.Store(fingerprint)
	rt.logger.Info("config reloaded", "fingerprint", fingerprint)
	if rt.bus != nil {
		rt.bus.Publish(bus.TopicConfigReloaded, map[string]string{"fingerprint": fingerprint})
	}
	return nil
}

func thresholds(cfg config.Config) dedup.Thresholds {
	return dedup.Thresholds{
		Duplicate: cfg.Dedup.DuplicateThreshold,
		Similar:   cfg.Dedup.SimilarThreshold,
	}
}

// buildProfiles overlays config phase settings on the default profiles.
// Unset fields keep their defaults.
func buildProfiles(overrides map[string]config.PhaseConfig) (map[virtualday.Phase]virtualday.Profile, error) {
	if len(overrides) == 0 {
		return nil, nil
	}
	defaults := virtualday.DefaultProfiles()
	out := make(map[virtualday.Phase]virtualday.Profile, len(overrides))
	for name, pc := range overrides {
		phase, err := virtualday.ParsePhase(name)
		if err != nil {
			return nil, fmt.Errorf("virtual_day.phases: %w", err)
		}
		if _, dup := out[phase]; dup {
			return nil, fmt.Errorf("virtual_day.phases: %s configured twice", phase)
		}
		prof := defaults[phase]
		if pc.Ratio < 0 {
			return nil, fmt.Errorf("virtual_day.phases.%s: negative ratio", name)
		}
		if pc.Ratio > 0 {
			prof.Ratio = pc.Ratio
		}
		if len(pc.Themes) > 0 {
			prof.Themes = pc.Themes
		}
		if len(pc.SecondaryThemes) > 0 {
			prof.SecondaryThemes = pc.SecondaryThemes
		}
		if pc.Mood != "" {
			prof.Mood = pc.Mood
		}
		if pc.Temperature > 0 {
			prof.Temperature = pc.Temperature
		}
		if len(pc.TaskTypes) > 0 {
			types := make([]persistence.TaskType, 0, len(pc.TaskTypes))
			for _, raw := range pc.TaskTypes {
				tt, err := persistence.ParseTaskType(raw)
				if err != nil {
					return nil, fmt.Errorf("virtual_day.phases.%s: %w", name, err)
				}
				types = append(types, tt)
			}
			prof.TaskTypes = types
		}
		out[phase] = prof
	}
	return out, nil
}
