package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
)

type VirtualDayConfig struct {
	// DayLength is the wall-clock duration of one simulated day.
	DayLength time.Duration `yaml:"day_length"`
	Timezone  string        `yaml:"timezone"`
	// Phases overrides parts of the stock phase profiles, keyed by phase name
	// or alias.
	Phases map[string]PhaseConfig `yaml:"phases"`
}

type PhaseConfig struct {
	Ratio           float64  `yaml:"ratio"`
	Themes          []string `yaml:"themes"`
	SecondaryThemes []string `yaml:"secondary_themes"`
	Mood            string   `yaml:"mood"`
	Temperature     float64  `yaml:"temperature"`
	TaskTypes       []string `yaml:"task_types"`
}

type QueueConfig struct {
	// MaxPending pauses collection while this many tasks wait.
	MaxPending             int `yaml:"max_pending"`
	ExternalMaxPending     int `yaml:"external_max_pending"`
	EntryCooldownMinutes   int `yaml:"entry_cooldown_minutes"`
	CommentCooldownMinutes int `yaml:"comment_cooldown_minutes"`
	ExternalTTLMinutes     int `yaml:"external_ttl_minutes"`
}

type DedupConfig struct {
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	SimilarThreshold   float64 `yaml:"similar_threshold"`
	CacheTTLHours      int     `yaml:"cache_ttl_hours"`
	CorpusDays         int     `yaml:"corpus_days"`
	CorpusSize         int     `yaml:"corpus_size"`
	// Persistent keeps the hash cache in SQLite so it survives restarts.
	Persistent bool `yaml:"persistent"`
}

type ClusterConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

type IngestConfig struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	ProbeEvery          int `yaml:"probe_every"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	MinIntervalMillis   int `yaml:"min_interval_ms"`
	// SpoolDir holds YAML or JSON files of candidate events. Defaults to
	// <home>/spool.
	SpoolDir string `yaml:"spool_dir"`
}

// JobsConfig holds cron specs. An empty spec disables the schedule; the job
// can still be triggered manually.
type JobsConfig struct {
	Advance  string `yaml:"advance"`
	Expire   string `yaml:"expire"`
	Collect  string `yaml:"collect"`
	External string `yaml:"external"`
	Trending string `yaml:"trending"`
	Debe     string `yaml:"debe"`
}

type GatewayConfig struct {
	AuthToken          string   `yaml:"auth_token"`
	RateLimitPerSecond float64  `yaml:"rate_limit_per_second"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	AllowOrigins       []string `yaml:"allow_origins"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string `yaml:"bind_addr"`
	LogLevel            string `yaml:"log_level"`
	DBPath              string `yaml:"db_path"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`

	VirtualDay VirtualDayConfig `yaml:"virtual_day"`
	Queue      QueueConfig      `yaml:"queue"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Telemetry  otel.Config      `yaml:"telemetry"`

	// FileMissing is set when config.yaml did not exist and defaults apply.
	FileMissing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change runtime
// behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|day=%s|tz=%s|queue=%v|dedup=%v|cluster=%v|ingest=%v|jobs=%v|rate=%v/%d|otel=%v/%s",
		c.BindAddr, c.LogLevel, c.DBPath, c.VirtualDay.DayLength, c.VirtualDay.Timezone,
		c.Queue, c.Dedup, c.Cluster, c.Ingest, c.Jobs,
		c.Gateway.RateLimitPerSecond, c.Gateway.RateLimitBurst,
		c.Telemetry.Enabled, c.Telemetry.Exporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		VirtualDay: VirtualDayConfig{
			DayLength: 24 * time.Hour,
			Timezone:  "Europe/Istanbul",
		},
		Queue: QueueConfig{
			MaxPending:             3,
			ExternalMaxPending:     1,
			EntryCooldownMinutes:   120,
			CommentCooldownMinutes: 180,
			ExternalTTLMinutes:     240,
		},
		Dedup: DedupConfig{
			DuplicateThreshold: 0.85,
			SimilarThreshold:   0.6,
			CacheTTLHours:      24,
			CorpusDays:         30,
			CorpusSize:         200,
			Persistent:         true,
		},
		Cluster: ClusterConfig{SimilarityThreshold: 0.5},
		Ingest: IngestConfig{
			FailureThreshold:    3,
			ProbeEvery:          5,
			FetchTimeoutSeconds: 30,
			MinIntervalMillis:   500,
		},
		Jobs: JobsConfig{
			Advance:  "@every 5m",
			Expire:   "@every 30m",
			Collect:  "@every 3m",
			External: "@every 10m",
			Trending: "@every 15m",
			Debe:     "5 0 * * *",
		},
		Gateway: GatewayConfig{
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
		},
		Telemetry: otel.Config{
			Exporter:    "stdout",
			ServiceName: "agendad",
			SampleRate:  1,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENDA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agenda")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults and applies
// environment overrides.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agenda home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.FileMissing = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "agenda.db")
	}
	if cfg.Ingest.SpoolDir == "" {
		cfg.Ingest.SpoolDir = filepath.Join(cfg.HomeDir, "spool")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	// Phases run on minute granularity; anything shorter than an hour per
	// day would make the shortest phase sub-minute.
	if cfg.VirtualDay.DayLength < time.Hour {
		cfg.VirtualDay.DayLength = def.VirtualDay.DayLength
	}
	if cfg.VirtualDay.Timezone == "" {
		cfg.VirtualDay.Timezone = def.VirtualDay.Timezone
	}

	positive := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	positive(&cfg.Queue.MaxPending, def.Queue.MaxPending)
	positive(&cfg.Queue.ExternalMaxPending, def.Queue.ExternalMaxPending)
	positive(&cfg.Queue.EntryCooldownMinutes, def.Queue.EntryCooldownMinutes)
	positive(&cfg.Queue.CommentCooldownMinutes, def.Queue.CommentCooldownMinutes)
	positive(&cfg.Queue.ExternalTTLMinutes, def.Queue.ExternalTTLMinutes)
	positive(&cfg.Dedup.CacheTTLHours, def.Dedup.CacheTTLHours)
	positive(&cfg.Dedup.CorpusDays, def.Dedup.CorpusDays)
	positive(&cfg.Dedup.CorpusSize, def.Dedup.CorpusSize)
	positive(&cfg.Ingest.FailureThreshold, def.Ingest.FailureThreshold)
	positive(&cfg.Ingest.ProbeEvery, def.Ingest.ProbeEvery)
	positive(&cfg.Ingest.FetchTimeoutSeconds, def.Ingest.FetchTimeoutSeconds)
	positive(&cfg.Gateway.RateLimitBurst, def.Gateway.RateLimitBurst)
	if cfg.Ingest.MinIntervalMillis < 0 {
		cfg.Ingest.MinIntervalMillis = 0
	}

	unit := func(v *float64, d float64) {
		if *v <= 0 || *v > 1 {
			*v = d
		}
	}
	unit(&cfg.Dedup.DuplicateThreshold, def.Dedup.DuplicateThreshold)
	unit(&cfg.Dedup.SimilarThreshold, def.Dedup.SimilarThreshold)
	if cfg.Dedup.SimilarThreshold > cfg.Dedup.DuplicateThreshold {
		cfg.Dedup.SimilarThreshold = cfg.Dedup.DuplicateThreshold
	}
	unit(&cfg.Cluster.SimilarityThreshold, def.Cluster.SimilarityThreshold)
	if cfg.Gateway.RateLimitPerSecond <= 0 {
		cfg.Gateway.RateLimitPerSecond = def.Gateway.RateLimitPerSecond
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("AGENDA_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENDA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENDA_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AGENDA_DAY_LENGTH"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse AGENDA_DAY_LENGTH: %w", err)
		}
		cfg.VirtualDay.DayLength = d
	}
	if raw := os.Getenv("AGENDA_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("AGENDA_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	return nil
}

// Location resolves the virtual day timezone, falling back to UTC+3 when
// the tz database is unavailable.
func (c Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.VirtualDay.Timezone); err == nil {
		return loc
	}
	return time.FixedZone("TRT", 3*60*60)
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Dedup.CacheTTLHours) * time.Hour
}

func (c Config) CorpusWindow() time.Duration {
	return time.Duration(c.Dedup.CorpusDays) * 24 * time.Hour
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Ingest.FetchTimeoutSeconds) * time.Second
}

func (c Config) FetchInterval() time.Duration {
	return time.Duration(c.Ingest.MinIntervalMillis) * time.Millisecond
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}
