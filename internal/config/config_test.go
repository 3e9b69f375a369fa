package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromAgendaHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "agenda")
	writeConfig(t, home, `
bind_addr: 0.0.0.0:9000
virtual_day:
  day_length: 2h
  timezone: UTC
  phases:
    morning_hate:
      ratio: 0.5
      themes: [ekonomi]
queue:
  max_pending: 7
dedup:
  duplicate_threshold: 0.9
jobs:
  debe: "0 1 * * *"
`)
	t.Setenv("AGENDA_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home dir: got %q want %q", cfg.HomeDir, home)
	}
	if cfg.FileMissing {
		t.Fatalf("expected config file to be found")
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind addr: got %q", cfg.BindAddr)
	}
	if cfg.VirtualDay.DayLength != 2*time.Hour {
		t.Fatalf("day length: got %s", cfg.VirtualDay.DayLength)
	}
	if cfg.Queue.MaxPending != 7 {
		t.Fatalf("max pending: got %d", cfg.Queue.MaxPending)
	}
	if cfg.Dedup.DuplicateThreshold != 0.9 {
		t.Fatalf("duplicate threshold: got %v", cfg.Dedup.DuplicateThreshold)
	}
	if cfg.Jobs.Debe != "0 1 * * *" {
		t.Fatalf("debe spec: got %q", cfg.Jobs.Debe)
	}
	// Untouched sections keep defaults.
	if cfg.Jobs.Collect != "@every 3m" {
		t.Fatalf("collect spec: got %q", cfg.Jobs.Collect)
	}
	p, ok := cfg.VirtualDay.Phases["morning_hate"]
	if !ok || p.Ratio != 0.5 || len(p.Themes) != 1 || p.Themes[0] != "ekonomi" {
		t.Fatalf("unexpected phase override: %+v", cfg.VirtualDay.Phases)
	}
	if cfg.DBPath != filepath.Join(home, "agenda.db") {
		t.Fatalf("db path: got %q", cfg.DBPath)
	}
}

func TestLoad_FileMissingUsesDefaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FileMissing {
		t.Fatalf("expected FileMissing")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home dir not created: %v", err)
	}
	if cfg.VirtualDay.DayLength != 24*time.Hour {
		t.Fatalf("day length: got %s", cfg.VirtualDay.DayLength)
	}
	if cfg.VirtualDay.Timezone != "Europe/Istanbul" {
		t.Fatalf("timezone: got %q", cfg.VirtualDay.Timezone)
	}
	if cfg.Ingest.SpoolDir != filepath.Join(home, "spool") {
		t.Fatalf("spool dir: got %q", cfg.Ingest.SpoolDir)
	}
	if cfg.Queue.MaxPending != 3 || cfg.Queue.ExternalMaxPending != 1 {
		t.Fatalf("queue defaults: %+v", cfg.Queue)
	}
	if cfg.CacheTTL() != 24*time.Hour {
		t.Fatalf("cache ttl: got %s", cfg.CacheTTL())
	}
	if cfg.Gateway.RateLimitBurst != 20 {
		t.Fatalf("rate burst: got %d", cfg.Gateway.RateLimitBurst)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: warn\nbind_addr: 127.0.0.1:1\n")
	t.Setenv("AGENDA_LOG_LEVEL", "debug")
	t.Setenv("AGENDA_BIND_ADDR", "127.0.0.1:2")
	t.Setenv("AGENDA_DAY_LENGTH", "90m")
	t.Setenv("AGENDA_DB_PATH", filepath.Join(home, "other.db"))
	t.Setenv("AGENDA_AUTH_TOKEN", "s3cret")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: got %q", cfg.LogLevel)
	}
	if cfg.BindAddr != "127.0.0.1:2" {
		t.Fatalf("bind addr: got %q", cfg.BindAddr)
	}
	if cfg.VirtualDay.DayLength != 90*time.Minute {
		t.Fatalf("day length: got %s", cfg.VirtualDay.DayLength)
	}
	if cfg.DBPath != filepath.Join(home, "other.db") {
		t.Fatalf("db path: got %q", cfg.DBPath)
	}
	if cfg.Gateway.AuthToken != "s3cret" {
		t.Fatalf("auth token not applied")
	}
}

func TestLoad_BadDayLengthEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENDA_DAY_LENGTH", "soon")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatalf("expected error for unparsable day length")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "queue: [unterminated\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_NormalizesOutOfRangeValues(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
virtual_day:
  day_length: 10m
queue:
  max_pending: -2
dedup:
  duplicate_threshold: 1.5
  similar_threshold: 0.95
cluster:
  similarity_threshold: 0
ingest:
  min_interval_ms: -10
gateway:
  rate_limit_per_second: -1
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.VirtualDay.DayLength != 24*time.Hour {
		t.Fatalf("day length not clamped: %s", cfg.VirtualDay.DayLength)
	}
	if cfg.Queue.MaxPending != 3 {
		t.Fatalf("max pending not clamped: %d", cfg.Queue.MaxPending)
	}
	if cfg.Dedup.DuplicateThreshold != 0.85 {
		t.Fatalf("duplicate threshold not clamped: %v", cfg.Dedup.DuplicateThreshold)
	}
	if cfg.Dedup.SimilarThreshold != 0.85 {
		t.Fatalf("similar threshold should not exceed duplicate: %v", cfg.Dedup.SimilarThreshold)
	}
	if cfg.Cluster.SimilarityThreshold != 0.5 {
		t.Fatalf("cluster threshold not clamped: %v", cfg.Cluster.SimilarityThreshold)
	}
	if cfg.Ingest.MinIntervalMillis != 0 {
		t.Fatalf("min interval not clamped: %d", cfg.Ingest.MinIntervalMillis)
	}
	if cfg.Gateway.RateLimitPerSecond != 10 {
		t.Fatalf("rate not clamped: %v", cfg.Gateway.RateLimitPerSecond)
	}
}

func TestFingerprint_ChangesWithSettings(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("identical configs should share a fingerprint")
	}
	b.Dedup.SimilarThreshold = 0.4
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint did not change after threshold edit")
	}
}

func TestLocation_FallsBackForUnknownZone(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.VirtualDay.Timezone = "Nowhere/Atlantis"
	loc := cfg.Location()
	_, offset := time.Date(2026, 3, 1, 0, 0, 0, 0, loc).Zone()
	if offset != 3*60*60 {
		t.Fatalf("expected +03:00 fallback, got offset %d", offset)
	}
}
