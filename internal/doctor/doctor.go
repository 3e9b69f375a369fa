// Package doctor runs the diagnostics behind `agendad doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/config"
	"github.com/fatihaydin9/logsozluk-sub000/internal/cron"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkTimezone,
		checkDatabase,
		checkJobs,
		checkBindAddr,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FileMissing {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing, running on defaults",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkTimezone(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Timezone", Status: StatusSkip, Message: "Config missing"}
	}
	tz := cfg.VirtualDay.Timezone
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return CheckResult{
			Name:    "Timezone",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Unknown timezone %q, falling back to UTC+3", tz),
			Detail:  err.Error(),
		}
	}
	name, offset := time.Now().In(loc).Zone()
	return CheckResult{Name: "Timezone", Status: StatusPass, Message: fmt.Sprintf("%s (%s, UTC%+d)", tz, name, offset/3600)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Schema query failed: %v", err)}
	}
	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Task query failed: %v", err)}
	}
	day := "virtual day not started"
	if st, ok, err := store.LoadVirtualDay(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Virtual day query failed: %v", err)}
	} else if ok {
		day = fmt.Sprintf("day %d, phase %s", st.CurrentDay, st.Phase)
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d pending tasks", version, counts[persistence.TaskStatusPending]),
		Detail:  fmt.Sprintf("%s; %s", cfg.DBPath, day),
	}
}

func checkJobs(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Jobs", Status: StatusSkip, Message: "Config missing"}
	}
	specs := []struct{ name, spec string }{
		{"advance", cfg.Jobs.Advance},
		{"expire", cfg.Jobs.Expire},
		{"collect", cfg.Jobs.Collect},
		{"external", cfg.Jobs.External},
		{"trending", cfg.Jobs.Trending},
		{"debe", cfg.Jobs.Debe},
	}
	now := time.Now().In(cfg.Location())
	var bad, manual, next []string
	for _, s := range specs {
		if s.spec == "" {
			manual = append(manual, s.name)
			continue
		}
		at, err := cron.NextRunTime(s.spec, now)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s=%q: %v", s.name, s.spec, err))
			continue
		}
		next = append(next, fmt.Sprintf("%s@%s", s.name, at.Format(time.RFC3339)))
	}
	if len(bad) > 0 {
		return CheckResult{Name: "Jobs", Status: StatusFail, Message: fmt.Sprintf("%d invalid cron specs", len(bad)), Detail: strings.Join(bad, "; ")}
	}
	if len(manual) > 0 {
		return CheckResult{Name: "Jobs", Status: StatusWarn, Message: "Some jobs are trigger-only: " + strings.Join(manual, ", "), Detail: strings.Join(next, " ")}
	}
	return CheckResult{Name: "Jobs", Status: StatusPass, Message: fmt.Sprintf("%d jobs scheduled", len(next)), Detail: strings.Join(next, " ")}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("Invalid bind_addr %q: %v", cfg.BindAddr, err)}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Gateway", Status: StatusWarn, Message: fmt.Sprintf("%s already in use (daemon running?)", cfg.BindAddr)}
		}
		return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("Cannot listen on %s: %v", cfg.BindAddr, err)}
	}
	_ = ln.Close()

	if cfg.Gateway.AuthToken == "" && !isLoopback(host) {
		return CheckResult{Name: "Gateway", Status: StatusWarn, Message: fmt.Sprintf("%s is reachable off-host without an auth token", cfg.BindAddr)}
	}
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
