package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatihaydin9/logsozluk-sub000/internal/config"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.BindAddr = "127.0.0.1:0"
	return &cfg
}

func TestRun_HealthyDefaults(t *testing.T) {
	cfg := loadTestConfig(t)
	d := Run(context.Background(), cfg, "test")
	if !d.Healthy() {
		t.Fatalf("expected healthy diagnosis, got %+v", d.Results)
	}
	if len(d.Results) != 6 {
		t.Fatalf("expected 6 checks, got %d", len(d.Results))
	}
	if d.System.Version != "test" {
		t.Fatalf("version: %q", d.System.Version)
	}
}

func TestChecks_NilConfig(t *testing.T) {
	if got := checkConfig(context.Background(), nil).Status; got != StatusFail {
		t.Fatalf("config check: %s", got)
	}
	for name, check := range map[string]func(context.Context, *config.Config) CheckResult{
		"permissions": checkPermissions,
		"timezone":    checkTimezone,
		"database":    checkDatabase,
		"jobs":        checkJobs,
		"gateway":     checkBindAddr,
	} {
		if got := check(context.Background(), nil).Status; got != StatusSkip {
			t.Fatalf("%s: expected SKIP, got %s", name, got)
		}
	}
}

func TestCheckConfig_MissingFileWarns(t *testing.T) {
	cfg := loadTestConfig(t)
	if !cfg.FileMissing {
		t.Fatalf("expected fresh home without config.yaml")
	}
	if got := checkConfig(context.Background(), cfg).Status; got != StatusWarn {
		t.Fatalf("expected WARN, got %s", got)
	}
}

func TestCheckDatabase_ReportsSchema(t *testing.T) {
	cfg := loadTestConfig(t)
	res := checkDatabase(context.Background(), cfg)
	if res.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", res)
	}

	blocker := filepath.Join(cfg.HomeDir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg.DBPath = filepath.Join(blocker, "agenda.db")
	if res := checkDatabase(context.Background(), cfg); res.Status != StatusFail {
		t.Fatalf("expected FAIL for unopenable path, got %+v", res)
	}
}

func TestCheckJobs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"defaults", func(*config.Config) {}, StatusPass},
		{"trigger only", func(c *config.Config) { c.Jobs.Debe = "" }, StatusWarn},
		{"invalid", func(c *config.Config) { c.Jobs.Collect = "every now and then" }, StatusFail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadTestConfig(t)
			tc.mutate(cfg)
			if got := checkJobs(context.Background(), cfg); got.Status != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, got)
			}
		})
	}
}

func TestCheckTimezone_Unknown(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.VirtualDay.Timezone = "Mars/Olympus"
	if got := checkTimezone(context.Background(), cfg).Status; got != StatusWarn {
		t.Fatalf("expected WARN, got %s", got)
	}
}

func TestCheckBindAddr(t *testing.T) {
	cfg := loadTestConfig(t)
	if got := checkBindAddr(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", got)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg.BindAddr = ln.Addr().String()
	if got := checkBindAddr(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("expected WARN for busy port, got %+v", got)
	}

	cfg.BindAddr = "not-an-addr"
	if got := checkBindAddr(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL for bad addr, got %+v", got)
	}
}
