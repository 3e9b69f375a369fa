package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/doctor"
)

func TestIsAddrInUse(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "syscall error",
			err:  &net.OpError{Op: "listen", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)},
			want: true,
		},
		{name: "message only", err: errors.New("listen tcp: address already in use"), want: true},
		{name: "other error", err: errors.New("permission denied"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAddrInUse(tt.err); got != tt.want {
				t.Fatalf("isAddrInUse = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsAddrInUse_RealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Fatal("expected second listen to fail")
	}
	if !isAddrInUse(err) {
		t.Fatalf("expected address-in-use, got %v", err)
	}
}

func TestPortOccupantHint(t *testing.T) {
	orig := execCommandFunc
	t.Cleanup(func() { execCommandFunc = orig })

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("echo", "4242") }
	if hint := portOccupantHint("127.0.0.1:18790"); !strings.Contains(hint, "PID 4242") {
		t.Fatalf("hint missing pid: %q", hint)
	}

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("false") }
	if hint := portOccupantHint("127.0.0.1:18790"); !strings.Contains(hint, "Port 18790 is already in use") {
		t.Fatalf("unexpected fallback hint: %q", hint)
	}

	if hint := portOccupantHint("no-port"); !strings.Contains(hint, "no-port") {
		t.Fatalf("unexpected hint for bad address: %q", hint)
	}
}

func TestRunDoctorCommand_BadArgs(t *testing.T) {
	if code := runDoctorCommand(context.Background(), []string{"--fix"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestPrintDiagnosis(t *testing.T) {
	diag := doctor.Diagnosis{
		Timestamp: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
		System:    doctor.SystemInfo{OS: "linux", Arch: "amd64", Go: "go1.24.1", Version: "v0.1-test"},
		Results: []doctor.CheckResult{
			{Name: "config", Status: doctor.StatusWarn, Message: "config.yaml not found", Detail: "cfg-1234"},
			{Name: "database", Status: doctor.StatusFail, Message: "open failed"},
		},
	}
	var buf bytes.Buffer
	printDiagnosis(&buf, diag)
	out := buf.String()
	for _, want := range []string{"2026-03-01T06:00:00Z", "agendad v0.1-test", "config.yaml not found", "    cfg-1234", "❌ database"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}
