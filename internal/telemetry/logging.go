// Package telemetry sets up the engine's structured JSON logs.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatihaydin9/logsozluk-sub000/internal/shared"
)

const LogFileName = "system.jsonl"

// NewLogger writes JSON lines to <homeDir>/logs/system.jsonl and, unless
// quiet, to stdout as well.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return newJSONLogger(w, ParseLevel(level)), file, nil
}

func newJSONLogger(w io.Writer, lvl slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("component", "agendad", "trace_id", "-")
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// FromContext returns logger annotated with the trace, job, task and worker
// ids carried by ctx. Absent ids are omitted, except trace_id.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	args := []any{"trace_id", shared.TraceID(ctx)}
	if job := shared.Job(ctx); job != "" {
		args = append(args, "job", job)
	}
	if id := shared.TaskID(ctx); id != "" {
		args = append(args, "task_id", id)
	}
	if id := shared.WorkerID(ctx); id != "" {
		args = append(args, "worker_id", id)
	}
	return logger.With(args...)
}

func shouldRedactKey(key string) bool {
	if shared.IsSensitiveKey(key) {
		return true
	}
	lower := strings.ToLower(key)
	return strings.Contains(lower, "authorization") || strings.Contains(lower, "bearer")
}

func redactStringValue(v string) (string, bool) {
	if strings.Contains(strings.ToLower(v), "bearer ") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
