package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/fatihaydin9/logsozluk-sub000/internal/bus"
	"github.com/fatihaydin9/logsozluk-sub000/internal/otel"
)

const (
	DefaultFailureThreshold = 3
	DefaultProbeEvery       = 5
)

// SourceStatus is a point-in-time view of one source's health.
type SourceStatus struct {
	Source    string `json:"source"`
	Failures  int    `json:"consecutive_failures"`
	Disabled  bool   `json:"disabled"`
	LastError string `json:"last_error,omitempty"`
}

type sourceState struct {
	failures int
	disabled bool
	skipped  int
	lastErr  string
}

type HealthConfig struct {
	// FailureThreshold consecutive failures disable a source.
	FailureThreshold int
	// ProbeEvery is how many collection cycles a disabled source sits out
	// before one probe fetch is attempted.
	ProbeEvery int
	Logger     *slog.Logger
	Bus        *bus.Bus
	Metrics    *otel.Metrics
}

// SourceHealth tracks consecutive fetch failures per source and disables
// sources that keep failing. A disabled source is re-enabled by the first
// successful probe.
type SourceHealth struct {
	threshold  int
	probeEvery int
	logger     *slog.Logger
	bus        *bus.Bus
	m          *otel.Metrics

	mu      sync.Mutex
	sources map[string]*sourceState
}

func NewSourceHealth(cfg HealthConfig) *SourceHealth {
	h := &SourceHealth{
		threshold:  cfg.FailureThreshold,
		probeEvery: cfg.ProbeEvery,
		logger:     cfg.Logger,
		bus:        cfg.Bus,
		m:          cfg.Metrics,
		sources:    make(map[string]*sourceState),
	}
	if h.threshold <= 0 {
		h.threshold = DefaultFailureThreshold
	}
	if h.probeEvery <= 0 {
		h.probeEvery = DefaultProbeEvery
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

func (h *SourceHealth) state(name string) *sourceState {
	st, ok := h.sources[name]
	if !ok {
		st = &sourceState{}
		h.sources[name] = st
	}
	return st
}

// ShouldPoll reports whether the source is fetched this cycle. Enabled
// sources always are; disabled ones only on every ProbeEvery-th cycle.
func (h *SourceHealth) ShouldPoll(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(name)
	if !st.disabled {
		return true
	}
	st.skipped++
	if st.skipped >= h.probeEvery {
		st.skipped = 0
		return true
	}
	return false
}

func (h *SourceHealth) RecordSuccess(ctx context.Context, name string) {
	h.mu.Lock()
	st := h.state(name)
	wasDisabled := st.disabled
	st.failures = 0
	st.disabled = false
	st.skipped = 0
	st.lastErr = ""
	h.mu.Unlock()

	if wasDisabled {
		h.logger.Info("source re-enabled", "source", name)
		h.m.SourceDisabled(ctx, -1)
		h.bus.Publish(bus.TopicSourceEnabled, bus.SourceHealthEvent{Source: name})
	}
}

// RecordFailure counts a failed fetch. It reports true when this failure
// disabled the source.
func (h *SourceHealth) RecordFailure(ctx context.Context, name string, err error) bool {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	h.mu.Lock()
	st := h.state(name)
	st.failures++
	st.lastErr = msg
	justDisabled := !st.disabled && st.failures >= h.threshold
	if justDisabled {
		st.disabled = true
		st.skipped = 0
	}
	failures := st.failures
	h.mu.Unlock()

	h.m.IngestFailed(ctx, name)
	h.logger.Warn("source fetch failed", "source", name, "failures", failures, "error", msg)
	if justDisabled {
		h.logger.Warn("source disabled", "source", name, "failures", failures)
		h.m.SourceDisabled(ctx, 1)
		h.bus.Publish(bus.TopicSourceDisabled, bus.SourceHealthEvent{Source: name, Failures: failures, LastErr: msg})
	}
	return justDisabled
}

func (h *SourceHealth) Disabled(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sources[name]
	return ok && st.disabled
}

// Snapshot lists every source seen so far, sorted by name.
func (h *SourceHealth) Snapshot() []SourceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SourceStatus, 0, len(h.sources))
	for name, st := range h.sources {
		out = append(out, SourceStatus{Source: name, Failures: st.failures, Disabled: st.disabled, LastError: st.lastErr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
