package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments. A nil *Metrics is valid and
// records nothing, so components can be built without telemetry.
type Metrics struct {
	TasksGenerated   metric.Int64Counter
	TaskClaims       metric.Int64Counter
	TaskTransitions  metric.Int64Counter
	TasksExpired     metric.Int64Counter
	DedupRejections  metric.Int64Counter
	PhaseTransitions metric.Int64Counter
	ClusterSize      metric.Int64Histogram
	JobDuration      metric.Float64Histogram
	IngestFailures   metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	RateLimitRejects metric.Int64Counter
	DisabledSources  metric.Int64UpDownCounter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksGenerated, err = meter.Int64Counter("agenda.tasks.generated",
		metric.WithDescription("Tasks inserted into the queue"),
	); err != nil {
		return nil, err
	}
	if m.TaskClaims, err = meter.Int64Counter("agenda.tasks.claims",
		metric.WithDescription("Claim attempts by outcome"),
	); err != nil {
		return nil, err
	}
	if m.TaskTransitions, err = meter.Int64Counter("agenda.tasks.transitions",
		metric.WithDescription("Terminal task transitions by status"),
	); err != nil {
		return nil, err
	}
	if m.TasksExpired, err = meter.Int64Counter("agenda.tasks.expired",
		metric.WithDescription("Tasks moved to expired by the sweep"),
	); err != nil {
		return nil, err
	}
	if m.DedupRejections, err = meter.Int64Counter("agenda.dedup.rejections",
		metric.WithDescription("Candidate titles rejected by dedup tier"),
	); err != nil {
		return nil, err
	}
	if m.PhaseTransitions, err = meter.Int64Counter("agenda.virtualday.transitions",
		metric.WithDescription("Virtual day phase transitions"),
	); err != nil {
		return nil, err
	}
	if m.ClusterSize, err = meter.Int64Histogram("agenda.cluster.size",
		metric.WithDescription("Events per cluster"),
	); err != nil {
		return nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram("agenda.job.duration",
		metric.WithDescription("Periodic job duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.IngestFailures, err = meter.Int64Counter("agenda.ingest.failures",
		metric.WithDescription("Source fetch failures"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("agenda.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("agenda.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	); err != nil {
		return nil, err
	}
	if m.DisabledSources, err = meter.Int64UpDownCounter("agenda.ingest.disabled_sources",
		metric.WithDescription("Sources currently disabled after repeated failures"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) TaskGenerated(ctx context.Context, taskType string) {
	if m == nil {
		return
	}
	m.TasksGenerated.Add(ctx, 1, metric.WithAttributes(AttrTaskType.String(taskType)))
}

func (m *Metrics) Claim(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.TaskClaims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Transition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.TaskTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) Expired(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TasksExpired.Add(ctx, n)
}

func (m *Metrics) DedupRejected(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.DedupRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (m *Metrics) PhaseAdvanced(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.Add(ctx, 1, metric.WithAttributes(AttrPhase.String(to)))
}

func (m *Metrics) Cluster(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.ClusterSize.Record(ctx, int64(size))
}

func (m *Metrics) Job(ctx context.Context, name string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.JobDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
		AttrJob.String(name),
		attribute.Bool("error", err != nil),
	))
}

func (m *Metrics) IngestFailed(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.IngestFailures.Add(ctx, 1, metric.WithAttributes(AttrSource.String(source)))
}

func (m *Metrics) SourceDisabled(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.DisabledSources.Add(ctx, delta)
}

func (m *Metrics) Request(ctx context.Context, route string, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.String("route", route)))
}

func (m *Metrics) RateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
