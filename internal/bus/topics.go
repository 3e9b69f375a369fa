package bus

import "time"

// Task lifecycle topics.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskExpired   = "task.expired"
)

// Scheduling, ingestion and dedup topics.
const (
	TopicPhaseAdvanced  = "phase.advanced"
	TopicSourceDisabled = "source.disabled"
	TopicSourceEnabled  = "source.enabled"
	TopicDedupRejected  = "dedup.rejected"
	TopicConfigReloaded = "config.reloaded"
)

// TaskEvent is the payload for every task.* topic.
type TaskEvent struct {
	TaskID   string `json:"task_id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	WorkerID string `json:"worker_id,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// TasksExpiredEvent is published once per sweep that expired at least one task.
type TasksExpiredEvent struct {
	Count int64     `json:"count"`
	At    time.Time `json:"at"`
}

// PhaseAdvancedEvent is published when the virtual day moves to a new phase.
type PhaseAdvancedEvent struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Day        int       `json:"day"`
	NewDay     bool      `json:"new_day"`
	AdvancedAt time.Time `json:"advanced_at"`
}

// SourceHealthEvent reports a source being disabled or re-enabled.
type SourceHealthEvent struct {
	Source   string `json:"source"`
	Failures int    `json:"failures"`
	LastErr  string `json:"last_error,omitempty"`
}

// DedupRejectedEvent carries the tier that rejected a candidate title.
type DedupRejectedEvent struct {
	Title      string  `json:"title"`
	Category   string  `json:"category"`
	Tier       string  `json:"tier"`
	Match      string  `json:"match,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}
