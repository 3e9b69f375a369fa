package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/fatihaydin9/logsozluk-sub000/internal/bus"
	"github.com/fatihaydin9/logsozluk-sub000/internal/shared"
)

// TaskType is the closed set of work units handed to agents.
type TaskType string

const (
	TaskCreateTopic   TaskType = "create_topic"
	TaskWriteEntry    TaskType = "write_entry"
	TaskWriteComment  TaskType = "write_comment"
	TaskVote          TaskType = "vote"
	TaskCommunityPost TaskType = "community_post"
)

var ErrUnknownTaskType = errors.New("unknown task type")

var taskTypes = []TaskType{TaskCreateTopic, TaskWriteEntry, TaskWriteComment, TaskVote, TaskCommunityPost}

// TaskTypes returns every known task type in declaration order.
func TaskTypes() []TaskType {
	out := make([]TaskType, len(taskTypes))
	copy(out, taskTypes)
	return out
}

func (t TaskType) Valid() bool {
	for _, known := range taskTypes {
		if t == known {
			return true
		}
	}
	return false
}

func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
	}
	return t, nil
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusExpired   TaskStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusExpired
}

// ClaimResult is the outcome of a claim attempt. Losing a race or finding
// the task expired are normal outcomes, not errors.
type ClaimResult string

const (
	ClaimOK       ClaimResult = "ok"
	ClaimConflict ClaimResult = "conflict"
	ClaimExpired  ClaimResult = "expired"
)

const (
	DefaultTaskTTL  = 2 * time.Hour
	defaultPageSize = 50
	maxPageSize     = 500
)

type Task struct {
	ID          string         `json:"id"`
	Type        TaskType       `json:"type"`
	Status      TaskStatus     `json:"status"`
	Priority    int            `json:"priority"`
	Phase       string         `json:"phase,omitempty"`
	Context     map[string]any `json:"context"`
	Assignee    string         `json:"assignee,omitempty"`
	TargetAgent string         `json:"target_agent,omitempty"`
	TopicID     string         `json:"topic_id,omitempty"`
	EntryID     string         `json:"entry_id,omitempty"`
	EventID     string         `json:"event_id,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ExpiresAt   time.Time      `json:"expires_at"`
	CreatedAt   time.Time      `json:"created_at"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewTask describes a task to enqueue. A zero TTL selects DefaultTaskTTL.
type NewTask struct {
	Type        TaskType
	Priority    int
	Phase       string
	Context     map[string]any
	TTL         time.Duration
	TargetAgent string
	TopicID     string
	EntryID     string
	EventID     string
}

// TaskFilter narrows ListPendingTasks. With TargetAgent set, untargeted
// tasks and tasks targeted at that agent are returned. With TargetAgent
// empty, targeted tasks are hidden unless IncludeTargeted is set.
type TaskFilter struct {
	Types           []TaskType
	Phase           string
	TargetAgent     string
	IncludeTargeted bool
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	TraceID   string     `json:"trace_id,omitempty"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

var taskColumns = []string{
	"id", "type", "status", "priority", "phase", "context_json",
	"COALESCE(assignee, '')", "COALESCE(target_agent, '')",
	"COALESCE(topic_id, '')", "COALESCE(entry_id, '')", "COALESCE(event_id, '')",
	"COALESCE(result, '')", "COALESCE(error, '')",
	"expires_at", "created_at", "claimed_at", "completed_at", "updated_at",
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var contextJSON string
	var claimedAt, completedAt sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.Type,
		&task.Status,
		&task.Priority,
		&task.Phase,
		&contextJSON,
		&task.Assignee,
		&task.TargetAgent,
		&task.TopicID,
		&task.EntryID,
		&task.EventID,
		&task.Result,
		&task.Error,
		&task.ExpiresAt,
		&task.CreatedAt,
		&claimedAt,
		&completedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.Context = map[string]any{}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &task.Context); err != nil {
			return fmt.Errorf("decode task context: %w", err)
		}
	}
	task.ClaimedAt = nil
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	}
	task.CompletedAt = nil
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("create task: %w: %q", ErrUnknownTaskType, in.Type)
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultTaskTTL
	}
	taskContext := in.Context
	if taskContext == nil {
		taskContext = map[string]any{}
	}
	contextJSON, err := json.Marshal(taskContext)
	if err != nil {
		return nil, fmt.Errorf("encode task context: %w", err)
	}

	now := s.now()
	task := &Task{
		ID:          uuid.NewString(),
		Type:        in.Type,
		Status:      TaskStatusPending,
		Priority:    in.Priority,
		Phase:       in.Phase,
		Context:     taskContext,
		TargetAgent: in.TargetAgent,
		TopicID:     in.TopicID,
		EntryID:     in.EntryID,
		EventID:     in.EventID,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, type, status, priority, phase, context_json, target_agent,
				topic_id, entry_id, event_id, expires_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.Type, task.Status, task.Priority, task.Phase, string(contextJSON),
			nullString(task.TargetAgent), nullString(task.TopicID), nullString(task.EntryID),
			nullString(task.EventID), task.ExpiresAt, task.CreatedAt, task.UpdatedAt); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, "", TaskStatusPending, "task.created", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{
		TaskID:   task.ID,
		Type:     string(task.Type),
		Status:   string(task.Status),
		Priority: task.Priority,
	})
	return task, nil
}

// ClaimTask hands a pending task to worker. The conditional UPDATE is the
// only write, so concurrent claimers of the same id see exactly one
// ClaimOK.
func (s *Store) ClaimTask(ctx context.Context, taskID, worker string) (ClaimResult, error) {
	if worker == "" {
		return "", errors.New("claim task: worker id is required")
	}
	var result ClaimResult
	var taskType TaskType
	err := retryOnBusy(ctx, 5, func() error {
		now := s.now()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, assignee = ?, claimed_at = ?, updated_at = ?
			WHERE id = ?
				AND status = ?
				AND expires_at >= ?
				AND (target_agent IS NULL OR target_agent = ?);
		`, TaskStatusClaimed, worker, now, now, taskID, TaskStatusPending, now, worker)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 1 {
			if err := tx.QueryRowContext(ctx, `SELECT type FROM tasks WHERE id = ?;`, taskID).Scan(&taskType); err != nil {
				return fmt.Errorf("read claimed task: %w", err)
			}
			payload := fmt.Sprintf(`{"worker":%q}`, worker)
			if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusPending, TaskStatusClaimed, "task.claimed", payload); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit claim tx: %w", err)
			}
			result = ClaimOK
			return nil
		}

		var status TaskStatus
		var expiresAt time.Time
		if err := tx.QueryRowContext(ctx, `SELECT status, expires_at FROM tasks WHERE id = ?;`, taskID).Scan(&status, &expiresAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("claim task %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("read task for claim: %w", err)
		}
		switch {
		case status == TaskStatusExpired:
			result = ClaimExpired
		case status == TaskStatusPending && expiresAt.Before(now):
			result = ClaimExpired
		default:
			result = ClaimConflict
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if result == ClaimOK {
		s.bus.Publish(bus.TopicTaskClaimed, bus.TaskEvent{
			TaskID:   taskID,
			Type:     string(taskType),
			Status:   string(TaskStatusClaimed),
			WorkerID: worker,
		})
	}
	return result, nil
}

// CompleteTask records the result of a claimed task. Completing a task that
// is not claimed (including one already completed) is a no-op reporting
// false.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) (bool, error) {
	return s.finishTask(ctx, taskID, TaskStatusCompleted, nullString(result), sql.NullString{})
}

// FailTask records reason verbatim. Failed tasks are never retried.
func (s *Store) FailTask(ctx context.Context, taskID, reason string) (bool, error) {
	return s.finishTask(ctx, taskID, TaskStatusFailed, sql.NullString{}, sql.NullString{String: reason, Valid: true})
}

func (s *Store) finishTask(ctx context.Context, taskID string, to TaskStatus, result, errMsg sql.NullString) (bool, error) {
	var changed bool
	var taskType TaskType
	var worker string
	err := retryOnBusy(ctx, 5, func() error {
		changed = false
		now := s.now()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT status, type, COALESCE(assignee, '') FROM tasks WHERE id = ?;
		`, taskID).Scan(&current, &taskType, &worker); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("finish task %s: %w", taskID, ErrTaskNotFound)
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if current != TaskStatusClaimed {
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
				result = CASE WHEN ? THEN ? ELSE result END,
				error = CASE WHEN ? THEN ? ELSE error END,
				completed_at = ?,
				updated_at = ?
			WHERE id = ? AND status = ?;
		`, to, result.Valid, result.String, errMsg.Valid, errMsg.String, now, now, taskID, TaskStatusClaimed)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}
		payload := "{}"
		if errMsg.Valid {
			b, _ := json.Marshal(map[string]string{"reason": errMsg.String})
			payload = string(b)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusClaimed, to, "task."+string(to), payload); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finish task tx: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		topic := bus.TopicTaskCompleted
		if to == TaskStatusFailed {
			topic = bus.TopicTaskFailed
		}
		s.bus.Publish(topic, bus.TaskEvent{
			TaskID:   taskID,
			Type:     string(taskType),
			Status:   string(to),
			WorkerID: worker,
		})
	}
	return changed, nil
}

// ExpireTasks moves every pending or claimed task whose expiry is before
// now to expired and returns how many rows changed.
func (s *Store) ExpireTasks(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	var expired int64
	err := retryOnBusy(ctx, 5, func() error {
		expired = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin expire tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		type victim struct {
			id       string
			from     TaskStatus
			assignee string
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT id, status, COALESCE(assignee, '')
			FROM tasks
			WHERE status IN (?, ?) AND expires_at < ?;
		`, TaskStatusPending, TaskStatusClaimed, now)
		if err != nil {
			return fmt.Errorf("select expired tasks: %w", err)
		}
		var victims []victim
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.id, &v.from, &v.assignee); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan expired task: %w", err)
			}
			victims = append(victims, v)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("iterate expired tasks: %w", err)
		}
		_ = rows.Close()
		if len(victims) == 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, assignee = NULL, updated_at = ?
			WHERE status IN (?, ?) AND expires_at < ?;
		`, TaskStatusExpired, now, TaskStatusPending, TaskStatusClaimed, now)
		if err != nil {
			return fmt.Errorf("expire tasks: %w", err)
		}
		if expired, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("expire rows affected: %w", err)
		}
		for _, v := range victims {
			payload := "{}"
			if v.assignee != "" {
				payload = fmt.Sprintf(`{"assignee":%q}`, v.assignee)
			}
			if err := s.appendTaskEventTx(ctx, tx, v.id, v.from, TaskStatusExpired, "task.expired", payload); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.bus.Publish(bus.TopicTaskExpired, bus.TasksExpiredEvent{Count: expired, At: now})
	}
	return expired, nil
}

// ListPendingTasks returns claimable tasks, highest priority first and
// oldest first within a priority.
func (s *Store) ListPendingTasks(ctx context.Context, limit int, filter TaskFilter) ([]Task, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	q := sq.Select(taskColumns...).
		From("tasks").
		Where(sq.Eq{"status": string(TaskStatusPending)}).
		Where(sq.GtOrEq{"expires_at": s.now()}).
		OrderBy("priority DESC", "created_at ASC", "id ASC").
		Limit(uint64(limit))
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			types = append(types, string(t))
		}
		q = q.Where(sq.Eq{"type": types})
	}
	if filter.Phase != "" {
		q = q.Where(sq.Eq{"phase": filter.Phase})
	}
	switch {
	case filter.TargetAgent != "":
		q = q.Where(sq.Or{sq.Eq{"target_agent": nil}, sq.Eq{"target_agent": filter.TargetAgent}})
	case !filter.IncludeTargeted:
		q = q.Where(sq.Eq{"target_agent": nil})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending tasks query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan pending task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// CountPendingTasks counts untargeted and targeted pending tasks that have
// not yet passed their expiry.
func (s *Store) CountPendingTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status = ? AND expires_at >= ?;
	`, TaskStatusPending, s.now()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending tasks: %w", err)
	}
	return n, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	query, args, err := sq.Select(taskColumns...).From("tasks").Where(sq.Eq{"id": taskID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get task query: %w", err)
	}
	var task Task
	if err := scanTask(s.db.QueryRowContext(ctx, query, args...).Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", taskID, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TaskCounts returns the number of tasks per status. Statuses with no rows
// are present with a zero count.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	counts := map[TaskStatus]int{
		TaskStatusPending:   0,
		TaskStatusClaimed:   0,
		TaskStatusCompleted: 0,
		TaskStatusFailed:    0,
		TaskStatusExpired:   0,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, trace_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, shared.TraceID(ctx), eventType, string(from), string(to), payload, s.now())
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}
