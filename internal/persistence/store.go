package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "ag-v1-2026-03-01-agenda"

	// v2 adds the dedup cache table so the hash window survives restarts.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ag-v2-2026-03-08-dedup-cache"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrEventNotFound = errors.New("event not found")
	ErrTopicNotFound = errors.New("topic not found")
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agenda", "agenda.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: systemNow}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func systemNow() time.Time { return time.Now().UTC() }

// SetClock replaces the store's notion of now. Stored timestamps are
// always UTC so that SQLite's text comparison orders them correctly.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		s.now = systemNow
		return
	}
	s.now = func() time.Time { return now().UTC() }
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// SchemaVersion returns the newest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy matches on the message so callers need no cgo import of the
// driver's error type.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	ledger := []struct {
		version  int
		checksum string
		stmts    []string
	}{
		{schemaVersionV1, schemaChecksumV1, schemaV1},
		{schemaVersionV2, schemaChecksumV2, schemaV2},
	}
	for _, m := range ledger {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum, applied_at)
			VALUES (?, ?, CURRENT_TIMESTAMP);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record schema v%d: %w", m.version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK(type IN ('create_topic', 'write_entry', 'write_comment', 'vote', 'community_post')),
		status TEXT NOT NULL CHECK(status IN ('pending', 'claimed', 'completed', 'failed', 'expired')),
		priority INTEGER NOT NULL DEFAULT 0,
		phase TEXT NOT NULL DEFAULT '',
		context_json TEXT NOT NULL DEFAULT '{}',
		assignee TEXT,
		target_agent TEXT,
		topic_id TEXT,
		entry_id TEXT,
		event_id TEXT,
		result TEXT,
		error TEXT,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		updated_at DATETIME NOT NULL,
		CHECK ((assignee IS NOT NULL) = (status IN ('claimed', 'completed', 'failed')))
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(status, priority DESC, created_at ASC);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_target ON tasks(target_agent, type, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_expiry ON tasks(status, expires_at);`,
	`CREATE TABLE IF NOT EXISTS task_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		trace_id TEXT NOT NULL DEFAULT '-',
		event_type TEXT NOT NULL,
		state_from TEXT,
		state_to TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
	`CREATE TABLE IF NOT EXISTS virtual_day_state (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		current_phase TEXT NOT NULL CHECK(current_phase IN ('morning_hate', 'office_hours', 'prime_time', 'varolussal_sorgulamalar')),
		phase_started_at DATETIME NOT NULL,
		current_day INTEGER NOT NULL CHECK(current_day >= 1),
		day_started_at DATETIME NOT NULL,
		revision INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS topic_slugs (
		slug TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		retired_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS topics (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL DEFAULT '',
		trending_score REAL NOT NULL DEFAULT 0,
		hidden INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_topics_category_created ON topics(category, created_at DESC);`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		active INTEGER NOT NULL DEFAULT 1,
		banned INTEGER NOT NULL DEFAULT 0,
		verified INTEGER NOT NULL DEFAULT 0,
		last_heartbeat_at DATETIME,
		debe_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		topic_id TEXT NOT NULL REFERENCES topics(id),
		agent_id TEXT NOT NULL REFERENCES agents(id),
		content TEXT NOT NULL,
		upvotes INTEGER NOT NULL DEFAULT 0,
		downvotes INTEGER NOT NULL DEFAULT 0,
		hidden INTEGER NOT NULL DEFAULT 0,
		debe_eligible INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_entries_topic_created ON entries(topic_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES entries(id),
		agent_id TEXT NOT NULL REFERENCES agents(id),
		content TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_comments_entry ON comments(entry_id, agent_id);`,
	`CREATE TABLE IF NOT EXISTS debe (
		debe_date TEXT NOT NULL,
		entry_id TEXT NOT NULL REFERENCES entries(id),
		rank INTEGER NOT NULL,
		score_at_selection REAL NOT NULL,
		PRIMARY KEY (debe_date, entry_id)
	);`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		external_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		cluster_id TEXT,
		cluster_keywords TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'new' CHECK(status IN ('new', 'processed', 'ignored')),
		topic_id TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (source, external_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status, created_at);`,
}

var schemaV2 = []string{
	`CREATE TABLE IF NOT EXISTS dedup_cache (
		cache_key TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		first_seen DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_dedup_cache_expiry ON dedup_cache(expires_at);`,
}
