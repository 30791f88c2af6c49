// Package storystore is the default StoryStore implementation (component
// C1): a sqlite-backed, CAS-safe persistence layer for stories, steps, and
// chat history. Grounded on the teacher's internal/persistence/store.go
// (schema-ledger versioning, WAL pragmas, busy-retry) repointed at the
// story/step schema instead of the task-queue schema.
package storystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/mattn/go-sqlite3"

	"github.com/storyorchestrator/core/internal/storyerr"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "so-v1-2026-02-story-step-schema"
)

// Store is the sqlite-backed StoryStore.
type Store struct {
	db *sql.DB
}

// DefaultDBPath mirrors the teacher's ~/.goclaw/goclaw.db convention.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".storyorchestrator", "stories.db")
}

// Open creates or attaches to the sqlite database at path, running schema
// migrations if needed. An empty path uses DefaultDBPath.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for callers that need direct access
// (e.g. the CLI's "doctor"-style diagnostics).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
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

	var current int
	_ = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)

	if current < 1 {
		if err := applyV1(ctx, tx); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?);`,
			schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("record schema v1: %w", err)
		}
	}

	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stories (
			id                 TEXT PRIMARY KEY,
			title              TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			repository_path    TEXT NOT NULL,
			worktree_path      TEXT NOT NULL DEFAULT '',
			branch_name        TEXT NOT NULL DEFAULT '',
			base_branch        TEXT NOT NULL DEFAULT '',
			source             TEXT NOT NULL DEFAULT 'user',
			priority           INTEGER NOT NULL DEFAULT 0,
			automation_mode    TEXT NOT NULL DEFAULT 'assisted',
			preferred_executor TEXT NOT NULL DEFAULT '',
			max_parallelism    INTEGER NOT NULL DEFAULT 3,
			current_wave       INTEGER NOT NULL DEFAULT 0,
			status             TEXT NOT NULL DEFAULT 'created',
			analyzed_context   TEXT NOT NULL DEFAULT '',
			execution_plan     TEXT NOT NULL DEFAULT '',
			gate_result        TEXT NOT NULL DEFAULT '',
			verification_result TEXT NOT NULL DEFAULT '',
			pull_request_url   TEXT NOT NULL DEFAULT '',
			created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status);`,
		`CREATE INDEX IF NOT EXISTS idx_stories_repo_path ON stories(repository_path);`,
		`CREATE TABLE IF NOT EXISTS steps (
			id            TEXT PRIMARY KEY,
			story_id      TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
			step_order    INTEGER NOT NULL,
			wave          INTEGER NOT NULL DEFAULT 1,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			capability    TEXT NOT NULL,
			language      TEXT NOT NULL DEFAULT '',
			executor_id   TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'pending',
			approval      TEXT NOT NULL DEFAULT 'none',
			feedback      TEXT NOT NULL DEFAULT '',
			attempts      INTEGER NOT NULL DEFAULT 0,
			started_at    DATETIME,
			completed_at  DATETIME,
			output        TEXT NOT NULL DEFAULT '',
			prev_output   TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			skip_reason   TEXT NOT NULL DEFAULT '',
			needs_rework  INTEGER NOT NULL DEFAULT 0,
			depends_on    TEXT NOT NULL DEFAULT '[]',
			UNIQUE(story_id, step_order)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_story ON steps(story_id);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_type TEXT NOT NULL, -- 'story' | 'step'
			owner_id   TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_owner ON chat_messages(owner_type, owner_id);`,
		`CREATE TABLE IF NOT EXISTS story_events (
			event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
			story_id   TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to   TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// retryOnce wraps a transient-error-prone operation with a single retry
// using bounded exponential backoff, per spec.md §7 ("StoreUnavailable ...
// retried once by callers"). Grounded on the teacher's retryOnBusy loop,
// generalized to a single attempt via cenkalti/backoff/v5's WithMaxTries.
func retryOnce[T any](ctx context.Context, op func() (T, error)) (T, error) {
	result, err := backoff.Retry(ctx, func() (T, error) {
		v, opErr := op()
		if opErr != nil && isTransient(opErr) {
			return v, opErr
		}
		if opErr != nil {
			return v, backoff.Permanent(opErr)
		}
		return v, nil
	}, backoff.WithMaxTries(2), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return result, err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		errors.Is(err, sql.ErrConnDone)
}

// canonicalPath normalizes a filesystem path for case-insensitive,
// separator-insensitive comparison (spec.md §4.1).
func canonicalPath(p string) string {
	p = filepath.ToSlash(p)
	p = strings.ToLower(p)
	p = strings.TrimRight(p, "/")
	return p
}

func wrapNotFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, storyerr.NotFound)
}

func nowUTC() time.Time { return time.Now().UTC() }
