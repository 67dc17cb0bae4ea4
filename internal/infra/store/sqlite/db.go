// Package sqlite implements every domain Store port on top of a single
// SQLite database, opened in WAL mode via modernc.org/sqlite. Schema
// evolves through a linear, transactional migration table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/elephantci/orchestrator/internal/shared/clock"
)

// DB wraps the shared *sql.DB every Store implementation in this package
// is constructed against.
type DB struct {
	conn  *sql.DB
	clock clock.Clock
}

// Open opens (creating if absent) the SQLite database at path, enables WAL
// mode and foreign keys, and runs pending migrations. Use ":memory:" for an
// ephemeral database (tests).
func Open(path string, clk clock.Clock) (*DB, error) {
	dsn := path
	if path == ":memory:" {
		// A plain ":memory:" database exists per-connection: a second pooled
		// connection would see a separate empty database. Shared cache gives
		// every pooled connection the same in-memory database.
		dsn = "file::memory:?cache=shared"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		conn.SetMaxIdleConns(2) // keep the shared in-memory database alive between queries
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// Guards issue read-only queries on this pool while a transition's write
	// transaction is open on another connection; WAL allows that, but a
	// second writer must wait rather than fail immediately.
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if clk == nil {
		clk = clock.Real
	}
	db := &DB{conn: conn, clock: clk}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

type migration struct {
	name string
	ddl  string
}

var migrations = []migration{
	{"001_init", schemaV1},
	{"002_agent_run_detached_execution", schemaV2},
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return err
	}

	for _, m := range migrations {
		var exists int
		err := db.conn.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE name = ?`, m.name).Scan(&exists)
		if err == nil {
			continue // already applied
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, m.name, db.clock.Now().Format(timeLayout)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schemaV1 = `
CREATE TABLE tasks (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL,
	pipeline_id     TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	tags            TEXT NOT NULL DEFAULT '[]',
	parent_task_id  TEXT,
	feature_id      TEXT,
	assignee        TEXT,
	pr_link         TEXT,
	branch_name     TEXT,
	plan_text       TEXT,
	subtasks        TEXT NOT NULL DEFAULT '[]',
	phases          TEXT NOT NULL DEFAULT '[]',
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX idx_tasks_project ON tasks(project_id);
CREATE INDEX idx_tasks_pipeline ON tasks(pipeline_id);
CREATE INDEX idx_tasks_parent ON tasks(parent_task_id);

CREATE TABLE pipelines (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	task_type   TEXT NOT NULL UNIQUE,
	statuses    TEXT NOT NULL DEFAULT '[]',
	transitions TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE agent_runs (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL,
	agent_type    TEXT NOT NULL,
	mode          TEXT NOT NULL,
	status        TEXT NOT NULL,
	output        TEXT NOT NULL DEFAULT '',
	outcome       TEXT,
	payload       TEXT,
	exit_code     INTEGER,
	started_at    TEXT NOT NULL,
	completed_at  TEXT,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	timeout_ms    INTEGER NOT NULL DEFAULT 0,
	max_turns     INTEGER NOT NULL DEFAULT 0,
	prompt        TEXT,
	error         TEXT
);
CREATE INDEX idx_agent_runs_task ON agent_runs(task_id);
CREATE INDEX idx_agent_runs_status ON agent_runs(status);

CREATE TABLE artifacts (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	data       TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX idx_artifacts_task ON artifacts(task_id);

CREATE TABLE worktrees (
	task_id TEXT PRIMARY KEY,
	path    TEXT NOT NULL,
	branch  TEXT NOT NULL,
	locked  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE pending_prompts (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL,
	agent_run_id TEXT NOT NULL,
	prompt_type  TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL,
	answer       TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX idx_prompts_task ON pending_prompts(task_id);
CREATE INDEX idx_prompts_run ON pending_prompts(agent_run_id);

CREATE TABLE context_entries (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX idx_context_task ON context_entries(task_id);

CREATE TABLE task_events (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	category   TEXT NOT NULL,
	severity   TEXT NOT NULL,
	message    TEXT NOT NULL,
	data       TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX idx_events_task ON task_events(task_id);

CREATE TABLE phases (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	subtasks   TEXT NOT NULL DEFAULT '[]',
	pr_link    TEXT,
	position   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_phases_task ON phases(task_id);

CREATE TABLE transition_history (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	"trigger"   TEXT NOT NULL,
	actor       TEXT,
	guards      TEXT NOT NULL DEFAULT '[]',
	created_at  TEXT NOT NULL
);
CREATE INDEX idx_history_task ON transition_history(task_id);
`

// schemaV2 adds the columns backing crash-resilient reattachment: run_dir
// points at the detached subprocess's output.jsonl/status.json/.done
// directory, pid is the OS process id recorded in status.json.
const schemaV2 = `
ALTER TABLE agent_runs ADD COLUMN run_dir TEXT;
ALTER TABLE agent_runs ADD COLUMN pid INTEGER;
`
