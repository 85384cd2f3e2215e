// Copyright 2025 Squadron Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry is the durable SQLite store behind the orchestration
// engine: agent records, the blocker graph, pipeline run state, and the
// per-PR approval tables. It is the single source of truth — every read
// returns a fully hydrated domain object.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Typed domain errors. Callers distinguish them with errors.Is.
var (
	ErrAlreadyExists = errors.New("record already exists")
	ErrNotFound      = errors.New("record not found")
	ErrCycleDetected = errors.New("blocker cycle detected")
)

// Store is the single-writer SQLite registry. All access, reads
// included, goes through one connection; SQLite runs in WAL mode.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the registry database at path and applies the
// schema. Migrations are forward-only and idempotent.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry db: %w", err)
	}

	// One logical writer: serialize all access through a single
	// connection so concurrent tasks never hit SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping registry db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components that share the store file
// (the activity log).
func (s *Store) DB() *sql.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id        TEXT PRIMARY KEY,
    role            TEXT NOT NULL,
    issue_number    INTEGER,
    pr_number       INTEGER,
    session_id      TEXT,
    status          TEXT NOT NULL DEFAULT 'created',
    branch          TEXT,
    worktree_path   TEXT,
    blocked_by      TEXT NOT NULL DEFAULT '[]',
    iteration_count INTEGER NOT NULL DEFAULT 0,
    tool_call_count INTEGER NOT NULL DEFAULT 0,
    turn_count      INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    active_since    TEXT,
    sleeping_since  TEXT
);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
CREATE INDEX IF NOT EXISTS idx_agents_issue ON agents(issue_number);
CREATE INDEX IF NOT EXISTS idx_agents_role_issue ON agents(role, issue_number);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    run_id              TEXT PRIMARY KEY,
    pipeline_name       TEXT NOT NULL,
    definition_snapshot TEXT NOT NULL DEFAULT '{}',
    trigger_event       TEXT,
    trigger_delivery_id TEXT,
    issue_number        INTEGER,
    pr_number           INTEGER,
    scope               TEXT NOT NULL DEFAULT 'single-pr',
    parent_run_id       TEXT,
    parent_stage_id     TEXT,
    nesting_depth       INTEGER NOT NULL DEFAULT 0,
    status              TEXT NOT NULL DEFAULT 'pending',
    current_stage_id    TEXT,
    context             TEXT NOT NULL DEFAULT '{}',
    created_at          TEXT NOT NULL,
    started_at          TEXT,
    completed_at        TEXT,
    error_message       TEXT,
    error_stage_id      TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_name ON pipeline_runs(pipeline_name);
CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_issue ON pipeline_runs(issue_number);
CREATE INDEX IF NOT EXISTS idx_runs_pr ON pipeline_runs(pr_number);
CREATE INDEX IF NOT EXISTS idx_runs_parent ON pipeline_runs(parent_run_id);

CREATE TABLE IF NOT EXISTS stage_runs (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id                TEXT NOT NULL REFERENCES pipeline_runs(run_id) ON DELETE CASCADE,
    stage_id              TEXT NOT NULL,
    status                TEXT NOT NULL DEFAULT 'pending',
    agent_id              TEXT,
    branch_id             TEXT,
    parent_stage_id       TEXT,
    child_pipeline_run_id TEXT,
    outputs               TEXT NOT NULL DEFAULT '{}',
    error_message         TEXT,
    attempt_number        INTEGER NOT NULL DEFAULT 1,
    max_attempts          INTEGER NOT NULL DEFAULT 1,
    started_at            TEXT,
    completed_at          TEXT
);
CREATE INDEX IF NOT EXISTS idx_stage_runs_run ON stage_runs(run_id);
CREATE INDEX IF NOT EXISTS idx_stage_runs_agent ON stage_runs(agent_id);
CREATE INDEX IF NOT EXISTS idx_stage_runs_child ON stage_runs(child_pipeline_run_id);

CREATE TABLE IF NOT EXISTS gate_checks (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    stage_run_id  INTEGER NOT NULL REFERENCES stage_runs(id) ON DELETE CASCADE,
    check_type    TEXT NOT NULL,
    check_config  TEXT,
    passed        INTEGER,
    message       TEXT NOT NULL DEFAULT '',
    result_data   TEXT NOT NULL DEFAULT '{}',
    checked_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gate_checks_stage ON gate_checks(stage_run_id);

CREATE TABLE IF NOT EXISTS human_stage_state (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    stage_run_id      INTEGER NOT NULL UNIQUE REFERENCES stage_runs(id) ON DELETE CASCADE,
    entry_notified_at TEXT,
    last_reminder_at  TEXT,
    reminder_count    INTEGER NOT NULL DEFAULT 0,
    assigned_users    TEXT NOT NULL DEFAULT '[]',
    completed_by      TEXT,
    completed_action  TEXT
);

CREATE TABLE IF NOT EXISTS pr_requirements (
    pr_number      INTEGER NOT NULL,
    role           TEXT NOT NULL,
    required_count INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (pr_number, role)
);

CREATE TABLE IF NOT EXISTS pr_approvals (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    pr_number  INTEGER NOT NULL,
    agent_role TEXT NOT NULL,
    agent_id   TEXT NOT NULL,
    state      TEXT NOT NULL,
    stale      INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pr_approvals_pr ON pr_approvals(pr_number);

CREATE TABLE IF NOT EXISTS pr_sequence_state (
    pr_number     INTEGER PRIMARY KEY,
    roles         TEXT NOT NULL DEFAULT '[]',
    current_index INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pr_associations (
    run_id    TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    PRIMARY KEY (run_id, pr_number)
);
CREATE INDEX IF NOT EXISTS idx_pr_assoc_pr ON pr_associations(pr_number);

CREATE TABLE IF NOT EXISTS agent_activity (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id     TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    timestamp    TEXT NOT NULL,
    tool_name    TEXT,
    tool_args    TEXT,
    tool_result  TEXT,
    tool_success INTEGER,
    tool_duration_ms INTEGER,
    content      TEXT,
    metadata     TEXT NOT NULL DEFAULT '{}',
    issue_number INTEGER,
    pr_number    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_activity_agent ON agent_activity(agent_id);
CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON agent_activity(timestamp);
`

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return nil
}

// ── time helpers ─────────────────────────────────────────────────────

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
