package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all scheduler tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_schedules (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		pipeline_uuid     TEXT NOT NULL,
		repo_path         TEXT NOT NULL DEFAULT '',
		schedule_type     TEXT NOT NULL DEFAULT 'time',
		schedule_interval TEXT NOT NULL DEFAULT '',
		start_time        TEXT,
		status            TEXT NOT NULL DEFAULT 'inactive',
		settings          TEXT NOT NULL DEFAULT '{}',
		variables         TEXT NOT NULL DEFAULT '{}',
		sla               INTEGER NOT NULL DEFAULT 0,
		token             TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_pipeline_name ON pipeline_schedules(pipeline_uuid, name)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_status ON pipeline_schedules(status)`,

	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id                   TEXT PRIMARY KEY,
		pipeline_schedule_id TEXT NOT NULL,
		pipeline_uuid        TEXT NOT NULL,
		execution_date       TEXT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'initial',
		variables            TEXT NOT NULL DEFAULT '{}',
		event_variables      TEXT NOT NULL DEFAULT '{}',
		passed_sla           INTEGER NOT NULL DEFAULT 0,
		metrics              TEXT NOT NULL DEFAULT '{}',
		backfill_id          TEXT NOT NULL DEFAULT '',
		executor_type        TEXT NOT NULL DEFAULT '',
		created_at           TEXT NOT NULL,
		started_at           TEXT,
		completed_at         TEXT,
		updated_at           TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_schedule ON pipeline_runs(pipeline_schedule_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_pipeline_status ON pipeline_runs(pipeline_uuid, status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_backfill ON pipeline_runs(backfill_id)`,

	`CREATE TABLE IF NOT EXISTS block_runs (
		id              TEXT PRIMARY KEY,
		pipeline_run_id TEXT NOT NULL,
		block_uuid      TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'initial',
		metrics         TEXT NOT NULL DEFAULT '{}',
		output          TEXT NOT NULL DEFAULT '[]',
		error           TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		started_at      TEXT,
		completed_at    TEXT,
		updated_at      TEXT NOT NULL
	)`,
	// Block uuid is unique within a run.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_block_runs_run_uuid ON block_runs(pipeline_run_id, block_uuid)`,
	`CREATE INDEX IF NOT EXISTS idx_block_runs_status ON block_runs(status)`,

	`CREATE TABLE IF NOT EXISTS backfills (
		id                   TEXT PRIMARY KEY,
		name                 TEXT NOT NULL,
		pipeline_uuid        TEXT NOT NULL,
		pipeline_schedule_id TEXT NOT NULL DEFAULT '',
		start_datetime       TEXT NOT NULL,
		end_datetime         TEXT NOT NULL,
		interval_type        TEXT NOT NULL,
		interval_units       INTEGER NOT NULL DEFAULT 1,
		status               TEXT NOT NULL DEFAULT 'initial',
		variables            TEXT NOT NULL DEFAULT '{}',
		created_at           TEXT NOT NULL,
		started_at           TEXT,
		completed_at         TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS event_matchers (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		pattern    TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_matcher_schedules (
		event_matcher_id     TEXT NOT NULL,
		pipeline_schedule_id TEXT NOT NULL,
		PRIMARY KEY (event_matcher_id, pipeline_schedule_id)
	)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string
}{
	{
		table:    "pipeline_runs",
		column:   "executor_type",
		alterSQL: "ALTER TABLE pipeline_runs ADD COLUMN executor_type TEXT NOT NULL DEFAULT ''",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
