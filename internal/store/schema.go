package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS compliance_logs (
		id           UUID PRIMARY KEY,
		user_id      TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		check_type   TEXT NOT NULL,
		status       TEXT NOT NULL,
		details      TEXT NOT NULL DEFAULT '',
		project_id   TEXT,
		project_name TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS compliance_logs_owner_created_idx
		ON compliance_logs (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS user_pats (
		user_id            TEXT PRIMARY KEY,
		pat                TEXT NOT NULL,
		project_id         TEXT,
		check_all_projects BOOLEAN NOT NULL DEFAULT FALSE,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		schedule    TEXT NOT NULL,
		job_type    TEXT NOT NULL,
		config      JSONB,
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		last_run    TIMESTAMPTZ,
		next_run    TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_executions (
		id         TEXT PRIMARY KEY,
		job_id     TEXT NOT NULL REFERENCES scheduled_jobs(id) ON DELETE CASCADE,
		status     TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at   TIMESTAMPTZ,
		error      TEXT NOT NULL DEFAULT '',
		output     TEXT NOT NULL DEFAULT ''
	)`,
}

// Migrate creates the tables the service writes to.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i, err)
		}
	}
	return nil
}
