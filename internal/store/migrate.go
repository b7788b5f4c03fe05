package store

import (
	"context"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversation_messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL,
		agent_name   TEXT NOT NULL,
		user_id      TEXT,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		metadata     TEXT,
		importance   REAL NOT NULL DEFAULT 0.5,
		created_at   INTEGER NOT NULL,
		accessed_at  INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conv_session_time ON conversation_messages(session_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_conv_agent_session ON conversation_messages(agent_name, session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conv_reduce ON conversation_messages(created_at, importance)`,

	`CREATE TABLE IF NOT EXISTS entities (
		entity_type       TEXT NOT NULL,
		entity_id         TEXT NOT NULL,
		agent_name        TEXT NOT NULL DEFAULT '',
		entity_name       TEXT NOT NULL DEFAULT '',
		attributes        TEXT NOT NULL DEFAULT '{}',
		relationships     TEXT NOT NULL DEFAULT '{}',
		mention_count     INTEGER NOT NULL DEFAULT 1,
		importance        REAL NOT NULL DEFAULT 0.5,
		last_mentioned_at INTEGER NOT NULL,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL,
		version           INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (entity_type, entity_id, agent_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_importance ON entities(importance DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_last_mentioned ON entities(last_mentioned_at)`,

	`CREATE TABLE IF NOT EXISTS working_slots (
		agent_name   TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		context_type TEXT NOT NULL,
		context_data TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		expires_at   INTEGER NOT NULL,
		PRIMARY KEY (agent_name, session_id, context_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_working_expires ON working_slots(expires_at)`,

	`CREATE TABLE IF NOT EXISTS reduction_runs (
		run_id      TEXT PRIMARY KEY,
		agent_name  TEXT NOT NULL DEFAULT '',
		session_id  TEXT NOT NULL DEFAULT '',
		outcome     TEXT NOT NULL,
		started_at  INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		report      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_finished ON reduction_runs(finished_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversation_messages (
		id           BIGSERIAL PRIMARY KEY,
		session_id   TEXT NOT NULL,
		agent_name   TEXT NOT NULL,
		user_id      TEXT,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		metadata     TEXT,
		importance   DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		created_at   BIGINT NOT NULL,
		accessed_at  BIGINT NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conv_session_time ON conversation_messages(session_id, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_conv_agent_session ON conversation_messages(agent_name, session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conv_reduce ON conversation_messages(created_at, importance)`,

	`CREATE TABLE IF NOT EXISTS entities (
		entity_type       TEXT NOT NULL,
		entity_id         TEXT NOT NULL,
		agent_name        TEXT NOT NULL DEFAULT '',
		entity_name       TEXT NOT NULL DEFAULT '',
		attributes        TEXT NOT NULL DEFAULT '{}',
		relationships     TEXT NOT NULL DEFAULT '{}',
		mention_count     INTEGER NOT NULL DEFAULT 1,
		importance        DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		last_mentioned_at BIGINT NOT NULL,
		created_at        BIGINT NOT NULL,
		updated_at        BIGINT NOT NULL,
		version           BIGINT NOT NULL DEFAULT 1,
		PRIMARY KEY (entity_type, entity_id, agent_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_importance ON entities(importance DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_last_mentioned ON entities(last_mentioned_at)`,

	`CREATE TABLE IF NOT EXISTS working_slots (
		agent_name   TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		context_type TEXT NOT NULL,
		context_data TEXT NOT NULL,
		created_at   BIGINT NOT NULL,
		expires_at   BIGINT NOT NULL,
		PRIMARY KEY (agent_name, session_id, context_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_working_expires ON working_slots(expires_at)`,

	`CREATE TABLE IF NOT EXISTS reduction_runs (
		run_id      TEXT PRIMARY KEY,
		agent_name  TEXT NOT NULL DEFAULT '',
		session_id  TEXT NOT NULL DEFAULT '',
		outcome     TEXT NOT NULL,
		started_at  BIGINT NOT NULL,
		finished_at BIGINT NOT NULL,
		report      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_finished ON reduction_runs(finished_at)`,
}

func (d *DB) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if d.driver == DriverPostgres {
		schema = postgresSchema
	}
	for i, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
