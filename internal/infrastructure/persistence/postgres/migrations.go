// Package postgres implements the persistence gateway for the Nezuko bot platform.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Migrator applies embedded migrations, tracking progress in
// schema_migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded platform schema.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

// Migrate applies all pending migrations, each inside its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Pool().Exec(ctx, createTable); err != nil {
		return fmt.Errorf("%w: create tracking table: %v", ErrMigrationFailed, err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}

		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("execute migration %d: %w", mig.Version, err)
			}

			insert := fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName)
			_, err := tx.Exec(ctx, insert, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}

	return nil
}

// appliedVersions returns the set of already-applied migration versions.
func (m *Migrator) appliedVersions(ctx context.Context) (map[int]time.Time, error) {
	query := fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName)

	rows, err := m.conn.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query applied versions: %v", ErrMigrationFailed, err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("%w: scan version row: %v", ErrMigrationFailed, err)
		}
		applied[version] = appliedAt
	}

	return applied, rows.Err()
}

// GetMigrations returns all embedded migrations in order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_platform", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_control_plane", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_logs", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: PLATFORM CORE
// Owners, bot instances, protected groups, enforced channels, links.
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Platform core tables
-- Version: 001

CREATE TABLE IF NOT EXISTS owners (
    user_id BIGINT PRIMARY KEY,
    username VARCHAR(64),
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS bot_instances (
    id BIGSERIAL PRIMARY KEY,
    owner_user_id BIGINT NOT NULL REFERENCES owners(user_id) ON DELETE CASCADE,
    bot_id BIGINT NOT NULL UNIQUE,
    bot_username VARCHAR(64) NOT NULL,
    display_name VARCHAR(128),
    token_ciphertext BYTEA NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    deleted_at TIMESTAMP WITH TIME ZONE
);

CREATE INDEX IF NOT EXISTS idx_bot_instances_owner ON bot_instances(owner_user_id);
CREATE INDEX IF NOT EXISTS idx_bot_instances_active ON bot_instances(is_active) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS protected_groups (
    id BIGSERIAL PRIMARY KEY,
    group_id BIGINT NOT NULL,
    owner_user_id BIGINT NOT NULL REFERENCES owners(user_id) ON DELETE CASCADE,
    bot_instance_id BIGINT NOT NULL REFERENCES bot_instances(id) ON DELETE CASCADE,
    title VARCHAR(255) NOT NULL DEFAULT '',
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    params JSONB NOT NULL DEFAULT '{}'::jsonb,
    member_count INTEGER NOT NULL DEFAULT 0,
    last_sync_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT uniq_group_per_bot UNIQUE (bot_instance_id, group_id)
);

CREATE INDEX IF NOT EXISTS idx_protected_groups_bot ON protected_groups(bot_instance_id) WHERE enabled;

CREATE TABLE IF NOT EXISTS enforced_channels (
    id BIGSERIAL PRIMARY KEY,
    channel_id BIGINT NOT NULL,
    bot_instance_id BIGINT NOT NULL REFERENCES bot_instances(id) ON DELETE CASCADE,
    title VARCHAR(255) NOT NULL DEFAULT '',
    username VARCHAR(64),
    invite_link VARCHAR(255),
    subscriber_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT uniq_channel_per_bot UNIQUE (bot_instance_id, channel_id)
);

CREATE TABLE IF NOT EXISTS group_channel_links (
    group_id BIGINT NOT NULL REFERENCES protected_groups(id) ON DELETE CASCADE,
    channel_id BIGINT NOT NULL REFERENCES enforced_channels(id) ON DELETE CASCADE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (group_id, channel_id)
);

CREATE INDEX IF NOT EXISTS idx_links_channel ON group_channel_links(channel_id);
`

const migration001Down = `
DROP TABLE IF EXISTS group_channel_links;
DROP TABLE IF EXISTS enforced_channels;
DROP TABLE IF EXISTS protected_groups;
DROP TABLE IF EXISTS bot_instances;
DROP TABLE IF EXISTS owners;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CONTROL PLANE
// Admin command queue and bot status.
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Control plane tables
-- Version: 002

CREATE TABLE IF NOT EXISTS admin_commands (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    bot_instance_id BIGINT NOT NULL REFERENCES bot_instances(id) ON DELETE CASCADE,
    type VARCHAR(32) NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}'::jsonb,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    error VARCHAR(500),
    created_by VARCHAR(64) NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    claimed_at TIMESTAMP WITH TIME ZONE,
    completed_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT valid_command_status CHECK (status IN ('pending', 'processing', 'completed', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_admin_commands_pending
    ON admin_commands(bot_instance_id, created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_admin_commands_processing
    ON admin_commands(claimed_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS bot_status (
    bot_instance_id BIGINT PRIMARY KEY REFERENCES bot_instances(id) ON DELETE CASCADE,
    status VARCHAR(16) NOT NULL,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    last_heartbeat TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    uptime_seconds BIGINT NOT NULL DEFAULT 0,
    last_error TEXT,

    CONSTRAINT valid_lifecycle_status CHECK (status IN ('starting', 'running', 'stopping', 'stopped', 'crashed', 'restarting'))
);
`

const migration002Down = `
DROP TABLE IF EXISTS bot_status;
DROP TABLE IF EXISTS admin_commands;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: LOG TABLES
// Append-only analytics rows. Never read on the hot path.
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
-- Migration: Log tables
-- Version: 003

CREATE TABLE IF NOT EXISTS verification_logs (
    id BIGSERIAL PRIMARY KEY,
    bot_instance_id BIGINT NOT NULL,
    user_id BIGINT NOT NULL,
    group_id BIGINT NOT NULL,
    channel_id BIGINT,
    status VARCHAR(16) NOT NULL,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    cached BOOLEAN NOT NULL DEFAULT FALSE,
    error_type VARCHAR(32),
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_verification_status CHECK (status IN ('verified', 'restricted', 'error'))
);

CREATE INDEX IF NOT EXISTS idx_verification_logs_group_time ON verification_logs(group_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_verification_logs_time ON verification_logs(created_at DESC);

CREATE TABLE IF NOT EXISTS api_call_logs (
    id BIGSERIAL PRIMARY KEY,
    bot_instance_id BIGINT NOT NULL,
    method VARCHAR(48) NOT NULL,
    chat_id BIGINT,
    user_id BIGINT,
    success BOOLEAN NOT NULL,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    error_category VARCHAR(32),
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_api_call_logs_time ON api_call_logs(created_at DESC);

CREATE TABLE IF NOT EXISTS admin_logs (
    id BIGSERIAL PRIMARY KEY,
    bot_instance_id BIGINT NOT NULL,
    action VARCHAR(64) NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_admin_logs_bot_time ON admin_logs(bot_instance_id, created_at DESC);
`

const migration003Down = `
DROP TABLE IF EXISTS admin_logs;
DROP TABLE IF EXISTS api_call_logs;
DROP TABLE IF EXISTS verification_logs;
`
