// Package postgres implements the persistence gateway for the Nezuko bot platform.
package postgres

import (
	"context"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// StatusRepository implements platform.StatusStore and platform.AdminLogStore.
type StatusRepository struct {
	conn *Connection
}

// NewStatusRepository creates a new StatusRepository.
func NewStatusRepository(conn *Connection) *StatusRepository {
	return &StatusRepository{conn: conn}
}

// UpsertBotStatus writes the singleton liveness row, touching last_heartbeat.
func (r *StatusRepository) UpsertBotStatus(ctx context.Context, status platform.BotStatus) error {
	query := `
		INSERT INTO bot_status (bot_instance_id, status, started_at, last_heartbeat, uptime_seconds, last_error)
		VALUES ($1, $2, $3, NOW(), $4, NULLIF($5, ''))
		ON CONFLICT (bot_instance_id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			last_heartbeat = NOW(),
			uptime_seconds = EXCLUDED.uptime_seconds,
			last_error = EXCLUDED.last_error
	`

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.conn.Pool().Exec(ctx, query,
			status.BotInstanceID,
			string(status.Status),
			status.StartedAt,
			status.UptimeSeconds,
			status.LastError,
		)
		return err
	})
	if err != nil {
		return storeError("UpsertBotStatus", err)
	}

	return nil
}

// RecordAdminLog appends one operational event for dashboard observers.
// The core writes these rows and never reads them.
func (r *StatusRepository) RecordAdminLog(ctx context.Context, botInstanceID int64, action, detail string) error {
	query := `INSERT INTO admin_logs (bot_instance_id, action, detail) VALUES ($1, $2, $3)`

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.conn.Pool().Exec(ctx, query, botInstanceID, action, detail)
		return err
	})
	if err != nil {
		return storeError("RecordAdminLog", err)
	}

	return nil
}
