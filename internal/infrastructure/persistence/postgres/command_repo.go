// Package postgres implements the persistence gateway for the Nezuko bot platform.
package postgres

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMMAND QUEUE REPOSITORY
// The admin_commands table is the durable dashboard-to-bot channel. Claiming
// uses FOR UPDATE SKIP LOCKED so two workers never take the same row.
// ══════════════════════════════════════════════════════════════════════════════

// CommandRepository implements platform.CommandQueue.
type CommandRepository struct {
	conn *Connection
}

// NewCommandRepository creates a new CommandRepository.
func NewCommandRepository(conn *Connection) *CommandRepository {
	return &CommandRepository{conn: conn}
}

// ClaimNextPendingCommands atomically transitions up to limit commands of the
// bot from pending to processing and returns the claimed rows, oldest first.
func (r *CommandRepository) ClaimNextPendingCommands(ctx context.Context, botInstanceID int64, limit int) ([]platform.AdminCommand, error) {
	query := `
		UPDATE admin_commands
		SET status = 'processing', claimed_at = NOW(), attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM admin_commands
			WHERE bot_instance_id = $1 AND status = 'pending'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, bot_instance_id, type, payload, status, attempts,
		          COALESCE(error, ''), created_by, created_at, claimed_at, completed_at
	`

	var commands []platform.AdminCommand
	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.conn.Pool().Query(ctx, query, botInstanceID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		commands = commands[:0]
		for rows.Next() {
			cmd, err := scanCommand(rows)
			if err != nil {
				return err
			}
			commands = append(commands, cmd)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeError("ClaimNextPendingCommands", err)
	}

	return commands, nil
}

// CompleteCommand marks a processing command completed.
func (r *CommandRepository) CompleteCommand(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE admin_commands
		SET status = 'completed', completed_at = NOW(), error = NULL
		WHERE id = $1 AND status = 'processing'
	`

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.conn.Pool().Exec(ctx, query, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return storeError("CompleteCommand", err)
	}

	return nil
}

// FailCommand records a failure. Commands at the attempt cap become terminally
// failed; earlier failures return to pending for retry.
func (r *CommandRepository) FailCommand(ctx context.Context, id uuid.UUID, errText string) error {
	errText = truncateText(errText, platform.MaxCommandErrorLen)

	query := `
		UPDATE admin_commands
		SET error = $2,
		    status = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END,
		    completed_at = CASE WHEN attempts >= $3 THEN NOW() ELSE NULL END
		WHERE id = $1 AND status = 'processing'
	`

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.conn.Pool().Exec(ctx, query, id, errText, platform.MaxCommandAttempts)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return storeError("FailCommand", err)
	}

	return nil
}

// ReapStaleProcessingCommands returns commands stuck in processing longer
// than olderThan to pending. A worker crash is the only way a row gets here.
func (r *CommandRepository) ReapStaleProcessingCommands(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		UPDATE admin_commands
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < NOW() - make_interval(secs => $1)
	`

	var reaped int
	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.conn.Pool().Exec(ctx, query, olderThan.Seconds())
		if err != nil {
			return err
		}
		reaped = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, storeError("ReapStaleProcessingCommands", err)
	}

	return reaped, nil
}

// scanCommand scans one admin_commands row.
func scanCommand(row pgx.Row) (platform.AdminCommand, error) {
	var c platform.AdminCommand
	var cmdType, status string
	err := row.Scan(
		&c.ID, &c.BotInstanceID, &cmdType, &c.Payload, &status,
		&c.Attempts, &c.Error, &c.CreatedBy, &c.CreatedAt,
		&c.ClaimedAt, &c.CompletedAt,
	)
	if err != nil {
		return platform.AdminCommand{}, err
	}
	c.Type = platform.CommandType(cmdType)
	c.Status = platform.CommandStatus(status)
	return c, nil
}

// truncateText clips s to at most max bytes without splitting a UTF-8 rune,
// so the column never receives invalid text encoding.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
