// Package postgres implements the persistence gateway for the Nezuko bot platform.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
)

// ══════════════════════════════════════════════════════════════════════════════
// LOG REPOSITORY
// Batch writer for the append-only observability tables. The buffered sink in
// internal/logging accumulates rows and flushes them here; one CopyFrom per
// batch keeps the write cheap even at hundreds of rows.
// ══════════════════════════════════════════════════════════════════════════════

// LogRepository writes verification and API call logs in batches.
type LogRepository struct {
	conn *Connection
}

// NewLogRepository creates a new LogRepository.
func NewLogRepository(conn *Connection) *LogRepository {
	return &LogRepository{conn: conn}
}

// InsertVerificationLogs bulk-inserts a batch of verification logs.
func (r *LogRepository) InsertVerificationLogs(ctx context.Context, logs []verification.VerificationLog) error {
	if len(logs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(logs))
	for _, l := range logs {
		var channelID *int64
		if l.ChannelID != 0 {
			id := int64(l.ChannelID)
			channelID = &id
		}
		var errorType *string
		if l.ErrorType != "" {
			et := l.ErrorType
			errorType = &et
		}
		rows = append(rows, []any{
			l.BotInstanceID,
			int64(l.UserID),
			int64(l.GroupID),
			channelID,
			string(l.Status),
			l.LatencyMS,
			l.Cached,
			errorType,
			l.Timestamp,
		})
	}

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.conn.Pool().CopyFrom(ctx,
			pgx.Identifier{"verification_logs"},
			[]string{"bot_instance_id", "user_id", "group_id", "channel_id", "status", "latency_ms", "cached", "error_type", "created_at"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if err != nil {
		return storeError("InsertVerificationLogs", err)
	}

	return nil
}

// InsertAPICallLogs bulk-inserts a batch of API call logs.
func (r *LogRepository) InsertAPICallLogs(ctx context.Context, logs []verification.APICallLog) error {
	if len(logs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(logs))
	for _, l := range logs {
		var chatID, userID *int64
		if l.ChatID != 0 {
			id := int64(l.ChatID)
			chatID = &id
		}
		if l.UserID != 0 {
			id := int64(l.UserID)
			userID = &id
		}
		var errorCategory *string
		if l.ErrorCategory != "" {
			ec := l.ErrorCategory
			errorCategory = &ec
		}
		rows = append(rows, []any{
			l.BotInstanceID,
			l.Method,
			chatID,
			userID,
			l.Success,
			l.LatencyMS,
			errorCategory,
			l.Timestamp,
		})
	}

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.conn.Pool().CopyFrom(ctx,
			pgx.Identifier{"api_call_logs"},
			[]string{"bot_instance_id", "method", "chat_id", "user_id", "success", "latency_ms", "error_category", "created_at"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if err != nil {
		return storeError("InsertAPICallLogs", err)
	}

	return nil
}

// PurgeOldLogs deletes log rows older than the retention window from both
// tables. Returns the total number of deleted rows. Run daily by the
// supervisor's maintenance tick.
func (r *LogRepository) PurgeOldLogs(ctx context.Context, retention time.Duration) (int64, error) {
	var total int64
	for _, table := range []string{"verification_logs", "api_call_logs"} {
		query := `DELETE FROM ` + table + ` WHERE created_at < NOW() - make_interval(secs => $1)`

		err := r.conn.withRetry(ctx, func(ctx context.Context) error {
			tag, err := r.conn.Pool().Exec(ctx, query, retention.Seconds())
			if err != nil {
				return err
			}
			total += tag.RowsAffected()
			return nil
		})
		if err != nil {
			return total, storeError("PurgeOldLogs", err)
		}
	}

	return total, nil
}
