package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS WRITER
// Writes the bot's liveness row on a fixed cadence. Dashboards combine the
// recorded state with a heartbeat staleness check; a writer that dies simply
// stops refreshing and the row goes stale within a minute.
// ══════════════════════════════════════════════════════════════════════════════

// StatusWriter maintains the bot_status row for one running bot.
type StatusWriter struct {
	botInstanceID int64
	store         platform.StatusStore
	interval      time.Duration
	startedAt     time.Time
	logger        *slog.Logger
}

// NewStatusWriter creates a writer ticking at interval (15 s in production).
func NewStatusWriter(botInstanceID int64, store platform.StatusStore, interval time.Duration, logger *slog.Logger) *StatusWriter {
	return &StatusWriter{
		botInstanceID: botInstanceID,
		store:         store,
		interval:      interval,
		startedAt:     time.Now().UTC(),
		logger:        logger.With("component", "status_writer", "bot_instance_id", botInstanceID),
	}
}

// Run heartbeats until ctx is cancelled, then records a final stopped state.
func (s *StatusWriter) Run(ctx context.Context) error {
	s.write(ctx, platform.StateRunning, "")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The worker context is gone; give the final write its own
			// bounded deadline.
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.write(stopCtx, platform.StateStopped, "")
			cancel()
			return nil
		case <-ticker.C:
			s.write(ctx, platform.StateRunning, "")
		}
	}
}

// write upserts one status row. Failures are logged, never fatal: liveness
// reporting must not take the worker down.
func (s *StatusWriter) write(ctx context.Context, state platform.LifecycleState, lastError string) {
	now := time.Now().UTC()
	status := platform.BotStatus{
		BotInstanceID: s.botInstanceID,
		Status:        state,
		StartedAt:     s.startedAt,
		LastHeartbeat: now,
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
		LastError:     lastError,
	}
	if err := s.store.UpsertBotStatus(ctx, status); err != nil {
		s.logger.Warn("failed to write bot status", "state", state, "error", err)
	}
}
