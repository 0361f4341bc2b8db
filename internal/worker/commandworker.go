// Package worker runs the per-bot background loops: the admin command worker
// and the status heartbeat writer.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/metrics"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMMAND WORKER
// Drains the admin_commands queue for one bot. Polls every second; a Redis
// wake signal short-circuits the wait. Claims are atomic via SKIP LOCKED, so
// horizontally scaled workers never execute the same command twice.
// ══════════════════════════════════════════════════════════════════════════════

const (
	// pollInterval is the idle wait between queue polls.
	pollInterval = time.Second

	// claimLimit bounds one claim batch.
	claimLimit = 10

	// staleClaimAge returns commands stuck in processing to pending.
	staleClaimAge = 30 * time.Second

	// commandTimeout bounds one command execution.
	commandTimeout = 30 * time.Second

	// resyncWindow and resyncUserLimit bound eager re-verification after a
	// resync_group command.
	resyncWindow    = 24 * time.Hour
	resyncUserLimit = 200
)

// ModerationAPI is the slice of the Telegram facade commands execute against.
type ModerationAPI interface {
	BanUser(ctx context.Context, chatID platform.ChatID, userID platform.UserID) error
	UnbanUser(ctx context.Context, chatID platform.ChatID, userID platform.UserID) error
	SendMessage(ctx context.Context, chatID platform.ChatID, text string, markup *gotgbot.InlineKeyboardMarkup) (int64, error)
}

// Verifier re-checks a user during resync.
type Verifier interface {
	Verify(ctx context.Context, groupID platform.ChatID, userID platform.UserID) (verification.Verdict, error)
}

// Enforcer applies resync verdicts.
type Enforcer interface {
	Apply(ctx context.Context, group platform.ProtectedGroup, userID platform.UserID, displayName string, verdict verification.Verdict, offendingMessageID int64) error
}

// CommandWorker executes queued admin commands for one bot instance.
type CommandWorker struct {
	botInstanceID int64
	queue         platform.CommandQueue
	groups        platform.GroupStore
	auditLog      platform.AdminLogStore
	cache         verification.MembershipCache
	api           ModerationAPI
	verifier      Verifier
	enforcer      Enforcer
	wake          <-chan struct{}
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewCommandWorker wires a worker. wake may be nil when the cache is stubbed;
// the worker then relies on polling alone.
func NewCommandWorker(botInstanceID int64, queue platform.CommandQueue, groups platform.GroupStore, auditLog platform.AdminLogStore, cache verification.MembershipCache, api ModerationAPI, verifier Verifier, enforcer Enforcer, wake <-chan struct{}, m *metrics.Metrics, logger *slog.Logger) *CommandWorker {
	return &CommandWorker{
		botInstanceID: botInstanceID,
		queue:         queue,
		groups:        groups,
		auditLog:      auditLog,
		cache:         cache,
		api:           api,
		verifier:      verifier,
		enforcer:      enforcer,
		wake:          wake,
		metrics:       m,
		logger:        logger.With("component", "command_worker", "bot_instance_id", botInstanceID),
	}
}

// Run drains the queue until ctx is cancelled. Abandoned claims from a
// previous crash are reaped once on entry.
func (w *CommandWorker) Run(ctx context.Context) error {
	if reaped, err := w.queue.ReapStaleProcessingCommands(ctx, staleClaimAge); err != nil {
		w.logger.Warn("failed to reap stale commands", "error", err)
	} else if reaped > 0 {
		w.logger.Info("returned stale commands to pending", "count", reaped)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// drain claims and executes batches until the queue is empty.
func (w *CommandWorker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		commands, err := w.queue.ClaimNextPendingCommands(ctx, w.botInstanceID, claimLimit)
		if err != nil {
			w.logger.Error("failed to claim commands", "error", err)
			return
		}
		if len(commands) == 0 {
			return
		}

		for _, cmd := range commands {
			w.executeOne(ctx, cmd)
		}

		if len(commands) < claimLimit {
			return
		}
	}
}

// executeOne runs a single command and records its terminal state.
func (w *CommandWorker) executeOne(ctx context.Context, cmd platform.AdminCommand) {
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	err := w.dispatch(cmdCtx, cmd)
	if err != nil {
		w.metrics.CommandsProcessed.WithLabelValues(string(cmd.Type), "error").Inc()
		w.logger.Warn("command failed", "command_id", cmd.ID, "type", cmd.Type, "attempt", cmd.Attempts, "error", err)
		if failErr := w.queue.FailCommand(ctx, cmd.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to record command failure", "command_id", cmd.ID, "error", failErr)
		}
		return
	}

	w.metrics.CommandsProcessed.WithLabelValues(string(cmd.Type), "ok").Inc()
	if completeErr := w.queue.CompleteCommand(ctx, cmd.ID); completeErr != nil {
		w.logger.Error("failed to complete command", "command_id", cmd.ID, "error", completeErr)
		return
	}

	w.audit(ctx, cmd)
}

// dispatch routes a command by type.
func (w *CommandWorker) dispatch(ctx context.Context, cmd platform.AdminCommand) error {
	switch cmd.Type {
	case platform.CommandBanUser:
		var p platform.BanUserPayload
		if err := decodePayload(cmd, &p); err != nil {
			return err
		}
		return w.api.BanUser(ctx, platform.ChatID(p.ChatID), platform.UserID(p.UserID))

	case platform.CommandUnbanUser:
		var p platform.BanUserPayload
		if err := decodePayload(cmd, &p); err != nil {
			return err
		}
		return w.api.UnbanUser(ctx, platform.ChatID(p.ChatID), platform.UserID(p.UserID))

	case platform.CommandResyncGroup:
		var p platform.ResyncGroupPayload
		if err := decodePayload(cmd, &p); err != nil {
			return err
		}
		return w.resyncGroup(ctx, platform.ChatID(p.GroupID))

	case platform.CommandResyncChannel:
		var p platform.ResyncChannelPayload
		if err := decodePayload(cmd, &p); err != nil {
			return err
		}
		return w.cache.InvalidateChannel(ctx, w.botInstanceID, platform.ChatID(p.ChannelID))

	case platform.CommandSendMessage:
		var p platform.SendMessagePayload
		if err := decodePayload(cmd, &p); err != nil {
			return err
		}
		_, err := w.api.SendMessage(ctx, platform.ChatID(p.ChatID), p.Text, nil)
		return err

	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// resyncGroup drops the group's cached verdicts and re-verifies its recently
// seen users. Bounded so a huge group cannot monopolize the worker.
func (w *CommandWorker) resyncGroup(ctx context.Context, groupID platform.ChatID) error {
	group, channels, err := w.groups.GetGroupWithChannels(ctx, w.botInstanceID, groupID)
	if err != nil {
		return fmt.Errorf("load group %d: %w", groupID, err)
	}

	for _, ch := range channels {
		if err := w.cache.InvalidateChannel(ctx, w.botInstanceID, ch.ChannelID); err != nil {
			w.logger.Warn("cache invalidation failed during resync", "channel_id", int64(ch.ChannelID), "error", err)
		}
	}

	users, err := w.groups.RecentGroupUsers(ctx, groupID, resyncWindow, resyncUserLimit)
	if err != nil {
		return fmt.Errorf("list recent users of group %d: %w", groupID, err)
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		verdict, err := w.verifier.Verify(ctx, groupID, userID)
		if err != nil {
			w.logger.Warn("resync verification failed", "user_id", int64(userID), "error", err)
			continue
		}
		if err := w.enforcer.Apply(ctx, group, userID, "", verdict, 0); err != nil {
			w.logger.Warn("resync enforcement failed", "user_id", int64(userID), "error", err)
		}
	}
	return nil
}

// audit records the completed command for dashboard observers. Best effort.
func (w *CommandWorker) audit(ctx context.Context, cmd platform.AdminCommand) {
	detail := fmt.Sprintf("command %s completed (id=%s, by=%s)", cmd.Type, cmd.ID, cmd.CreatedBy)
	if err := w.auditLog.RecordAdminLog(ctx, w.botInstanceID, string(cmd.Type), detail); err != nil {
		w.logger.Warn("failed to write admin log", "command_id", cmd.ID, "error", err)
	}
}

func decodePayload(cmd platform.AdminCommand, into any) error {
	if err := json.Unmarshal(cmd.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", cmd.Type, err)
	}
	return nil
}
