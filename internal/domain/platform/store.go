package platform

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE GATEWAY INTERFACES
// The gateway is the only code allowed to open transactions. Callers receive
// plain value objects with all required fields populated; no lazy loading.
// Implementations live in infrastructure/persistence/postgres.
// ══════════════════════════════════════════════════════════════════════════════

// BotStore persists bot instances and their owners.
type BotStore interface {
	// LoadActiveBots returns all non-soft-deleted bots with IsActive=true.
	// Token ciphertext is returned opaquely; decryption is the caller's job.
	LoadActiveBots(ctx context.Context) ([]BotInstance, error)

	// GetBotByID returns one bot instance by surrogate id.
	// Returns ErrNotFound for unknown or soft-deleted bots.
	GetBotByID(ctx context.Context, id int64) (BotInstance, error)

	// UpsertOwner inserts the owner on first interaction or refreshes the
	// username on subsequent ones.
	UpsertOwner(ctx context.Context, owner Owner) error
}

// GroupStore persists protected groups, enforced channels and their links.
type GroupStore interface {
	// GetGroupWithChannels returns the protected group for (bot, group chat)
	// and every channel linked to it in a single round trip.
	// Returns ErrNotFound when the group is not protected under this bot.
	GetGroupWithChannels(ctx context.Context, botInstanceID int64, groupID ChatID) (ProtectedGroup, []EnforcedChannel, error)

	// GroupsRequiringChannel is the reverse index: all enabled protected
	// groups of this bot that link the given enforced channel. Used for
	// eager re-verification on channel leave.
	GroupsRequiringChannel(ctx context.Context, botInstanceID int64, channelID ChatID) ([]ProtectedGroup, error)

	// UpsertGroup creates or updates a protected group, keyed by
	// (bot_instance_id, group_id).
	UpsertGroup(ctx context.Context, group ProtectedGroup) (ProtectedGroup, error)

	// SetGroupEnabled flips enforcement for a group without deleting it.
	SetGroupEnabled(ctx context.Context, botInstanceID int64, groupID ChatID, enabled bool) error

	// DeleteGroup removes a protected group and, via cascade, its links.
	DeleteGroup(ctx context.Context, botInstanceID int64, groupID ChatID) error

	// UpsertChannel creates or updates an enforced channel, keyed by
	// (bot_instance_id, channel_id).
	UpsertChannel(ctx context.Context, channel EnforcedChannel) (EnforcedChannel, error)

	// LinkChannel binds a channel to a group. Returns ErrConflict when the
	// link already exists.
	LinkChannel(ctx context.Context, groupRowID, channelRowID int64) error

	// UnlinkChannel removes the binding. Returns ErrNotFound when absent.
	UnlinkChannel(ctx context.Context, groupRowID, channelRowID int64) error

	// RecentGroupUsers returns the user ids seen in the group's verification
	// logs within the window, newest first, bounded by limit. Drives bounded
	// eager re-verification on resync_group.
	RecentGroupUsers(ctx context.Context, groupID ChatID, window time.Duration, limit int) ([]UserID, error)
}

// CommandQueue is the durable dashboard→bot control channel.
type CommandQueue interface {
	// ClaimNextPendingCommands atomically transitions up to limit commands of
	// the bot from pending to processing and returns the claimed rows. Uses
	// SELECT ... FOR UPDATE SKIP LOCKED so two workers never claim the same
	// command.
	ClaimNextPendingCommands(ctx context.Context, botInstanceID int64, limit int) ([]AdminCommand, error)

	// CompleteCommand marks a processing command completed. A command never
	// reaches completed twice.
	CompleteCommand(ctx context.Context, id uuid.UUID) error

	// FailCommand records a failure. Commands at MaxCommandAttempts become
	// terminally failed; earlier failures return to pending for retry.
	FailCommand(ctx context.Context, id uuid.UUID, errText string) error

	// ReapStaleProcessingCommands returns commands stuck in processing longer
	// than olderThan to pending. Returns the number of reaped rows.
	ReapStaleProcessingCommands(ctx context.Context, olderThan time.Duration) (int, error)
}

// StatusStore persists the singleton-per-bot liveness row.
type StatusStore interface {
	// UpsertBotStatus writes the bot's status row, touching last_heartbeat.
	UpsertBotStatus(ctx context.Context, status BotStatus) error
}

// AdminLogStore records operational events for dashboard observers. The core
// writes these rows and never reads them.
type AdminLogStore interface {
	RecordAdminLog(ctx context.Context, botInstanceID int64, action, detail string) error
}
