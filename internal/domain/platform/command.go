package platform

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN COMMAND QUEUE
// The admin_commands table is the durable one-way channel from the dashboard
// to a running bot. Rows move pending → processing → completed|failed; a
// crashed worker may strand a row in processing, which the reaper returns to
// pending after a staleness threshold.
// ══════════════════════════════════════════════════════════════════════════════

// CommandType identifies the operation a queued admin command requests.
type CommandType string

const (
	CommandBanUser       CommandType = "ban_user"
	CommandUnbanUser     CommandType = "unban_user"
	CommandResyncGroup   CommandType = "resync_group"
	CommandResyncChannel CommandType = "resync_channel"
	CommandSendMessage   CommandType = "send_message"
)

// IsValid reports whether the command type is one the worker can execute.
func (t CommandType) IsValid() bool {
	switch t {
	case CommandBanUser, CommandUnbanUser, CommandResyncGroup, CommandResyncChannel, CommandSendMessage:
		return true
	default:
		return false
	}
}

// CommandStatus is the lifecycle state of an admin command.
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandProcessing CommandStatus = "processing"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// MaxCommandAttempts is how many times a command may fail before it is marked
// terminally failed.
const MaxCommandAttempts = 3

// MaxCommandErrorLen caps the stored error text of a failed command.
const MaxCommandErrorLen = 500

// AdminCommand is one queued instruction from the dashboard to a bot.
type AdminCommand struct {
	ID            uuid.UUID
	BotInstanceID int64
	Type          CommandType
	Payload       json.RawMessage
	Status        CommandStatus
	Attempts      int
	Error         string
	CreatedBy     string

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}

// Command payloads. The dashboard writes these as JSON; the worker decodes by
// Type.

// BanUserPayload targets ban_user and unban_user commands.
type BanUserPayload struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

// ResyncGroupPayload targets resync_group commands.
type ResyncGroupPayload struct {
	GroupID int64 `json:"group_id"`
}

// ResyncChannelPayload targets resync_channel commands.
type ResyncChannelPayload struct {
	ChannelID int64 `json:"channel_id"`
}

// SendMessagePayload targets send_message commands.
type SendMessagePayload struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}
