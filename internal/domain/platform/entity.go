// Package platform contains the core domain model of the Nezuko bot platform:
// bot instances, protected groups, enforced channels and the durable control
// plane (admin commands, bot status). This package has no external dependencies
// beyond the standard library.
package platform

import (
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// UserID is a Telegram user identifier.
type UserID int64

// IsValid reports whether the user id is positive (Telegram user ids always are).
func (u UserID) IsValid() bool {
	return u > 0
}

// ChatID is a Telegram chat identifier. Group and channel ids are negative for
// supergroups/channels; the platform treats the value as opaque.
type ChatID int64

// IsValid reports whether the chat id is non-zero.
func (c ChatID) IsValid() bool {
	return c != 0
}

// BotID is the Telegram-assigned bot identifier, globally unique across the
// platform.
type BotID int64

// IsValid reports whether the bot id is positive.
func (b BotID) IsValid() bool {
	return b > 0
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTITIES
// ══════════════════════════════════════════════════════════════════════════════

// Owner is a human operator identified by their Telegram user id.
type Owner struct {
	UserID   UserID
	Username string

	CreatedAt time.Time
}

// BotInstance is one Telegram bot controlled by the platform.
//
// TokenCiphertext holds the AEAD-sealed bot token; the plaintext token is never
// stored. A bot with a non-nil DeletedAt is never started.
type BotInstance struct {
	ID              int64
	OwnerUserID     UserID
	BotID           BotID
	BotUsername     string
	DisplayName     string
	TokenCiphertext []byte
	IsActive        bool

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Runnable reports whether the supervisor may start this bot.
func (b BotInstance) Runnable() bool {
	return b.IsActive && b.DeletedAt == nil
}

// ProtectedGroup is a Telegram group in which subscription enforcement runs.
// Unique per (BotInstanceID, GroupID).
type ProtectedGroup struct {
	ID            int64
	GroupID       ChatID
	OwnerUserID   UserID
	BotInstanceID int64
	Title         string
	Enabled       bool
	Params        map[string]string
	MemberCount   int
	LastSyncAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ParamBool reads a boolean flag from the group's freeform params.
func (g ProtectedGroup) ParamBool(key string) bool {
	v, ok := g.Params[key]
	if !ok {
		return false
	}
	return v == "true" || v == "1" || v == "yes"
}

// EnforcedChannel is a Telegram channel whose subscription is required by one
// or more protected groups. Unique per (BotInstanceID, ChannelID).
type EnforcedChannel struct {
	ID              int64
	ChannelID       ChatID
	BotInstanceID   int64
	Title           string
	Username        string
	InviteLink      string
	SubscriberCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Mention returns the most user-friendly reference to the channel for
// challenge messages: the invite link if known, then @username, then title.
func (c EnforcedChannel) Mention() string {
	if c.InviteLink != "" {
		return c.InviteLink
	}
	if c.Username != "" {
		return "@" + c.Username
	}
	return c.Title
}

// GroupChannelLink binds a protected group to one of its required channels.
// A user is authorized in a group iff they are a current member of every
// channel linked to that group.
type GroupChannelLink struct {
	GroupID   int64 // ProtectedGroup.ID
	ChannelID int64 // EnforcedChannel.ID
	CreatedAt time.Time
}
