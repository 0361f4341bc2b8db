// Package telegram implements the outbound Telegram Bot API facade.
package telegram

import (
	"github.com/PaulSonOfLars/gotgbot/v2"
)

// ══════════════════════════════════════════════════════════════════════════════
// PERMISSION SETS
// ══════════════════════════════════════════════════════════════════════════════

// MutedPermissions denies every communication permission. Applied to a
// restricted user until they verify.
func MutedPermissions() gotgbot.ChatPermissions {
	return gotgbot.ChatPermissions{
		CanSendMessages:       false,
		CanSendAudios:         false,
		CanSendDocuments:      false,
		CanSendPhotos:         false,
		CanSendVideos:         false,
		CanSendVideoNotes:     false,
		CanSendVoiceNotes:     false,
		CanSendPolls:          false,
		CanSendOtherMessages:  false,
		CanAddWebPagePreviews: false,
		CanChangeInfo:         false,
		CanInviteUsers:        false,
		CanPinMessages:        false,
		CanManageTopics:       false,
	}
}

// DefaultPermissions restores normal member communication on unmute. All
// message kinds and invites are granted; chat administration stays denied so
// the restored user matches a plain group member.
func DefaultPermissions() gotgbot.ChatPermissions {
	return gotgbot.ChatPermissions{
		CanSendMessages:       true,
		CanSendAudios:         true,
		CanSendDocuments:      true,
		CanSendPhotos:         true,
		CanSendVideos:         true,
		CanSendVideoNotes:     true,
		CanSendVoiceNotes:     true,
		CanSendPolls:          true,
		CanSendOtherMessages:  true,
		CanAddWebPagePreviews: true,
		CanChangeInfo:         false,
		CanInviteUsers:        true,
		CanPinMessages:        false,
		CanManageTopics:       false,
	}
}
