// Package enforcement applies membership verdicts to Telegram groups.
package enforcement

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
	tgfacade "github.com/nezuko-bot/nezuko-core/internal/infrastructure/telegram"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENFORCEMENT SERVICE
// Idempotent by construction: restrict calls are safe to re-issue, and the
// only in-process state is the ephemeral challenge tracker.
// ══════════════════════════════════════════════════════════════════════════════

// verifiedToastParam is the group param enabling the short verified toast.
const verifiedToastParam = "verified_toast"

// toastLifetime is how long a verified toast stays before deletion.
const toastLifetime = 30 * time.Second

// Actions is the slice of the Telegram facade enforcement needs.
type Actions interface {
	Mute(ctx context.Context, chatID platform.ChatID, userID platform.UserID) error
	Unmute(ctx context.Context, chatID platform.ChatID, userID platform.UserID) error
	DeleteMessage(ctx context.Context, chatID platform.ChatID, messageID int64) error
	SendMessage(ctx context.Context, chatID platform.ChatID, text string, markup *gotgbot.InlineKeyboardMarkup) (int64, error)
}

// Service turns verdicts into Telegram state changes.
type Service struct {
	actions    Actions
	challenges *challengeTracker
	locks      *keyedMutex
	logger     *slog.Logger
}

// New creates an enforcement service for one bot.
func New(actions Actions, logger *slog.Logger) *Service {
	return &Service{
		actions:    actions,
		challenges: newChallengeTracker(),
		locks:      newKeyedMutex(),
		logger:     logger.With("component", "enforcement"),
	}
}

// Apply enacts the verdict for a user in a group. offendingMessageID names
// the message that triggered the check, zero when none (joins, callbacks).
func (s *Service) Apply(ctx context.Context, group platform.ProtectedGroup, userID platform.UserID, displayName string, verdict verification.Verdict, offendingMessageID int64) error {
	switch verdict.Status {
	case verification.StatusVerified:
		return s.applyVerified(ctx, group, userID, displayName, false)
	case verification.StatusRestricted:
		return s.applyRestricted(ctx, group, userID, displayName, verdict, offendingMessageID)
	default:
		// Transient trouble must not cause collateral damage in Telegram.
		return verdict.Err
	}
}

// Lift unmutes unconditionally. Used by the callback handler, where the
// button press itself proves the user was restricted, even if the challenge
// tracker was lost over a restart.
func (s *Service) Lift(ctx context.Context, group platform.ProtectedGroup, userID platform.UserID, displayName string) error {
	return s.applyVerifiedLocked(ctx, group, userID, displayName, true)
}

func (s *Service) applyVerified(ctx context.Context, group platform.ProtectedGroup, userID platform.UserID, displayName string, force bool) error {
	return s.applyVerifiedLocked(ctx, group, userID, displayName, force)
}

func (s *Service) applyVerifiedLocked(ctx context.Context, group platform.ProtectedGroup, userID platform.UserID, displayName string, force bool) error {
	unlock := s.locks.lock(group.GroupID, userID)
	defer unlock()

	// A user with no pending challenge was never restricted by us; calling
	// this on every message must stay a no-op.
	if !force && !s.challenges.peek(group.GroupID, userID) {
		return nil
	}

	if err := s.actions.Unmute(ctx, group.GroupID, userID); err != nil {
		return fmt.Errorf("unmute user %d in group %d: %w", userID, group.GroupID, err)
	}

	if messageID, ok := s.challenges.take(group.GroupID, userID); ok {
		if err := s.actions.DeleteMessage(ctx, group.GroupID, messageID); err != nil && !tgfacade.IsNotFound(err) {
			s.logger.Warn("failed to delete challenge message",
				"group_id", int64(group.GroupID), "message_id", messageID, "error", err)
		}
	}

	if group.ParamBool(verifiedToastParam) {
		s.sendToast(group.GroupID, displayName, userID)
	}

	return nil
}

func (s *Service) applyRestricted(ctx context.Context, group platform.ProtectedGroup, userID platform.UserID, displayName string, verdict verification.Verdict, offendingMessageID int64) error {
	unlock := s.locks.lock(group.GroupID, userID)
	defer unlock()

	s.challenges.prune()

	if err := s.actions.Mute(ctx, group.GroupID, userID); err != nil {
		return fmt.Errorf("mute user %d in group %d: %w", userID, group.GroupID, err)
	}

	if offendingMessageID != 0 {
		if err := s.actions.DeleteMessage(ctx, group.GroupID, offendingMessageID); err != nil && !tgfacade.IsNotFound(err) {
			s.logger.Warn("failed to delete offending message",
				"group_id", int64(group.GroupID), "message_id", offendingMessageID, "error", err)
		}
	}

	messageID, err := s.sendChallenge(ctx, group.GroupID, userID, displayName, verdict.MissingChannel)
	if err != nil {
		// Muting a user without telling them why is opaque; undo the mute
		// and surface the failure.
		if unmuteErr := s.actions.Unmute(ctx, group.GroupID, userID); unmuteErr != nil {
			s.logger.Error("failed to roll back mute after challenge delivery failure",
				"group_id", int64(group.GroupID), "user_id", int64(userID), "error", unmuteErr)
		}
		return fmt.Errorf("send challenge to group %d: %w", group.GroupID, err)
	}

	s.challenges.remember(group.GroupID, userID, messageID)
	return nil
}

// sendChallenge posts the join-and-verify message and returns its id.
func (s *Service) sendChallenge(ctx context.Context, groupID platform.ChatID, userID platform.UserID, displayName string, ch *platform.EnforcedChannel) (int64, error) {
	mention := userMention(userID, displayName)

	var text string
	if ch != nil {
		text = fmt.Sprintf(
			"%s, to chat here you need to subscribe to %s first.\nJoin the channel, then press the button below.",
			mention, html.EscapeString(ch.Mention()),
		)
	} else {
		text = fmt.Sprintf("%s, to chat here you need to subscribe to the required channel first.", mention)
	}

	markup := &gotgbot.InlineKeyboardMarkup{
		InlineKeyboard: [][]gotgbot.InlineKeyboardButton{{
			{
				Text:         "I have joined, verify me",
				CallbackData: ChallengeCallbackData(userID, ch),
			},
		}},
	}

	return s.actions.SendMessage(ctx, groupID, text, markup)
}

// sendToast posts a short verified notice and deletes it shortly after.
func (s *Service) sendToast(groupID platform.ChatID, displayName string, userID platform.UserID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text := fmt.Sprintf("%s verified ✅", userMention(userID, displayName))
	messageID, err := s.actions.SendMessage(ctx, groupID, text, nil)
	if err != nil {
		s.logger.Warn("failed to send verified toast", "group_id", int64(groupID), "error", err)
		return
	}

	time.AfterFunc(toastLifetime, func() {
		delCtx, delCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer delCancel()
		if err := s.actions.DeleteMessage(delCtx, groupID, messageID); err != nil && !tgfacade.IsNotFound(err) {
			s.logger.Warn("failed to delete verified toast", "group_id", int64(groupID), "error", err)
		}
	})
}

// userMention renders an HTML mention that notifies the user.
func userMention(userID platform.UserID, displayName string) string {
	name := displayName
	if name == "" {
		name = fmt.Sprintf("user %d", userID)
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, html.EscapeString(name))
}

// ChallengeCallbackData encodes the challenge button payload verify:{user}:{channel}.
func ChallengeCallbackData(userID platform.UserID, ch *platform.EnforcedChannel) string {
	var channelID int64
	if ch != nil {
		channelID = int64(ch.ChannelID)
	}
	return fmt.Sprintf("verify:%d:%d", userID, channelID)
}
