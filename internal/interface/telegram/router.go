// Package telegram routes incoming bot updates to the verification and
// enforcement services.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
)

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE ROUTER
// One Router per bot worker. Handlers are reentrant and tolerate out-of-order
// updates; per-(group,user) ordering is enforced inside the enforcement
// service, not here.
// ══════════════════════════════════════════════════════════════════════════════

// handlerTimeout bounds one handler end to end.
const handlerTimeout = 15 * time.Second

// callbackPrefix tags challenge button payloads.
const callbackPrefix = "verify:"

// Verifier decides membership verdicts.
type Verifier interface {
	Verify(ctx context.Context, groupID platform.ChatID, userID platform.UserID) (verification.Verdict, error)
}

// Enforcer applies verdicts to Telegram state.
type Enforcer interface {
	Apply(ctx context.Context, group platform.ProtectedGroup, userID platform.UserID, displayName string, verdict verification.Verdict, offendingMessageID int64) error
	Lift(ctx context.Context, group platform.ProtectedGroup, userID platform.UserID, displayName string) error
}

// API is the slice of the Telegram facade the handlers call directly.
type API interface {
	SendMessage(ctx context.Context, chatID platform.ChatID, text string, markup *gotgbot.InlineKeyboardMarkup) (int64, error)
	AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error
	GetChat(ctx context.Context, chatID platform.ChatID) (*gotgbot.ChatFullInfo, error)
	GetChatByUsername(ctx context.Context, username string) (*gotgbot.ChatFullInfo, error)
}

// Router dispatches one bot's update stream to its handlers.
type Router struct {
	bot      platform.BotInstance
	api      API
	verifier Verifier
	enforcer Enforcer
	groups   platform.GroupStore
	owners   platform.BotStore
	cache    verification.MembershipCache
	logger   *slog.Logger
}

// NewRouter wires a router for one bot instance.
func NewRouter(bot platform.BotInstance, api API, verifier Verifier, enforcer Enforcer, groups platform.GroupStore, owners platform.BotStore, cache verification.MembershipCache, logger *slog.Logger) *Router {
	return &Router{
		bot:      bot,
		api:      api,
		verifier: verifier,
		enforcer: enforcer,
		groups:   groups,
		owners:   owners,
		cache:    cache,
		logger:   logger.With("component", "router", "bot_instance_id", bot.ID),
	}
}

// Dispatch routes one update. Errors are logged, never returned: a bad update
// must not stall the pump.
func (r *Router) Dispatch(ctx context.Context, upd gotgbot.Update) {
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	var err error
	switch {
	case upd.Message != nil && len(upd.Message.NewChatMembers) > 0:
		err = r.handleNewMembers(ctx, upd.Message)
	case upd.Message != nil && isCommand(upd.Message):
		err = r.handleCommand(ctx, upd.Message)
	case upd.Message != nil && upd.Message.Chat.Id < 0:
		err = r.handleGroupMessage(ctx, upd.Message)
	case upd.ChatMember != nil:
		err = r.handleChatMemberUpdate(ctx, upd.ChatMember)
	case upd.CallbackQuery != nil:
		err = r.handleCallback(ctx, upd.CallbackQuery)
	}

	if err != nil {
		r.logger.Error("update handler failed", "update_id", upd.UpdateId, "error", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Handlers
// ─────────────────────────────────────────────────────────────────────────────

// handleNewMembers verifies everyone who just joined a protected group.
func (r *Router) handleNewMembers(ctx context.Context, msg *gotgbot.Message) error {
	groupID := platform.ChatID(msg.Chat.Id)

	var firstErr error
	for _, member := range msg.NewChatMembers {
		if member.IsBot {
			continue
		}
		if err := r.verifyAndEnforce(ctx, groupID, member.Id, displayName(&member), 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleGroupMessage verifies the sender of a regular group message. The
// message id travels along so a Restricted verdict can delete it.
func (r *Router) handleGroupMessage(ctx context.Context, msg *gotgbot.Message) error {
	if msg.From == nil || msg.From.IsBot {
		return nil
	}
	return r.verifyAndEnforce(ctx, platform.ChatID(msg.Chat.Id), msg.From.Id, displayName(msg.From), msg.MessageId)
}

// handleChatMemberUpdate reacts to membership changes in enforced channels.
// Leaves and kicks trigger eager re-verification in every dependent group.
func (r *Router) handleChatMemberUpdate(ctx context.Context, upd *gotgbot.ChatMemberUpdated) error {
	channelID := platform.ChatID(upd.Chat.Id)
	member := upd.NewChatMember.MergeChatMember()
	userID := platform.UserID(member.User.Id)

	if err := r.cache.Invalidate(ctx, r.bot.ID, channelID, userID); err != nil {
		r.logger.Warn("cache invalidation failed", "channel_id", int64(channelID), "user_id", int64(userID), "error", err)
	}

	if member.Status != "left" && member.Status != "kicked" {
		return nil
	}

	groups, err := r.groups.GroupsRequiringChannel(ctx, r.bot.ID, channelID)
	if err != nil {
		return fmt.Errorf("resolve groups requiring channel %d: %w", channelID, err)
	}

	name := displayName(&member.User)
	var firstErr error
	for _, group := range groups {
		if err := r.verifyAndEnforce(ctx, group.GroupID, int64(userID), name, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleCallback processes a challenge button press.
func (r *Router) handleCallback(ctx context.Context, cb *gotgbot.CallbackQuery) error {
	targetUserID, _, ok := parseCallbackData(cb.Data)
	if !ok {
		return r.api.AnswerCallbackQuery(ctx, cb.Id, "", false)
	}

	if platform.UserID(cb.From.Id) != targetUserID {
		return r.api.AnswerCallbackQuery(ctx, cb.Id, "This button is not for you.", false)
	}
	if cb.Message == nil {
		return r.api.AnswerCallbackQuery(ctx, cb.Id, "", false)
	}

	groupID := platform.ChatID(cb.Message.GetChat().Id)

	verdict, err := r.verifier.Verify(ctx, groupID, targetUserID)
	if err != nil {
		if errors.Is(err, verification.ErrNoVerdict) {
			return r.api.AnswerCallbackQuery(ctx, cb.Id, "This group is no longer protected.", false)
		}
		return err
	}

	switch verdict.Status {
	case verification.StatusVerified:
		group, _, err := r.groups.GetGroupWithChannels(ctx, r.bot.ID, groupID)
		if err != nil {
			return fmt.Errorf("load group %d: %w", groupID, err)
		}
		if err := r.enforcer.Lift(ctx, group, targetUserID, displayName(&cb.From)); err != nil {
			return err
		}
		return r.api.AnswerCallbackQuery(ctx, cb.Id, "Verified, welcome!", false)
	case verification.StatusRestricted:
		text := "You are still not a member of the required channel."
		if verdict.MissingChannel != nil {
			text = fmt.Sprintf("You are still not a member of %s.", verdict.MissingChannel.Mention())
		}
		return r.api.AnswerCallbackQuery(ctx, cb.Id, text, true)
	default:
		return r.api.AnswerCallbackQuery(ctx, cb.Id, "Verification is temporarily unavailable, please try again.", true)
	}
}

// verifyAndEnforce is the shared verify-then-apply path. A group that is not
// protected under this bot yields no verdict and is skipped silently.
func (r *Router) verifyAndEnforce(ctx context.Context, groupID platform.ChatID, userID int64, name string, offendingMessageID int64) error {
	verdict, err := r.verifier.Verify(ctx, groupID, platform.UserID(userID))
	if err != nil {
		if errors.Is(err, verification.ErrNoVerdict) {
			return nil
		}
		return err
	}
	if verdict.Status == verification.StatusError {
		r.logger.Warn("verification errored, no enforcement taken",
			"group_id", int64(groupID), "user_id", userID, "error", verdict.Err)
		return nil
	}

	group, _, err := r.groups.GetGroupWithChannels(ctx, r.bot.ID, groupID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load group %d: %w", groupID, err)
	}

	return r.enforcer.Apply(ctx, group, platform.UserID(userID), name, verdict, offendingMessageID)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func isCommand(msg *gotgbot.Message) bool {
	return msg.From != nil && strings.HasPrefix(msg.Text, "/")
}

// parseCallbackData decodes verify:{user_id}:{channel_id}.
func parseCallbackData(data string) (platform.UserID, platform.ChatID, bool) {
	if !strings.HasPrefix(data, callbackPrefix) {
		return 0, 0, false
	}
	parts := strings.Split(strings.TrimPrefix(data, callbackPrefix), ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	channelID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return platform.UserID(userID), platform.ChatID(channelID), true
}

func displayName(u *gotgbot.User) string {
	if u == nil {
		return ""
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}
