package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHAT COMMANDS
// /protect, /unprotect, /status and /settings manage protection and are
// restricted to the bot instance owner inside the target group. /start and
// /help answer anyone.
// ══════════════════════════════════════════════════════════════════════════════

const helpText = `This bot enforces channel subscriptions in protected groups.

Commands (group, owner only):
/protect @channel [@more ...] require subscription to the listed channels
/unprotect disable enforcement in this group
/status show protection state and linked channels
/settings show group parameters

/help this message`

// handleCommand dispatches one slash command message.
func (r *Router) handleCommand(ctx context.Context, msg *gotgbot.Message) error {
	command, args := splitCommand(msg.Text, r.bot.BotUsername)
	if command == "" {
		return nil
	}

	switch command {
	case "/start", "/help":
		return r.reply(ctx, msg, helpText)
	case "/protect":
		return r.ownerOnly(ctx, msg, func() error { return r.cmdProtect(ctx, msg, args) })
	case "/unprotect":
		return r.ownerOnly(ctx, msg, func() error { return r.cmdUnprotect(ctx, msg) })
	case "/status":
		return r.ownerOnly(ctx, msg, func() error { return r.cmdStatus(ctx, msg) })
	case "/settings":
		return r.ownerOnly(ctx, msg, func() error { return r.cmdSettings(ctx, msg) })
	default:
		return nil
	}
}

// ownerOnly runs fn when the sender owns this bot instance and the command
// was issued inside a group. Anyone else gets a short refusal.
func (r *Router) ownerOnly(ctx context.Context, msg *gotgbot.Message, fn func() error) error {
	if msg.Chat.Id >= 0 {
		return r.reply(ctx, msg, "This command only works inside a group.")
	}
	if platform.UserID(msg.From.Id) != r.bot.OwnerUserID {
		return r.reply(ctx, msg, "Only the bot owner can manage protection.")
	}
	return fn()
}

// cmdProtect enables enforcement in this group for the listed channels.
func (r *Router) cmdProtect(ctx context.Context, msg *gotgbot.Message, args []string) error {
	if len(args) == 0 {
		return r.reply(ctx, msg, "Usage: /protect @channel [@more ...]")
	}

	owner := platform.Owner{
		UserID:   platform.UserID(msg.From.Id),
		Username: msg.From.Username,
	}
	if err := r.owners.UpsertOwner(ctx, owner); err != nil {
		return fmt.Errorf("register owner %d: %w", owner.UserID, err)
	}

	group, err := r.groups.UpsertGroup(ctx, platform.ProtectedGroup{
		GroupID:       platform.ChatID(msg.Chat.Id),
		OwnerUserID:   owner.UserID,
		BotInstanceID: r.bot.ID,
		Title:         msg.Chat.Title,
		Enabled:       true,
	})
	if err != nil {
		return fmt.Errorf("upsert protected group %d: %w", msg.Chat.Id, err)
	}

	var linked, failed []string
	for _, ref := range args {
		channel, err := r.resolveChannel(ctx, ref)
		if err != nil {
			r.logger.Warn("failed to resolve channel", "ref", ref, "error", err)
			failed = append(failed, ref)
			continue
		}
		stored, err := r.groups.UpsertChannel(ctx, channel)
		if err != nil {
			return fmt.Errorf("upsert channel %d: %w", channel.ChannelID, err)
		}
		if err := r.groups.LinkChannel(ctx, group.ID, stored.ID); err != nil && !errors.Is(err, platform.ErrConflict) {
			return fmt.Errorf("link channel %d to group %d: %w", stored.ID, group.ID, err)
		}
		linked = append(linked, stored.Mention())
	}

	var b strings.Builder
	if len(linked) > 0 {
		fmt.Fprintf(&b, "Protection enabled. Required channels: %s.", strings.Join(linked, ", "))
	}
	if len(failed) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Could not resolve: %s. Is the bot an admin there?", strings.Join(failed, ", "))
	}
	return r.reply(ctx, msg, b.String())
}

// cmdUnprotect disables enforcement without deleting the configuration.
func (r *Router) cmdUnprotect(ctx context.Context, msg *gotgbot.Message) error {
	err := r.groups.SetGroupEnabled(ctx, r.bot.ID, platform.ChatID(msg.Chat.Id), false)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return r.reply(ctx, msg, "This group is not protected.")
		}
		return fmt.Errorf("disable group %d: %w", msg.Chat.Id, err)
	}
	return r.reply(ctx, msg, "Protection disabled. Use /protect to re-enable it.")
}

// cmdStatus reports the group's protection state and linked channels.
func (r *Router) cmdStatus(ctx context.Context, msg *gotgbot.Message) error {
	group, channels, err := r.groups.GetGroupWithChannels(ctx, r.bot.ID, platform.ChatID(msg.Chat.Id))
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return r.reply(ctx, msg, "This group is not protected.")
		}
		return fmt.Errorf("load group %d: %w", msg.Chat.Id, err)
	}

	state := "enabled"
	if !group.Enabled {
		state = "disabled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Protection is %s.\n", state)
	if len(channels) == 0 {
		b.WriteString("No channels linked; everyone may chat.")
	} else {
		b.WriteString("Required channels:")
		for _, ch := range channels {
			fmt.Fprintf(&b, "\n- %s", html.EscapeString(ch.Mention()))
		}
	}
	return r.reply(ctx, msg, b.String())
}

// cmdSettings shows the group's freeform parameters.
func (r *Router) cmdSettings(ctx context.Context, msg *gotgbot.Message) error {
	group, _, err := r.groups.GetGroupWithChannels(ctx, r.bot.ID, platform.ChatID(msg.Chat.Id))
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return r.reply(ctx, msg, "This group is not protected.")
		}
		return fmt.Errorf("load group %d: %w", msg.Chat.Id, err)
	}

	if len(group.Params) == 0 {
		return r.reply(ctx, msg, "No parameters set for this group.")
	}

	keys := make([]string, 0, len(group.Params))
	for k := range group.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Group parameters:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s = %s", html.EscapeString(k), html.EscapeString(group.Params[k]))
	}
	return r.reply(ctx, msg, b.String())
}

// resolveChannel turns an @handle or numeric id into an enforced channel row,
// confirming the chat exists via the facade.
func (r *Router) resolveChannel(ctx context.Context, ref string) (platform.EnforcedChannel, error) {
	var (
		chat *gotgbot.ChatFullInfo
		err  error
	)
	if id, numErr := strconv.ParseInt(ref, 10, 64); numErr == nil {
		chat, err = r.api.GetChat(ctx, platform.ChatID(id))
	} else {
		chat, err = r.api.GetChatByUsername(ctx, ref)
	}
	if err != nil {
		return platform.EnforcedChannel{}, err
	}
	if chat.Type != "channel" {
		return platform.EnforcedChannel{}, fmt.Errorf("chat %d is a %s, not a channel", chat.Id, chat.Type)
	}

	return platform.EnforcedChannel{
		BotInstanceID: r.bot.ID,
		ChannelID:     platform.ChatID(chat.Id),
		Title:         chat.Title,
		Username:      chat.Username,
		InviteLink:    chat.InviteLink,
	}, nil
}

// reply sends a plain response into the command's chat.
func (r *Router) reply(ctx context.Context, msg *gotgbot.Message, text string) error {
	if text == "" {
		return nil
	}
	_, err := r.api.SendMessage(ctx, platform.ChatID(msg.Chat.Id), text, nil)
	return err
}

// splitCommand extracts the command verb and its arguments, stripping this
// bot's @mention suffix and comma separators.
func splitCommand(text, botUsername string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}

	command := strings.ToLower(fields[0])
	if at := strings.IndexByte(command, '@'); at >= 0 {
		mention := command[at+1:]
		if botUsername != "" && !strings.EqualFold(mention, botUsername) {
			// Addressed to a different bot in the same group.
			return "", nil
		}
		command = command[:at]
	}

	var args []string
	for _, f := range fields[1:] {
		f = strings.Trim(f, ",")
		if f != "" {
			args = append(args, f)
		}
	}
	return command, args
}
