// Package telegram implements the outbound Telegram Bot API facade.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/metrics"
	"github.com/nezuko-bot/nezuko-core/pkg/circuitbreaker"
	"github.com/nezuko-bot/nezuko-core/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT FACADE
// One Client per bot. The facade owns pacing, retry, breaking and
// instrumentation; callers see typed errors and never raw HTTP.
// ══════════════════════════════════════════════════════════════════════════════

const (
	// httpTimeout bounds one Telegram HTTP round trip.
	httpTimeout = 10 * time.Second

	// pollTimeout is the long-poll interval for getUpdates.
	pollTimeout = 50

	// permWarnInterval throttles permission-denied warnings per chat.
	permWarnInterval = time.Hour
)

// allowedUpdates enumerates the update kinds the core reacts to.
var allowedUpdates = []string{"message", "edited_message", "chat_member", "my_chat_member", "callback_query"}

// Client is the rate-limited, retrying Telegram facade for one bot.
type Client struct {
	botInstanceID int64
	raw           *gotgbot.Bot
	limiter       *Limiter
	retrier       *retry.Retrier
	breakers      *circuitbreaker.Group
	metrics       *metrics.Metrics
	sink          verification.LogSink
	logger        *slog.Logger

	permMu   sync.Mutex
	permWarn map[int64]time.Time
}

// NewClient builds a facade around a freshly constructed bot client. The
// token is not validated here; the supervisor confirms it with GetMe before
// the worker starts.
func NewClient(botInstanceID int64, token string, m *metrics.Metrics, sink verification.LogSink, logger *slog.Logger) (*Client, error) {
	raw, err := gotgbot.NewBot(token, &gotgbot.BotOpts{
		DisableTokenCheck: true,
		BotClient: &gotgbot.BaseBotClient{
			Client: http.Client{Timeout: httpTimeout + 60*time.Second},
			DefaultRequestOpts: &gotgbot.RequestOpts{
				Timeout: httpTimeout,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		botInstanceID: botInstanceID,
		raw:           raw,
		limiter:       NewLimiter(),
		retrier:       retry.TelegramRetrier(),
		metrics:       m,
		sink:          sink,
		logger:        logger.With("component", "telegram_client", "bot_instance_id", botInstanceID),
		permWarn:      make(map[int64]time.Time),
	}

	c.breakers = circuitbreaker.NewGroup(func(endpoint string) *circuitbreaker.CircuitBreaker {
		return circuitbreaker.TelegramEndpointBreaker(endpoint,
			func(name string, from, to circuitbreaker.State) {
				c.logger.Warn("circuit breaker state change",
					"endpoint", name, "from", from.String(), "to", to.String())
			},
			func(err error) bool {
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					return apiErr.Category != CategoryRateLimited
				}
				return true
			},
		)
	})

	return c, nil
}

// Raw exposes the underlying bot for the update pump and webhook wiring.
func (c *Client) Raw() *gotgbot.Bot {
	return c.raw
}

// BotInstanceID returns the owning bot instance row id.
func (c *Client) BotInstanceID() int64 {
	return c.botInstanceID
}

// call runs one facade method through the limiter, the endpoint breaker and
// the retrier, then records metrics and an API call log row.
func call[T any](ctx context.Context, c *Client, method string, chatID, userID int64, fn func() (T, error)) (T, error) {
	var zero T

	start := time.Now()
	if err := c.limiter.Wait(ctx, method, chatID); err != nil {
		return zero, err
	}

	breaker := c.breakers.Get(method)

	var result T
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		attemptErr := breaker.Execute(ctx, func(ctx context.Context) error {
			r, err := fn()
			if err != nil {
				return Classify(method, err)
			}
			result = r
			return nil
		})
		if attemptErr == nil {
			return nil
		}
		if errors.Is(attemptErr, circuitbreaker.ErrCircuitOpen) || errors.Is(attemptErr, circuitbreaker.ErrTooManyRequests) {
			return retry.Permanent(attemptErr)
		}

		var apiErr *APIError
		if !errors.As(attemptErr, &apiErr) {
			return retry.Permanent(attemptErr)
		}

		switch apiErr.Category {
		case CategoryRateLimited:
			// Sleep exactly the advertised interval, then spend a retry
			// with no extra backoff on top.
			select {
			case <-ctx.Done():
				return retry.Permanent(apiErr)
			case <-time.After(apiErr.RetryAfter):
			}
			return retry.RetryableNow(apiErr)
		case CategoryTransient:
			return retry.Retryable(apiErr)
		default:
			return retry.Permanent(apiErr)
		}
	})

	c.record(method, chatID, userID, time.Since(start), err)

	if err != nil {
		if IsPermissionDenied(err) {
			c.warnPermissionDenied(chatID, method)
		}
		return zero, err
	}
	return result, nil
}

// record emits the counter, the latency sample and the API call log row.
func (c *Client) record(method string, chatID, userID int64, elapsed time.Duration, err error) {
	outcome := "ok"
	category := ""
	if err != nil {
		outcome = "error"
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			category = string(apiErr.Category)
		} else {
			category = string(CategoryTransient)
		}
	}

	c.metrics.APICalls.WithLabelValues(method, outcome).Inc()
	c.metrics.APICallDuration.WithLabelValues(method).Observe(elapsed.Seconds())

	c.sink.RecordAPICall(verification.APICallLog{
		BotInstanceID: c.botInstanceID,
		Method:        method,
		ChatID:        platform.ChatID(chatID),
		UserID:        platform.UserID(userID),
		Success:       err == nil,
		LatencyMS:     elapsed.Milliseconds(),
		ErrorCategory: category,
		Timestamp:     time.Now().UTC(),
	})
}

// warnPermissionDenied logs missing rights at most once per chat per hour.
func (c *Client) warnPermissionDenied(chatID int64, method string) {
	c.permMu.Lock()
	defer c.permMu.Unlock()

	now := time.Now()
	if last, ok := c.permWarn[chatID]; ok && now.Sub(last) < permWarnInterval {
		return
	}
	c.permWarn[chatID] = now

	c.logger.Warn("bot lacks rights in chat", "chat_id", chatID, "method", method)
}

// ─────────────────────────────────────────────────────────────────────────────
// Facade methods
// ─────────────────────────────────────────────────────────────────────────────

// MapMemberStatus converts a Telegram chat member record into a membership
// state. Restricted users still count as members while is_member holds.
func MapMemberStatus(m gotgbot.MergedChatMember) verification.MembershipState {
	switch m.Status {
	case "creator", "administrator", "member":
		return verification.StateMember
	case "restricted":
		if m.IsMember {
			return verification.StateMember
		}
		return verification.StateNonMember
	default: // left, kicked
		return verification.StateNonMember
	}
}

// CheckMembership resolves the user's live membership in a channel.
// Implements verification.ChannelChecker.
func (c *Client) CheckMembership(ctx context.Context, channelID platform.ChatID, userID platform.UserID) (verification.MembershipState, error) {
	member, err := call(ctx, c, "getChatMember", int64(channelID), int64(userID), func() (gotgbot.ChatMember, error) {
		return c.raw.GetChatMember(int64(channelID), int64(userID), nil)
	})
	if err != nil {
		// A user Telegram has never seen in the channel is simply not a
		// member. A missing chat is a different story: the channel itself is
		// gone and the caller must decide what that means.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Category == CategoryNotFound {
			if strings.Contains(strings.ToLower(apiErr.Description), "chat not found") {
				return "", fmt.Errorf("%w: %s", verification.ErrChannelGone, apiErr.Description)
			}
			return verification.StateNonMember, nil
		}
		return "", err
	}

	return MapMemberStatus(member.MergeChatMember()), nil
}

// Mute denies all communication permissions for the user in the group,
// permanent until lifted.
func (c *Client) Mute(ctx context.Context, chatID platform.ChatID, userID platform.UserID) error {
	_, err := call(ctx, c, "restrictChatMember", int64(chatID), int64(userID), func() (bool, error) {
		return c.raw.RestrictChatMember(int64(chatID), int64(userID), MutedPermissions(), &gotgbot.RestrictChatMemberOpts{
			UseIndependentChatPermissions: true,
		})
	})
	return err
}

// Unmute restores default member permissions for the user in the group.
func (c *Client) Unmute(ctx context.Context, chatID platform.ChatID, userID platform.UserID) error {
	_, err := call(ctx, c, "restrictChatMember", int64(chatID), int64(userID), func() (bool, error) {
		return c.raw.RestrictChatMember(int64(chatID), int64(userID), DefaultPermissions(), &gotgbot.RestrictChatMemberOpts{
			UseIndependentChatPermissions: true,
		})
	})
	return err
}

// DeleteMessage removes one message from a chat.
func (c *Client) DeleteMessage(ctx context.Context, chatID platform.ChatID, messageID int64) error {
	_, err := call(ctx, c, "deleteMessage", int64(chatID), 0, func() (bool, error) {
		return c.raw.DeleteMessage(int64(chatID), messageID, nil)
	})
	return err
}

// SendMessage sends an HTML-formatted message, optionally with an inline
// keyboard, and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID platform.ChatID, text string, markup *gotgbot.InlineKeyboardMarkup) (int64, error) {
	opts := &gotgbot.SendMessageOpts{ParseMode: "HTML"}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}

	msg, err := call(ctx, c, "sendMessage", int64(chatID), 0, func() (*gotgbot.Message, error) {
		return c.raw.SendMessage(int64(chatID), text, opts)
	})
	if err != nil {
		return 0, err
	}
	return msg.MessageId, nil
}

// AnswerCallbackQuery responds to a challenge button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error {
	_, err := call(ctx, c, "answerCallbackQuery", 0, 0, func() (bool, error) {
		return c.raw.AnswerCallbackQuery(callbackID, &gotgbot.AnswerCallbackQueryOpts{
			Text:      text,
			ShowAlert: showAlert,
		})
	})
	return err
}

// GetMe resolves the bot's own identity, confirming the token works.
func (c *Client) GetMe(ctx context.Context) (*gotgbot.User, error) {
	return call(ctx, c, "getMe", 0, 0, func() (*gotgbot.User, error) {
		return c.raw.GetMe(nil)
	})
}

// GetChat fetches chat metadata, used to resolve channel handles.
func (c *Client) GetChat(ctx context.Context, chatID platform.ChatID) (*gotgbot.ChatFullInfo, error) {
	return call(ctx, c, "getChat", int64(chatID), 0, func() (*gotgbot.ChatFullInfo, error) {
		return c.raw.GetChat(int64(chatID), nil)
	})
}

// GetChatByUsername resolves a public @handle to chat metadata. The Bot API
// accepts usernames only as string chat_id values, which the typed wrapper
// does not expose, so this goes through the raw request path.
func (c *Client) GetChatByUsername(ctx context.Context, username string) (*gotgbot.ChatFullInfo, error) {
	username = "@" + strings.TrimPrefix(username, "@")
	return call(ctx, c, "getChat", 0, 0, func() (*gotgbot.ChatFullInfo, error) {
		raw, err := c.raw.Request("getChat", map[string]string{"chat_id": username}, nil, nil)
		if err != nil {
			return nil, err
		}
		var chat gotgbot.ChatFullInfo
		if err := json.Unmarshal(raw, &chat); err != nil {
			return nil, fmt.Errorf("decode getChat response: %w", err)
		}
		return &chat, nil
	})
}

// BanUser bans the user from the chat.
func (c *Client) BanUser(ctx context.Context, chatID platform.ChatID, userID platform.UserID) error {
	_, err := call(ctx, c, "banChatMember", int64(chatID), int64(userID), func() (bool, error) {
		return c.raw.BanChatMember(int64(chatID), int64(userID), nil)
	})
	return err
}

// UnbanUser lifts a ban if one exists.
func (c *Client) UnbanUser(ctx context.Context, chatID platform.ChatID, userID platform.UserID) error {
	_, err := call(ctx, c, "unbanChatMember", int64(chatID), int64(userID), func() (bool, error) {
		return c.raw.UnbanChatMember(int64(chatID), int64(userID), &gotgbot.UnbanChatMemberOpts{
			OnlyIfBanned: true,
		})
	})
	return err
}

// SetWebhook points Telegram at the given HTTPS endpoint. The secret token
// comes back on every delivery in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	_, err := call(ctx, c, "setWebhook", 0, 0, func() (bool, error) {
		return c.raw.SetWebhook(url, &gotgbot.SetWebhookOpts{
			SecretToken:    secret,
			AllowedUpdates: allowedUpdates,
		})
	})
	return err
}

// DeleteWebhook removes any registered webhook, required before polling.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := call(ctx, c, "deleteWebhook", 0, 0, func() (bool, error) {
		return c.raw.DeleteWebhook(nil)
	})
	return err
}

// GetUpdates long-polls the next batch of updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]gotgbot.Update, error) {
	return call(ctx, c, "getUpdates", 0, 0, func() ([]gotgbot.Update, error) {
		return c.raw.GetUpdates(&gotgbot.GetUpdatesOpts{
			Offset:         offset,
			Limit:          100,
			Timeout:        pollTimeout,
			AllowedUpdates: allowedUpdates,
			RequestOpts: &gotgbot.RequestOpts{
				Timeout: (pollTimeout + 10) * time.Second,
			},
		})
	})
}
