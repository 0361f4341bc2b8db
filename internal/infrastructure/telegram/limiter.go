// Package telegram implements the outbound Telegram Bot API facade.
package telegram

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER
// Telegram's documented hard limit is 30 messages per second per bot; the
// facade shields below at 25. On top of the global bucket, message-class
// calls to one chat get their own bucket: 1/s for private chats, 20/min for
// groups and channels. Read calls (getChatMember, getChat, getMe, getUpdates)
// ride on the global bucket alone so verification stays fast. Excess calls
// queue in arrival order on the limiter's internal wait.
// ══════════════════════════════════════════════════════════════════════════════

const (
	// globalRate is the per-bot outbound call budget.
	globalRate = 25

	// privateChatInterval spaces messages to one private chat.
	privateChatInterval = time.Second

	// groupChatInterval spaces messages to one group or channel (20/min).
	groupChatInterval = 3 * time.Second

	// chatLimiterIdle is how long an unused per-chat bucket survives before
	// the pruner drops it.
	chatLimiterIdle = 10 * time.Minute
)

// pacedMethods are the message-class calls subject to per-chat pacing.
var pacedMethods = map[string]bool{
	"sendMessage":        true,
	"deleteMessage":      true,
	"restrictChatMember": true,
	"banChatMember":      true,
	"unbanChatMember":    true,
}

// chatLimiter is one chat's bucket plus its last-use stamp.
type chatLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter enforces the per-bot global budget and per-chat pacing.
type Limiter struct {
	global *rate.Limiter

	mu    sync.Mutex
	chats map[int64]*chatLimiter
}

// NewLimiter creates a Limiter for one bot.
func NewLimiter() *Limiter {
	return &Limiter{
		global: rate.NewLimiter(rate.Limit(globalRate), globalRate),
		chats:  make(map[int64]*chatLimiter),
	}
}

// Wait blocks until the global bucket, and for message-class methods the
// chat's bucket too, grant a token, or ctx is cancelled. chatID of zero
// skips the per-chat bucket.
func (l *Limiter) Wait(ctx context.Context, method string, chatID int64) error {
	if pacedMethods[method] && chatID != 0 {
		if err := l.chatLimiter(chatID).Wait(ctx); err != nil {
			return err
		}
	}
	return l.global.Wait(ctx)
}

// chatLimiter returns the chat's bucket, creating it on first use. Group and
// channel ids are negative by Telegram convention; positive means private.
func (l *Limiter) chatLimiter(chatID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cl, ok := l.chats[chatID]
	if !ok {
		interval := privateChatInterval
		burst := 1
		if chatID < 0 {
			interval = groupChatInterval
			burst = 3
		}
		cl = &chatLimiter{limiter: rate.NewLimiter(rate.Every(interval), burst)}
		l.chats[chatID] = cl
	}
	cl.lastUsed = now

	if len(l.chats) > 1024 {
		l.pruneLocked(now)
	}

	return cl.limiter
}

// pruneLocked drops buckets idle past the threshold. Caller holds mu.
func (l *Limiter) pruneLocked(now time.Time) {
	for id, cl := range l.chats {
		if now.Sub(cl.lastUsed) > chatLimiterIdle {
			delete(l.chats, id)
		}
	}
}
