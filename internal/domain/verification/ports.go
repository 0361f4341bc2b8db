package verification

import (
	"context"
	"errors"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

// ErrChannelGone means the enforced channel no longer exists on Telegram.
// The verification service skips such channels instead of restricting
// everyone forever.
var ErrChannelGone = errors.New("verification: channel no longer exists")

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// The verification service depends on these capability interfaces, not on
// concrete clients. main wires the Telegram facade, the Redis cache and the
// buffered log sink; tests wire fakes.
// ══════════════════════════════════════════════════════════════════════════════

// ChannelChecker resolves a user's live membership in a channel. Implemented
// by the Telegram facade.
type ChannelChecker interface {
	// CheckMembership returns the user's current membership state in the
	// channel. Terminal API failures surface as errors; the state is only
	// valid when err is nil.
	CheckMembership(ctx context.Context, channelID platform.ChatID, userID platform.UserID) (MembershipState, error)
}

// MembershipCache memoizes membership verdicts per (bot, channel, user).
// Implementations must never fail the hot path: lookup errors degrade to a
// miss and writes are best-effort.
type MembershipCache interface {
	// Get returns the cached state and true on a hit. Cache trouble reports
	// a miss, never an error.
	Get(ctx context.Context, botInstanceID int64, channelID platform.ChatID, userID platform.UserID) (MembershipState, bool)

	// Set stores the state with the TTL policy for that state. Best effort.
	Set(ctx context.Context, botInstanceID int64, channelID platform.ChatID, userID platform.UserID, state MembershipState)

	// Invalidate drops the entry for one (bot, channel, user).
	Invalidate(ctx context.Context, botInstanceID int64, channelID platform.ChatID, userID platform.UserID) error

	// InvalidateChannel drops every entry for one (bot, channel).
	InvalidateChannel(ctx context.Context, botInstanceID int64, channelID platform.ChatID) error
}

// LogSink absorbs observability rows without blocking the caller.
type LogSink interface {
	RecordVerification(log VerificationLog)
	RecordAPICall(log APICallLog)
}

// NopSink is a LogSink that drops everything. Useful in tests.
type NopSink struct{}

func (NopSink) RecordVerification(VerificationLog) {}
func (NopSink) RecordAPICall(APICallLog)           {}
