package verification

import (
	"time"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

// ══════════════════════════════════════════════════════════════════════════════
// OBSERVABILITY ROWS
// Append-only records consumed by analytics and live dashboard feeds. Never
// read on the hot path; written through the non-blocking log sink.
// ══════════════════════════════════════════════════════════════════════════════

// VerificationLog records one verdict.
type VerificationLog struct {
	UserID        platform.UserID
	GroupID       platform.ChatID
	ChannelID     platform.ChatID // channel that decided the verdict, 0 if none
	BotInstanceID int64
	Status        Status
	LatencyMS     int64
	Cached        bool
	ErrorType     string
	Timestamp     time.Time
}

// APICallLog records one outbound Telegram Bot API call.
type APICallLog struct {
	BotInstanceID int64
	Method        string
	ChatID        platform.ChatID
	UserID        platform.UserID
	Success       bool
	LatencyMS     int64
	ErrorCategory string
	Timestamp     time.Time
}
