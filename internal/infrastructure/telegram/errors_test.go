package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/stretchr/testify/assert"

	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
)

func tgErr(code int, description string, retryAfter int64) *gotgbot.TelegramError {
	e := &gotgbot.TelegramError{
		Method:      "sendMessage",
		Code:        code,
		Description: description,
	}
	if retryAfter > 0 {
		e.ResponseParams = &gotgbot.ResponseParameters{RetryAfter: retryAfter}
	}
	return e
}

func TestClassify_Categories(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category Category
		terminal bool
	}{
		{"chat not found", tgErr(400, "Bad Request: chat not found", 0), CategoryNotFound, true},
		{"user not found", tgErr(400, "Bad Request: user not found", 0), CategoryNotFound, true},
		{"message to delete not found", tgErr(400, "Bad Request: message to delete not found", 0), CategoryNotFound, true},
		{"bot kicked", tgErr(403, "Forbidden: bot was kicked from the supergroup chat", 0), CategoryPermissionDenied, true},
		{"user blocked bot", tgErr(403, "Forbidden: bot was blocked by the user", 0), CategoryPermissionDenied, true},
		{"flood wait", tgErr(429, "Too Many Requests: retry after 7", 7), CategoryRateLimited, false},
		{"server error", tgErr(502, "Bad Gateway", 0), CategoryTransient, false},
		{"invalid token", tgErr(401, "Unauthorized", 0), CategoryInvalid, true},
		{"malformed request", tgErr(400, "Bad Request: message text is empty", 0), CategoryInvalid, true},
		{"network error", errors.New("dial tcp: connection refused"), CategoryTransient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := Classify("sendMessage", tt.err)
			assert.Equal(t, tt.category, apiErr.Category)
			assert.Equal(t, tt.terminal, apiErr.Terminal())
		})
	}
}

func TestClassify_RateLimitedCarriesRetryAfter(t *testing.T) {
	apiErr := Classify("sendMessage", tgErr(429, "Too Many Requests: retry after 7", 7))
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter)

	// Missing hint falls back to one second.
	apiErr = Classify("sendMessage", tgErr(429, "Too Many Requests", 0))
	assert.Equal(t, time.Second, apiErr.RetryAfter)
}

func TestIsNotFound_MatchesWrapped(t *testing.T) {
	apiErr := Classify("getChatMember", tgErr(400, "Bad Request: user not found", 0))
	assert.True(t, IsNotFound(apiErr))
	assert.False(t, IsPermissionDenied(apiErr))
}

func TestMapMemberStatus(t *testing.T) {
	tests := []struct {
		status   string
		isMember bool
		want     verification.MembershipState
	}{
		{"creator", false, verification.StateMember},
		{"administrator", false, verification.StateMember},
		{"member", false, verification.StateMember},
		{"restricted", true, verification.StateMember},
		{"restricted", false, verification.StateNonMember},
		{"left", false, verification.StateNonMember},
		{"kicked", false, verification.StateNonMember},
	}

	for _, tt := range tests {
		got := MapMemberStatus(gotgbot.MergedChatMember{Status: tt.status, IsMember: tt.isMember})
		assert.Equal(t, tt.want, got, "status=%s is_member=%v", tt.status, tt.isMember)
	}
}
