package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_GlobalBudgetHoldsUnderBurst(t *testing.T) {
	l := NewLimiter()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The first 25 tokens are the bucket's burst; the 26th must wait for
	// refill, so 26 acquisitions take at least one refill interval.
	start := time.Now()
	for i := 0; i < 26; i++ {
		require.NoError(t, l.Wait(ctx, "getMe", 0))
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLimiter_PerChatPacingForPrivateChats(t *testing.T) {
	l := NewLimiter()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "sendMessage", 42))
	require.NoError(t, l.Wait(ctx, "sendMessage", 42))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestLimiter_MembershipChecksBypassChatPacing(t *testing.T) {
	l := NewLimiter()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Ten back-to-back membership checks against one channel must all clear
	// immediately; only outbound messages pace per chat.
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx, "getChatMember", -1009))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_ReadCallsUnaffectedByMessagePacing(t *testing.T) {
	l := NewLimiter()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Exhaust the group's message burst, then confirm reads still pass.
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx, "sendMessage", -1009))
	}

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "getChatMember", -1009))
	require.NoError(t, l.Wait(ctx, "getChat", -1009))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_DistinctChatsDoNotBlockEachOther(t *testing.T) {
	l := NewLimiter()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "sendMessage", 1))
	require.NoError(t, l.Wait(ctx, "sendMessage", 2))
	require.NoError(t, l.Wait(ctx, "sendMessage", 3))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLimiter_CancelledContextUnblocks(t *testing.T) {
	l := NewLimiter()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Wait(ctx, "sendMessage", 42))

	cancel()
	err := l.Wait(ctx, "sendMessage", 42)
	assert.Error(t, err)
}
