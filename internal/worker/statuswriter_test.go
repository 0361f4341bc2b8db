package worker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

type fakeStatusStore struct {
	mu      sync.Mutex
	written []platform.BotStatus
}

func (f *fakeStatusStore) UpsertBotStatus(_ context.Context, status platform.BotStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, status)
	return nil
}

func (f *fakeStatusStore) snapshot() []platform.BotStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.BotStatus(nil), f.written...)
}

func TestStatusWriterHeartbeatsAndStops(t *testing.T) {
	store := &fakeStatusStore{}
	logger := slog.New(slog.NewTextHandler(nullWriter{}, nil))
	writer := NewStatusWriter(11, store, 20*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = writer.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(store.snapshot()) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	written := store.snapshot()
	first := written[0]
	assert.Equal(t, int64(11), first.BotInstanceID)
	assert.Equal(t, platform.StateRunning, first.Status)
	assert.False(t, first.LastHeartbeat.IsZero())

	last := written[len(written)-1]
	assert.Equal(t, platform.StateStopped, last.Status)
	assert.GreaterOrEqual(t, last.UptimeSeconds, int64(0))
}
