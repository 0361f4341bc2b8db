// Package redis implements the membership verdict cache and the worker wake
// channel on top of Redis.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ══════════════════════════════════════════════════════════════════════════════
// WORKER WAKE CHANNEL
// The dashboard publishes to nezuko:wake:{bot_instance_id} after inserting an
// admin command; a subscribed worker drains the queue immediately instead of
// waiting for its next poll tick. Delivery is best effort: a missed publish
// costs at most one poll interval.
// ══════════════════════════════════════════════════════════════════════════════

// wakeChannel names the pub/sub channel of one bot's command worker.
func wakeChannel(botInstanceID int64) string {
	return fmt.Sprintf("nezuko:wake:%d", botInstanceID)
}

// WakeBus connects command producers and workers through Redis pub/sub.
type WakeBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewWakeBus creates a WakeBus sharing the cache's Redis client.
func NewWakeBus(client *redis.Client, logger *slog.Logger) *WakeBus {
	return &WakeBus{
		client: client,
		logger: logger.With("component", "wake_bus"),
	}
}

// Wake signals the bot's command worker to drain the queue now.
func (b *WakeBus) Wake(ctx context.Context, botInstanceID int64) {
	if err := b.client.Publish(ctx, wakeChannel(botInstanceID), "1").Err(); err != nil {
		b.logger.Debug("wake publish failed", "bot_instance_id", botInstanceID, "error", err)
	}
}

// Listen delivers one struct{} on the returned channel per wake signal until
// ctx is cancelled. The channel is closed on return.
func (b *WakeBus) Listen(ctx context.Context, botInstanceID int64) <-chan struct{} {
	out := make(chan struct{}, 1)

	sub := b.client.Subscribe(ctx, wakeChannel(botInstanceID))

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				// Coalesce bursts: one pending wake is enough.
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}
