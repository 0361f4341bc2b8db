package telegram

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	tgfacade "github.com/nezuko-bot/nezuko-core/internal/infrastructure/telegram"
)

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE PUMP
// Long-polling intake. Webhook mode feeds the same Router through the HTTP
// server instead; both modes yield one Dispatch call per update.
// ══════════════════════════════════════════════════════════════════════════════

// pollErrorBackoff paces retries after a failed getUpdates batch. The facade
// has already retried transient failures by the time the pump sees an error.
const pollErrorBackoff = time.Second

// UpdateSource supplies batches of updates, usually the facade's getUpdates.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64) ([]gotgbot.Update, error)
}

// Pump drives the polling loop for one bot and fans updates out to handler
// goroutines.
type Pump struct {
	source        UpdateSource
	router        *Router
	shutdownGrace time.Duration
	logger        *slog.Logger

	inflight sync.WaitGroup
}

// NewPump builds a polling pump over the router.
func NewPump(source UpdateSource, router *Router, shutdownGrace time.Duration, logger *slog.Logger) *Pump {
	return &Pump{
		source:        source,
		router:        router,
		shutdownGrace: shutdownGrace,
		logger:        logger.With("component", "pump"),
	}
}

// Run polls until ctx is cancelled. An invalid bot token is the one terminal
// condition: it surfaces as an error so the supervisor can take the bot down.
func (p *Pump) Run(ctx context.Context) error {
	defer p.drain()

	var offset int64
	for {
		updates, err := p.source.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var apiErr *tgfacade.APIError
			if errors.As(err, &apiErr) && apiErr.Category == tgfacade.CategoryInvalid {
				return err
			}
			p.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		for _, upd := range updates {
			offset = upd.UpdateId + 1
			p.Feed(ctx, upd)
		}
	}
}

// Feed dispatches one update on its own goroutine. Also the entry point for
// webhook-delivered updates.
func (p *Pump) Feed(ctx context.Context, upd gotgbot.Update) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Error("handler panicked", "update_id", upd.UpdateId, "panic", rec)
			}
		}()
		p.router.Dispatch(context.WithoutCancel(ctx), upd)
	}()
}

// drain waits for in-flight handlers up to the shutdown grace period.
func (p *Pump) drain() {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.shutdownGrace):
		p.logger.Warn("shutdown grace elapsed with handlers still in flight")
	}
}
