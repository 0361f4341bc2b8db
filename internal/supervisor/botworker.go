package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/metrics"
	tgfacade "github.com/nezuko-bot/nezuko-core/internal/infrastructure/telegram"
	httpiface "github.com/nezuko-bot/nezuko-core/internal/interface/http"
	tginterface "github.com/nezuko-bot/nezuko-core/internal/interface/telegram"
	enforcementsvc "github.com/nezuko-bot/nezuko-core/internal/service/enforcement"
	verificationsvc "github.com/nezuko-bot/nezuko-core/internal/service/verification"
	"github.com/nezuko-bot/nezuko-core/internal/worker"
)

// ══════════════════════════════════════════════════════════════════════════════
// BOT WORKER
// The concrete worker bundle behind the supervisor's factory: one Telegram
// facade, the verification and enforcement services, the update intake and
// the two background loops, all sharing one lifetime.
// ══════════════════════════════════════════════════════════════════════════════

// Update intake modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// getMeTimeout bounds the startup token check.
const getMeTimeout = 10 * time.Second

// WorkerDeps is the process-wide wiring shared by every bot worker.
type WorkerDeps struct {
	Bots     platform.BotStore
	Groups   platform.GroupStore
	Queue    platform.CommandQueue
	Status   platform.StatusStore
	AuditLog platform.AdminLogStore
	Cache    verification.MembershipCache
	Sink     verification.LogSink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// WakeListen subscribes to the bot's wake channel. Nil when the cache is
	// stubbed; the command worker then polls only.
	WakeListen func(ctx context.Context, botInstanceID int64) <-chan struct{}

	// UpdateMode selects polling or webhook intake. Webhook and PublicURL
	// are set iff UpdateMode is webhook.
	UpdateMode string
	Webhook    *httpiface.Server
	PublicURL  string

	HeartbeatInterval time.Duration
	ShutdownGrace     time.Duration
}

// NewWorkerFactory returns the production worker factory.
func NewWorkerFactory(deps WorkerDeps) WorkerFactory {
	return func(ctx context.Context, bot platform.BotInstance, token string) (Worker, error) {
		logger := deps.Logger.With("bot_instance_id", bot.ID)

		client, err := tgfacade.NewClient(bot.ID, token, deps.Metrics, deps.Sink, logger)
		if err != nil {
			return nil, fmt.Errorf("build telegram client: %w", err)
		}

		meCtx, cancel := context.WithTimeout(ctx, getMeTimeout)
		defer cancel()
		me, err := client.GetMe(meCtx)
		if err != nil {
			return nil, fmt.Errorf("token check failed: %w", err)
		}
		if bot.BotID.IsValid() && int64(bot.BotID) != me.Id {
			return nil, fmt.Errorf("token resolves to bot %d, row says %d", me.Id, bot.BotID)
		}

		return &botWorker{
			bot:    bot,
			token:  token,
			client: client,
			deps:   deps,
			logger: logger,
		}, nil
	}
}

type botWorker struct {
	bot    platform.BotInstance
	token  string
	client *tgfacade.Client
	deps   WorkerDeps
	logger *slog.Logger
}

// Run assembles the per-bot pipeline and blocks until ctx is cancelled or a
// fatal component error surfaces.
func (w *botWorker) Run(ctx context.Context) error {
	verifier := verificationsvc.New(w.bot.ID, w.deps.Groups, w.client, w.deps.Cache, w.deps.Sink, w.deps.Metrics, w.logger)
	enforcer := enforcementsvc.New(w.client, w.logger)
	router := tginterface.NewRouter(w.bot, w.client, verifier, enforcer, w.deps.Groups, w.deps.Bots, w.deps.Cache, w.logger)
	pump := tginterface.NewPump(w.client, router, w.deps.ShutdownGrace, w.logger)

	var wake <-chan struct{}
	if w.deps.WakeListen != nil {
		wake = w.deps.WakeListen(ctx, w.bot.ID)
	}
	cmdWorker := worker.NewCommandWorker(w.bot.ID, w.deps.Queue, w.deps.Groups, w.deps.AuditLog, w.deps.Cache, w.client, verifier, enforcer, wake, w.deps.Metrics, w.logger)
	statusWriter := worker.NewStatusWriter(w.bot.ID, w.deps.Status, w.deps.HeartbeatInterval, w.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cmdWorker.Run(gctx) })
	g.Go(func() error { return statusWriter.Run(gctx) })

	switch w.deps.UpdateMode {
	case ModeWebhook:
		secret := webhookSecret(w.token)
		url := fmt.Sprintf("%s/webhook/%d", w.deps.PublicURL, w.bot.ID)
		if err := w.client.SetWebhook(ctx, url, secret); err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		w.deps.Webhook.RegisterBot(w.bot.ID, secret, pump)
		defer w.deps.Webhook.UnregisterBot(w.bot.ID)
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	default:
		// Telegram refuses getUpdates while a webhook is registered.
		if err := w.client.DeleteWebhook(ctx); err != nil {
			w.logger.Warn("failed to delete webhook before polling", "error", err)
		}
		g.Go(func() error { return pump.Run(gctx) })
	}

	return g.Wait()
}

// webhookSecret derives a stable per-token secret without storing it.
func webhookSecret(token string) string {
	sum := sha256.Sum256([]byte("nezuko-webhook:" + token))
	return hex.EncodeToString(sum[:16])
}
