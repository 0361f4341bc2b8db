// Package supervisor manages the lifecycle of all bot workers in one process.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/crypto"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/metrics"
)

// ══════════════════════════════════════════════════════════════════════════════
// BOT SUPERVISOR
// One supervisor per process. Each bot runs in its own worker goroutine
// behind a panic boundary; a crash of one bot never touches the others. The
// reconcile loop diffs the database against the running set every sync
// interval, so dashboard edits take effect without a restart.
// ══════════════════════════════════════════════════════════════════════════════

// restartWait is the pause before restarting a crashed worker. A variable so
// tests can shorten it.
var restartWait = 10 * time.Second

const (
	// maxRestarts within restartWindow marks the bot crashed until external
	// intervention.
	maxRestarts    = 3
	restartWindow  = 5 * time.Minute
	statusWriteTTL = 5 * time.Second
)

// Worker is one runnable bot unit. Run blocks until the context is cancelled
// or the worker fails.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFactory builds a worker for a bot with its decrypted token. The
// factory confirms the token resolves (getMe) before returning.
type WorkerFactory func(ctx context.Context, bot platform.BotInstance, token string) (Worker, error)

// Config carries the supervisor's tunables.
type Config struct {
	SyncInterval  time.Duration
	ShutdownGrace time.Duration
}

// Supervisor reconciles the set of running bot workers against the database.
type Supervisor struct {
	cfg     Config
	bots    platform.BotStore
	status  platform.StatusStore
	cipher  *crypto.TokenCipher
	factory WorkerFactory
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	running map[int64]*runningBot

	exitCh chan workerExit
	wg     sync.WaitGroup
}

type runningBot struct {
	bot      platform.BotInstance
	cancel   context.CancelFunc
	restarts []time.Time
	crashed  bool
}

type workerExit struct {
	botInstanceID int64
	err           error
}

// New builds a supervisor. Workers come from the factory so tests can
// substitute fakes for the full bot pipeline.
func New(cfg Config, bots platform.BotStore, status platform.StatusStore, cipher *crypto.TokenCipher, factory WorkerFactory, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		bots:    bots,
		status:  status,
		cipher:  cipher,
		factory: factory,
		metrics: m,
		logger:  logger.With("component", "supervisor"),
		running: make(map[int64]*runningBot),
		exitCh:  make(chan workerExit, 16),
	}
}

// Run supervises until ctx is cancelled, then stops every worker and waits
// up to the shutdown grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("initial bot load: %w", err)
	}

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			if err := s.reconcile(ctx); err != nil {
				s.logger.Error("reconcile failed", "error", err)
			}
		case exit := <-s.exitCh:
			s.handleExit(ctx, exit)
		}
	}
}

// Reconcile triggers an immediate delta computation, shortcutting the sync
// interval. Safe to call from other goroutines.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	return s.reconcile(ctx)
}

// reconcile diffs the desired set against the running one.
func (s *Supervisor) reconcile(ctx context.Context) error {
	bots, err := s.bots.LoadActiveBots(ctx)
	if err != nil {
		return err
	}

	desired := make(map[int64]platform.BotInstance, len(bots))
	for _, bot := range bots {
		if bot.Runnable() {
			desired[bot.ID] = bot
		}
	}

	s.mu.Lock()
	var toStop []int64
	var toStart []platform.BotInstance
	for id, rb := range s.running {
		want, ok := desired[id]
		if !ok {
			toStop = append(toStop, id)
			continue
		}
		// A token rotation invalidates the live client.
		if !bytes.Equal(want.TokenCiphertext, rb.bot.TokenCiphertext) {
			toStop = append(toStop, id)
			desiredCopy := want
			toStart = append(toStart, desiredCopy)
		}
	}
	for id, bot := range desired {
		rb, ok := s.running[id]
		if !ok {
			toStart = append(toStart, bot)
			continue
		}
		if !rb.crashed {
			continue
		}
		// Crashed bots stay down until the row changes.
		if bytes.Equal(bot.TokenCiphertext, rb.bot.TokenCiphertext) && bot.UpdatedAt.Equal(rb.bot.UpdatedAt) {
			continue
		}
		rb.crashed = false
		rb.restarts = nil
		toStart = append(toStart, bot)
	}
	s.mu.Unlock()

	for _, id := range toStop {
		s.stopBot(id)
	}
	for _, bot := range toStart {
		if err := s.startBot(ctx, bot); err != nil {
			s.logger.Error("failed to start bot", "bot_instance_id", bot.ID, "error", err)
			s.writeStatus(bot.ID, platform.StateCrashed, err.Error())
		}
	}
	return nil
}

// startBot decrypts the token, builds a worker and launches it behind the
// panic boundary.
func (s *Supervisor) startBot(ctx context.Context, bot platform.BotInstance) error {
	token, err := s.cipher.Decrypt(bot.TokenCiphertext, int64(bot.OwnerUserID))
	if err != nil {
		return fmt.Errorf("decrypt token for bot %d: %w", bot.ID, err)
	}

	worker, err := s.factory(ctx, bot, token)
	if err != nil {
		return fmt.Errorf("build worker for bot %d: %w", bot.ID, err)
	}

	workerCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if rb, ok := s.running[bot.ID]; ok {
		// Restart path keeps the restart history.
		rb.bot = bot
		rb.cancel = cancel
	} else {
		s.running[bot.ID] = &runningBot{bot: bot, cancel: cancel}
	}
	s.mu.Unlock()

	s.metrics.BotsRunning.Inc()
	s.logger.Info("starting bot worker", "bot_instance_id", bot.ID, "bot_username", bot.BotUsername)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.runGuarded(workerCtx, worker)
		s.metrics.BotsRunning.Dec()
		if workerCtx.Err() != nil {
			return
		}
		select {
		case s.exitCh <- workerExit{botInstanceID: bot.ID, err: err}:
		case <-ctx.Done():
		}
	}()
	return nil
}

// runGuarded is the panic boundary around one worker body.
func (s *Supervisor) runGuarded(ctx context.Context, worker Worker) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panicked: %v", rec)
		}
	}()
	return worker.Run(ctx)
}

// handleExit applies the supervision policy to an abnormal worker exit.
func (s *Supervisor) handleExit(ctx context.Context, exit workerExit) {
	s.mu.Lock()
	rb, ok := s.running[exit.botInstanceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rb.cancel = nil

	now := time.Now()
	recent := rb.restarts[:0]
	for _, t := range rb.restarts {
		if now.Sub(t) < restartWindow {
			recent = append(recent, t)
		}
	}
	rb.restarts = append(recent, now)
	attempts := len(rb.restarts)
	crashed := attempts > maxRestarts
	rb.crashed = crashed
	bot := rb.bot
	s.mu.Unlock()

	errText := ""
	if exit.err != nil {
		errText = exit.err.Error()
	}

	if crashed {
		s.logger.Error("bot exceeded restart budget, marking crashed",
			"bot_instance_id", bot.ID, "restarts", attempts, "error", errText)
		s.writeStatus(bot.ID, platform.StateCrashed, errText)
		return
	}

	s.metrics.WorkerRestarts.Inc()
	s.logger.Warn("bot worker exited, scheduling restart",
		"bot_instance_id", bot.ID, "attempt", attempts, "error", errText)
	s.writeStatus(bot.ID, platform.StateRestarting, errText)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartWait):
		}
		// The row may have changed while we waited.
		fresh, err := s.bots.GetBotByID(ctx, bot.ID)
		if err != nil || !fresh.Runnable() {
			s.stopBot(bot.ID)
			return
		}
		if err := s.startBot(ctx, fresh); err != nil {
			s.logger.Error("restart failed", "bot_instance_id", bot.ID, "error", err)
			s.writeStatus(bot.ID, platform.StateCrashed, err.Error())
		}
	}()
}

// stopBot cancels a worker and forgets it.
func (s *Supervisor) stopBot(id int64) {
	s.mu.Lock()
	rb, ok := s.running[id]
	if ok {
		delete(s.running, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if rb.cancel != nil {
		s.logger.Info("stopping bot worker", "bot_instance_id", id)
		rb.cancel()
	}
}

// shutdown stops every worker and waits up to the grace period.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	for _, rb := range s.running {
		if rb.cancel != nil {
			rb.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all bot workers stopped")
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("shutdown grace elapsed with workers still running")
	}
}

// writeStatus records a supervisor-observed lifecycle state. The per-worker
// status writer owns the running heartbeat; the supervisor only writes
// terminal and transitional states.
func (s *Supervisor) writeStatus(botInstanceID int64, state platform.LifecycleState, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTTL)
	defer cancel()

	err := s.status.UpsertBotStatus(ctx, platform.BotStatus{
		BotInstanceID: botInstanceID,
		Status:        state,
		LastHeartbeat: time.Now().UTC(),
		LastError:     lastError,
	})
	if err != nil {
		s.logger.Warn("failed to write bot status", "bot_instance_id", botInstanceID, "error", err)
	}
}

// RunningBots returns the ids of currently supervised bots, for tests and
// the health endpoint.
func (s *Supervisor) RunningBots() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.running))
	for id, rb := range s.running {
		if !rb.crashed {
			ids = append(ids, id)
		}
	}
	return ids
}
