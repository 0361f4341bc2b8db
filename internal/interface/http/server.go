// Package http serves the webhook intake, health and metrics endpoints.
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ══════════════════════════════════════════════════════════════════════════════
// HTTP SERVER
// One server per process. In webhook mode Telegram POSTs update JSON to
// /webhook/{botInstanceID}; the supervisor registers a sink per running bot.
// ══════════════════════════════════════════════════════════════════════════════

// secretTokenHeader carries Telegram's per-webhook shared secret.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 10 * time.Second
	healthTimeout   = 2 * time.Second
	maxUpdateBody   = 1 << 20
)

// UpdateSink receives decoded webhook updates for one bot.
type UpdateSink interface {
	Feed(ctx context.Context, upd gotgbot.Update)
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type webhookTarget struct {
	secret string
	sink   UpdateSink
}

// Server is the process-wide HTTP listener.
type Server struct {
	srv    *http.Server
	logger *slog.Logger

	db    Pinger
	cache Pinger

	mu      sync.RWMutex
	targets map[int64]webhookTarget
}

// NewServer builds the listener. cache may be nil when the cache is stubbed.
func NewServer(listenAddr string, registry *prometheus.Registry, db, cache Pinger, logger *slog.Logger) *Server {
	s := &Server{
		logger:  logger.With("component", "http"),
		db:      db,
		cache:   cache,
		targets: make(map[int64]webhookTarget),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Post("/webhook/{botInstanceID}", s.handleWebhook)

	s.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// RegisterBot routes webhook posts for the bot to the sink. Called by the
// supervisor when a worker starts in webhook mode.
func (s *Server) RegisterBot(botInstanceID int64, secret string, sink UpdateSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[botInstanceID] = webhookTarget{secret: secret, sink: sink}
}

// UnregisterBot stops routing for the bot; later posts return 404.
func (s *Server) UnregisterBot(botInstanceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, botInstanceID)
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	botInstanceID, err := strconv.ParseInt(chi.URLParam(r, "botInstanceID"), 10, 64)
	if err != nil {
		http.Error(w, "bad bot id", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	target, ok := s.targets[botInstanceID]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown bot", http.StatusNotFound)
		return
	}

	given := r.Header.Get(secretTokenHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(target.secret)) != 1 {
		s.logger.Warn("webhook secret mismatch", "bot_instance_id", botInstanceID, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var upd gotgbot.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBody)).Decode(&upd); err != nil {
		http.Error(w, "bad update payload", http.StatusBadRequest)
		return
	}

	target.sink.Feed(r.Context(), upd)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := map[string]string{"database": "ok", "cache": "ok"}
	healthy := true

	if err := s.db.Ping(ctx); err != nil {
		status["database"] = err.Error()
		healthy = false
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			status["cache"] = err.Error()
			healthy = false
		}
	} else {
		status["cache"] = "stubbed"
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
