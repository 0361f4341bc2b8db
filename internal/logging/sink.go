// Package logging implements the buffered observability sink: verification
// and API call rows are absorbed into an in-process ring buffer and flushed
// to the database in batches, keeping storage latency off the hot path.
package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/metrics"
)

// ══════════════════════════════════════════════════════════════════════════════
// BUFFERED SINK
// Capacity 10000, drop-oldest on overflow. A single drainer flushes batches
// of up to 500 rows every 250ms, or immediately once the buffer passes 50%.
// Rows here are observability, not ground truth; losing them under overload
// is the accepted trade.
// ══════════════════════════════════════════════════════════════════════════════

const (
	// Capacity is the ring buffer size.
	Capacity = 10000

	// BatchSize caps one flush.
	BatchSize = 500

	// FlushInterval is the drainer's idle cadence.
	FlushInterval = 250 * time.Millisecond

	// kickThreshold triggers an immediate flush.
	kickThreshold = Capacity / 2

	// dropWarnInterval throttles overflow warnings.
	dropWarnInterval = time.Minute
)

// entry is one buffered row of either kind.
type entry struct {
	v *verification.VerificationLog
	a *verification.APICallLog
}

// BatchWriter persists drained batches. Implemented by the postgres
// LogRepository.
type BatchWriter interface {
	InsertVerificationLogs(ctx context.Context, logs []verification.VerificationLog) error
	InsertAPICallLogs(ctx context.Context, logs []verification.APICallLog) error
}

// BufferedSink implements verification.LogSink with a drop-oldest ring.
type BufferedSink struct {
	writer  BatchWriter
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	ring     []entry
	head     int // index of oldest entry
	size     int
	dropped  uint64
	lastWarn time.Time

	kick chan struct{}
}

// NewBufferedSink creates a sink. Run must be started for rows to reach the
// database.
func NewBufferedSink(writer BatchWriter, m *metrics.Metrics, logger *slog.Logger) *BufferedSink {
	return &BufferedSink{
		writer:  writer,
		metrics: m,
		logger:  logger.With("component", "log_sink"),
		ring:    make([]entry, Capacity),
		kick:    make(chan struct{}, 1),
	}
}

// RecordVerification enqueues one verdict row. Never blocks.
func (s *BufferedSink) RecordVerification(log verification.VerificationLog) {
	s.push(entry{v: &log})
}

// RecordAPICall enqueues one API call row. Never blocks.
func (s *BufferedSink) RecordAPICall(log verification.APICallLog) {
	s.push(entry{a: &log})
}

// push appends to the ring, dropping the oldest entry when full.
func (s *BufferedSink) push(e entry) {
	s.mu.Lock()

	if s.size == Capacity {
		// Drop oldest.
		s.head = (s.head + 1) % Capacity
		s.size--
		s.dropped++
		s.metrics.LogRowsDropped.Inc()

		now := time.Now()
		if now.Sub(s.lastWarn) >= dropWarnInterval {
			s.lastWarn = now
			dropped := s.dropped
			s.mu.Unlock()
			s.logger.Warn("log buffer overflow, dropping oldest rows", "dropped_total", dropped)
			s.mu.Lock()
		}
	}

	s.ring[(s.head+s.size)%Capacity] = e
	s.size++
	full := s.size >= kickThreshold

	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// popBatch removes up to BatchSize entries from the ring.
func (s *BufferedSink) popBatch() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.size
	if n > BatchSize {
		n = BatchSize
	}
	if n == 0 {
		return nil
	}

	batch := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, s.ring[s.head])
		s.ring[s.head] = entry{}
		s.head = (s.head + 1) % Capacity
		s.size--
	}
	return batch
}

// Len returns the number of buffered rows.
func (s *BufferedSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Run drains the buffer until ctx is cancelled, then performs a final flush
// so graceful shutdowns lose nothing.
func (s *BufferedSink) Run(ctx context.Context) {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainAll()
			return
		case <-ticker.C:
			s.flushOnce(ctx)
		case <-s.kick:
			s.flushOnce(ctx)
		}
	}
}

// flushOnce writes one batch, splitting by row kind.
func (s *BufferedSink) flushOnce(ctx context.Context) {
	batch := s.popBatch()
	if len(batch) == 0 {
		return
	}

	var verifications []verification.VerificationLog
	var apiCalls []verification.APICallLog
	for _, e := range batch {
		switch {
		case e.v != nil:
			verifications = append(verifications, *e.v)
		case e.a != nil:
			apiCalls = append(apiCalls, *e.a)
		}
	}

	if len(verifications) > 0 {
		if err := s.writer.InsertVerificationLogs(ctx, verifications); err != nil {
			s.logger.Warn("failed to flush verification logs", "rows", len(verifications), "error", err)
		}
	}
	if len(apiCalls) > 0 {
		if err := s.writer.InsertAPICallLogs(ctx, apiCalls); err != nil {
			s.logger.Warn("failed to flush api call logs", "rows", len(apiCalls), "error", err)
		}
	}
}

// drainAll flushes everything left, bounded so shutdown cannot hang on a
// dead database.
func (s *BufferedSink) drainAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for s.Len() > 0 {
		if ctx.Err() != nil {
			return
		}
		s.flushOnce(ctx)
	}
}
