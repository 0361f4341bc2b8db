// Package postgres implements the persistence gateway for the Nezuko bot
// platform. It is the only code in the process that issues SQL: every other
// component goes through the typed store interfaces in the domain layer.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
	"github.com/nezuko-bot/nezuko-core/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrConnectionClosed indicates the connection pool is closed.
	ErrConnectionClosed = errors.New("postgres: connection pool is closed")

	// ErrMigrationFailed indicates a migration failure.
	ErrMigrationFailed = errors.New("postgres: migration failed")
)

// ══════════════════════════════════════════════════════════════════════════════
// CONNECTION POOL
// ══════════════════════════════════════════════════════════════════════════════

// Connection wraps a pgx pool with lifecycle tracking, a transient-error
// retrier and transaction helpers. Pool sizing rule of thumb: at least
// 2 x expected bot count plus supervisor overhead.
type Connection struct {
	pool    *pgxpool.Pool
	retrier *retry.Retrier

	mu     sync.RWMutex
	closed bool
}

// NewConnection creates a connection pool from a database URL.
// minConns/maxConns of zero fall back to defaults sized for a small fleet.
func NewConnection(ctx context.Context, databaseURL string, maxConns int32) (*Connection, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse database URL: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	} else if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 10
	}
	if poolConfig.MinConns == 0 {
		poolConfig.MinConns = 2
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	return &Connection{
		pool:    pool,
		retrier: retry.DatabaseRetrier(),
	}, nil
}

// Pool returns the underlying connection pool.
func (c *Connection) Pool() *pgxpool.Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

// Close closes the connection pool.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	c.pool.Close()
}

// Ping checks if the database connection is alive.
func (c *Connection) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnectionClosed
	}

	return c.pool.Ping(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERY HELPERS WITH TRANSIENT RETRY
// Every gateway operation runs through withRetry: transient driver errors are
// retried up to 3 times with 50-500ms backoff before surfacing as a
// platform.StoreError of kind Transient.
// ══════════════════════════════════════════════════════════════════════════════

// Querier is an interface that both *pgxpool.Pool and pgx.Tx implement.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// withRetry executes op, retrying transient pg errors.
func (c *Connection) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if isTransientPgError(err) {
			return retry.Retryable(err)
		}
		return retry.Permanent(err)
	})
}

// WithTx executes fn inside a read-write transaction with transient retry.
// fn may run more than once; it must be safe to replay.
func (c *Connection) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrConnectionClosed
	}
	c.mu.RUnlock()

	return c.withRetry(ctx, func(ctx context.Context) error {
		tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return err
		}

		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback(ctx)
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}

		return tx.Commit(ctx)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR CLASSIFICATION
// Maps pgx/pgconn errors onto the domain error taxonomy.
// ══════════════════════════════════════════════════════════════════════════════

// Postgres error classes (first two digits of SQLSTATE).
const (
	classConnectionError   = "08"
	classInsufficientRes   = "53"
	classOperatorIntervene = "57"
)

// IsUniqueViolation checks if the error is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// IsForeignKeyViolation checks if the error is a foreign key violation.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// IsNoRows checks if the error is a "no rows" error.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isTransientPgError reports whether the error is worth retrying: connection
// trouble, resource exhaustion, admin shutdown, serialization failures and
// timeouts.
func isTransientPgError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case classConnectionError, classInsufficientRes, classOperatorIntervene:
				return true
			}
		}
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	// Network-level failures arrive as plain errors from the driver.
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

// storeError converts a driver error into the domain taxonomy. op names the
// gateway operation for logging.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case IsNoRows(err):
		return platform.NewStoreError(op, platform.ErrNotFound, err)
	case IsUniqueViolation(err):
		return platform.NewStoreError(op, platform.ErrConflict, err)
	case isTransientPgError(err):
		return platform.NewStoreError(op, platform.ErrTransient, err)
	default:
		return platform.NewStoreError(op, platform.ErrFatal, err)
	}
}
