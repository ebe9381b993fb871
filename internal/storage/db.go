package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/domain"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateClosed
)

var errNotConnected = stderrors.New("database is not connected")

var _ domain.CacheStatus = (*DB)(nil)

// Options configure the cache database connection.
type Options struct {
	MaxConns       int32
	ConnectRetries int
	RetryBackoff   time.Duration
	Logger         *zap.Logger
}

func (o *Options) fill() {
	if o.MaxConns <= 0 {
		o.MaxConns = 8
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
}

// DB is the Postgres-compatible event cache behind Sink.
type DB struct {
	Pool *pgxpool.Pool
	log  *zap.Logger

	stateMu sync.RWMutex
	state   DBState
}

func poolConfig(uri string, opts Options) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, errors.ConfigurationError("sink.database_url", err.Error())
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second
	return cfg, nil
}

// Open connects to the cache database with retries and exponential backoff.
func Open(ctx context.Context, uri string, opts Options) (*DB, error) {
	opts.fill()
	db := &DB{
		log:   logger.OrNew(opts.Logger, "storage"),
		state: DBStateConnecting,
	}

	cfg, err := poolConfig(uri, opts)
	if err != nil {
		return nil, err
	}

	backoff := opts.RetryBackoff
	for attempt := 1; attempt <= opts.ConnectRetries; attempt++ {
		var pool *pgxpool.Pool
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				db.Pool = pool
				db.setState(DBStateConnected)
				db.log.Info("Event cache database connected",
					zap.Int("attempts", attempt),
					zap.Int32("max_connections", cfg.MaxConns))
				metrics.DBConnections.WithLabelValues("success").Inc()
				return db, nil
			}
			pool.Close()
		}

		metrics.DBConnections.WithLabelValues("failure").Inc()
		if attempt == opts.ConnectRetries {
			break
		}
		db.log.Warn("Failed to connect to event cache database, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, errors.ExternalServiceError("event cache", "connect", ctx.Err())
		}
		backoff *= 2
	}

	db.setState(DBStateClosed)
	return nil, errors.ExternalServiceError("event cache", "connect", err).
		WithDetails(fmt.Sprintf("gave up after %d attempts: %v", opts.ConnectRetries, err))
}

// Close closes the connection pool. It is safe to call more than once.
func (db *DB) Close() error {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	if db.state == DBStateClosed {
		return nil
	}
	db.state = DBStateClosed
	if db.Pool == nil {
		return stderrors.New("database pool is nil")
	}
	db.Pool.Close()
	db.log.Debug("Event cache database closed")
	return nil
}

// Ping checks database connectivity
func (db *DB) Ping(ctx context.Context) error {
	if !db.isConnected() {
		return errNotConnected
	}
	return db.Pool.Ping(ctx)
}

// Stats returns connection pool statistics
func (db *DB) Stats() domain.CacheStats {
	if db.Pool == nil {
		return domain.CacheStats{}
	}
	stat := db.Pool.Stat()
	return domain.CacheStats{
		TotalConnections:    stat.TotalConns(),
		AcquiredConnections: stat.AcquiredConns(),
		IdleConnections:     stat.IdleConns(),
		MaxConnections:      stat.MaxConns(),
	}
}

// ExecuteBatch runs batch inside one transaction.
func (db *DB) ExecuteBatch(ctx context.Context, batch *pgx.Batch) error {
	if !db.isConnected() {
		return errNotConnected
	}

	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

// ExecuteCommand handles INSERT, UPDATE, DELETE commands
func (db *DB) ExecuteCommand(ctx context.Context, query string, args ...any) error {
	if !db.isConnected() {
		return errNotConnected
	}
	_, err := db.Pool.Exec(ctx, query, args...)
	return err
}

func (db *DB) setState(s DBState) {
	db.stateMu.Lock()
	db.state = s
	db.stateMu.Unlock()
}

func (db *DB) isConnected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}

// executeWithRetry retries f on serialization failures, deadlocks and
// statement timeouts.
func executeWithRetry(ctx context.Context, retries int, f func(context.Context) error) error {
	var lastErr error
	for i := 0; i < retries; i++ {
		err := f(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		logger.FromContext(ctx).Debug("Retrying event cache write",
			zap.Int("attempt", i+1),
			zap.Error(err))

		select {
		case <-time.After(time.Duration(1<<i) * 100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("operation failed after %d retries: %w", retries, lastErr)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57014": // serialization_failure, deadlock_detected, query_canceled
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "statement timeout") || strings.Contains(msg, "deadlock")
}
