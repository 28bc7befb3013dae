package database

import (
	"context"
	"time"

	"github.com/ReadySet1/destino-sf-sub000/internal/metrics"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const defaultRetryAttempts = 3

// RetryDB wraps a gorm handle with retry-on-transient-error semantics.
// It holds no lock; concurrent callers retry independently.
type RetryDB struct {
	db          *gorm.DB
	maxAttempts int
	idleConns   int
	baseDelay   time.Duration
	reset       func(ctx context.Context) error
	sleep       func(ctx context.Context, d time.Duration) error
	collector   *metrics.Metrics
}

// RetryOption customises a RetryDB
type RetryOption func(*RetryDB)

// WithBaseDelay overrides the 1s backoff unit
func WithBaseDelay(d time.Duration) RetryOption {
	return func(r *RetryDB) { r.baseDelay = d }
}

// WithSleep overrides how the adapter waits between attempts
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *RetryDB) { r.sleep = sleep }
}

// WithResetter overrides how the adapter resets the connection pool
func WithResetter(reset func(ctx context.Context) error) RetryOption {
	return func(r *RetryDB) { r.reset = reset }
}

// WithIdleConns sets the idle pool size restored after a reset
func WithIdleConns(n int) RetryOption {
	return func(r *RetryDB) { r.idleConns = n }
}

// WithMetrics reports retries to the collector
func WithMetrics(collector *metrics.Metrics) RetryOption {
	return func(r *RetryDB) { r.collector = collector }
}

// NewRetryDB creates the resilient persistence adapter
func NewRetryDB(db *gorm.DB, maxAttempts int, opts ...RetryOption) *RetryDB {
	if maxAttempts <= 0 {
		maxAttempts = defaultRetryAttempts
	}
	r := &RetryDB{
		db:          db,
		maxAttempts: maxAttempts,
		idleConns:   2,
		baseDelay:   time.Second,
		sleep:       Sleep,
	}
	r.reset = r.resetPool
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DB returns the wrapped handle
func (r *RetryDB) DB() *gorm.DB {
	return r.db
}

// ExecuteWithRetry runs op, retrying transient failures with a 2^attempt * base
// delay and a pool reset in between. Non-transient errors and the last
// transient error are returned unchanged. maxAttempts <= 0 uses the default.
func (r *RetryDB) ExecuteWithRetry(ctx context.Context, label string, maxAttempts int, op func(tx *gorm.DB) error) error {
	if maxAttempts <= 0 {
		maxAttempts = r.maxAttempts
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = op(r.db.WithContext(ctx))
		if err == nil {
			if attempt > 1 {
				log.Info().Str("operation", label).Int("attempt", attempt).Msg("Database operation recovered after retry")
			}
			return nil
		}

		if !IsTransient(err) || attempt == maxAttempts || ctx.Err() != nil {
			if attempt > 1 {
				log.Error().Err(err).Str("operation", label).Int("attempts", attempt).Msg("Database operation failed after retries")
			}
			return err
		}

		delay := time.Duration(1<<uint(attempt)) * r.baseDelay
		log.Warn().
			Err(err).
			Str("operation", label).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", delay).
			Msg("Transient database error, resetting connection and retrying")

		if r.collector != nil {
			r.collector.IncrementCounter("db_retries")
		}

		if resetErr := r.reset(ctx); resetErr != nil {
			log.Warn().Err(resetErr).Str("operation", label).Msg("Connection reset failed")
		}

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}

	return err
}

// resetPool drops idle connections so the next attempt dials fresh ones
func (r *RetryDB) resetPool(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxIdleConns(0)
	sqlDB.SetMaxIdleConns(r.idleConns)
	return sqlDB.PingContext(ctx)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
