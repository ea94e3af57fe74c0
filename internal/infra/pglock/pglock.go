// Package pglock implements operation locks with Postgres session advisory
// locks over a pgx connection pool.
package pglock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("pglock")

const (
	tryLockSQL = `SELECT pg_try_advisory_lock(hashtext($1))`
	unlockSQL  = `SELECT pg_advisory_unlock(hashtext($1))`
)

// Locker holds one pooled connection per acquired key. Advisory locks are
// session scoped, so the connection is kept until release.
type Locker struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect opens a pool for databaseURL and verifies it answers.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// New creates a Locker on an existing pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Locker {
	return &Locker{pool: pool, logger: logger}
}

// Acquire takes the advisory lock for key without waiting. The lock is
// released by the returned func or, at the latest, after ttl.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	ctx, span := tracer.Start(ctx, "PgLock.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key))

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "postgres", Err: err}
	}

	var locked bool
	if err := conn.QueryRow(ctx, tryLockSQL, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, &domain.ErrExternalService{Service: "postgres", Err: err}
	}
	if !locked {
		conn.Release()
		return nil, domain.ErrLockHeld
	}

	var (
		once       sync.Once
		releaseErr error
		done       = make(chan struct{})
	)
	release := func(ctx context.Context) error {
		once.Do(func() {
			close(done)
			var unlocked bool
			if err := conn.QueryRow(ctx, unlockSQL, key).Scan(&unlocked); err != nil {
				releaseErr = err
				l.logger.Warn("advisory unlock failed, closing session", zap.String("lock_key", key), zap.Error(err))
				// The session may still hold the lock; it must not go back to the pool.
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := conn.Hijack().Close(closeCtx); err != nil {
					l.logger.Warn("closing lock session failed", zap.String("lock_key", key), zap.Error(err))
				}
				return
			}
			conn.Release()
			if !unlocked {
				l.logger.Warn("advisory lock was not held at release", zap.String("lock_key", key))
			}
		})
		return releaseErr
	}

	if ttl > 0 {
		go func() {
			select {
			case <-done:
			case <-time.After(ttl):
				l.logger.Warn("advisory lock expired before release", zap.String("lock_key", key))
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = release(ctx)
			}
		}()
	}

	l.logger.Debug("advisory lock acquired", zap.String("lock_key", key))
	return release, nil
}
