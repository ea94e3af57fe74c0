package supabase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petgourmet/storefront-api/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================
// operation_locks — best-effort row lock via PostgREST
// ============================================================

// TableLocker implements port.Locker on the operation_locks table. The
// unique index on lock_key makes a concurrent insert fail with 409.
type TableLocker struct {
	client *Client
}

// NewTableLocker creates a locker backed by the given client.
func NewTableLocker(client *Client) *TableLocker {
	return &TableLocker{client: client}
}

func (l *TableLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	ctx, span := tracer.Start(ctx, "Supabase.AcquireLock")
	defer span.End()

	c := l.client
	now := c.now().UTC()

	// Stale locks from crashed holders.
	expired := fmt.Sprintf("operation_locks?lock_key=%s&expires_at=lt.%s", eq(key), now.Format(time.RFC3339))
	if err := c.doDelete(ctx, expired); err != nil {
		return nil, fmt.Errorf("clear expired lock: %w", err)
	}

	owner := uuid.NewString()
	row := map[string]any{
		"lock_key":   key,
		"owner":      owner,
		"expires_at": now.Add(ttl).Format(time.RFC3339),
	}
	if _, err := c.doPost(ctx, "operation_locks", row); err != nil {
		var dup *domain.ErrDuplicate
		if errors.As(err, &dup) {
			return nil, domain.ErrLockHeld
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	c.logger.Debug("lock acquired", zap.String("lock_key", key), zap.String("owner", owner))

	release := func(ctx context.Context) error {
		path := fmt.Sprintf("operation_locks?lock_key=%s&owner=%s", eq(key), eq(owner))
		if err := c.doDelete(ctx, path); err != nil {
			c.logger.Warn("lock release failed", zap.String("lock_key", key), zap.Error(err))
			return err
		}
		return nil
	}
	return release, nil
}
