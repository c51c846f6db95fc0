package billing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// RUN LOCK - Serializes runs for the same key
// =============================================================================

// RunLocker grants exclusive access to a run key. TryLock never blocks: it
// returns ErrLockHeld when another holder has the key. Implementations:
// LocalLocker (one process), lock.RedisLocker, postgres.AdvisoryLocker.
type RunLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// RunKey identifies a billing run: one customer, one contract, one range.
func RunKey(b PeriodicBilling) string {
	return fmt.Sprintf("billing:run:%s:%s:%s:%s", b.Customer, b.Contract, FormatDate(b.DateFrom), FormatDate(b.DateTo))
}

// LocalLocker is an in-process RunLocker. TTL is ignored: a holder keeps
// the key until it releases it.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLockHeld
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
		return nil
	}, nil
}

// acquire retries TryLock with exponential backoff. After the last attempt
// it returns a ConcurrencyConflictError.
func acquire(ctx context.Context, locker RunLocker, key string, cfg Config, onRetry func(attempt int, wait time.Duration)) (func(context.Context) error, error) {
	attempts := cfg.LockRetries + 1
	wait := cfg.LockBackoff
	for attempt := 1; ; attempt++ {
		release, err := locker.TryLock(ctx, key, cfg.LockTTL)
		if err == nil {
			return release, nil
		}
		if !IsRetryable(err) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if attempt >= attempts {
			return nil, &ConcurrencyConflictError{Key: key, Attempts: attempt}
		}
		if onRetry != nil {
			onRetry(attempt, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait *= 2
	}
}
