package billing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus_Transitions(t *testing.T) {
	allowed := map[RunStatus][]RunStatus{
		RunPending:      {RunComputing},
		RunComputing:    {RunMaterialized, RunFailed},
		RunMaterialized: {RunCommitted, RunFailed},
	}
	all := []RunStatus{RunPending, RunComputing, RunMaterialized, RunCommitted, RunFailed}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	assert.True(t, RunCommitted.IsTerminal())
	assert.False(t, RunMaterialized.IsTerminal())
}

func TestRun_TransitionError(t *testing.T) {
	r := Run{Status: RunPending}
	require.NoError(t, r.Transition(RunComputing))

	err := r.Transition(RunCommitted)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, RunComputing, te.From)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, RunComputing, r.Status)
}

func TestRunKey(t *testing.T) {
	b := PeriodicBilling{ID: "pb", Customer: "acme", Contract: "ct-1", DateFrom: Date(2025, 3, 1), DateTo: Date(2025, 4, 1)}
	assert.Equal(t, "billing:run:acme:ct-1:2025-03-01:2025-04-01", RunKey(b))
}

// flakyLocker is held for the first n attempts.
type flakyLocker struct {
	held  int32
	calls int32
}

func (f *flakyLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, error) {
	if atomic.AddInt32(&f.calls, 1) <= f.held {
		return nil, ErrLockHeld
	}
	return func(context.Context) error { return nil }, nil
}

func TestAcquire_RetriesWithBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockRetries = 3
	cfg.LockBackoff = time.Millisecond

	var waits []time.Duration
	release, err := acquire(context.Background(), &flakyLocker{held: 2}, "k", cfg, func(_ int, wait time.Duration) {
		waits = append(waits, wait)
	})

	require.NoError(t, err)
	require.NotNil(t, release)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestAcquire_GivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockRetries = 1
	cfg.LockBackoff = time.Millisecond

	_, err := acquire(context.Background(), &flakyLocker{held: 10}, "k", cfg, nil)

	var conflict *ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.Attempts)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestAcquire_StopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockBackoff = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := acquire(ctx, &flakyLocker{held: 10}, "k", cfg, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	release, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	_, err = l.TryLock(ctx, "other", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, release(ctx))
	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.NoError(t, err)
}
