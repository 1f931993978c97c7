package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"execution-core/pkg/kv"
)

func TestAcquireIsExclusive(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()

	first, err := m.Acquire(ctx, "reconciliation", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.Acquire(ctx, "reconciliation", time.Minute)
	require.NoError(t, err)
	require.Nil(t, second, "second caller must not get the same lock")

	// A different name is independent.
	other, err := m.Acquire(ctx, "kill_switch", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestAcquireNeverDoubleGrantsUnderConcurrency(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()

	const callers = 32
	var wg sync.WaitGroup
	granted := make(chan *Lock, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(ctx, "singleton", time.Minute)
			require.NoError(t, err)
			if l != nil {
				granted <- l
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	require.Equal(t, 1, count, "exactly one caller may win")
}

func TestLockExpiresWithoutRenewal(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()

	l, err := m.Acquire(ctx, "reconciliation", 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, l)

	time.Sleep(40 * time.Millisecond)

	taken, err := m.Acquire(ctx, "reconciliation", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, taken, "expired lock must be acquirable by a new caller")
}

func TestRenewExtendsTTL(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()

	l, err := m.Acquire(ctx, "reconciliation", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, l)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Renew(ctx, l))
	time.Sleep(30 * time.Millisecond)

	// Past the original deadline but inside the renewed one.
	blocked, err := m.Acquire(ctx, "reconciliation", time.Minute)
	require.NoError(t, err)
	require.Nil(t, blocked)
}

func TestRenewAfterTakeoverFails(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()

	l, err := m.Acquire(ctx, "reconciliation", 20*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	other, err := m.Acquire(ctx, "reconciliation", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other)

	require.ErrorIs(t, m.Renew(ctx, l), ErrNotHeld)
}

func TestReleaseIsIdempotentAndOwnerSafe(t *testing.T) {
	m := NewManager(kv.NewMemoryStore())
	ctx := context.Background()

	l, err := m.Acquire(ctx, "reconciliation", 20*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, l))
	require.NoError(t, m.Release(ctx, l)) // double release is fine
	require.NoError(t, m.Release(ctx, nil))

	// Stale release must not free a lock someone else now holds.
	l2, err := m.Acquire(ctx, "reconciliation", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, l2)

	require.NoError(t, m.Release(ctx, l))

	blocked, err := m.Acquire(ctx, "reconciliation", time.Minute)
	require.NoError(t, err)
	require.Nil(t, blocked, "stale release must not clear the new owner's lock")
}
