package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuotaGate_TryAcquireUpToCapacity(t *testing.T) {
	g := newQuotaGate(2)
	require.True(t, g.tryAcquire())
	require.True(t, g.tryAcquire())
	require.False(t, g.tryAcquire())
	require.Equal(t, 2, g.InUse())

	g.release()
	require.Equal(t, 1, g.InUse())
	require.True(t, g.tryAcquire())
}

func TestQuotaGate_ZeroCapacityNeverGrants(t *testing.T) {
	g := newQuotaGate(0)
	require.False(t, g.tryAcquire())
	require.Zero(t, g.Capacity())
}

func TestQuotaGate_AcquireBlocksUntilRelease(t *testing.T) {
	g := newQuotaGate(1)
	require.NoError(t, g.acquire(context.Background()))

	granted := make(chan error, 1)
	go func() { granted <- g.acquire(context.Background()) }()

	select {
	case <-granted:
		t.Fatal("acquire granted past capacity")
	case <-time.After(50 * time.Millisecond):
	}

	g.release()
	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never granted")
	}
	require.Equal(t, 1, g.InUse())
}

func TestQuotaGate_WaitersGrantedInFIFOOrder(t *testing.T) {
	g := newQuotaGate(1)
	require.NoError(t, g.acquire(context.Background()))

	order := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			if g.acquire(context.Background()) == nil {
				order <- i
			}
		}()
		// Serialize goroutine entry so the waiter list order is deterministic.
		require.Eventually(t, func() bool {
			g.mu.Lock()
			defer g.mu.Unlock()
			return len(g.waiters) == i
		}, time.Second, time.Millisecond)
	}

	for want := 1; want <= 3; want++ {
		g.release()
		select {
		case got := <-order:
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never granted", want)
		}
	}
}

func TestQuotaGate_CancelledWaiterIsRemoved(t *testing.T) {
	g := newQuotaGate(1)
	require.NoError(t, g.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.acquire(ctx) }()

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.waiters) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The abandoned waiter must not consume the released slot.
	g.release()
	require.True(t, g.tryAcquire())
}
