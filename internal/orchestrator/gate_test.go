package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateStartsOpen(t *testing.T) {
	t.Parallel()

	g := newGate()
	require.NoError(t, g.Wait(context.Background()))
}

func TestPausedGateBlocksUntilResume(t *testing.T) {
	t.Parallel()

	g := newGate()
	g.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	g.Resume()
	require.NoError(t, g.Wait(context.Background()))
}

func TestResumeReleasesAllWaiters(t *testing.T) {
	t.Parallel()

	g := newGate()
	g.Pause()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = g.Wait(context.Background())
		}()
	}

	time.Sleep(20 * time.Millisecond)
	g.Resume()
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestWaitReturnsOnCanceledContext(t *testing.T) {
	t.Parallel()

	g := newGate()
	g.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, g.Wait(ctx), context.Canceled)
}

func TestPauseAndResumeAreIdempotent(t *testing.T) {
	t.Parallel()

	g := newGate()
	g.Pause()
	g.Pause()
	g.Resume()
	g.Resume()
	require.NoError(t, g.Wait(context.Background()))
}
