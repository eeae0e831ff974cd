package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weirlabs/weir/errs"
)

func TestPoolSubmitAndShutdown(t *testing.T) {
	pool, err := NewPool(2, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var count atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(ctx, func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	require.Eventually(t, func() bool { return count.Load() == 4 }, time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
	require.Equal(t, int32(4), count.Load())
}

func TestPoolRejectsInvalidWorkers(t *testing.T) {
	_, err := NewPool(0, 4)
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestPoolContextCancellation(t *testing.T) {
	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = pool.Submit(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestPoolBackpressure(t *testing.T) {
	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	defer pool.Close()

	release := make(chan struct{})
	ctx := context.Background()
	blocking := func(context.Context) error {
		<-release
		return nil
	}
	// Unbuffered queue: the send only succeeds once the worker is at its receive.
	require.Eventually(t, func() bool {
		return pool.Submit(ctx, blocking) == nil
	}, time.Second, 5*time.Millisecond)

	// The single worker is busy and the queue has no slack.
	require.Eventually(t, func() bool {
		err := pool.Submit(ctx, func(context.Context) error { return nil })
		return err != nil && errs.HasCode(err, errs.CodeUnavailable)
	}, time.Second, 5*time.Millisecond)
	close(release)
}

// Submits racing Close must either be accepted and executed or rejected with
// an error. A close while a send is in flight must never panic the submitter.
func TestPoolSubmitRacingCloseNeverPanics(t *testing.T) {
	const iterations = 50

	for i := 0; i < iterations; i++ {
		pool, err := NewPool(2, 8)
		require.NoError(t, err)

		var executed atomic.Int32
		var accepted atomic.Int32
		var wg sync.WaitGroup
		for s := 0; s < 4; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					err := pool.Submit(context.Background(), func(context.Context) error {
						executed.Add(1)
						return nil
					})
					if err == nil {
						accepted.Add(1)
					}
				}
			}()
		}
		pool.Close()
		wg.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, pool.Shutdown(shutdownCtx))
		cancel()
		require.Equal(t, accepted.Load(), executed.Load())
	}
}

func TestPoolSubmitAfterCloseIsRejected(t *testing.T) {
	pool, err := NewPool(1, 1)
	require.NoError(t, err)
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
}
