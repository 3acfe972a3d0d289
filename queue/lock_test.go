package queue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"github.com/pasflow/pasflow/internal/testcontext"
)

func TestWithObjectLockSerializes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queues, _ := openTestQueues(t)

	var active, maxActive int64
	for i := 0; i < 4; i++ {
		ctx.Go(func() error {
			return queues.WithObjectLock(ctx, 1, func(ctx context.Context) error {
				current := atomic.AddInt64(&active, 1)
				for {
					seen := atomic.LoadInt64(&maxActive)
					if current <= seen || atomic.CompareAndSwapInt64(&maxActive, seen, current) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&active, -1)
				return nil
			})
		})
	}
	ctx.Wait()

	require.Equal(t, int64(1), atomic.LoadInt64(&maxActive))
}

func TestWithObjectLockDistinctObjectsDoNotBlock(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queues, _ := openTestQueues(t)

	err := queues.WithObjectLock(ctx, 1, func(ctx context.Context) error {
		// A different object's lock is free while we hold ours.
		return queues.WithObjectLock(ctx, 2, func(ctx context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
}

func TestWithWorkflowLockReleasesOnError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queues, server := openTestQueues(t)

	boom := errs.New("boom")
	err := queues.WithWorkflowLock(ctx, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The lock was released despite the error.
	require.False(t, server.Exists("pasflow:lock:workflow"))

	require.NoError(t, queues.WithWorkflowLock(ctx, func(ctx context.Context) error {
		return nil
	}))
}

func TestWithWorkflowLockHonorsCancellation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queues, server := openTestQueues(t)

	// Somebody else holds the lock.
	server.Set("pasflow:lock:workflow", "other-token")

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := queues.WithWorkflowLock(waitCtx, func(ctx context.Context) error {
		t.Fatal("lock should not have been acquired")
		return nil
	})
	require.Error(t, err)

	// The foreign lock is still held: waiting never releases it.
	value, getErr := server.Get("pasflow:lock:workflow")
	require.NoError(t, getErr)
	require.Equal(t, "other-token", value)
}
