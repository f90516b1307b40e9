package locker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runengine/internal/locker"
)

func setupLocker(t *testing.T, opts ...locker.Option) (*locker.Locker, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return locker.New(client, opts...), mr
}

func TestWithLockMutualExclusion(t *testing.T) {
	l, _ := setupLocker(t)
	ctx := context.Background()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, []string{"run-1"}, 10*time.Second, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&maxInside) {
					atomic.StoreInt32(&maxInside, n)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), maxInside, "two lock bodies ran concurrently for the same run id")
}

func TestWithLockReentrant(t *testing.T) {
	l, _ := setupLocker(t, locker.WithAcquireTimeout(500*time.Millisecond))
	ctx := context.Background()

	var innerRan bool
	err := l.WithLock(ctx, []string{"run-1"}, 10*time.Second, func(ctx context.Context) error {
		assert.True(t, locker.IsHeld(ctx, "run-1"))

		// Nested call on the same id must not re-acquire or deadlock
		return l.WithLock(ctx, []string{"run-1"}, 10*time.Second, func(ctx context.Context) error {
			innerRan = true
			return nil
		})
	})

	require.NoError(t, err)
	assert.True(t, innerRan)
}

func TestWithLockPartialReentrancy(t *testing.T) {
	l, _ := setupLocker(t)
	ctx := context.Background()

	err := l.WithLock(ctx, []string{"run-1"}, 10*time.Second, func(ctx context.Context) error {
		// Locks a superset: run-1 is held, run-2 is fresh
		return l.WithLock(ctx, []string{"run-2", "run-1"}, 10*time.Second, func(ctx context.Context) error {
			assert.True(t, locker.IsHeld(ctx, "run-1"))
			assert.True(t, locker.IsHeld(ctx, "run-2"))
			return nil
		})
	})
	require.NoError(t, err)
}

func TestWithLockTimeout(t *testing.T) {
	l, _ := setupLocker(t, locker.WithAcquireTimeout(100*time.Millisecond))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = l.WithLock(ctx, []string{"run-1"}, 10*time.Second, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	err := l.WithLock(ctx, []string{"run-1"}, 10*time.Second, func(ctx context.Context) error {
		t.Fatal("lock body must not run while the lock is held elsewhere")
		return nil
	})
	assert.ErrorIs(t, err, locker.ErrLockTimeout)

	close(release)
	<-done
}

func TestWithLockReleasedOnError(t *testing.T) {
	l, _ := setupLocker(t, locker.WithAcquireTimeout(200*time.Millisecond))
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := l.WithLock(ctx, []string{"run-1"}, 10*time.Second, func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The lock must have been released despite the error
	err = l.WithLock(ctx, []string{"run-1"}, 10*time.Second, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestWithLockExpiredLockIsReacquirable(t *testing.T) {
	l, mr := setupLocker(t, locker.WithAcquireTimeout(200*time.Millisecond))
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = l.WithLock(ctx, []string{"run-1"}, 500*time.Millisecond, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	// Simulate a crashed holder by letting the TTL lapse
	mr.FastForward(time.Second)

	err := l.WithLock(ctx, []string{"run-1"}, 10*time.Second, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)

	close(release)
	<-done
}

func TestWithLockMultipleIDs(t *testing.T) {
	l, _ := setupLocker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var count int32

	// Opposite orderings of the same id set must not deadlock because ids
	// are acquired in sorted order
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, []string{"run-a", "run-b"}, 10*time.Second, func(ctx context.Context) error {
				atomic.AddInt32(&count, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, []string{"run-b", "run-a"}, 10*time.Second, func(ctx context.Context) error {
				atomic.AddInt32(&count, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(10), count)
}

func TestExtend(t *testing.T) {
	l, _ := setupLocker(t)
	ctx := context.Background()

	err := l.WithLock(ctx, []string{"run-1"}, time.Second, func(ctx context.Context) error {
		return l.Extend(ctx, "run-1", 30*time.Second)
	})
	assert.NoError(t, err)

	// Extending outside a lock context is an error
	assert.Error(t, l.Extend(ctx, "run-1", time.Second))
}
