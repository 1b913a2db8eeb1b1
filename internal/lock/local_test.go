package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsAndDedupes(t *testing.T) {
	got := Canonical([]string{"slot:b", "", "patient:a", "slot:b"})
	assert.Equal(t, []string{"patient:a", "slot:b"}, got)
}

func TestLocalLockerSerializesSameKey(t *testing.T) {
	l := NewLocalLocker(2 * time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithSlotLock(ctx, []string{"slot:d1:2024-06-01:09:00"}, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, l.size())
}

func TestLocalLockerFailsFastWhenHeld(t *testing.T) {
	l := NewLocalLocker(30 * time.Millisecond)
	ctx := context.Background()

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = l.WithSlotLock(ctx, []string{"slot:x"}, func(context.Context) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	start := time.Now()
	called := false
	err := l.WithSlotLock(ctx, []string{"slot:x"}, func(context.Context) error {
		called = true
		return nil
	})
	close(done)

	require.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, called)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLocalLockerDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	err := l.WithSlotLock(ctx, []string{"slot:a"}, func(ctx context.Context) error {
		return l.WithSlotLock(ctx, []string{"slot:b"}, func(context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
}

func TestLocalLockerCancelledContextIsNoop(t *testing.T) {
	l := NewLocalLocker(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := l.WithSlotLock(ctx, []string{"slot:a"}, func(context.Context) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, called)
	assert.Zero(t, l.size())
}

func TestLocalLockerReleasesPartialAcquisition(t *testing.T) {
	l := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = l.WithSlotLock(ctx, []string{"slot:b"}, func(context.Context) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	err := l.WithSlotLock(ctx, []string{"slot:a", "slot:b"}, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrNotAcquired)

	// slot:a must have been released after slot:b timed out.
	err = l.WithSlotLock(ctx, []string{"slot:a"}, func(context.Context) error { return nil })
	require.NoError(t, err)
	close(done)
}

func TestLocalLockerWaitIsSharedAcrossKeys(t *testing.T) {
	l := NewLocalLocker(200 * time.Millisecond)
	ctx := context.Background()

	hold := func(key string, d time.Duration) <-chan struct{} {
		started := make(chan struct{})
		go func() {
			_ = l.WithSlotLock(ctx, []string{key}, func(context.Context) error {
				close(started)
				time.Sleep(d)
				return nil
			})
		}()
		return started
	}
	<-hold("slot:a", 160*time.Millisecond)
	<-hold("slot:b", time.Second)

	start := time.Now()
	err := l.WithSlotLock(ctx, []string{"slot:a", "slot:b"}, func(context.Context) error { return nil })
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrNotAcquired)
	assert.Less(t, elapsed, 300*time.Millisecond)
}
