package lock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// LocalLocker is an in-process lock table. It is enough for a single api-server
// instance; multi-instance deployments use the Redis locker instead.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*entry
	wait    time.Duration
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{
		entries: make(map[string]*entry),
		wait:    wait,
	}
}

func (l *LocalLocker) WithSlotLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return ErrNotAcquired
	}

	keys = Canonical(keys)
	held := make([]string, 0, len(keys))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}()

	// one bounded wait covers every key
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	for _, key := range keys {
		if err := l.acquire(waitCtx, key); err != nil {
			return err
		}
		held = append(held, key)
	}

	return fn(ctx)
}

func (l *LocalLocker) acquire(waitCtx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(waitCtx, 1); err != nil {
		l.drop(key, e)
		return ErrNotAcquired
	}
	return nil
}

func (l *LocalLocker) release(key string) {
	l.mu.Lock()
	e := l.entries[key]
	l.mu.Unlock()
	if e == nil {
		return
	}
	e.sem.Release(1)
	l.drop(key, e)
}

func (l *LocalLocker) drop(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size reports how many keys currently have holders or waiters.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
