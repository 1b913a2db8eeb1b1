package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-reservation/internal/lock"
)

const defaultPollInterval = 20 * time.Millisecond

type redisSlotLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// NewRedisSlotLocker creates a locker that uses one Redis key per lock key.
// ttl bounds how long a crashed holder can keep a key; wait bounds how long a
// caller polls for a contended key before giving up.
func NewRedisSlotLocker(client *redis.Client, ttl, wait time.Duration) lock.Locker {
	return &redisSlotLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		poll:   defaultPollInterval,
	}
}

func (l *redisSlotLocker) WithSlotLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return lock.ErrNotAcquired
	}

	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	defer func() {
		// release even when the caller's context is already gone
		relCtx := context.WithoutCancel(ctx)
		for _, key := range held {
			_ = l.release(relCtx, key, token)
		}
	}()

	var firstAcquired time.Time
	deadline := time.Now().Add(l.wait)
	for _, k := range lock.Canonical(keys) {
		key := "lock:" + k
		setAt, err := l.acquire(ctx, key, token, deadline)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			firstAcquired = setAt
		}
		held = append(held, key)
	}

	// The earliest key expires first; fn must be done before it does.
	ctxWithDeadline, cancel := context.WithDeadline(ctx, firstAcquired.Add(l.ttl))
	defer cancel()

	return fn(ctxWithDeadline)
}

// acquire polls SetNX until it wins or deadline passes. It returns the time
// of the winning attempt, taken before the command was sent, so the key's
// expiry is never later than that time plus ttl.
func (l *redisSlotLocker) acquire(ctx context.Context, key, token string, deadline time.Time) (time.Time, error) {
	for {
		sentAt := time.Now()
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return time.Time{}, lock.ErrNotAcquired
			}
			return time.Time{}, fmt.Errorf("acquire slot lock: %w", err)
		}
		if ok {
			return sentAt, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Time{}, lock.ErrNotAcquired
		}
		sleep := l.poll
		if sleep > remaining {
			sleep = remaining
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return time.Time{}, lock.ErrNotAcquired
		case <-t.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisSlotLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}
