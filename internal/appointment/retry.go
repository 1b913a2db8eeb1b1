package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hackgods/clinic-reservation/internal/lock"
)

func slotBackOff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 40 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// runLocked resolves the lock keys, holds them while fn runs and retries
// slot busy with jittered backoff. keys is re-evaluated on every attempt
// because the record may have moved while we waited.
func (s *Service) runLocked(
	ctx context.Context,
	op string,
	keys func(ctx context.Context) ([]string, error),
	fn func(ctx context.Context) error,
) error {
	attempt := func() error {
		ks, err := keys(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		started := time.Now()
		err = s.locker.WithSlotLock(ctx, ks, func(lockCtx context.Context) error {
			s.metrics.observeLockWait(op, time.Since(started))
			return fn(lockCtx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, lock.ErrNotAcquired), errors.Is(err, errSlotMoved):
			s.logger.Debug().Str("op", op).Strs("keys", ks).Msg("slot busy, backing off")
			return ErrSlotBusy
		default:
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(attempt, slotBackOff(ctx, s.retries))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
