// Package lock defines the keyed mutual exclusion used by the reservation
// coordinator. A key is usually a slot key (doctor, date, time) or a
// patient-day key; unrelated keys never contend.
package lock

import (
	"context"
	"errors"
	"sort"
)

// ErrNotAcquired is returned when a key stays held by someone else for longer
// than the locker's bounded wait, or the caller's context ends first.
var ErrNotAcquired = errors.New("slot lock not acquired")

// Locker guards a critical section over a set of keys. All keys are held for
// the whole duration of fn. Implementations acquire keys in a canonical order
// so two callers locking overlapping sets cannot deadlock.
type Locker interface {
	WithSlotLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// Canonical returns the keys sorted with duplicates and empty keys removed.
func Canonical(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
