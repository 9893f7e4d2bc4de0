// Package lock provides attempt-and-fail-fast run locks keyed by deploy target.
package lock

import (
	"context"
	"errors"
)

// ErrLocked is returned when the key is already held.
var ErrLocked = errors.New("lock: already held")

// Release gives a held lock back. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker acquires exclusive ownership of a key without waiting.
type Locker interface {
	TryLock(ctx context.Context, key string) (Release, error)
}
