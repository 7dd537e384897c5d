package ports

import (
	"context"
	"time"
)

// LockoutState is the current throttle envelope for a machine identity.
// It is cache-backed to avoid hot writes on every failed key attempt.
type LockoutState struct {
	FailedCount int
	LockedUntil *time.Time
}

// LockoutStore handles short-lived brute-force protection state for
// repeated invalid-key activation attempts.
type LockoutStore interface {
	Get(ctx context.Context, key string) (LockoutState, error)
	RecordFailure(ctx context.Context, key string, now time.Time, threshold int, lockoutWindow time.Duration) (LockoutState, error)
	Clear(ctx context.Context, key string) error
}
