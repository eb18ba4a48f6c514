// Package admission gates run starts: per-definition concurrency slots and
// fixed-window throttles. Both defer work rather than drop it; a rejected
// event is rescheduled, never lost.
package admission

import (
	"context"
	"time"
)

// Controller combines slot and throttle admission. The memory implementation
// serves tests and single-process deployments; the Redis implementation
// coordinates slots across processes.
type Controller interface {
	// Acquire claims a concurrency slot for runID under the definition's
	// limit. Slots carry a TTL lease: a crashed executor's slot expires
	// rather than leaking capacity. Returns false when the limit is
	// reached; the caller defers the event.
	Acquire(ctx context.Context, functionID, runID string, limit int, ttl time.Duration) (bool, error)

	// Renew extends a held slot's lease. Long-running executors renew on
	// every state change.
	Renew(ctx context.Context, functionID, runID string, ttl time.Duration) error

	// Release frees the slot. Idempotent; releasing an expired or unknown
	// slot is a no-op.
	Release(ctx context.Context, functionID, runID string) error

	// ThrottleAllow admits one run start under a fixed window of limit per
	// period, partitioned by key. When the window is full it returns
	// false and how long until the window resets.
	ThrottleAllow(ctx context.Context, functionID, key string, limit int, period time.Duration) (bool, time.Duration, error)
}
