// Package redisstore provides a Redis-backed admission.Controller so
// concurrency slots and throttle windows hold across processes.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript atomically expires stale leases, checks capacity, and claims
// the slot. Slots live in a sorted set scored by lease expiry (unix millis);
// re-acquiring a held slot renews the lease without consuming capacity.
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZSCORE', KEYS[1], ARGV[4]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
	return 1
end
local limit = tonumber(ARGV[3])
if limit > 0 and redis.call('ZCARD', KEYS[1]) >= limit then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
return 1
`)

// throttleScript counts one start in the fixed window, setting the window
// key's expiry on first use. Returns the count after increment.
var throttleScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// Controller implements admission.Controller on Redis.
type Controller struct {
	client redis.UniversalClient
	prefix string

	now func() time.Time
}

// New creates a Redis admission controller.
func New(client redis.UniversalClient) *Controller {
	return &Controller{
		client: client,
		prefix: "chorus",
		now:    time.Now,
	}
}

// WithClock overrides the controller's clock. For tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

func (c *Controller) slotsKey(functionID string) string {
	return fmt.Sprintf("%s:slots:{%s}", c.prefix, functionID)
}

// Acquire claims a concurrency slot with a TTL lease.
func (c *Controller) Acquire(ctx context.Context, functionID, runID string, limit int, ttl time.Duration) (bool, error) {
	now := c.now()
	res, err := acquireScript.Run(ctx, c.client,
		[]string{c.slotsKey(functionID)},
		now.UnixMilli(), now.Add(ttl).UnixMilli(), limit, runID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redisstore: acquire slot: %w", err)
	}
	return res == 1, nil
}

// Renew extends the lease on a held slot. An expired slot is simply re-added;
// capacity contention on renewal would fail a run that is mid-flight.
func (c *Controller) Renew(ctx context.Context, functionID, runID string, ttl time.Duration) error {
	expiry := float64(c.now().Add(ttl).UnixMilli())
	if err := c.client.ZAdd(ctx, c.slotsKey(functionID), redis.Z{
		Score:  expiry,
		Member: runID,
	}).Err(); err != nil {
		return fmt.Errorf("redisstore: renew slot: %w", err)
	}
	return nil
}

// Release frees the slot.
func (c *Controller) Release(ctx context.Context, functionID, runID string) error {
	if err := c.client.ZRem(ctx, c.slotsKey(functionID), runID).Err(); err != nil {
		return fmt.Errorf("redisstore: release slot: %w", err)
	}
	return nil
}

// ThrottleAllow admits one start under a fixed window of limit per period.
func (c *Controller) ThrottleAllow(ctx context.Context, functionID, key string, limit int, period time.Duration) (bool, time.Duration, error) {
	now := c.now()
	start := now.Truncate(period)
	windowKey := fmt.Sprintf("%s:throttle:{%s}:%s:%d", c.prefix, functionID, key, start.UnixMilli())

	count, err := throttleScript.Run(ctx, c.client,
		[]string{windowKey}, period.Milliseconds(),
	).Int()
	if err != nil {
		return false, 0, fmt.Errorf("redisstore: throttle count: %w", err)
	}
	if count > limit {
		return false, start.Add(period).Sub(now), nil
	}
	return true, 0, nil
}
