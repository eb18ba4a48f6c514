// Package memory provides an in-memory admission.Controller for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"
)

// Controller implements admission.Controller with mutex-guarded maps.
type Controller struct {
	mu      sync.Mutex
	slots   map[string]map[string]time.Time // functionID -> runID -> lease expiry
	windows map[windowKey]int

	// now is swappable for tests.
	now func() time.Time
}

type windowKey struct {
	functionID  string
	throttleKey string
	windowStart int64
}

// New creates an in-memory admission controller.
func New() *Controller {
	return &Controller{
		slots:   make(map[string]map[string]time.Time),
		windows: make(map[windowKey]int),
		now:     time.Now,
	}
}

// WithClock overrides the controller's clock. For tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Acquire claims a slot for runID if fewer than limit unexpired slots are
// held. Re-acquiring a held slot renews it instead of consuming capacity.
func (c *Controller) Acquire(ctx context.Context, functionID, runID string, limit int, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	held := c.slots[functionID]
	if held == nil {
		held = make(map[string]time.Time)
		c.slots[functionID] = held
	}
	for id, expiry := range held {
		if !expiry.After(now) {
			delete(held, id)
		}
	}

	if _, ok := held[runID]; !ok && limit > 0 && len(held) >= limit {
		return false, nil
	}
	held[runID] = now.Add(ttl)
	return true, nil
}

// Renew extends the lease on a held slot. Unknown slots are re-created: a
// renewal after expiry is better served by taking the slot back than by
// failing the run.
func (c *Controller) Renew(ctx context.Context, functionID, runID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.slots[functionID]
	if held == nil {
		held = make(map[string]time.Time)
		c.slots[functionID] = held
	}
	held[runID] = c.now().Add(ttl)
	return nil
}

// Release frees the slot.
func (c *Controller) Release(ctx context.Context, functionID, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if held := c.slots[functionID]; held != nil {
		delete(held, runID)
	}
	return nil
}

// ThrottleAllow admits one start under a fixed window of limit per period.
func (c *Controller) ThrottleAllow(ctx context.Context, functionID, key string, limit int, period time.Duration) (bool, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	start := now.Truncate(period)
	wk := windowKey{functionID, key, start.UnixNano()}
	if c.windows[wk] >= limit {
		return false, start.Add(period).Sub(now), nil
	}
	c.windows[wk]++
	return true, 0, nil
}

// Held reports the number of live slots for a function. Test helper.
func (c *Controller) Held(functionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, expiry := range c.slots[functionID] {
		if expiry.After(now) {
			n++
		}
	}
	return n
}
