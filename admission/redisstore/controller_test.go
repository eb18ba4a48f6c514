package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestController(t *testing.T, now *time.Time) *Controller {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client).WithClock(func() time.Time { return *now })
}

func TestAcquireRespectsLimit(t *testing.T) {
	now := time.Now()
	c := newTestController(t, &now)
	ctx := context.Background()

	for _, runID := range []string{"r1", "r2"} {
		ok, err := c.Acquire(ctx, "fn-1", runID, 2, time.Minute)
		if err != nil || !ok {
			t.Fatalf("acquire %s = (%v, %v), want (true, nil)", runID, ok, err)
		}
	}

	ok, err := c.Acquire(ctx, "fn-1", "r3", 2, time.Minute)
	if err != nil {
		t.Fatalf("acquire over limit: %v", err)
	}
	if ok {
		t.Error("3rd acquire under limit 2 should be rejected")
	}

	// Re-acquiring a held slot renews rather than consumes.
	if ok, _ := c.Acquire(ctx, "fn-1", "r1", 2, time.Minute); !ok {
		t.Error("re-acquire of a held slot should succeed")
	}
}

func TestExpiredLeaseReclaimed(t *testing.T) {
	now := time.Now()
	c := newTestController(t, &now)
	ctx := context.Background()

	if ok, _ := c.Acquire(ctx, "fn-1", "crashed", 1, time.Minute); !ok {
		t.Fatal("initial acquire failed")
	}

	now = now.Add(2 * time.Minute)

	ok, err := c.Acquire(ctx, "fn-1", "r2", 1, time.Minute)
	if err != nil || !ok {
		t.Errorf("acquire after lease expiry = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestReleaseFreesCapacity(t *testing.T) {
	now := time.Now()
	c := newTestController(t, &now)
	ctx := context.Background()

	c.Acquire(ctx, "fn-1", "r1", 1, time.Minute)
	if err := c.Release(ctx, "fn-1", "r1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := c.Acquire(ctx, "fn-1", "r2", 1, time.Minute); !ok {
		t.Error("released slot should be acquirable")
	}
}

func TestRenewExtendsLease(t *testing.T) {
	now := time.Now()
	c := newTestController(t, &now)
	ctx := context.Background()

	c.Acquire(ctx, "fn-1", "r1", 1, time.Minute)

	now = now.Add(45 * time.Second)
	if err := c.Renew(ctx, "fn-1", "r1", time.Minute); err != nil {
		t.Fatalf("Renew: %v", err)
	}

	now = now.Add(30 * time.Second)
	if ok, _ := c.Acquire(ctx, "fn-1", "r2", 1, time.Minute); ok {
		t.Error("renewed slot should still hold capacity")
	}
}

func TestThrottleFixedWindow(t *testing.T) {
	now := time.Now().Truncate(time.Minute)
	c := newTestController(t, &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, _, err := c.ThrottleAllow(ctx, "fn-1", "user-1", 5, time.Minute)
		if err != nil || !ok {
			t.Fatalf("allow %d = (%v, %v), want (true, nil)", i, ok, err)
		}
	}

	ok, retryAfter, err := c.ThrottleAllow(ctx, "fn-1", "user-1", 5, time.Minute)
	if err != nil {
		t.Fatalf("over-limit check: %v", err)
	}
	if ok {
		t.Error("6th start in the window should be rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want within the current window", retryAfter)
	}

	if ok, _, _ := c.ThrottleAllow(ctx, "fn-1", "user-2", 5, time.Minute); !ok {
		t.Error("different key should be admitted")
	}

	now = now.Add(time.Minute)
	if ok, _, _ := c.ThrottleAllow(ctx, "fn-1", "user-1", 5, time.Minute); !ok {
		t.Error("new window should admit")
	}
}
