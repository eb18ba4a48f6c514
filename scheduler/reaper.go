package scheduler

import (
	"context"
	"time"
)

// Reaper periodically wakes runs whose sleep markers are due. It is the
// safety net behind durably scheduled resumes: a resume job lost to a crash
// still wakes within one reaper interval.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	batch    int
}

// NewReaper creates a reaper. Interval defaults to 15 seconds and batch to
// 100 when zero.
func NewReaper(engine *Engine, interval time.Duration, batch int) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reaper{engine: engine, interval: interval, batch: batch}
}

// Run blocks, sweeping due sleep markers until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			woken, err := r.engine.ReapDue(ctx, r.batch)
			if err != nil {
				r.engine.logger.Error("reaper sweep failed", "error", err)
				continue
			}
			if woken > 0 {
				r.engine.logger.Debug("reaper woke runs", "count", woken)
			}
		}
	}
}
