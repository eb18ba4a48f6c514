package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/chorusflow/chorus/event"
)

// Dispatcher schedules scheduler work for asynchronous execution: fresh run
// starts, timed resumes, and deferred event deliveries. The production
// implementation enqueues durable jobs; InProcess runs everything on
// goroutines and timers for tests and single-process use.
type Dispatcher interface {
	// DispatchRun schedules ExecuteRun for a newly created run.
	DispatchRun(ctx context.Context, runID string) error

	// DispatchResume schedules ResumeRun at the given time. A zero or past
	// time means as soon as possible.
	DispatchResume(ctx context.Context, runID string, at time.Time) error

	// DispatchEvent schedules redelivery of an event to one definition at
	// the given time. Used to defer admission-rejected events without
	// re-triggering sibling definitions.
	DispatchEvent(ctx context.Context, e event.Event, functionID string, at time.Time) error
}

// InProcess is a Dispatcher backed by goroutines and timers. Work scheduled
// for the future survives only as long as the process; deployments that need
// durable timers use the river-backed dispatcher instead.
type InProcess struct {
	mu     sync.Mutex
	engine *Engine
	timers map[*time.Timer]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewInProcess creates an in-process dispatcher. Bind must be called with the
// engine before any dispatch.
func NewInProcess() *InProcess {
	return &InProcess{timers: make(map[*time.Timer]struct{})}
}

// Bind attaches the engine. Split from construction because the engine and
// dispatcher reference each other.
func (d *InProcess) Bind(e *Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engine = e
}

// DispatchRun executes the run on a new goroutine.
func (d *InProcess) DispatchRun(ctx context.Context, runID string) error {
	d.after(0, func(e *Engine) {
		if err := e.ExecuteRun(context.Background(), runID); err != nil {
			e.logger.Error("run execution failed", "run_id", runID, "error", err)
		}
	})
	return nil
}

// DispatchResume resumes the run when its wake time arrives.
func (d *InProcess) DispatchResume(ctx context.Context, runID string, at time.Time) error {
	d.after(time.Until(at), func(e *Engine) {
		if err := e.ResumeRun(context.Background(), runID); err != nil {
			e.logger.Error("run resume failed", "run_id", runID, "error", err)
		}
	})
	return nil
}

// DispatchEvent redelivers the event to one definition at the given time.
func (d *InProcess) DispatchEvent(ctx context.Context, evt event.Event, functionID string, at time.Time) error {
	d.after(time.Until(at), func(e *Engine) {
		if err := e.HandleEventFor(context.Background(), functionID, evt); err != nil {
			e.logger.Error("deferred event delivery failed",
				"function_id", functionID, "event_id", evt.ID, "error", err)
		}
	})
	return nil
}

func (d *InProcess) after(delay time.Duration, fn func(*Engine)) {
	d.mu.Lock()
	if d.closed || d.engine == nil {
		d.mu.Unlock()
		return
	}
	engine := d.engine
	d.wg.Add(1)
	if delay <= 0 {
		d.mu.Unlock()
		go func() {
			defer d.wg.Done()
			fn(engine)
		}()
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		delete(d.timers, timer)
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		fn(engine)
	})
	d.timers[timer] = struct{}{}
	d.mu.Unlock()
}

// Stop cancels pending timers and waits for in-flight work.
func (d *InProcess) Stop() {
	d.mu.Lock()
	d.closed = true
	for timer := range d.timers {
		if timer.Stop() {
			d.wg.Done()
		}
		delete(d.timers, timer)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Wait blocks until all currently dispatched work has finished. Test helper.
func (d *InProcess) Wait() {
	d.wg.Wait()
}
