package river

import (
	"context"

	"github.com/riverqueue/river"
)

// eventDispatchWorker delivers one event to the scheduler. A FunctionID
// narrows delivery to a single definition (deferred admission redelivery);
// otherwise the event fans out to every triggered definition. River retries
// failed deliveries, which is the at-least-once half of the bus contract.
type eventDispatchWorker struct {
	river.WorkerDefaults[EventDispatchArgs]
	runner *Runner
}

func (w *eventDispatchWorker) Work(ctx context.Context, job *river.Job[EventDispatchArgs]) error {
	args := job.Args
	w.runner.logger.Debug("dispatching event",
		"event_id", args.Event.ID, "name", args.Event.Name, "function_id", args.FunctionID)

	if args.FunctionID != "" {
		return w.runner.engine.HandleEventFor(ctx, args.FunctionID, args.Event)
	}
	return w.runner.engine.HandleEvent(ctx, args.Event)
}

// runWorker executes a run. Memoization makes re-execution after a worker
// crash safe: sealed steps replay from the checkpoint store.
type runWorker struct {
	river.WorkerDefaults[RunArgs]
	runner *Runner
}

func (w *runWorker) Work(ctx context.Context, job *river.Job[RunArgs]) error {
	return w.runner.engine.ExecuteRun(ctx, job.Args.RunID)
}

// resumeWorker wakes a sleeping run at its scheduled time.
type resumeWorker struct {
	river.WorkerDefaults[ResumeArgs]
	runner *Runner
}

func (w *resumeWorker) Work(ctx context.Context, job *river.Job[ResumeArgs]) error {
	return w.runner.engine.ResumeRun(ctx, job.Args.RunID)
}

// reapWorker sweeps sleep markers whose resume job was lost.
type reapWorker struct {
	river.WorkerDefaults[ReapArgs]
	runner *Runner
}

func (w *reapWorker) Work(ctx context.Context, job *river.Job[ReapArgs]) error {
	woken, err := w.runner.engine.ReapDue(ctx, w.runner.config.ReapBatch)
	if err != nil {
		return err
	}
	if woken > 0 {
		w.runner.logger.Debug("reap job woke runs", "count", woken)
	}
	return nil
}
