package river

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/chorusflow/chorus/event"
	"github.com/chorusflow/chorus/scheduler"
)

// Common errors returned by the Runner.
var (
	// ErrRunnerNotStarted indicates an operation was attempted before Start.
	ErrRunnerNotStarted = errors.New("runner not started")

	// ErrRunnerAlreadyStarted indicates Start was called twice.
	ErrRunnerAlreadyStarted = errors.New("runner already started")

	// ErrNotBound indicates Bind was never called with the engine.
	ErrNotBound = errors.New("runner not bound to an engine")
)

// Runner wires the scheduler to riverqueue. It implements both
// scheduler.Dispatcher (durable run/resume/deferred-event jobs, with
// ScheduledAt as the durable timer) and event.Bus (transactional append plus
// a dispatch job, committed atomically).
type Runner struct {
	pool    *pgxpool.Pool
	schemas *event.Schemas
	log     TxLog
	logger  scheduler.Logger
	config  Config

	client  *river.Client[pgx.Tx]
	engine  *scheduler.Engine
	started bool
	mu      sync.RWMutex
}

// NewRunner creates a Runner with the given configuration.
func NewRunner(config Config) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()

	return &Runner{
		pool:    cfg.Pool,
		schemas: cfg.Schemas,
		log:     cfg.Log,
		logger:  cfg.Logger,
		config:  cfg,
	}, nil
}

// Bind attaches the engine. Split from construction because the engine's
// config carries this runner as its dispatcher and bus.
func (r *Runner) Bind(engine *scheduler.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine = engine
}

// Start initializes the River client and starts workers.
// Must be called after Bind and before any dispatch.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerAlreadyStarted
	}
	if r.engine == nil {
		return ErrNotBound
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &eventDispatchWorker{runner: r})
	river.AddWorker(workers, &runWorker{runner: r})
	river.AddWorker(workers, &resumeWorker{runner: r})
	river.AddWorker(workers, &reapWorker{runner: r})

	client, err := river.NewClient(riverpgxv5.New(r.pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: r.config.Workers},
		},
		Workers:      workers,
		JobTimeout:   r.config.JobTimeout,
		ErrorHandler: &errorHandler{logger: r.logger},
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(r.config.ReapInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return ReapArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}

	r.client = client

	if err := r.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}

	r.started = true
	r.logger.Info("runner started", "workers", r.config.Workers)

	return nil
}

// Stop gracefully shuts down the runner.
// Waits for in-flight jobs up to ShutdownTimeout.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
	defer cancel()

	if err := r.client.Stop(shutdownCtx); err != nil {
		r.logger.Warn("river client stop error", "error", err)
	}

	r.started = false
	r.logger.Info("runner stopped")

	return nil
}

func (r *Runner) checkStarted() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.started {
		return ErrRunnerNotStarted
	}
	return nil
}

// Publish implements event.Bus: validate, append to the durable log, and
// enqueue the dispatch job in one transaction. Publishing an event whose ID
// already exists is a no-op returning the existing ID.
func (r *Runner) Publish(ctx context.Context, e event.Event) (string, error) {
	if err := r.checkStarted(); err != nil {
		return "", err
	}
	if err := r.schemas.Validate(e); err != nil {
		return "", err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.log.AppendTx(ctx, tx, e); err != nil {
		if errors.Is(err, event.ErrDuplicateEvent) {
			return e.ID, nil
		}
		return "", fmt.Errorf("append event: %w", err)
	}

	if _, err := r.client.InsertTx(ctx, tx, EventDispatchArgs{Event: e}, nil); err != nil {
		return "", fmt.Errorf("insert dispatch job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("event published", "event_id", e.ID, "name", e.Name)
	return e.ID, nil
}

// Subscribe implements event.Bus. Delivery is driven by the registry the
// bound engine already holds, so per-name handler wiring is unnecessary here.
func (r *Runner) Subscribe(name string, h event.Handler) {}

// DispatchRun implements scheduler.Dispatcher.
func (r *Runner) DispatchRun(ctx context.Context, runID string) error {
	if err := r.checkStarted(); err != nil {
		return err
	}
	_, err := r.client.Insert(ctx, RunArgs{RunID: runID}, &river.InsertOpts{
		MaxAttempts: 3,
	})
	if err != nil {
		return fmt.Errorf("insert run job: %w", err)
	}
	return nil
}

// DispatchResume implements scheduler.Dispatcher. The wake time becomes the
// job's ScheduledAt: a durable timer.
func (r *Runner) DispatchResume(ctx context.Context, runID string, at time.Time) error {
	if err := r.checkStarted(); err != nil {
		return err
	}
	_, err := r.client.Insert(ctx, ResumeArgs{RunID: runID}, &river.InsertOpts{
		MaxAttempts: 3,
		ScheduledAt: at,
	})
	if err != nil {
		return fmt.Errorf("insert resume job: %w", err)
	}
	return nil
}

// DispatchEvent implements scheduler.Dispatcher: deferred redelivery of one
// event to one definition.
func (r *Runner) DispatchEvent(ctx context.Context, e event.Event, functionID string, at time.Time) error {
	if err := r.checkStarted(); err != nil {
		return err
	}
	_, err := r.client.Insert(ctx, EventDispatchArgs{Event: e, FunctionID: functionID}, &river.InsertOpts{
		MaxAttempts: 3,
		ScheduledAt: at,
	})
	if err != nil {
		return fmt.Errorf("insert deferred event job: %w", err)
	}
	return nil
}

// errorHandler logs River job errors.
type errorHandler struct {
	logger scheduler.Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.Error("job error", "job_kind", job.Kind, "error", err)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.Error("job panic", "job_kind", job.Kind, "panic", panicVal, "trace", trace)
	return nil
}
