// Package scheduler turns delivered events into durable runs and drives those
// runs step by step: admission, checkpointed execution, sleep and resume,
// retry, and supersede cancellation.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chorusflow/chorus/admission"
	"github.com/chorusflow/chorus/checkpoint"
	"github.com/chorusflow/chorus/event"
	"github.com/chorusflow/chorus/function"
	"github.com/chorusflow/chorus/metrics"
	"github.com/chorusflow/chorus/retry"
)

// Config configures the Engine.
type Config struct {
	// Registry holds the function definitions. Required.
	Registry *function.Registry

	// Store persists runs, step records, and sleep markers. Required.
	Store checkpoint.Store

	// Bus is used by steps and failure hooks to publish events. Required.
	Bus event.Bus

	// Admission gates run starts. Required.
	Admission admission.Controller

	// Dispatcher schedules asynchronous work. Required.
	Dispatcher Dispatcher

	// Logger receives scheduler logs. Defaults to a no-op logger.
	Logger Logger

	// Metrics receives instrumentation. Optional.
	Metrics *metrics.Metrics

	// SlotTTL is the concurrency slot lease duration. A run renews its
	// lease on every state change, so the TTL only needs to outlive the
	// longest single step. Defaults to 1 minute.
	SlotTTL time.Duration

	// DeferDelay is how long a concurrency-rejected event waits before
	// redelivery. Defaults to 2 seconds.
	DeferDelay time.Duration

	// Clock overrides time.Now. For tests.
	Clock func() time.Time
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.Registry == nil {
		return fmt.Errorf("scheduler: config requires a registry")
	}
	if c.Store == nil {
		return fmt.Errorf("scheduler: config requires a checkpoint store")
	}
	if c.Bus == nil {
		return fmt.Errorf("scheduler: config requires an event bus")
	}
	if c.Admission == nil {
		return fmt.Errorf("scheduler: config requires an admission controller")
	}
	if c.Dispatcher == nil {
		return fmt.Errorf("scheduler: config requires a dispatcher")
	}
	return nil
}

// withDefaults fills in default values for optional fields.
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	if c.SlotTTL <= 0 {
		c.SlotTTL = time.Minute
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Engine executes function definitions against delivered events.
type Engine struct {
	registry   *function.Registry
	store      checkpoint.Store
	bus        event.Bus
	admission  admission.Controller
	dispatcher Dispatcher
	logger     Logger
	metrics    *metrics.Metrics
	slotTTL    time.Duration
	deferDelay time.Duration
	now        func() time.Time
}

// New creates an Engine from the config.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Engine{
		registry:   cfg.Registry,
		store:      cfg.Store,
		bus:        cfg.Bus,
		admission:  cfg.Admission,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		slotTTL:    cfg.SlotTTL,
		deferDelay: cfg.DeferDelay,
		now:        cfg.Clock,
	}, nil
}

// Subscribe registers the engine's HandleEvent for every event name the
// registry listens on. Called once at boot by the driver.
func (e *Engine) Subscribe() {
	for _, name := range e.registry.TriggerEvents() {
		e.bus.Subscribe(name, e.HandleEvent)
	}
}

// HandleEvent processes one delivered event: cancels superseded runs first,
// then starts a run for every definition triggered by the event name.
// Delivery is at-least-once; deterministic run IDs make redelivery a no-op.
func (e *Engine) HandleEvent(ctx context.Context, evt event.Event) error {
	e.metrics.EventReceived(evt.Name)

	if err := e.CancelMatching(ctx, evt); err != nil {
		return err
	}

	var errs []error
	for _, def := range e.registry.ForEvent(evt.Name) {
		if err := e.HandleEventFor(ctx, def.ID, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.ID, err))
		}
	}
	return errors.Join(errs...)
}

// HandleEventFor starts (or defers) a run of one definition for the event.
// Deferred deliveries re-enter here so a throttled definition never
// re-triggers its siblings.
func (e *Engine) HandleEventFor(ctx context.Context, functionID string, evt event.Event) error {
	def, ok := e.registry.Get(functionID)
	if !ok {
		return fmt.Errorf("scheduler: unknown function %s", functionID)
	}

	// The run ID is derived from (definition, event), so a redelivered
	// event maps onto the run it already started. Checked before any
	// admission debit, so redelivery never burns quota.
	runID := event.DeterministicID("run", def.ID, evt.ID)
	if _, err := e.store.GetRun(ctx, runID); err == nil {
		return nil
	} else if !errors.Is(err, checkpoint.ErrRunNotFound) {
		return err
	}

	// Slot first, throttle second: a concurrency-deferred event must not
	// consume throttle quota it never got to use.
	if def.ConcurrencyLimit > 0 {
		acquired, err := e.admission.Acquire(ctx, def.ID, runID, def.ConcurrencyLimit, e.slotTTL)
		if err != nil {
			return fmt.Errorf("scheduler: acquire slot: %w", err)
		}
		if !acquired {
			e.metrics.Deferred(def.ID, "concurrency")
			e.logger.Debug("event deferred by concurrency limit",
				"function_id", def.ID, "event_id", evt.ID)
			return e.dispatcher.DispatchEvent(ctx, evt, def.ID, e.now().Add(e.deferDelay))
		}
	}

	if def.Throttle.Limit > 0 {
		key, _ := evt.Field(def.Throttle.Key)
		allowed, retryAfter, err := e.admission.ThrottleAllow(ctx, def.ID, key, def.Throttle.Limit, def.Throttle.Period)
		if err != nil {
			e.releaseSlot(ctx, def, runID)
			return fmt.Errorf("scheduler: throttle check: %w", err)
		}
		if !allowed {
			e.releaseSlot(ctx, def, runID)
			e.metrics.Deferred(def.ID, "throttle")
			e.logger.Debug("event deferred by throttle",
				"function_id", def.ID, "event_id", evt.ID, "retry_after", retryAfter)
			return e.dispatcher.DispatchEvent(ctx, evt, def.ID, e.now().Add(retryAfter))
		}
	}

	now := e.now()
	run := checkpoint.Run{
		ID:             runID,
		FunctionID:     def.ID,
		Trigger:        evt,
		Status:         checkpoint.RunPending,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, checkpoint.ErrRunExists) {
			// Redelivered trigger. If the earlier run is settled, return
			// the slot the acquire above just re-leased.
			existing, getErr := e.store.GetRun(ctx, runID)
			if getErr == nil && existing.Status.IsTerminal() {
				e.releaseSlot(ctx, def, runID)
			}
			return nil
		}
		e.releaseSlot(ctx, def, runID)
		return fmt.Errorf("scheduler: create run: %w", err)
	}

	e.metrics.RunStarted(def.ID)
	e.logger.Info("run started",
		"function_id", def.ID, "run_id", runID, "event_id", evt.ID)
	return e.dispatcher.DispatchRun(ctx, runID)
}

// ExecuteRun drives the run's step cursor forward until it completes, fails,
// suspends, or is cancelled. Safe to call repeatedly: sealed step results are
// replayed from the checkpoint store, never re-executed.
func (e *Engine) ExecuteRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	def, ok := e.registry.Get(run.FunctionID)
	if !ok {
		return fmt.Errorf("scheduler: run %s references unknown function %s", runID, run.FunctionID)
	}

	run.Status = checkpoint.RunRunning
	run.LastActivityAt = e.now()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	for run.StepIndex < len(def.Steps) {
		// Re-read between steps so a cancel that landed while the
		// previous step ran stops the cursor here.
		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			e.releaseSlot(ctx, def, runID)
			return nil
		}
		e.renewSlot(ctx, def, runID)

		spec := def.Steps[run.StepIndex]

		rec, found, err := e.store.GetStep(ctx, runID, spec.Name)
		if err != nil {
			return err
		}
		if found && rec.Status == checkpoint.StepSucceeded {
			e.metrics.StepMemoized(def.ID)
			if err := e.advanceCursor(ctx, &run); err != nil {
				return err
			}
			continue
		}

		sctx := function.NewContext(ctx, function.ExecEnv{
			Store:     e.store,
			Publisher: e.bus,
			Now:       e.now,
		}, run)
		result, stepErr := spec.Fn(sctx)
		e.metrics.StepExecuted(def.ID)

		if stepErr != nil {
			if sleep, ok := function.AsSleep(stepErr); ok {
				return e.suspendRun(ctx, def, run, spec.Name, sleep)
			}
			return e.handleStepError(ctx, def, run, spec.Name, stepErr)
		}

		if err := e.sealStep(ctx, run, spec.Name, result); err != nil {
			return err
		}
		if err := e.advanceCursor(ctx, &run); err != nil {
			return err
		}
	}

	return e.completeRun(ctx, def, run)
}

// ResumeRun wakes a sleeping run and continues execution from its cursor.
func (e *Engine) ResumeRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrRunNotFound) {
			return e.store.ClearSleep(ctx, runID)
		}
		return err
	}
	if err := e.store.ClearSleep(ctx, runID); err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	return e.ExecuteRun(ctx, runID)
}

// CancelMatching cancels in-flight runs superseded by evt according to the
// registered cancel rules. The run the event itself is about to start is
// never a supersede target.
func (e *Engine) CancelMatching(ctx context.Context, evt event.Event) error {
	for _, def := range e.registry.CancelTargets(evt.Name) {
		for _, rule := range def.CancelOn {
			if rule.Event != evt.Name {
				continue
			}
			val, ok := evt.Field(rule.Match)
			if !ok {
				continue
			}

			runs, err := e.store.ListActive(ctx, def.ID)
			if err != nil {
				return fmt.Errorf("scheduler: list active runs: %w", err)
			}
			for _, run := range runs {
				if run.Trigger.ID == evt.ID {
					continue
				}
				prev, ok := run.Trigger.Field(rule.Match)
				if !ok || prev != val {
					continue
				}

				reason := fmt.Sprintf("superseded by event %s", evt.ID)
				cancelled, err := e.store.CancelRun(ctx, run.ID, reason)
				if err != nil {
					return fmt.Errorf("scheduler: cancel run %s: %w", run.ID, err)
				}
				if !cancelled {
					continue
				}
				if err := e.store.ClearSleep(ctx, run.ID); err != nil {
					return err
				}
				e.releaseSlot(ctx, def, run.ID)
				e.metrics.RunCancelled(def.ID)
				e.logger.Info("run cancelled",
					"function_id", def.ID, "run_id", run.ID,
					"match_field", rule.Match, "event_id", evt.ID)
			}
		}
	}
	return nil
}

// ReapDue dispatches resumes for sleep markers whose wake time has passed.
// Returns the number of runs woken.
func (e *Engine) ReapDue(ctx context.Context, limit int) (int, error) {
	markers, err := e.store.DueSleeps(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	woken := 0
	for _, m := range markers {
		if err := e.dispatcher.DispatchResume(ctx, m.RunID, time.Time{}); err != nil {
			return woken, err
		}
		woken++
	}
	return woken, nil
}

// suspendRun parks the run until the requested wake time. The step that asked
// to sleep is re-invoked from the top after the wake, so its iteration
// counter advances.
func (e *Engine) suspendRun(ctx context.Context, def *function.Definition, run checkpoint.Run, stepName string, sleep *function.SleepError) error {
	reason := sleep.Reason
	if reason == "" {
		reason = "sleep"
	}
	marker := checkpoint.SleepMarker{
		RunID:     run.ID,
		WakeAt:    sleep.WakeAt,
		StepIndex: run.StepIndex,
		Reason:    reason,
	}
	if err := e.store.PutSleep(ctx, marker); err != nil {
		return err
	}

	run.Status = checkpoint.RunSleeping
	run.StepIteration++
	run.LastActivityAt = e.now()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.renewSlot(ctx, def, run.ID)

	e.logger.Debug("run sleeping",
		"function_id", def.ID, "run_id", run.ID,
		"step", stepName, "wake_at", sleep.WakeAt)
	return e.dispatcher.DispatchResume(ctx, run.ID, sleep.WakeAt)
}

// handleStepError either schedules a retry with backoff or fails the run,
// depending on the error's class and the remaining attempt budget.
func (e *Engine) handleStepError(ctx context.Context, def *function.Definition, run checkpoint.Run, stepName string, stepErr error) error {
	policy := def.RetryPolicy()
	attempt := run.StepAttempt + 1

	if !policy.ShouldRetry(attempt, stepErr) {
		return e.failRun(ctx, def, run, stepName, stepErr)
	}

	delay := policy.NextDelay(attempt)
	wakeAt := e.now().Add(delay)

	// The failed record is observable while the retry waits; a later
	// success overwrites it.
	rec := checkpoint.StepRecord{
		RunID:       run.ID,
		StepName:    stepName,
		Status:      checkpoint.StepFailed,
		Error:       stepErr.Error(),
		CompletedAt: e.now(),
	}
	if err := e.store.RecordStep(ctx, rec); err != nil && !errors.Is(err, checkpoint.ErrStepSealed) {
		return err
	}

	if err := e.store.PutSleep(ctx, checkpoint.SleepMarker{
		RunID:     run.ID,
		WakeAt:    wakeAt,
		StepIndex: run.StepIndex,
		Reason:    "retry",
	}); err != nil {
		return err
	}

	run.Status = checkpoint.RunSleeping
	run.StepAttempt = attempt
	run.LastActivityAt = e.now()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.renewSlot(ctx, def, run.ID)

	e.logger.Warn("step failed, retrying",
		"function_id", def.ID, "run_id", run.ID, "step", stepName,
		"attempt", attempt, "delay", delay, "error", stepErr)
	return e.dispatcher.DispatchResume(ctx, run.ID, wakeAt)
}

// failRun marks the run failed and fires the definition's failure hook.
// The hook runs at-least-once: a crash between the status write and the hook
// means a later redelivery repeats it, so hooks publish with deterministic
// event IDs.
func (e *Engine) failRun(ctx context.Context, def *function.Definition, run checkpoint.Run, stepName string, cause error) error {
	// A cancel that landed while the step ran wins: a settled run records
	// no failure and fires no hook.
	fresh, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if fresh.Status.IsTerminal() {
		e.releaseSlot(ctx, def, run.ID)
		return nil
	}

	class := retry.ClassOf(cause)

	rec := checkpoint.StepRecord{
		RunID:       run.ID,
		StepName:    stepName,
		Status:      checkpoint.StepFailed,
		Error:       cause.Error(),
		CompletedAt: e.now(),
	}
	if err := e.store.RecordStep(ctx, rec); err != nil && !errors.Is(err, checkpoint.ErrStepSealed) {
		return err
	}

	now := e.now()
	run.Status = checkpoint.RunFailed
	run.Error = cause.Error()
	run.FailureClass = string(class)
	run.LastActivityAt = now
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	if err := e.store.ClearSleep(ctx, run.ID); err != nil {
		return err
	}
	e.releaseSlot(ctx, def, run.ID)

	e.metrics.RunFailed(def.ID, string(class))
	e.logger.Error("run failed",
		"function_id", def.ID, "run_id", run.ID, "step", stepName,
		"class", class, "error", cause)

	if def.OnFailure != nil {
		if err := def.OnFailure(ctx, run, cause); err != nil {
			e.logger.Error("failure hook failed",
				"function_id", def.ID, "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// completeRun marks the run completed and returns its slot.
func (e *Engine) completeRun(ctx context.Context, def *function.Definition, run checkpoint.Run) error {
	fresh, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if fresh.Status.IsTerminal() {
		e.releaseSlot(ctx, def, run.ID)
		return nil
	}

	now := e.now()
	run.Status = checkpoint.RunCompleted
	run.LastActivityAt = now
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	if err := e.store.ClearSleep(ctx, run.ID); err != nil {
		return err
	}
	e.releaseSlot(ctx, def, run.ID)

	e.metrics.RunCompleted(def.ID)
	e.logger.Info("run completed", "function_id", def.ID, "run_id", run.ID)
	return nil
}

// sealStep records the step's successful result. A concurrent duplicate
// execution losing the write-once race is fine: the sealed result wins.
func (e *Engine) sealStep(ctx context.Context, run checkpoint.Run, stepName string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("scheduler: marshal %q result: %w", stepName, err)
	}
	rec := checkpoint.StepRecord{
		RunID:       run.ID,
		StepName:    stepName,
		Status:      checkpoint.StepSucceeded,
		Result:      data,
		CompletedAt: e.now(),
	}
	if err := e.store.RecordStep(ctx, rec); err != nil && !errors.Is(err, checkpoint.ErrStepSealed) {
		return err
	}
	return nil
}

// advanceCursor moves the run to the next step, resetting the per-step
// iteration and attempt counters.
func (e *Engine) advanceCursor(ctx context.Context, run *checkpoint.Run) error {
	run.StepIndex++
	run.StepIteration = 0
	run.StepAttempt = 0
	run.Status = checkpoint.RunRunning
	run.LastActivityAt = e.now()
	return e.store.UpdateRun(ctx, *run)
}

func (e *Engine) renewSlot(ctx context.Context, def *function.Definition, runID string) {
	if def.ConcurrencyLimit <= 0 {
		return
	}
	if err := e.admission.Renew(ctx, def.ID, runID, e.slotTTL); err != nil {
		e.logger.Warn("slot renewal failed", "function_id", def.ID, "run_id", runID, "error", err)
	}
}

func (e *Engine) releaseSlot(ctx context.Context, def *function.Definition, runID string) {
	if def.ConcurrencyLimit <= 0 {
		return
	}
	if err := e.admission.Release(ctx, def.ID, runID); err != nil {
		e.logger.Warn("slot release failed", "function_id", def.ID, "run_id", runID, "error", err)
	}
}
