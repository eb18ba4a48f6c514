// Package function defines workflow functions: an ordered list of named,
// checkpointed steps bound to a triggering event, plus the admission and
// failure policy the scheduler enforces around them.
package function

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chorusflow/chorus/event"
)

// StepFunc is the body of a single step. It runs at most once per run to a
// durable success: once its result is checkpointed, later executions of the
// run skip it and replay the stored result. Side effects inside a step must
// therefore be safe against at-least-once execution of the step itself, but
// never recur after the step's record is sealed.
//
// Returning a SleepError suspends the run; the step is re-invoked from the
// top after the wake time, so sleeping steps must be re-entrant.
type StepFunc func(ctx Context) (any, error)

// StepSpec names one step in a definition's ordered list.
type StepSpec struct {
	Name string
	Fn   StepFunc
}

// Context is the per-step execution context handed to StepFunc. It carries
// the run's identity and the triggering event, and exposes publish access to
// the bus so steps can emit follow-up events.
type Context interface {
	context.Context

	// RunID identifies the executing run.
	RunID() string

	// FunctionID identifies the executing definition.
	FunctionID() string

	// Trigger is the event that started the run.
	Trigger() event.Event

	// Iteration counts how many times this step has resumed after a sleep
	// it requested. Zero on first entry.
	Iteration() int

	// Attempt counts prior failed attempts of this step. Zero on first try.
	Attempt() int

	// Now returns the scheduler's clock, so step logic stays testable.
	Now() time.Time

	// Publish emits an event through the bus, returning the event ID.
	Publish(name string, payload any) (string, error)
}

// outputAccessor exposes sealed results of earlier steps in the same run.
// Implemented by the scheduler's step context.
type outputAccessor interface {
	stepOutput(name string) (json.RawMessage, bool)
}

// memoAccessor checkpoints a dynamic sub-step under a run-scoped name.
// Implemented by the scheduler's step context.
type memoAccessor interface {
	memo(name string, fn func() (any, error)) (json.RawMessage, error)
}

// Input decodes the triggering event's payload into T.
func Input[T any](ctx Context) (T, error) {
	return event.Decode[T](ctx.Trigger())
}

// Output returns the checkpointed result of an earlier step, decoded into T.
// The step must have already succeeded within this run.
func Output[T any](ctx Context, stepName string) (T, error) {
	var out T
	acc, ok := ctx.(outputAccessor)
	if !ok {
		return out, fmt.Errorf("function: context does not expose step outputs")
	}
	raw, ok := acc.stepOutput(stepName)
	if !ok {
		return out, fmt.Errorf("function: no sealed result for step %q", stepName)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("function: decode %q result: %w", stepName, err)
	}
	return out, nil
}

// Memo checkpoints fn under a run-scoped name. On first execution fn runs and
// its result is durably recorded; on every later execution within the same
// run the stored result is returned and fn is skipped. This is how steps with
// dynamic structure (one unit of work per poll, per claim, per channel) get
// the same exactly-once-to-success guarantee as top-level steps.
//
// A SleepError returned by fn propagates and suspends the run without
// recording anything, so the memo re-runs after the wake.
func Memo[T any](ctx Context, name string, fn func() (T, error)) (T, error) {
	var out T
	acc, ok := ctx.(memoAccessor)
	if !ok {
		return out, fmt.Errorf("function: context does not support memoized sub-steps")
	}
	raw, err := acc.memo(name, func() (any, error) { return fn() })
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("function: decode memo %q result: %w", name, err)
	}
	return out, nil
}
