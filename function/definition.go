package function

import (
	"context"
	"fmt"
	"time"

	"github.com/chorusflow/chorus/checkpoint"
	"github.com/chorusflow/chorus/retry"
)

// Throttle is a fixed-window rate limit keyed by a field of the triggering
// event. Events over the limit are deferred to the next window, never dropped.
type Throttle struct {
	// Key names the payload field whose value partitions the limit
	// (e.g., "userId" gives each user an independent window).
	Key string

	// Limit is the number of runs admitted per window.
	Limit int

	// Period is the window length.
	Period time.Duration
}

// CancelRule declares that an in-flight run of this definition is superseded
// when a later event arrives with the same value for Match.
type CancelRule struct {
	// Event is the name of the cancelling event. Usually the definition's
	// own trigger: a new request for the same entity supersedes the old run.
	Event string

	// Match names the payload field compared between the run's trigger and
	// the incoming event. Both must carry the field with equal values.
	Match string
}

// FailureHook runs after a run reaches RunFailed, once retries are exhausted
// or the error is terminal. Invocation is at-least-once, so hooks must be
// idempotent; publishing with a deterministic event ID is the usual shape.
type FailureHook func(ctx context.Context, run checkpoint.Run, cause error) error

// Definition is a registered workflow function: the trigger it listens for,
// its ordered steps, and the admission, retry, and cancellation policy the
// scheduler enforces around it.
type Definition struct {
	// ID uniquely names the definition (e.g., "schedule-content").
	ID string

	// TriggerEvent is the event name that starts a run.
	TriggerEvent string

	// Retry governs per-step retry of transient failures. Nil means
	// retry.Default().
	Retry *retry.Policy

	// ConcurrencyLimit caps simultaneously executing runs of this
	// definition. Zero means unlimited.
	ConcurrencyLimit int

	// Throttle, if non-zero, rate-limits run starts per key value.
	Throttle Throttle

	// CancelOn lists the supersede rules for in-flight runs.
	CancelOn []CancelRule

	// Steps is the ordered step list. Execution is a cursor over this
	// slice; the cursor only advances on durable step success.
	Steps []StepSpec

	// OnFailure, if set, runs after the run is marked failed.
	OnFailure FailureHook
}

// Validate checks the definition is well-formed before registration.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("function: definition ID is required")
	}
	if d.TriggerEvent == "" {
		return fmt.Errorf("function %s: trigger event is required", d.ID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("function %s: at least one step is required", d.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("function %s: step %d has no name", d.ID, i)
		}
		if s.Fn == nil {
			return fmt.Errorf("function %s: step %q has no body", d.ID, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("function %s: duplicate step name %q", d.ID, s.Name)
		}
		seen[s.Name] = true
	}
	if d.ConcurrencyLimit < 0 {
		return fmt.Errorf("function %s: concurrency limit must be >= 0", d.ID)
	}
	if t := d.Throttle; t != (Throttle{}) {
		if t.Key == "" {
			return fmt.Errorf("function %s: throttle key is required", d.ID)
		}
		if t.Limit <= 0 {
			return fmt.Errorf("function %s: throttle limit must be > 0", d.ID)
		}
		if t.Period <= 0 {
			return fmt.Errorf("function %s: throttle period must be > 0", d.ID)
		}
	}
	for i, r := range d.CancelOn {
		if r.Event == "" || r.Match == "" {
			return fmt.Errorf("function %s: cancel rule %d needs event and match field", d.ID, i)
		}
	}
	return nil
}

// RetryPolicy returns the definition's retry policy, defaulting when unset.
func (d *Definition) RetryPolicy() *retry.Policy {
	if d.Retry == nil {
		return retry.Default()
	}
	return d.Retry
}
