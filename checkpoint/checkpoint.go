// Package checkpoint provides the durable records that make runs resumable:
// the run row itself, write-once step results, and sleep markers for
// time-based suspension.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/chorusflow/chorus/event"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	// RunPending indicates the run was admitted but has not executed yet.
	RunPending RunStatus = "pending"

	// RunRunning indicates the run is actively executing a step.
	RunRunning RunStatus = "running"

	// RunSleeping indicates the run is suspended until a sleep marker's
	// wake time. No worker resource is held in this state.
	RunSleeping RunStatus = "sleeping"

	// RunCompleted indicates all steps succeeded.
	RunCompleted RunStatus = "completed"

	// RunFailed indicates the run terminated with an error.
	RunFailed RunStatus = "failed"

	// RunCancelled indicates the run was superseded or explicitly cancelled.
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s RunStatus) String() string {
	return string(s)
}

// Run is one execution of a function definition against one triggering event.
type Run struct {
	// ID is the unique identifier for this run. Derived deterministically
	// from (functionID, event ID) so redelivered events map to the same run.
	ID string

	// FunctionID identifies the function definition being executed.
	FunctionID string

	// Trigger is the event that started this run.
	Trigger event.Event

	// Status is the current execution state.
	Status RunStatus

	// StepIndex is the cursor into the definition's ordered step list.
	// It only advances after the step's record is durably Succeeded.
	StepIndex int

	// StepIteration counts how many times the current step has resumed
	// after a requested sleep. Resets to zero when the cursor advances.
	StepIteration int

	// StepAttempt counts failed attempts of the current step. Resets to
	// zero when the cursor advances.
	StepAttempt int

	// Error holds the terminal error message when Status is RunFailed or
	// the cancellation reason when RunCancelled.
	Error string

	// FailureClass is the retry classification of the terminal error.
	FailureClass string

	// CreatedAt is when the run was admitted.
	CreatedAt time.Time

	// LastActivityAt is updated on every state change; slot liveness
	// renewal keys off it.
	LastActivityAt time.Time

	// CompletedAt is set when the run reaches a terminal state.
	CompletedAt *time.Time
}

// StepStatus represents the state of a single step record.
type StepStatus string

const (
	// StepSucceeded indicates the step completed and its result is final.
	StepSucceeded StepStatus = "succeeded"

	// StepFailed indicates the step failed terminally.
	StepFailed StepStatus = "failed"
)

// StepRecord is the durable result of one named step within a run.
// Succeeded records are write-once: a step with a Succeeded record is never
// re-executed for that run, across retries and process restarts.
type StepRecord struct {
	RunID       string
	StepName    string
	Status      StepStatus
	Result      json.RawMessage
	Error       string
	CompletedAt time.Time
}

// SleepMarker suspends a run until WakeAt without occupying a worker.
// A low-frequency reaper (or a durably scheduled resume job) wakes the run.
type SleepMarker struct {
	RunID string

	// WakeAt is when the run becomes due for resumption.
	WakeAt time.Time

	// StepIndex is the cursor position to resume at.
	StepIndex int

	// Reason distinguishes requested sleeps from retry backoff, for
	// operators reading the table.
	Reason string
}
