package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Store implementations.
var (
	// ErrRunNotFound indicates the requested run doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists indicates a run with the same ID already exists.
	// Callers treat this as a redelivered trigger, not a failure.
	ErrRunExists = errors.New("run already exists")

	// ErrStepSealed indicates a Succeeded record already exists for this
	// (runID, stepName) pair. Succeeded records are write-once.
	ErrStepSealed = errors.New("step record already sealed")
)

// Store persists runs, step records, and sleep markers.
// Implementations must be safe for concurrent use. All run mutation except
// CancelRun is performed by the single executor that owns the run, so
// implementations need no cross-run locking beyond per-row atomicity.
type Store interface {
	// CreateRun persists a new run. Returns ErrRunExists if a run with the
	// same ID exists (redelivered trigger).
	CreateRun(ctx context.Context, run Run) error

	// GetRun returns the run with the given ID.
	GetRun(ctx context.Context, runID string) (Run, error)

	// UpdateRun replaces the run row. Terminal runs are never overwritten:
	// updating a run that is already terminal is a silent no-op so a racing
	// cancel always wins.
	UpdateRun(ctx context.Context, run Run) error

	// CancelRun transitions a run to RunCancelled if and only if it is not
	// already terminal. Returns whether the transition happened, making
	// cancellation idempotent.
	CancelRun(ctx context.Context, runID, reason string) (bool, error)

	// ListActive returns the non-terminal runs for a function.
	ListActive(ctx context.Context, functionID string) ([]Run, error)

	// RecordStep persists a step record. A Succeeded record for the same
	// (runID, stepName) is write-once: a second Succeeded write returns
	// ErrStepSealed. Failed records may be overwritten by a later success.
	RecordStep(ctx context.Context, rec StepRecord) error

	// GetStep returns the record for (runID, stepName).
	GetStep(ctx context.Context, runID, stepName string) (StepRecord, bool, error)

	// ListSteps returns all step records for a run.
	ListSteps(ctx context.Context, runID string) ([]StepRecord, error)

	// PutSleep stores the run's sleep marker, replacing any existing one.
	// A run has at most one pending marker.
	PutSleep(ctx context.Context, marker SleepMarker) error

	// ClearSleep removes the run's sleep marker, if any.
	ClearSleep(ctx context.Context, runID string) error

	// DueSleeps returns up to limit markers with WakeAt <= now, oldest
	// first. Used by the reaper.
	DueSleeps(ctx context.Context, now time.Time, limit int) ([]SleepMarker, error)
}
