// Package memory provides an in-memory implementation of checkpoint.Store.
// This implementation is suitable for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chorusflow/chorus/checkpoint"
)

// stepKey identifies a step record within a run.
type stepKey struct {
	runID    string
	stepName string
}

// Store is a thread-safe in-memory implementation of checkpoint.Store.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]checkpoint.Run
	steps  map[stepKey]checkpoint.StepRecord
	sleeps map[string]checkpoint.SleepMarker
}

// New creates a new in-memory checkpoint store.
func New() *Store {
	return &Store{
		runs:   make(map[string]checkpoint.Run),
		steps:  make(map[stepKey]checkpoint.StepRecord),
		sleeps: make(map[string]checkpoint.SleepMarker),
	}
}

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run checkpoint.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return checkpoint.ErrRunExists
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun returns the run with the given ID.
func (s *Store) GetRun(ctx context.Context, runID string) (checkpoint.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return checkpoint.Run{}, checkpoint.ErrRunNotFound
	}
	return run, nil
}

// UpdateRun replaces the run row unless it is already terminal.
func (s *Store) UpdateRun(ctx context.Context, run checkpoint.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return checkpoint.ErrRunNotFound
	}
	if existing.Status.IsTerminal() {
		// A racing cancel (or a duplicate terminal write) wins.
		return nil
	}
	s.runs[run.ID] = run
	return nil
}

// CancelRun transitions a non-terminal run to RunCancelled.
func (s *Store) CancelRun(ctx context.Context, runID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, checkpoint.ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return false, nil
	}

	now := time.Now()
	run.Status = checkpoint.RunCancelled
	run.Error = reason
	run.LastActivityAt = now
	run.CompletedAt = &now
	s.runs[runID] = run
	return true, nil
}

// ListActive returns the non-terminal runs for a function, oldest first.
func (s *Store) ListActive(ctx context.Context, functionID string) ([]checkpoint.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []checkpoint.Run
	for _, run := range s.runs {
		if run.FunctionID == functionID && !run.Status.IsTerminal() {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RecordStep persists a step record, enforcing write-once success.
func (s *Store) RecordStep(ctx context.Context, rec checkpoint.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey{rec.RunID, rec.StepName}
	if existing, ok := s.steps[key]; ok && existing.Status == checkpoint.StepSucceeded {
		return checkpoint.ErrStepSealed
	}
	s.steps[key] = rec
	return nil
}

// GetStep returns the record for (runID, stepName).
func (s *Store) GetStep(ctx context.Context, runID, stepName string) (checkpoint.StepRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.steps[stepKey{runID, stepName}]
	return rec, ok, nil
}

// ListSteps returns all step records for a run, ordered by completion time.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]checkpoint.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []checkpoint.StepRecord
	for key, rec := range s.steps {
		if key.runID == runID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}

// PutSleep stores the run's sleep marker, replacing any existing one.
func (s *Store) PutSleep(ctx context.Context, marker checkpoint.SleepMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sleeps[marker.RunID] = marker
	return nil
}

// ClearSleep removes the run's sleep marker.
func (s *Store) ClearSleep(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sleeps, runID)
	return nil
}

// DueSleeps returns up to limit markers due at or before now, oldest first.
func (s *Store) DueSleeps(ctx context.Context, now time.Time, limit int) ([]checkpoint.SleepMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []checkpoint.SleepMarker
	for _, marker := range s.sleeps {
		if !marker.WakeAt.After(now) {
			due = append(due, marker)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].WakeAt.Before(due[j].WakeAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
