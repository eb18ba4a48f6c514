// Package pgstore provides a PostgreSQL-backed implementation of
// checkpoint.Store.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chorusflow/chorus/checkpoint"
)

// Schema is the DDL for the checkpoint tables. Applied by EnsureSchema or by
// the deployment's own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS chorus_runs (
	id               TEXT PRIMARY KEY,
	function_id      TEXT NOT NULL,
	trigger_event    JSONB NOT NULL,
	status           TEXT NOT NULL,
	step_index       INTEGER NOT NULL DEFAULT 0,
	step_iteration   INTEGER NOT NULL DEFAULT 0,
	step_attempt     INTEGER NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	failure_class    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_chorus_runs_active
	ON chorus_runs (function_id, created_at)
	WHERE status NOT IN ('completed', 'failed', 'cancelled');

CREATE TABLE IF NOT EXISTS chorus_steps (
	run_id       TEXT NOT NULL,
	step_name    TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       JSONB,
	error        TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, step_name)
);

CREATE TABLE IF NOT EXISTS chorus_sleeps (
	run_id     TEXT PRIMARY KEY,
	wake_at    TIMESTAMPTZ NOT NULL,
	step_index INTEGER NOT NULL,
	reason     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_chorus_sleeps_wake_at ON chorus_sleeps (wake_at);
`

// terminalStatuses is inlined into queries that must not touch settled runs.
const terminalStatuses = `('completed', 'failed', 'cancelled')`

// Store implements checkpoint.Store with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL checkpoint store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the checkpoint tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: ensure checkpoint schema: %w", err)
	}
	return nil
}

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run checkpoint.Run) error {
	trigger, err := json.Marshal(run.Trigger)
	if err != nil {
		return fmt.Errorf("pgstore: marshal trigger: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chorus_runs (
			id, function_id, trigger_event, status, step_index,
			step_iteration, step_attempt, error, failure_class,
			created_at, last_activity_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, run.ID, run.FunctionID, trigger, string(run.Status), run.StepIndex,
		run.StepIteration, run.StepAttempt, run.Error, run.FailureClass,
		run.CreatedAt, run.LastActivityAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return checkpoint.ErrRunExists
	}
	return nil
}

// GetRun returns the run with the given ID.
func (s *Store) GetRun(ctx context.Context, runID string) (checkpoint.Run, error) {
	var (
		run     checkpoint.Run
		trigger []byte
		status  string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, function_id, trigger_event, status, step_index,
		       step_iteration, step_attempt, error, failure_class,
		       created_at, last_activity_at, completed_at
		FROM chorus_runs
		WHERE id = $1
	`, runID).Scan(&run.ID, &run.FunctionID, &trigger, &status, &run.StepIndex,
		&run.StepIteration, &run.StepAttempt, &run.Error, &run.FailureClass,
		&run.CreatedAt, &run.LastActivityAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpoint.Run{}, checkpoint.ErrRunNotFound
	}
	if err != nil {
		return checkpoint.Run{}, fmt.Errorf("pgstore: get run: %w", err)
	}

	run.Status = checkpoint.RunStatus(status)
	if err := json.Unmarshal(trigger, &run.Trigger); err != nil {
		return checkpoint.Run{}, fmt.Errorf("pgstore: unmarshal trigger: %w", err)
	}
	return run, nil
}

// UpdateRun replaces the run row unless it is already terminal, so a racing
// cancel always wins.
func (s *Store) UpdateRun(ctx context.Context, run checkpoint.Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chorus_runs
		SET status = $2, step_index = $3, step_iteration = $4,
		    step_attempt = $5, error = $6, failure_class = $7,
		    last_activity_at = $8, completed_at = $9
		WHERE id = $1 AND status NOT IN `+terminalStatuses+`
	`, run.ID, string(run.Status), run.StepIndex, run.StepIteration,
		run.StepAttempt, run.Error, run.FailureClass,
		run.LastActivityAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("pgstore: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the run is terminal (no-op) or it doesn't exist.
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
	}
	return nil
}

// CancelRun transitions a non-terminal run to cancelled.
func (s *Store) CancelRun(ctx context.Context, runID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chorus_runs
		SET status = 'cancelled', error = $2,
		    last_activity_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status NOT IN `+terminalStatuses+`
	`, runID, reason)
	if err != nil {
		return false, fmt.Errorf("pgstore: cancel run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListActive returns the non-terminal runs for a function, oldest first.
func (s *Store) ListActive(ctx context.Context, functionID string) ([]checkpoint.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, function_id, trigger_event, status, step_index,
		       step_iteration, step_attempt, error, failure_class,
		       created_at, last_activity_at, completed_at
		FROM chorus_runs
		WHERE function_id = $1 AND status NOT IN `+terminalStatuses+`
		ORDER BY created_at ASC
	`, functionID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query active runs: %w", err)
	}
	defer rows.Close()

	var runs []checkpoint.Run
	for rows.Next() {
		var (
			run     checkpoint.Run
			trigger []byte
			status  string
		)
		if err := rows.Scan(&run.ID, &run.FunctionID, &trigger, &status,
			&run.StepIndex, &run.StepIteration, &run.StepAttempt,
			&run.Error, &run.FailureClass, &run.CreatedAt,
			&run.LastActivityAt, &run.CompletedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan run: %w", err)
		}
		run.Status = checkpoint.RunStatus(status)
		if err := json.Unmarshal(trigger, &run.Trigger); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal trigger: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate runs: %w", err)
	}
	return runs, nil
}

// RecordStep persists a step record, enforcing write-once success.
func (s *Store) RecordStep(ctx context.Context, rec checkpoint.StepRecord) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chorus_steps (run_id, step_name, status, result, error, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, step_name) DO UPDATE
		SET status = EXCLUDED.status, result = EXCLUDED.result,
		    error = EXCLUDED.error, completed_at = EXCLUDED.completed_at
		WHERE chorus_steps.status <> 'succeeded'
	`, rec.RunID, rec.StepName, string(rec.Status), rec.Result, rec.Error, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("pgstore: record step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return checkpoint.ErrStepSealed
	}
	return nil
}

// GetStep returns the record for (runID, stepName).
func (s *Store) GetStep(ctx context.Context, runID, stepName string) (checkpoint.StepRecord, bool, error) {
	var (
		rec    checkpoint.StepRecord
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, step_name, status, result, error, completed_at
		FROM chorus_steps
		WHERE run_id = $1 AND step_name = $2
	`, runID, stepName).Scan(&rec.RunID, &rec.StepName, &status, &rec.Result,
		&rec.Error, &rec.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpoint.StepRecord{}, false, nil
	}
	if err != nil {
		return checkpoint.StepRecord{}, false, fmt.Errorf("pgstore: get step: %w", err)
	}
	rec.Status = checkpoint.StepStatus(status)
	return rec, true, nil
}

// ListSteps returns all step records for a run, ordered by completion time.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]checkpoint.StepRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, step_name, status, result, error, completed_at
		FROM chorus_steps
		WHERE run_id = $1
		ORDER BY completed_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query steps: %w", err)
	}
	defer rows.Close()

	var recs []checkpoint.StepRecord
	for rows.Next() {
		var (
			rec    checkpoint.StepRecord
			status string
		)
		if err := rows.Scan(&rec.RunID, &rec.StepName, &status, &rec.Result,
			&rec.Error, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan step: %w", err)
		}
		rec.Status = checkpoint.StepStatus(status)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate steps: %w", err)
	}
	return recs, nil
}

// PutSleep stores the run's sleep marker, replacing any existing one.
func (s *Store) PutSleep(ctx context.Context, marker checkpoint.SleepMarker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chorus_sleeps (run_id, wake_at, step_index, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE
		SET wake_at = EXCLUDED.wake_at, step_index = EXCLUDED.step_index,
		    reason = EXCLUDED.reason
	`, marker.RunID, marker.WakeAt, marker.StepIndex, marker.Reason)
	if err != nil {
		return fmt.Errorf("pgstore: put sleep marker: %w", err)
	}
	return nil
}

// ClearSleep removes the run's sleep marker.
func (s *Store) ClearSleep(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM chorus_sleeps WHERE run_id = $1
	`, runID); err != nil {
		return fmt.Errorf("pgstore: clear sleep marker: %w", err)
	}
	return nil
}

// DueSleeps returns up to limit markers due at or before now, oldest first.
func (s *Store) DueSleeps(ctx context.Context, now time.Time, limit int) ([]checkpoint.SleepMarker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, wake_at, step_index, reason
		FROM chorus_sleeps
		WHERE wake_at <= $1
		ORDER BY wake_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query due sleeps: %w", err)
	}
	defer rows.Close()

	var markers []checkpoint.SleepMarker
	for rows.Next() {
		var m checkpoint.SleepMarker
		if err := rows.Scan(&m.RunID, &m.WakeAt, &m.StepIndex, &m.Reason); err != nil {
			return nil, fmt.Errorf("pgstore: scan sleep marker: %w", err)
		}
		markers = append(markers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate sleep markers: %w", err)
	}
	return markers, nil
}
