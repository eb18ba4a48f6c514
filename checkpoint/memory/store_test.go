package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chorusflow/chorus/checkpoint"
)

func testRun(id, functionID string) checkpoint.Run {
	now := time.Now()
	return checkpoint.Run{
		ID:             id,
		FunctionID:     functionID,
		Status:         checkpoint.RunPending,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	store := New()
	ctx := context.Background()

	run := testRun("r1", "fn-1")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := store.CreateRun(ctx, run); !errors.Is(err, checkpoint.ErrRunExists) {
		t.Errorf("duplicate create error = %v, want ErrRunExists", err)
	}

	got, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.FunctionID != "fn-1" || got.Status != checkpoint.RunPending {
		t.Errorf("GetRun = %+v", got)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, checkpoint.ErrRunNotFound) {
		t.Errorf("missing run error = %v, want ErrRunNotFound", err)
	}
}

func TestUpdateRunTerminalWins(t *testing.T) {
	store := New()
	ctx := context.Background()

	run := testRun("r1", "fn-1")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	cancelled, err := store.CancelRun(ctx, "r1", "superseded")
	if err != nil || !cancelled {
		t.Fatalf("CancelRun = (%v, %v), want (true, nil)", cancelled, err)
	}

	// A racing executor update must not overwrite the cancellation.
	run.Status = checkpoint.RunRunning
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, _ := store.GetRun(ctx, "r1")
	if got.Status != checkpoint.RunCancelled {
		t.Errorf("status = %s, want cancelled (terminal wins)", got.Status)
	}
	if got.Error != "superseded" {
		t.Errorf("error = %q, want the cancel reason", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestCancelRunIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CreateRun(ctx, testRun("r1", "fn-1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	first, err := store.CancelRun(ctx, "r1", "reason one")
	if err != nil || !first {
		t.Fatalf("first cancel = (%v, %v)", first, err)
	}
	second, err := store.CancelRun(ctx, "r1", "reason two")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second {
		t.Error("second cancel should report no transition")
	}

	got, _ := store.GetRun(ctx, "r1")
	if got.Error != "reason one" {
		t.Errorf("error = %q, first cancel should win", got.Error)
	}
}

func TestListActive(t *testing.T) {
	store := New()
	ctx := context.Background()

	early := testRun("r1", "fn-1")
	early.CreatedAt = time.Now().Add(-time.Hour)
	late := testRun("r2", "fn-1")
	other := testRun("r3", "fn-2")
	done := testRun("r4", "fn-1")
	done.Status = checkpoint.RunCompleted

	for _, r := range []checkpoint.Run{late, early, other, done} {
		if err := store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun %s: %v", r.ID, err)
		}
	}

	active, err := store.ListActive(ctx, "fn-1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ListActive returned %d runs, want 2", len(active))
	}
	if active[0].ID != "r1" || active[1].ID != "r2" {
		t.Errorf("expected oldest first: got %s, %s", active[0].ID, active[1].ID)
	}
}

func TestRecordStepWriteOnce(t *testing.T) {
	store := New()
	ctx := context.Background()

	failed := checkpoint.StepRecord{
		RunID:       "r1",
		StepName:    "publish",
		Status:      checkpoint.StepFailed,
		Error:       "boom",
		CompletedAt: time.Now(),
	}
	if err := store.RecordStep(ctx, failed); err != nil {
		t.Fatalf("record failed step: %v", err)
	}

	// A later success overwrites a failed record.
	succeeded := failed
	succeeded.Status = checkpoint.StepSucceeded
	succeeded.Result = json.RawMessage(`"ok"`)
	succeeded.Error = ""
	if err := store.RecordStep(ctx, succeeded); err != nil {
		t.Fatalf("overwrite failed with success: %v", err)
	}

	// Nothing overwrites a success.
	if err := store.RecordStep(ctx, failed); !errors.Is(err, checkpoint.ErrStepSealed) {
		t.Errorf("overwrite of sealed step error = %v, want ErrStepSealed", err)
	}

	rec, ok, err := store.GetStep(ctx, "r1", "publish")
	if err != nil || !ok {
		t.Fatalf("GetStep = (%v, %v)", ok, err)
	}
	if rec.Status != checkpoint.StepSucceeded || string(rec.Result) != `"ok"` {
		t.Errorf("sealed record = %+v", rec)
	}
}

func TestSleepMarkers(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()

	markers := []checkpoint.SleepMarker{
		{RunID: "r1", WakeAt: now.Add(-time.Minute), StepIndex: 1, Reason: "sleep"},
		{RunID: "r2", WakeAt: now.Add(-time.Hour), StepIndex: 0, Reason: "retry"},
		{RunID: "r3", WakeAt: now.Add(time.Hour), StepIndex: 2, Reason: "sleep"},
	}
	for _, m := range markers {
		if err := store.PutSleep(ctx, m); err != nil {
			t.Fatalf("PutSleep %s: %v", m.RunID, err)
		}
	}

	due, err := store.DueSleeps(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueSleeps: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("DueSleeps returned %d markers, want 2", len(due))
	}
	if due[0].RunID != "r2" {
		t.Errorf("oldest wake first: got %s, want r2", due[0].RunID)
	}

	// Replacement: one marker per run.
	if err := store.PutSleep(ctx, checkpoint.SleepMarker{
		RunID: "r1", WakeAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("PutSleep replace: %v", err)
	}
	due, _ = store.DueSleeps(ctx, now, 10)
	if len(due) != 1 {
		t.Errorf("after replacement, %d due markers, want 1", len(due))
	}

	if err := store.ClearSleep(ctx, "r2"); err != nil {
		t.Fatalf("ClearSleep: %v", err)
	}
	due, _ = store.DueSleeps(ctx, now, 10)
	if len(due) != 0 {
		t.Errorf("after clear, %d due markers, want 0", len(due))
	}

	// Limit applies.
	for _, m := range markers {
		store.PutSleep(ctx, m)
	}
	due, _ = store.DueSleeps(ctx, now, 1)
	if len(due) != 1 {
		t.Errorf("limit 1 returned %d markers", len(due))
	}
}
