package function

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chorusflow/chorus/checkpoint"
	"github.com/chorusflow/chorus/event"
)

// StepStore is the slice of the checkpoint store a step context needs:
// reading sealed results and recording memoized sub-steps.
type StepStore interface {
	GetStep(ctx context.Context, runID, stepName string) (checkpoint.StepRecord, bool, error)
	RecordStep(ctx context.Context, rec checkpoint.StepRecord) error
}

// Publisher is the publish side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) (string, error)
}

// ExecEnv carries the dependencies a step context needs from the scheduler.
type ExecEnv struct {
	Store     StepStore
	Publisher Publisher
	Now       func() time.Time
}

// NewContext builds the Context handed to a step body. The scheduler creates
// one per step invocation.
func NewContext(ctx context.Context, env ExecEnv, run checkpoint.Run) Context {
	if env.Now == nil {
		env.Now = time.Now
	}
	return &stepCtx{Context: ctx, env: env, run: run}
}

type stepCtx struct {
	context.Context
	env ExecEnv
	run checkpoint.Run
}

func (s *stepCtx) RunID() string        { return s.run.ID }
func (s *stepCtx) FunctionID() string   { return s.run.FunctionID }
func (s *stepCtx) Trigger() event.Event { return s.run.Trigger }
func (s *stepCtx) Iteration() int       { return s.run.StepIteration }
func (s *stepCtx) Attempt() int         { return s.run.StepAttempt }
func (s *stepCtx) Now() time.Time       { return s.env.Now() }

func (s *stepCtx) Publish(name string, payload any) (string, error) {
	e, err := event.New(name, payload)
	if err != nil {
		return "", err
	}
	return s.env.Publisher.Publish(s.Context, e)
}

// stepOutput implements outputAccessor against the checkpoint store.
func (s *stepCtx) stepOutput(name string) (json.RawMessage, bool) {
	rec, ok, err := s.env.Store.GetStep(s.Context, s.run.ID, name)
	if err != nil || !ok || rec.Status != checkpoint.StepSucceeded {
		return nil, false
	}
	return rec.Result, true
}

// memo implements memoAccessor: run-scoped, write-once sub-step results.
// Safe for concurrent use from a single step body (fan-out via errgroup);
// the store's write-once semantics resolve races.
func (s *stepCtx) memo(name string, fn func() (any, error)) (json.RawMessage, error) {
	rec, ok, err := s.env.Store.GetStep(s.Context, s.run.ID, name)
	if err != nil {
		return nil, err
	}
	if ok && rec.Status == checkpoint.StepSucceeded {
		return rec.Result, nil
	}

	out, err := fn()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("function: marshal memo %q result: %w", name, err)
	}

	err = s.env.Store.RecordStep(s.Context, checkpoint.StepRecord{
		RunID:       s.run.ID,
		StepName:    name,
		Status:      checkpoint.StepSucceeded,
		Result:      data,
		CompletedAt: s.env.Now(),
	})
	if errors.Is(err, checkpoint.ErrStepSealed) {
		// Lost the write-once race; the sealed result wins.
		sealed, _, getErr := s.env.Store.GetStep(s.Context, s.run.ID, name)
		if getErr != nil {
			return nil, getErr
		}
		return sealed.Result, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
