// Package pollloop composes the submit-then-poll shape used against providers
// whose jobs finish minutes later: submit once, then poll with a sleeping
// backoff, holding no worker between polls.
package pollloop

import (
	"fmt"
	"time"

	"github.com/chorusflow/chorus/function"
	"github.com/chorusflow/chorus/retry"
)

// Status is one poll observation of the remote job.
type Status struct {
	// Done reports whether the remote job finished.
	Done bool `json:"done"`

	// Failed reports a terminal provider-side failure. Only meaningful
	// when Done is true.
	Failed bool `json:"failed"`

	// Message carries the provider's failure detail.
	Message string `json:"message,omitempty"`

	// Output is the job's result payload when it succeeded.
	Output any `json:"output,omitempty"`
}

// SubmitFunc starts the remote job, returning a handle the poll function can
// check (typically the provider's job ID).
type SubmitFunc[R any] func(ctx function.Context) (R, error)

// CheckFunc observes the remote job once. It must be side-effect free: each
// poll is memoized, but the budget check means a check can be skipped.
type CheckFunc[R any] func(ctx function.Context, handle R) (Status, error)

// Options bounds the poll loop.
type Options struct {
	// MaxPolls caps the number of poll iterations. Defaults to 20.
	MaxPolls int

	// Budget caps total wall-clock polling time measured from the first
	// poll. Defaults to 10 minutes.
	Budget time.Duration

	// Backoff returns the wait before the next poll given the number of
	// polls already taken. Defaults to DefaultBackoff.
	Backoff func(polls int) time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPolls <= 0 {
		o.MaxPolls = 20
	}
	if o.Budget <= 0 {
		o.Budget = 10 * time.Minute
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff
	}
	return o
}

// DefaultBackoff polls eagerly at first and settles into a slow cadence:
// 10s for the first six polls, 20s for the next six, then 30s.
func DefaultBackoff(polls int) time.Duration {
	switch {
	case polls < 6:
		return 10 * time.Second
	case polls < 12:
		return 20 * time.Second
	default:
		return 30 * time.Second
	}
}

type pollState struct {
	StartedAt time.Time `json:"started_at"`
}

// Steps builds the two-step submit/poll sequence. The submit step runs
// exactly once to success; the poll step re-enters after each sleep, with
// every completed poll memoized so a resumed run never re-polls an iteration
// it already observed.
//
// Exhausting the poll budget fails the run with a timeout-classed error, so
// the scheduler does not retry a job that is genuinely stuck.
func Steps[R any](submitName string, submit SubmitFunc[R], pollName string, check CheckFunc[R], opts Options) []function.StepSpec {
	opts = opts.withDefaults()

	return []function.StepSpec{
		{
			Name: submitName,
			Fn: func(ctx function.Context) (any, error) {
				return submit(ctx)
			},
		},
		{
			Name: pollName,
			Fn: func(ctx function.Context) (any, error) {
				handle, err := function.Output[R](ctx, submitName)
				if err != nil {
					return nil, err
				}

				state, err := function.Memo(ctx, pollName+".started", func() (pollState, error) {
					return pollState{StartedAt: ctx.Now()}, nil
				})
				if err != nil {
					return nil, err
				}

				polls := ctx.Iteration()
				if polls >= opts.MaxPolls {
					return nil, retry.Timeout(fmt.Errorf(
						"pollloop: %s not done after %d polls", pollName, polls))
				}
				if ctx.Now().Sub(state.StartedAt) > opts.Budget {
					return nil, retry.Timeout(fmt.Errorf(
						"pollloop: %s exceeded %s budget", pollName, opts.Budget))
				}

				status, err := function.Memo(ctx, fmt.Sprintf("%s.%d", pollName, polls), func() (Status, error) {
					return check(ctx, handle)
				})
				if err != nil {
					return nil, err
				}

				if status.Done {
					if status.Failed {
						return nil, retry.ProviderTerminal(fmt.Errorf(
							"pollloop: %s failed: %s", pollName, status.Message))
					}
					return status, nil
				}

				return nil, function.SleepUntil(ctx.Now().Add(opts.Backoff(polls)))
			},
		},
	}
}
