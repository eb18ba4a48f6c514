package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/chorusflow/chorus/checkpoint"
	"github.com/chorusflow/chorus/event"
	"github.com/chorusflow/chorus/function"
	"github.com/chorusflow/chorus/pollloop"
	"github.com/chorusflow/chorus/retry"
)

// renderSubmitRequest starts a provider render job.
type renderSubmitRequest struct {
	TaskID          string `json:"taskId"`
	ProviderID      string `json:"providerId"`
	RenderType      string `json:"renderType"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"durationSeconds"`
}

// renderHandle is the submit step's durable result.
type renderHandle struct {
	JobID  string `json:"jobId"`
	TaskID string `json:"taskId"`
	UserID string `json:"userId"`
}

// renderStatusRequest checks one provider job.
type renderStatusRequest struct {
	JobID string `json:"jobId"`
}

// renderStatusResponse is the provider's view of the job.
type renderStatusResponse struct {
	Status   string `json:"status"` // processing | completed | failed
	VideoURL string `json:"videoUrl,omitempty"`
	Message  string `json:"message,omitempty"`
}

// RenderVideo submits a render to the external provider and polls until it
// finishes, sleeping between polls. Completion and failure each emit exactly
// one event: the emit step publishes with a run-derived ID, and the failure
// hook does the same, so redelivery collapses in the event log.
func RenderVideo(deps Deps) *function.Definition {
	steps := pollloop.Steps(
		"submit-render",
		func(ctx function.Context) (renderHandle, error) {
			p, err := function.Input[RenderPayload](ctx)
			if err != nil {
				return renderHandle{}, retry.Validation(err)
			}
			if err := p.Validate(); err != nil {
				return renderHandle{}, retry.Validation(err)
			}

			var handle renderHandle
			if err := deps.HTTP.PostJSON(ctx, deps.Endpoints.RenderSubmit, renderSubmitRequest{
				TaskID:          p.TaskID,
				ProviderID:      p.ProviderID,
				RenderType:      p.RenderType,
				Prompt:          p.Prompt,
				DurationSeconds: p.DurationSeconds,
			}, &handle); err != nil {
				return renderHandle{}, err
			}
			handle.TaskID = p.TaskID
			handle.UserID = p.UserID
			return handle, nil
		},
		"poll-render",
		func(ctx function.Context, handle renderHandle) (pollloop.Status, error) {
			var resp renderStatusResponse
			if err := deps.HTTP.PostJSON(ctx, deps.Endpoints.RenderStatus, renderStatusRequest{
				JobID: handle.JobID,
			}, &resp); err != nil {
				return pollloop.Status{}, err
			}
			switch resp.Status {
			case "completed":
				return pollloop.Status{Done: true, Output: resp.VideoURL}, nil
			case "failed":
				return pollloop.Status{Done: true, Failed: true, Message: resp.Message}, nil
			default:
				return pollloop.Status{}, nil
			}
		},
		deps.RenderPoll,
	)

	steps = append(steps, function.StepSpec{
		Name: "emit-completed",
		Fn: func(ctx function.Context) (any, error) {
			p, err := function.Input[RenderPayload](ctx)
			if err != nil {
				return nil, retry.Validation(err)
			}
			status, err := function.Output[pollloop.Status](ctx, "poll-render")
			if err != nil {
				return nil, err
			}
			videoURL, _ := status.Output.(string)

			evt, err := event.New(EventRenderCompleted, RenderCompletedPayload{
				TaskID:    p.TaskID,
				UserID:    p.UserID,
				VideoURL:  videoURL,
				ContentID: p.ContentID,
			})
			if err != nil {
				return nil, err
			}
			evt.ID = event.DeterministicID("render-completed", ctx.RunID())
			return deps.Bus.Publish(ctx, evt)
		},
	})

	return &function.Definition{
		ID:           "render-video",
		TriggerEvent: EventRenderRequested,
		Steps:        steps,
		OnFailure:    renderFailureHook(deps),
	}
}

// renderFailureHook emits video.render.failed. At-least-once invocation is
// safe: the event ID is derived from the run, so duplicates collapse.
func renderFailureHook(deps Deps) function.FailureHook {
	return func(ctx context.Context, run checkpoint.Run, cause error) error {
		p, err := event.Decode[RenderPayload](run.Trigger)
		if err != nil {
			return fmt.Errorf("jobs: decode render trigger: %w", err)
		}

		evt, err := event.New(EventRenderFailed, RenderFailedPayload{
			TaskID: p.TaskID,
			UserID: p.UserID,
			Reason: cause.Error(),
			Class:  retry.ClassOf(cause).String(),
		})
		if err != nil {
			return err
		}
		evt.ID = event.DeterministicID("render-failed", run.ID)
		evt.OccurredAt = time.Now()

		_, err = deps.Bus.Publish(ctx, evt)
		return err
	}
}
