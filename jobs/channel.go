package jobs

import (
	"context"
	"fmt"

	"github.com/chorusflow/chorus/checkpoint"
	"github.com/chorusflow/chorus/event"
	"github.com/chorusflow/chorus/function"
	"github.com/chorusflow/chorus/retry"
)

// prepareResult is the durable outcome of the dedupe-and-claim step.
type prepareResult struct {
	Duplicate   bool   `json:"duplicate"`
	DuplicateOf string `json:"duplicateOf,omitempty"`
}

// PublishToChannel performs one signed publish call for one publication,
// tracking its status through the publication store. A matching publish
// within the dedup window (same user, channel, text, and UTC day) is
// suppressed as a duplicate rather than posted twice.
func PublishToChannel(deps Deps) *function.Definition {
	return &function.Definition{
		ID:               "publish-to-channel",
		TriggerEvent:     EventPublishToChannel,
		ConcurrencyLimit: 25,
		Steps: []function.StepSpec{
			{
				Name: "prepare",
				Fn: func(ctx function.Context) (any, error) {
					p, err := function.Input[PublishToChannelPayload](ctx)
					if err != nil {
						return nil, retry.Validation(err)
					}
					if err := p.Validate(); err != nil {
						return nil, retry.Validation(err)
					}

					now := ctx.Now()
					key := IdempotencyKey(p.UserID, p.ChannelID, p.Text, now)
					existing, found, err := deps.Publications.FindByIdempotencyKey(
						ctx, key, now.Add(-deps.DedupWindow))
					if err != nil {
						return nil, err
					}
					if found && existing.ID != p.PublicationID {
						if err := deps.Publications.Upsert(ctx, Publication{
							ID:             p.PublicationID,
							UserID:         p.UserID,
							ChannelID:      p.ChannelID,
							ContentID:      p.ContentID,
							Text:           p.Text,
							Status:         PublicationDuplicate,
							IdempotencyKey: key,
							CreatedAt:      now,
							UpdatedAt:      now,
						}); err != nil {
							return nil, err
						}
						return prepareResult{Duplicate: true, DuplicateOf: existing.ID}, nil
					}

					if err := deps.Publications.Upsert(ctx, Publication{
						ID:             p.PublicationID,
						UserID:         p.UserID,
						ChannelID:      p.ChannelID,
						ContentID:      p.ContentID,
						Text:           p.Text,
						Status:         PublicationInProgress,
						IdempotencyKey: key,
						CreatedAt:      now,
						UpdatedAt:      now,
					}); err != nil {
						return nil, err
					}
					return prepareResult{}, nil
				},
			},
			{
				Name: "publish",
				Fn: func(ctx function.Context) (any, error) {
					prep, err := function.Output[prepareResult](ctx, "prepare")
					if err != nil {
						return nil, err
					}
					if prep.Duplicate {
						return ChannelResult{Status: PublicationDuplicate}, nil
					}

					p, err := function.Input[PublishToChannelPayload](ctx)
					if err != nil {
						return nil, retry.Validation(err)
					}

					var resp publishResponse
					if err := deps.HTTP.PostJSON(ctx, deps.Endpoints.Publish, publishRequest{
						PublicationID: p.PublicationID,
						ChannelID:     p.ChannelID,
						UserID:        p.UserID,
						ContentID:     p.ContentID,
						Text:          p.Text,
					}, &resp); err != nil {
						return nil, err
					}

					if err := deps.Publications.SetStatus(
						ctx, p.PublicationID, PublicationPublished, resp.ExternalURL, ""); err != nil {
						return nil, err
					}
					return ChannelResult{
						ChannelID:   p.ChannelID,
						Status:      PublicationPublished,
						ExternalURL: resp.ExternalURL,
					}, nil
				},
			},
		},
		OnFailure: channelFailureHook(deps),
	}
}

// channelFailureHook leaves the publication observably failed. SetStatus is
// idempotent, so at-least-once invocation is harmless.
func channelFailureHook(deps Deps) function.FailureHook {
	return func(ctx context.Context, run checkpoint.Run, cause error) error {
		p, err := event.Decode[PublishToChannelPayload](run.Trigger)
		if err != nil {
			return fmt.Errorf("jobs: decode publish.to-channel trigger: %w", err)
		}
		if _, found, _ := deps.Publications.Get(ctx, p.PublicationID); !found {
			// Failed before prepare ran; nothing to mark.
			return nil
		}
		return deps.Publications.SetStatus(ctx, p.PublicationID, PublicationFailed, "", cause.Error())
	}
}
