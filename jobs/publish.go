package jobs

import (
	"fmt"

	"github.com/chorusflow/chorus/function"
	"github.com/chorusflow/chorus/retry"
)

// publishRequest is the wire shape of the internal publish endpoint.
type publishRequest struct {
	PublicationID string `json:"publicationId,omitempty"`
	ChannelID     string `json:"channelId"`
	UserID        string `json:"userId"`
	ContentID     string `json:"contentId"`
	Text          string `json:"text"`
}

// publishResponse is what the publish endpoint returns on success.
type publishResponse struct {
	ExternalURL string `json:"externalUrl"`
}

// PublishContent fans one piece of content out to every requested channel.
// Each channel publish is memoized independently, so a retry after a partial
// fan-out only touches the channels that have not published yet.
func PublishContent(deps Deps) *function.Definition {
	return &function.Definition{
		ID:               "publish-content",
		TriggerEvent:     EventPublishContent,
		ConcurrencyLimit: 10,
		Steps: []function.StepSpec{
			{
				Name: "validate",
				Fn: func(ctx function.Context) (any, error) {
					p, err := function.Input[PublishContentPayload](ctx)
					if err != nil {
						return nil, retry.Validation(err)
					}
					if err := p.Validate(); err != nil {
						return nil, retry.Validation(err)
					}
					return p, nil
				},
			},
			{
				Name: "wait-for-scheduled-time",
				Fn: func(ctx function.Context) (any, error) {
					p, err := function.Output[PublishContentPayload](ctx, "validate")
					if err != nil {
						return nil, err
					}
					if p.ScheduledFor != nil && ctx.Now().Before(*p.ScheduledFor) {
						return nil, function.SleepUntil(*p.ScheduledFor)
					}
					return true, nil
				},
			},
			{
				Name: "publish-channels",
				Fn: func(ctx function.Context) (any, error) {
					p, err := function.Output[PublishContentPayload](ctx, "validate")
					if err != nil {
						return nil, err
					}

					results := make([]ChannelResult, 0, len(p.Channels))
					for _, channel := range p.Channels {
						res, err := function.Memo(ctx, "publish-"+channel, func() (ChannelResult, error) {
							return publishOneChannel(ctx, deps, p, channel)
						})
						if err != nil {
							return nil, err
						}
						results = append(results, res)
					}
					return results, nil
				},
			},
			{
				Name: "emit-completed",
				Fn: func(ctx function.Context) (any, error) {
					p, err := function.Output[PublishContentPayload](ctx, "validate")
					if err != nil {
						return nil, err
					}
					results, err := function.Output[[]ChannelResult](ctx, "publish-channels")
					if err != nil {
						return nil, err
					}
					return ctx.Publish(EventPublishContentCompleted, PublishContentCompletedPayload{
						ContentID: p.ContentID,
						Results:   results,
					})
				},
			},
		},
	}
}

// publishOneChannel posts to the publish endpoint. Transient failures
// propagate so the step retries; terminal failures become a failed result so
// one rejected channel doesn't sink the rest of the fan-out.
func publishOneChannel(ctx function.Context, deps Deps, p PublishContentPayload, channel string) (ChannelResult, error) {
	var resp publishResponse
	err := deps.HTTP.PostJSON(ctx, deps.Endpoints.Publish, publishRequest{
		ChannelID: channel,
		UserID:    p.UserID,
		ContentID: p.ContentID,
		Text:      p.Text,
	}, &resp)
	if err == nil {
		return ChannelResult{
			ChannelID:   channel,
			Status:      PublicationPublished,
			ExternalURL: resp.ExternalURL,
		}, nil
	}
	if retry.ClassOf(err).Retriable() {
		return ChannelResult{}, fmt.Errorf("publish %s: %w", channel, err)
	}
	return ChannelResult{
		ChannelID: channel,
		Status:    PublicationFailed,
		Error:     err.Error(),
	}, nil
}
