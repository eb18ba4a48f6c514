package jobs

import (
	"github.com/chorusflow/chorus/event"
	"github.com/chorusflow/chorus/function"
	"github.com/chorusflow/chorus/retry"
)

// ScheduleContent holds a publish request until its scheduled time, then fans
// out one publish.to-channel event per channel. A newer schedule request for
// the same contentId supersedes the pending run, so rescheduling moves the
// publish instead of doubling it.
func ScheduleContent(deps Deps) *function.Definition {
	return &function.Definition{
		ID:           "schedule-content",
		TriggerEvent: EventScheduleRequested,
		CancelOn: []function.CancelRule{
			{Event: EventScheduleRequested, Match: "contentId"},
		},
		Steps: []function.StepSpec{
			{
				Name: "validate",
				Fn: func(ctx function.Context) (any, error) {
					p, err := function.Input[SchedulePayload](ctx)
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
				Name: "wait-until-scheduled",
				Fn: func(ctx function.Context) (any, error) {
					p, err := function.Output[SchedulePayload](ctx, "validate")
					if err != nil {
						return nil, err
					}
					// Re-entrant: the step re-checks the clock on every
					// wake, so an early resume just goes back to sleep.
					if ctx.Now().Before(p.ScheduledAt) {
						return nil, function.SleepUntil(p.ScheduledAt)
					}
					return ctx.Now(), nil
				},
			},
			{
				Name: "fan-out-channels",
				Fn: func(ctx function.Context) (any, error) {
					p, err := function.Output[SchedulePayload](ctx, "validate")
					if err != nil {
						return nil, err
					}

					eventIDs := make([]string, 0, len(p.Channels))
					for _, channel := range p.Channels {
						id, err := function.Memo(ctx, "dispatch-"+channel, func() (string, error) {
							return dispatchChannelPublish(ctx, deps, p, channel)
						})
						if err != nil {
							return nil, err
						}
						eventIDs = append(eventIDs, id)
					}
					return eventIDs, nil
				},
			},
		},
	}
}

// dispatchChannelPublish creates the pending publication row and emits the
// publish.to-channel event. IDs are derived from the run so a replayed
// dispatch collapses instead of duplicating.
func dispatchChannelPublish(ctx function.Context, deps Deps, p SchedulePayload, channel string) (string, error) {
	now := ctx.Now()
	publicationID := event.DeterministicID("publication", ctx.RunID(), channel)

	if err := deps.Publications.Upsert(ctx, Publication{
		ID:             publicationID,
		UserID:         p.UserID,
		ChannelID:      channel,
		ContentID:      p.ContentID,
		Text:           p.Text,
		Status:         PublicationPending,
		IdempotencyKey: IdempotencyKey(p.UserID, channel, p.Text, now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return "", err
	}

	evt, err := event.New(EventPublishToChannel, PublishToChannelPayload{
		PublicationID: publicationID,
		ChannelID:     channel,
		UserID:        p.UserID,
		ContentID:     p.ContentID,
		Text:          p.Text,
	})
	if err != nil {
		return "", err
	}
	evt.ID = event.DeterministicID("publish-to-channel", ctx.RunID(), channel)
	evt.OccurredAt = now

	return deps.Bus.Publish(ctx, evt)
}
