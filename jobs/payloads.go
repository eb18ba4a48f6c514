// Package jobs defines the production workflow functions: scheduling,
// per-channel publishing, video render orchestration, and fact-checking.
// Each function is a Definition built from explicit dependencies and
// registered at boot.
package jobs

import (
	"fmt"
	"time"

	"github.com/chorusflow/chorus/event"
)

// Event names the jobs package listens on and emits.
const (
	EventPublishContent          = "publish.content"
	EventPublishContentCompleted = "publish.content.completed"
	EventScheduleRequested       = "content.schedule.requested"
	EventPublishToChannel        = "publish.to-channel"
	EventRenderRequested         = "video.render.requested"
	EventRenderCompleted         = "video.render.completed"
	EventRenderFailed            = "video.render.failed"
	EventFactCheckRequested      = "content.factcheck.requested"
	EventFactCheckCompleted      = "content.factcheck.completed"
)

// PublishContentPayload triggers an immediate multi-channel publish.
type PublishContentPayload struct {
	UserID       string     `json:"userId"`
	ContentID    string     `json:"contentId"`
	Channels     []string   `json:"channels"`
	Text         string     `json:"text"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

func (p PublishContentPayload) Validate() error {
	if p.UserID == "" || p.ContentID == "" {
		return fmt.Errorf("jobs: publish.content requires userId and contentId")
	}
	if len(p.Channels) == 0 {
		return fmt.Errorf("jobs: publish.content requires at least one channel")
	}
	if p.Text == "" {
		return fmt.Errorf("jobs: publish.content requires text")
	}
	return nil
}

// ChannelResult is the per-channel outcome carried by
// publish.content.completed.
type ChannelResult struct {
	ChannelID   string `json:"channelId"`
	Status      string `json:"status"`
	ExternalURL string `json:"externalUrl,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PublishContentCompletedPayload reports the fan-out outcome.
type PublishContentCompletedPayload struct {
	ContentID string          `json:"contentId"`
	Results   []ChannelResult `json:"results"`
}

func (p PublishContentCompletedPayload) Validate() error {
	if p.ContentID == "" {
		return fmt.Errorf("jobs: publish.content.completed requires contentId")
	}
	return nil
}

// SchedulePayload requests publishing at a future time. A repeat for the
// same contentId supersedes the pending one.
type SchedulePayload struct {
	UserID      string    `json:"userId"`
	ContentID   string    `json:"contentId"`
	Channels    []string  `json:"channels"`
	Text        string    `json:"text"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

func (p SchedulePayload) Validate() error {
	if p.UserID == "" || p.ContentID == "" {
		return fmt.Errorf("jobs: schedule request requires userId and contentId")
	}
	if len(p.Channels) == 0 {
		return fmt.Errorf("jobs: schedule request requires at least one channel")
	}
	if p.Text == "" {
		return fmt.Errorf("jobs: schedule request requires text")
	}
	if p.ScheduledAt.IsZero() {
		return fmt.Errorf("jobs: schedule request requires scheduledAt")
	}
	return nil
}

// PublishToChannelPayload publishes one piece of content to one channel.
type PublishToChannelPayload struct {
	PublicationID string `json:"publicationId"`
	ChannelID     string `json:"channelId"`
	UserID        string `json:"userId"`
	ContentID     string `json:"contentId"`
	Text          string `json:"text"`
}

func (p PublishToChannelPayload) Validate() error {
	if p.PublicationID == "" || p.ChannelID == "" {
		return fmt.Errorf("jobs: publish.to-channel requires publicationId and channelId")
	}
	if p.UserID == "" || p.Text == "" {
		return fmt.Errorf("jobs: publish.to-channel requires userId and text")
	}
	return nil
}

// RenderPayload requests a video render from an external provider.
type RenderPayload struct {
	TaskID          string  `json:"taskId"`
	ProviderID      string  `json:"providerId"`
	UserID          string  `json:"userId"`
	RenderType      string  `json:"renderType"`
	Prompt          string  `json:"prompt"`
	DurationSeconds int     `json:"durationSeconds"`
	EstimatedCost   float64 `json:"estimatedCost"`
	ContentID       string  `json:"contentId,omitempty"`
}

func (p RenderPayload) Validate() error {
	if p.TaskID == "" || p.ProviderID == "" || p.UserID == "" {
		return fmt.Errorf("jobs: render request requires taskId, providerId, and userId")
	}
	if p.Prompt == "" {
		return fmt.Errorf("jobs: render request requires a prompt")
	}
	if p.DurationSeconds <= 0 {
		return fmt.Errorf("jobs: render request requires a positive duration")
	}
	return nil
}

// RenderCompletedPayload reports a finished render.
type RenderCompletedPayload struct {
	TaskID    string `json:"taskId"`
	UserID    string `json:"userId"`
	VideoURL  string `json:"videoUrl"`
	ContentID string `json:"contentId,omitempty"`
}

func (p RenderCompletedPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("jobs: render completed requires taskId")
	}
	return nil
}

// RenderFailedPayload reports a terminally failed render, including poll
// budget exhaustion.
type RenderFailedPayload struct {
	TaskID string `json:"taskId"`
	UserID string `json:"userId"`
	Reason string `json:"reason"`
	Class  string `json:"class"`
}

func (p RenderFailedPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("jobs: render failed requires taskId")
	}
	return nil
}

// FactCheckPayload requests claim extraction and verification for content.
type FactCheckPayload struct {
	UserID    string `json:"userId"`
	ContentID string `json:"contentId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

func (p FactCheckPayload) Validate() error {
	if p.UserID == "" || p.ContentID == "" {
		return fmt.Errorf("jobs: factcheck request requires userId and contentId")
	}
	if p.Body == "" {
		return fmt.Errorf("jobs: factcheck request requires body text")
	}
	return nil
}

// Verification is the outcome of checking one claim.
type Verification struct {
	Claim       string  `json:"claim"`
	Verified    bool    `json:"verified"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

// FactCheckCompletedPayload carries the fact-check score and verdict.
type FactCheckCompletedPayload struct {
	UserID        string         `json:"userId"`
	ContentID     string         `json:"contentId"`
	Score         int            `json:"score"`
	Verdict       string         `json:"verdict"`
	Claims        []string       `json:"claims"`
	Verifications []Verification `json:"verifications"`
}

func (p FactCheckCompletedPayload) Validate() error {
	if p.ContentID == "" {
		return fmt.Errorf("jobs: factcheck completed requires contentId")
	}
	return nil
}

// RegisterSchemas registers every payload the jobs package publishes or
// consumes. The bus rejects events for unregistered names, so the driver
// calls this before wiring subscriptions.
func RegisterSchemas(s *event.Schemas) {
	event.Register[PublishContentPayload](s, EventPublishContent)
	event.Register[PublishContentCompletedPayload](s, EventPublishContentCompleted)
	event.Register[SchedulePayload](s, EventScheduleRequested)
	event.Register[PublishToChannelPayload](s, EventPublishToChannel)
	event.Register[RenderPayload](s, EventRenderRequested)
	event.Register[RenderCompletedPayload](s, EventRenderCompleted)
	event.Register[RenderFailedPayload](s, EventRenderFailed)
	event.Register[FactCheckPayload](s, EventFactCheckRequested)
	event.Register[FactCheckCompletedPayload](s, EventFactCheckCompleted)
}
