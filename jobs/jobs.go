package jobs

import (
	"fmt"
	"time"

	"github.com/chorusflow/chorus/event"
	"github.com/chorusflow/chorus/function"
	"github.com/chorusflow/chorus/httpstep"
	"github.com/chorusflow/chorus/pollloop"
)

// Endpoints names the internal service URLs the functions call.
type Endpoints struct {
	// Publish posts one channel publication.
	Publish string

	// RenderSubmit starts a render job; RenderStatus checks one.
	RenderSubmit string
	RenderStatus string

	// ExtractClaims and VerifyClaim back the fact-check function.
	ExtractClaims string
	VerifyClaim   string
}

// Deps carries everything the production functions need. The bus, HTTP
// client, and publication store are required; the rest have defaults.
type Deps struct {
	Bus          event.Bus
	HTTP         *httpstep.Client
	Publications PublicationStore
	Endpoints    Endpoints

	// DedupWindow is how far back publish.to-channel looks for a matching
	// idempotency key. Defaults to 24 hours.
	DedupWindow time.Duration

	// RenderPoll bounds the render-video poll loop. Zero fields take the
	// pollloop defaults.
	RenderPoll pollloop.Options

	// Clock overrides time.Now. For tests; step bodies still prefer
	// ctx.Now() where a Context is in hand.
	Clock func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.DedupWindow <= 0 {
		d.DedupWindow = 24 * time.Hour
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

// Validate checks the required dependencies are present.
func (d *Deps) Validate() error {
	if d.Bus == nil {
		return fmt.Errorf("jobs: deps require an event bus")
	}
	if d.HTTP == nil {
		return fmt.Errorf("jobs: deps require an HTTP client")
	}
	if d.Publications == nil {
		return fmt.Errorf("jobs: deps require a publication store")
	}
	return nil
}

// RegisterAll registers the production functions with the registry.
func RegisterAll(reg *function.Registry, deps Deps) error {
	if err := deps.Validate(); err != nil {
		return err
	}
	deps = deps.withDefaults()

	for _, def := range []*function.Definition{
		PublishContent(deps),
		ScheduleContent(deps),
		RenderVideo(deps),
		FactCheckContent(deps),
		PublishToChannel(deps),
	} {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
