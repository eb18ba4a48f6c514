package event

import (
	"context"
	"errors"
)

// ErrDuplicateEvent indicates an event with the same ID already exists in the
// durable log. Publishers using deterministic IDs rely on this to collapse
// at-least-once republishes into a single delivery.
var ErrDuplicateEvent = errors.New("duplicate event ID")

// Handler processes a delivered event. Delivery is at-least-once: handlers
// must tolerate being invoked more than once for the same event ID. Run-level
// step memoization, not event deduplication, is the correctness mechanism.
type Handler func(ctx context.Context, e Event) error

// Bus is the publish side of the event system. Publish validates the payload
// against the registered schema, appends the event to the durable log, and
// triggers matching function definitions asynchronously.
//
// Subscribe is internal wiring: the driver subscribes the run scheduler at
// boot. Application code publishes and never subscribes directly.
type Bus interface {
	// Publish durably records the event and schedules delivery.
	// Returns the event ID. Publishing an event whose ID already exists is
	// a no-op returning the existing ID.
	Publish(ctx context.Context, e Event) (string, error)

	// Subscribe registers a handler for events with the given name.
	Subscribe(name string, h Handler)
}

// Log is the durable, append-only record of published events.
type Log interface {
	// Append stores an event. Returns ErrDuplicateEvent if an event with
	// the same ID already exists.
	Append(ctx context.Context, e Event) error

	// Get returns the event with the given ID.
	Get(ctx context.Context, id string) (Event, bool, error)

	// ListRecent returns up to limit events with the given name, newest
	// first. An empty name matches all events.
	ListRecent(ctx context.Context, name string, limit int) ([]Event, error)
}
