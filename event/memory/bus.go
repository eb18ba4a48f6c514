package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chorusflow/chorus/event"
)

// Default redelivery behavior for failed handlers.
const (
	DefaultRedeliverLimit = 3
	DefaultRedeliverDelay = 50 * time.Millisecond
)

// BusConfig configures the in-process bus.
type BusConfig struct {
	// Schemas validates payloads at publish time. Required.
	Schemas *event.Schemas

	// Log is the durable event record. If nil, a fresh in-memory log is used.
	Log event.Log

	// RedeliverLimit is how many times a failed handler is re-invoked.
	// If zero, DefaultRedeliverLimit is used.
	RedeliverLimit int

	// RedeliverDelay is the wait between redeliveries.
	// If zero, DefaultRedeliverDelay is used.
	RedeliverDelay time.Duration
}

// Bus is an in-process, at-least-once implementation of event.Bus.
// Handlers run synchronously on Publish; failed handlers are re-invoked
// asynchronously up to the redelivery limit.
type Bus struct {
	schemas *event.Schemas
	log     event.Log
	limit   int
	delay   time.Duration

	mu       sync.RWMutex
	handlers map[string][]event.Handler
	inflight sync.WaitGroup
}

// NewBus creates an in-process bus.
func NewBus(cfg BusConfig) *Bus {
	log := cfg.Log
	if log == nil {
		log = NewLog()
	}
	limit := cfg.RedeliverLimit
	if limit <= 0 {
		limit = DefaultRedeliverLimit
	}
	delay := cfg.RedeliverDelay
	if delay <= 0 {
		delay = DefaultRedeliverDelay
	}
	return &Bus{
		schemas:  cfg.Schemas,
		log:      log,
		limit:    limit,
		delay:    delay,
		handlers: make(map[string][]event.Handler),
	}
}

// Subscribe registers a handler for events with the given name.
func (b *Bus) Subscribe(name string, h event.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish validates, durably records, and delivers the event. A duplicate ID
// returns the existing ID without redelivering: at-least-once publishers with
// deterministic IDs collapse here.
func (b *Bus) Publish(ctx context.Context, e event.Event) (string, error) {
	if err := b.schemas.Validate(e); err != nil {
		return "", err
	}

	if err := b.log.Append(ctx, e); err != nil {
		if err == event.ErrDuplicateEvent {
			return e.ID, nil
		}
		return "", err
	}

	b.mu.RLock()
	handlers := append([]event.Handler(nil), b.handlers[e.Name]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			b.redeliver(e, h, 1)
		}
	}
	return e.ID, nil
}

// redeliver retries a failed handler after a delay, preserving at-least-once
// delivery without blocking the publisher.
func (b *Bus) redeliver(e event.Event, h event.Handler, attempt int) {
	if attempt > b.limit {
		return
	}
	b.inflight.Add(1)
	time.AfterFunc(b.delay, func() {
		defer b.inflight.Done()
		if err := h(context.Background(), e); err != nil {
			b.redeliver(e, h, attempt+1)
		}
	})
}

// Drain blocks until pending redeliveries have finished. Test helper.
func (b *Bus) Drain() {
	b.inflight.Wait()
}
