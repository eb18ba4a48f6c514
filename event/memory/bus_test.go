package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chorusflow/chorus/event"
)

type busPayload struct {
	ContentID string `json:"contentId"`
}

func (p busPayload) Validate() error {
	if p.ContentID == "" {
		return errors.New("contentId required")
	}
	return nil
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	schemas := event.NewSchemas()
	event.Register[busPayload](schemas, "test.event")
	return NewBus(BusConfig{
		Schemas:        schemas,
		RedeliverDelay: time.Millisecond,
	})
}

func TestPublishDelivers(t *testing.T) {
	bus := newTestBus(t)

	var delivered atomic.Int32
	bus.Subscribe("test.event", func(ctx context.Context, e event.Event) error {
		delivered.Add(1)
		return nil
	})

	e, _ := event.New("test.event", busPayload{ContentID: "c1"})
	id, err := bus.Publish(context.Background(), e)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != e.ID {
		t.Errorf("Publish returned %s, want %s", id, e.ID)
	}
	if delivered.Load() != 1 {
		t.Errorf("delivered %d times, want 1", delivered.Load())
	}
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	bus := newTestBus(t)

	e, _ := event.New("test.event", busPayload{})
	if _, err := bus.Publish(context.Background(), e); err == nil {
		t.Error("invalid payload should be rejected")
	}

	unknown, _ := event.New("unknown.event", busPayload{ContentID: "c1"})
	if _, err := bus.Publish(context.Background(), unknown); err == nil {
		t.Error("unregistered name should be rejected")
	}
}

func TestPublishDuplicateIDIsNoOp(t *testing.T) {
	bus := newTestBus(t)

	var delivered atomic.Int32
	bus.Subscribe("test.event", func(ctx context.Context, e event.Event) error {
		delivered.Add(1)
		return nil
	})

	e, _ := event.New("test.event", busPayload{ContentID: "c1"})
	e.ID = event.DeterministicID("dup-test", "c1")

	for i := 0; i < 3; i++ {
		id, err := bus.Publish(context.Background(), e)
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		if id != e.ID {
			t.Errorf("Publish %d returned %s, want %s", i, id, e.ID)
		}
	}
	if delivered.Load() != 1 {
		t.Errorf("delivered %d times, want 1 (duplicates collapse)", delivered.Load())
	}
}

func TestFailedHandlerIsRedelivered(t *testing.T) {
	bus := newTestBus(t)

	var calls atomic.Int32
	bus.Subscribe("test.event", func(ctx context.Context, e event.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("transient handler failure")
		}
		return nil
	})

	e, _ := event.New("test.event", busPayload{ContentID: "c1"})
	if _, err := bus.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bus.Drain()

	if calls.Load() != 2 {
		t.Errorf("handler called %d times, want 2 (initial + one redelivery)", calls.Load())
	}
}

func TestLogAppendAndListRecent(t *testing.T) {
	log := NewLog()
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		e, _ := event.New("test.event", busPayload{ContentID: id})
		e.ID = id
		if err := log.Append(ctx, e); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}

	e, _ := event.New("test.event", busPayload{ContentID: "e1"})
	e.ID = "e1"
	if err := log.Append(ctx, e); !errors.Is(err, event.ErrDuplicateEvent) {
		t.Errorf("duplicate append error = %v, want ErrDuplicateEvent", err)
	}

	got, ok, err := log.Get(ctx, "e2")
	if err != nil || !ok {
		t.Fatalf("Get(e2) = (%v, %v)", ok, err)
	}
	if got.ID != "e2" {
		t.Errorf("Get returned %s, want e2", got.ID)
	}

	recent, err := log.ListRecent(ctx, "test.event", 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("ListRecent returned %d events, want 2", len(recent))
	}
	if recent[0].ID != "e3" {
		t.Errorf("newest first: got %s, want e3", recent[0].ID)
	}
}
