// Package event provides the typed domain events that trigger Chorus
// functions, the publish-time schema registry, and the bus and durable log
// interfaces.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a typed, immutable fact published on the bus. Identity is ID;
// Name selects the function definitions the event triggers.
type Event struct {
	// ID is the unique identifier for this event (UUID).
	ID string `json:"id"`

	// Name classifies the event (e.g., "content.schedule.requested").
	Name string `json:"name"`

	// Data is the JSON-encoded payload, validated against the schema
	// registered for Name at publish time.
	Data json.RawMessage `json:"data,omitempty"`

	// OccurredAt records when the event was created.
	OccurredAt time.Time `json:"occurred_at"`
}

// New builds an event for the given name, marshaling payload as its data.
// A fresh UUID and timestamp are assigned. Schema validation happens at
// publish time, not here, so events for unregistered names can still be
// constructed in tests.
func New(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event: marshal %s payload: %w", name, err)
	}
	return Event{
		ID:         uuid.New().String(),
		Name:       name,
		Data:       data,
		OccurredAt: time.Now(),
	}, nil
}

// DeterministicID derives a stable event ID from the given parts. Publishers
// that may run more than once (failure hooks, redelivered runs) use this so
// duplicate publishes share an ID and collapse in the durable log.
func DeterministicID(parts ...string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "\x00"
		}
		joined += p
	}
	return uuid.NewSHA1(idNamespace, []byte(joined)).String()
}

// idNamespace scopes deterministic IDs to Chorus events.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("chorus.event"))

// Decode unmarshals the event data into T.
func Decode[T any](e Event) (T, error) {
	var out T
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("event: decode %s data: %w", e.Name, err)
	}
	return out, nil
}

// Field extracts a top-level payload field as a string. Numeric values are
// formatted compactly. Used for cancel-rule matching and throttle keys, where
// payloads are addressed by field name rather than by type.
func (e Event) Field(name string) (string, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return "", false
	}
	raw, ok := m[name]
	if !ok {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return string(raw), true
}
