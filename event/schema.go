package event

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Payload is implemented by event payload types. Each event name has exactly
// one payload type with a fixed schema; Validate rejects malformed or
// incomplete payloads before they reach the bus.
type Payload interface {
	Validate() error
}

// Schemas maps event names to payload schemas. It is constructed once at
// process start and handed to the bus; there is no ambient global registry.
type Schemas struct {
	mu     sync.RWMutex
	decode map[string]func(json.RawMessage) error
}

// NewSchemas creates an empty schema registry.
func NewSchemas() *Schemas {
	return &Schemas{
		decode: make(map[string]func(json.RawMessage) error),
	}
}

// Register binds the payload type T to an event name. Registering the same
// name twice panics: schemas are wired once at boot and never change.
func Register[T Payload](s *Schemas, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.decode[name]; exists {
		panic(fmt.Sprintf("event: schema for %q registered twice", name))
	}
	s.decode[name] = func(data json.RawMessage) error {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		return payload.Validate()
	}
}

// Validate checks the event's data against the schema registered for its
// name. Events with unregistered names are rejected: every event on the bus
// has a declared shape.
func (s *Schemas) Validate(e Event) error {
	s.mu.RLock()
	check, ok := s.decode[e.Name]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("event: no schema registered for %q", e.Name)
	}
	if err := check(e.Data); err != nil {
		return fmt.Errorf("event: invalid %s payload: %w", e.Name, err)
	}
	return nil
}

// Known reports whether a schema is registered for the given event name.
func (s *Schemas) Known(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.decode[name]
	return ok
}
