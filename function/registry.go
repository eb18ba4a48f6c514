package function

import (
	"fmt"
	"sync"
)

// Registry holds the registered definitions, indexed by ID, trigger event,
// and cancelling event. Registration happens at boot; lookups happen on every
// delivered event.
type Registry struct {
	mu            sync.RWMutex
	byID          map[string]*Definition
	byTrigger     map[string][]*Definition
	byCancelEvent map[string][]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:          make(map[string]*Definition),
		byTrigger:     make(map[string][]*Definition),
		byCancelEvent: make(map[string][]*Definition),
	}
}

// Register validates and adds a definition. Definition IDs must be unique.
func (r *Registry) Register(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[d.ID]; exists {
		return fmt.Errorf("function: %s already registered", d.ID)
	}
	r.byID[d.ID] = d
	r.byTrigger[d.TriggerEvent] = append(r.byTrigger[d.TriggerEvent], d)
	for _, rule := range d.CancelOn {
		r.byCancelEvent[rule.Event] = append(r.byCancelEvent[rule.Event], d)
	}
	return nil
}

// MustRegister registers a definition and panics on error. For boot-time
// wiring where a bad definition is a programming error.
func (r *Registry) MustRegister(d *Definition) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get returns the definition with the given ID.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	return d, ok
}

// ForEvent returns the definitions triggered by the given event name.
func (r *Registry) ForEvent(name string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := r.byTrigger[name]
	out := make([]*Definition, len(defs))
	copy(out, defs)
	return out
}

// CancelTargets returns the definitions with a cancel rule listening on the
// given event name.
func (r *Registry) CancelTargets(name string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := r.byCancelEvent[name]
	out := make([]*Definition, len(defs))
	copy(out, defs)
	return out
}

// TriggerEvents returns every distinct trigger and cancel event name the
// registry listens on. The driver subscribes the scheduler to each.
func (r *Registry) TriggerEvents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for name := range r.byTrigger {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range r.byCancelEvent {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
