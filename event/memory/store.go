// Package memory provides in-process implementations of event.Bus and
// event.Log. They are suitable for tests and single-process development;
// production deployments use the river-backed bus with the Postgres log.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/chorusflow/chorus/event"
)

// Log is a thread-safe in-memory implementation of event.Log.
// The zero value is ready for use.
type Log struct {
	mu     sync.RWMutex
	events []event.Event
	byID   map[string]int
}

// NewLog creates a new in-memory event log.
func NewLog() *Log {
	return &Log{byID: make(map[string]int)}
}

// Append stores an event, rejecting duplicate IDs.
func (l *Log) Append(ctx context.Context, e event.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.byID == nil {
		l.byID = make(map[string]int)
	}
	if _, exists := l.byID[e.ID]; exists {
		return event.ErrDuplicateEvent
	}
	l.byID[e.ID] = len(l.events)
	l.events = append(l.events, e)
	return nil
}

// Get returns the event with the given ID.
func (l *Log) Get(ctx context.Context, id string) (event.Event, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byID[id]
	if !ok {
		return event.Event{}, false, nil
	}
	return l.events[idx], true, nil
}

// ListRecent returns up to limit events with the given name, newest first.
func (l *Log) ListRecent(ctx context.Context, name string, limit int) ([]event.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []event.Event
	for _, e := range l.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
