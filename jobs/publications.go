package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Publication statuses.
const (
	PublicationPending    = "pending"
	PublicationInProgress = "in_progress"
	PublicationPublished  = "published"
	PublicationFailed     = "failed"
	PublicationDuplicate  = "duplicate"
)

// Publication tracks one piece of content headed to one channel.
type Publication struct {
	ID             string
	UserID         string
	ChannelID      string
	ContentID      string
	Text           string
	Status         string
	ExternalURL    string
	Error          string
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PublicationStore is the port the publish functions persist through. The
// application supplies its own implementation; Memory serves tests.
type PublicationStore interface {
	// Upsert creates the publication or replaces it by ID. Steps may run
	// more than once before their record seals, so creation is an upsert.
	Upsert(ctx context.Context, p Publication) error

	// Get returns the publication with the given ID.
	Get(ctx context.Context, id string) (Publication, bool, error)

	// SetStatus updates status, external URL, and error detail.
	SetStatus(ctx context.Context, id, status, externalURL, errDetail string) error

	// FindByIdempotencyKey returns a publication with the given key in a
	// published or in-progress state created at or after since.
	FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (Publication, bool, error)
}

// IdempotencyKey derives the duplicate-suppression key for one publish:
// the same user posting the same text to the same channel on the same UTC
// day collapses to one publication.
func IdempotencyKey(userID, channelID, text string, day time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s",
		userID, channelID, text, day.UTC().Format("2006-01-02"))))
	return hex.EncodeToString(h[:])
}

// MemoryPublications is an in-memory PublicationStore.
type MemoryPublications struct {
	mu   sync.RWMutex
	byID map[string]Publication
}

// NewMemoryPublications creates an empty in-memory publication store.
func NewMemoryPublications() *MemoryPublications {
	return &MemoryPublications{byID: make(map[string]Publication)}
}

func (m *MemoryPublications) Upsert(ctx context.Context, p Publication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.ID] = p
	return nil
}

func (m *MemoryPublications) Get(ctx context.Context, id string) (Publication, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	return p, ok, nil
}

func (m *MemoryPublications) SetStatus(ctx context.Context, id, status, externalURL, errDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("jobs: publication %s not found", id)
	}
	p.Status = status
	p.ExternalURL = externalURL
	p.Error = errDetail
	p.UpdatedAt = time.Now()
	m.byID[id] = p
	return nil
}

func (m *MemoryPublications) FindByIdempotencyKey(ctx context.Context, key string, since time.Time) (Publication, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.byID {
		if p.IdempotencyKey != key || p.CreatedAt.Before(since) {
			continue
		}
		if p.Status == PublicationPublished || p.Status == PublicationInProgress {
			return p, true, nil
		}
	}
	return Publication{}, false, nil
}
