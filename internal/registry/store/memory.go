package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/turetske/etpelican/internal/registry/models"
	"github.com/turetske/etpelican/pkg/platform/sentinel"
)

// InMemory keeps registrations in a map. The store-wide mutex gives every
// mutation the per-record exclusion guarantee; callbacks run under the lock
// and always see committed state. Used in tests and single-node deployments
// without a database.
type InMemory struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.Registration
}

func NewInMemory() *InMemory {
	return &InMemory{records: make(map[uuid.UUID]*models.Registration)}
}

func (s *InMemory) Create(_ context.Context, r *models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return sentinel.ErrConflict
	}
	for _, existing := range s.records {
		if strings.EqualFold(existing.Prefix, r.Prefix) {
			return sentinel.ErrConflict
		}
	}
	s.records[r.ID] = clone(r)
	return nil
}

func (s *InMemory) FindByID(_ context.Context, id uuid.UUID) (*models.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(r), nil
}

func (s *InMemory) List(_ context.Context, filter Filter) ([]*models.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Registration, 0, len(s.records))
	for _, r := range s.records {
		if filter.State != nil && r.State != *filter.State {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].AdminMetadata.CreatedAt, out[j].AdminMetadata.CreatedAt
		if a.Equal(b) {
			return out[i].Prefix < out[j].Prefix
		}
		return a.Before(b)
	})
	return out, nil
}

func (s *InMemory) Update(ctx context.Context, id uuid.UUID, validate func(*models.Registration) error, mutate func(*models.Registration)) (*models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	// Work on a copy so a validate failure leaves the committed record
	// untouched.
	next := clone(r)
	if err := validate(next); err != nil {
		return nil, err
	}
	mutate(next)
	s.records[id] = next
	return clone(next), nil
}

func (s *InMemory) Delete(ctx context.Context, id uuid.UUID, validate func(*models.Registration) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if err := validate(clone(r)); err != nil {
		return err
	}
	delete(s.records, id)
	return nil
}

func clone(r *models.Registration) *models.Registration {
	c := *r
	if r.AdminMetadata.ModeratedAt != nil {
		t := *r.AdminMetadata.ModeratedAt
		c.AdminMetadata.ModeratedAt = &t
	}
	return &c
}
