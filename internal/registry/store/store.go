package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/turetske/etpelican/internal/registry/models"
)

// Filter narrows List results. A nil State returns every registration.
type Filter struct {
	State *models.State
}

// Store persists registrations. Implementations guarantee per-record
// exclusion: the validate/mutate callbacks passed to Update and Delete run
// while no other mutation of the same record can be in flight, and the
// record they see is the committed state. Infrastructure failures surface as
// sentinel errors, optionally wrapped.
type Store interface {
	Create(ctx context.Context, r *models.Registration) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Registration, error)
	List(ctx context.Context, filter Filter) ([]*models.Registration, error)

	// Update loads the record, runs validate on the committed snapshot, and
	// if validate returns nil runs mutate and persists the result
	// atomically. A validate error aborts with no observable write and is
	// returned verbatim.
	Update(ctx context.Context, id uuid.UUID, validate func(*models.Registration) error, mutate func(*models.Registration)) (*models.Registration, error)

	// Delete removes the record after validate accepts the committed
	// snapshot. A validate error aborts with the record intact.
	Delete(ctx context.Context, id uuid.UUID, validate func(*models.Registration) error) error
}
