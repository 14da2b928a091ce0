package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/turetske/etpelican/internal/registry/models"
	dErrors "github.com/turetske/etpelican/pkg/domain-errors"
	"github.com/turetske/etpelican/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *InMemory
	now   time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewInMemory()
	s.now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
}

func (s *InMemoryStoreSuite) create(prefix, createdBy string) *models.Registration {
	r, err := models.NewRegistration(uuid.New(), prefix, models.ServerTypeOrigin, createdBy, s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(s.ctx, r))
	return r
}

func (s *InMemoryStoreSuite) TestCreateAndFind() {
	r := s.create("/foo", "alice")

	got, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(r.Prefix, got.Prefix)
	s.Equal(models.StatePending, got.State)
}

func (s *InMemoryStoreSuite) TestCreate_PrefixConflict() {
	s.create("/foo", "alice")

	dup, err := models.NewRegistration(uuid.New(), "/FOO", models.ServerTypeCache, "carol", s.now)
	s.Require().NoError(err)
	s.Require().ErrorIs(s.store.Create(s.ctx, dup), sentinel.ErrConflict)
}

func (s *InMemoryStoreSuite) TestFindByID_NotFound() {
	_, err := s.store.FindByID(s.ctx, uuid.New())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *InMemoryStoreSuite) TestList_StateFilter() {
	a := s.create("/a", "alice")
	s.create("/b", "alice")

	_, err := s.store.Update(s.ctx, a.ID,
		func(*models.Registration) error { return nil },
		func(r *models.Registration) { r.ApplyApproval("bob", s.now) },
	)
	s.Require().NoError(err)

	pending := models.StatePending
	got, err := s.store.List(s.ctx, Filter{State: &pending})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("/b", got[0].Prefix)

	all, err := s.store.List(s.ctx, Filter{})
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *InMemoryStoreSuite) TestUpdate_ValidateFailureLeavesRecordUntouched() {
	r := s.create("/foo", "alice")

	_, err := s.store.Update(s.ctx, r.ID,
		func(*models.Registration) error {
			return dErrors.New(dErrors.CodeForbidden, "nope")
		},
		func(rec *models.Registration) { rec.ApplyApproval("bob", s.now) },
	)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeForbidden))

	got, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatePending, got.State)
	s.Empty(got.AdminMetadata.ApprovedBy)
}

func (s *InMemoryStoreSuite) TestUpdate_CancelledContext() {
	r := s.create("/foo", "alice")

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.store.Update(ctx, r.ID,
		func(*models.Registration) error { return nil },
		func(rec *models.Registration) { rec.ApplyApproval("bob", s.now) },
	)
	s.Require().ErrorIs(err, context.Canceled)

	got, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatePending, got.State)
}

func (s *InMemoryStoreSuite) TestDelete() {
	r := s.create("/foo", "alice")

	s.Require().NoError(s.store.Delete(s.ctx, r.ID, func(*models.Registration) error { return nil }))

	_, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	s.Require().ErrorIs(
		s.store.Delete(s.ctx, r.ID, func(*models.Registration) error { return nil }),
		sentinel.ErrNotFound,
	)
}

func (s *InMemoryStoreSuite) TestReturnedRecordsAreCopies() {
	r := s.create("/foo", "alice")

	got, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	got.State = models.StateApproved

	again, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatePending, again.State)
}

// Concurrent moderation of one record must serialize: every callback sees the
// state the previous writer committed, never an intermediate.
func (s *InMemoryStoreSuite) TestUpdate_ConcurrentCallbacksSerialize() {
	r := s.create("/foo", "alice")

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		actor := "admin"
		approve := i%2 == 0
		go func() {
			defer wg.Done()
			_, err := s.store.Update(s.ctx, r.ID,
				func(rec *models.Registration) error {
					// Committed states only.
					s.Contains([]models.State{models.StatePending, models.StateApproved, models.StateDenied}, rec.State)
					return nil
				},
				func(rec *models.Registration) {
					if approve {
						rec.ApplyApproval(actor, s.now)
					} else {
						rec.ApplyDenial(actor, s.now)
					}
				},
			)
			s.NoError(err)
		}()
	}
	wg.Wait()

	got, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Contains([]models.State{models.StateApproved, models.StateDenied}, got.State)
	if got.State == models.StateApproved {
		s.Equal("admin", got.AdminMetadata.ApprovedBy)
		s.Empty(got.AdminMetadata.DeniedBy)
	} else {
		s.Equal("admin", got.AdminMetadata.DeniedBy)
		s.Empty(got.AdminMetadata.ApprovedBy)
	}
}
