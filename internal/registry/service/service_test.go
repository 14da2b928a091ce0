package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/turetske/etpelican/internal/audit"
	"github.com/turetske/etpelican/internal/registry/models"
	"github.com/turetske/etpelican/internal/registry/store"
	dErrors "github.com/turetske/etpelican/pkg/domain-errors"
	"github.com/turetske/etpelican/pkg/requestcontext"
)

var (
	alice = models.Actor{ID: "alice", Role: models.RoleUser}
	bob   = models.Actor{ID: "bob", Role: models.RoleAdmin}
	carol = models.Actor{ID: "carol", Role: models.RoleUser}
	dana  = models.Actor{ID: "dana", Role: models.RoleAdmin}
)

// recordingInvalidator captures invalidation signals for assertions.
type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// recordingAudit captures emitted audit events.
type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Emit(_ context.Context, event audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

// slowStore delays every call so tests can force the store timeout.
type slowStore struct {
	Store
	delay time.Duration
}

func (s *slowStore) Update(ctx context.Context, id uuid.UUID, validate func(*models.Registration) error, mutate func(*models.Registration)) (*models.Registration, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.Update(ctx, id, validate, mutate)
}

type ServiceSuite struct {
	suite.Suite
	ctx         context.Context
	store       *store.InMemory
	invalidator *recordingInvalidator
	auditor     *recordingAudit
	svc         *Service
	now         time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.store = store.NewInMemory()
	s.invalidator = &recordingInvalidator{}
	s.auditor = &recordingAudit{}
	s.svc = New(s.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithInvalidator(s.invalidator),
		WithAuditPublisher(s.auditor),
	)
}

func (s *ServiceSuite) createPending(actor models.Actor, prefix string) *models.Registration {
	r, err := s.svc.Create(s.ctx, actor, CreateRequest{Prefix: prefix, Type: models.ServerTypeOrigin})
	s.Require().NoError(err)
	return r
}

func (s *ServiceSuite) TestCreate() {
	r := s.createPending(alice, "/physics/run2026")

	s.Equal(models.StatePending, r.State)
	s.Equal("alice", r.AdminMetadata.CreatedBy)
	s.Equal(1, s.invalidator.count())
	s.Contains(s.auditor.actions(), audit.EventRegistrationCreated)
}

func (s *ServiceSuite) TestCreate_DuplicatePrefix() {
	s.createPending(alice, "/foo")

	_, err := s.svc.Create(s.ctx, carol, CreateRequest{Prefix: "/foo", Type: models.ServerTypeCache})
	s.Require().True(dErrors.HasCode(err, dErrors.CodeConflict), "got %v", err)
}

func (s *ServiceSuite) TestCreate_InvalidRequest() {
	_, err := s.svc.Create(s.ctx, alice, CreateRequest{Prefix: "", Type: models.ServerTypeOrigin})
	s.Require().True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
}

func (s *ServiceSuite) TestApprove_AdminStampsDecision() {
	r := s.createPending(alice, "/foo")
	before := s.invalidator.count()

	result, err := s.svc.Apply(s.ctx, bob, models.ActionApprove, r.ID)
	s.Require().NoError(err)
	s.Require().NotNil(result.Registration)

	s.Equal(models.StateApproved, result.Registration.State)
	s.Equal("bob", result.Registration.AdminMetadata.ApprovedBy)
	s.Equal(before+1, s.invalidator.count())
	s.Contains(s.auditor.actions(), audit.EventRegistrationApproved)
}

func (s *ServiceSuite) TestApprove_NonAdminForbidden() {
	r := s.createPending(alice, "/foo")
	before := s.invalidator.count()

	_, err := s.svc.Apply(s.ctx, alice, models.ActionApprove, r.ID)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)

	got, err := s.svc.Get(s.ctx, alice, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatePending, got.State, "failed authorization must not change state")
	s.Equal(before, s.invalidator.count(), "no invalidation for a rejected action")
	s.Contains(s.auditor.actions(), audit.EventModerationForbidden)
}

func (s *ServiceSuite) TestApprove_IdempotentNoRestampNoSignal() {
	r := s.createPending(alice, "/foo")

	_, err := s.svc.Apply(s.ctx, bob, models.ActionApprove, r.ID)
	s.Require().NoError(err)
	afterFirst := s.invalidator.count()

	result, err := s.svc.Apply(s.ctx, dana, models.ActionApprove, r.ID)
	s.Require().NoError(err, "repeat approval succeeds without error")
	s.Equal(models.StateApproved, result.Registration.State)
	s.Equal("bob", result.Registration.AdminMetadata.ApprovedBy, "no re-stamp on idempotent approval")
	s.Equal(afterFirst, s.invalidator.count(), "no invalidation when nothing changed")
}

func (s *ServiceSuite) TestDeny_ReversesApproval() {
	r := s.createPending(alice, "/foo")

	_, err := s.svc.Apply(s.ctx, bob, models.ActionApprove, r.ID)
	s.Require().NoError(err)

	result, err := s.svc.Apply(s.ctx, dana, models.ActionDeny, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StateDenied, result.Registration.State)
	s.Equal("dana", result.Registration.AdminMetadata.DeniedBy)
	s.Empty(result.Registration.AdminMetadata.ApprovedBy)
	s.Contains(s.auditor.actions(), audit.EventRegistrationDenied)
}

// alice requests a prefix, bob approves it; once approved nobody may delete
// it, not even an administrator.
func (s *ServiceSuite) TestDelete_ApprovedIsInvalidTransition() {
	r := s.createPending(alice, "/foo")

	_, err := s.svc.Apply(s.ctx, bob, models.ActionApprove, r.ID)
	s.Require().NoError(err)

	_, err = s.svc.Apply(s.ctx, bob, models.ActionDelete, r.ID)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeInvalidTransition), "got %v", err)

	got, err := s.svc.Get(s.ctx, alice, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StateApproved, got.State)
}

// carol may withdraw her own pending request without any admin involvement.
func (s *ServiceSuite) TestDelete_CreatorWithdrawsOwnRequest() {
	r := s.createPending(carol, "/carol/data")

	result, err := s.svc.Apply(s.ctx, carol, models.ActionDelete, r.ID)
	s.Require().NoError(err)
	s.True(result.Deleted)

	_, err = s.svc.Get(s.ctx, carol, r.ID)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.Contains(s.auditor.actions(), audit.EventRegistrationDeleted)
}

func (s *ServiceSuite) TestDelete_NonCreatorForbidden() {
	r := s.createPending(alice, "/foo")

	_, err := s.svc.Apply(s.ctx, carol, models.ActionDelete, r.ID)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeForbidden), "got %v", err)

	_, err = s.svc.Get(s.ctx, carol, r.ID)
	s.Require().NoError(err, "record survives a forbidden delete")
}

func (s *ServiceSuite) TestDelete_DeniedByAdmin() {
	r := s.createPending(alice, "/foo")

	_, err := s.svc.Apply(s.ctx, bob, models.ActionDeny, r.ID)
	s.Require().NoError(err)

	result, err := s.svc.Apply(s.ctx, bob, models.ActionDelete, r.ID)
	s.Require().NoError(err)
	s.True(result.Deleted)
}

func (s *ServiceSuite) TestApply_NotFound() {
	_, err := s.svc.Apply(s.ctx, bob, models.ActionApprove, uuid.New())
	s.Require().True(dErrors.HasCode(err, dErrors.CodeNotFound), "got %v", err)
}

func (s *ServiceSuite) TestApply_UnknownAction() {
	r := s.createPending(alice, "/foo")
	_, err := s.svc.Apply(s.ctx, bob, models.Action("view"), r.ID)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeBadRequest), "got %v", err)
}

// A store that stops answering must surface as unavailable within the bounded
// timeout, leave no partial state, and allow a later retry to succeed.
func (s *ServiceSuite) TestApply_StoreTimeoutThenRetry() {
	r := s.createPending(alice, "/foo")

	slow := &slowStore{Store: s.store, delay: time.Second}
	svc := New(slow,
		WithInvalidator(s.invalidator),
		WithStoreTimeout(20*time.Millisecond),
	)

	before := s.invalidator.count()
	_, err := svc.Apply(s.ctx, bob, models.ActionApprove, r.ID)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeUnavailable), "got %v", err)
	s.Equal(before, s.invalidator.count(), "no invalidation for a failed action")

	got, err := s.svc.Get(s.ctx, bob, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatePending, got.State, "timed-out action must not leave partial state")

	// The same action against a responsive store succeeds; retry policy
	// belongs to the caller.
	result, err := s.svc.Apply(s.ctx, bob, models.ActionApprove, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StateApproved, result.Registration.State)
}

func (s *ServiceSuite) TestApply_CancelledContext() {
	r := s.createPending(alice, "/foo")

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.svc.Apply(ctx, bob, models.ActionApprove, r.ID)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeUnavailable), "got %v", err)

	got, err := s.svc.Get(s.ctx, bob, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatePending, got.State)
}

// Two admins racing approve against deny: both calls must succeed, the final
// state is exactly one of the two decisions, and the decision stamps agree
// with the final state.
func (s *ServiceSuite) TestApply_ConcurrentApproveDenySerialize() {
	r := s.createPending(alice, "/foo")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.svc.Apply(s.ctx, bob, models.ActionApprove, r.ID)
		s.NoError(err)
	}()
	go func() {
		defer wg.Done()
		_, err := s.svc.Apply(s.ctx, dana, models.ActionDeny, r.ID)
		s.NoError(err)
	}()
	wg.Wait()

	got, err := s.svc.Get(s.ctx, bob, r.ID)
	s.Require().NoError(err)
	switch got.State {
	case models.StateApproved:
		s.Equal("bob", got.AdminMetadata.ApprovedBy)
		s.Empty(got.AdminMetadata.DeniedBy)
	case models.StateDenied:
		s.Equal("dana", got.AdminMetadata.DeniedBy)
		s.Empty(got.AdminMetadata.ApprovedBy)
	default:
		s.Failf("unexpected state", "state %s after concurrent moderation", got.State)
	}
}

func (s *ServiceSuite) TestList_StateFilter() {
	a := s.createPending(alice, "/a")
	s.createPending(alice, "/b")

	_, err := s.svc.Apply(s.ctx, bob, models.ActionApprove, a.ID)
	s.Require().NoError(err)

	approved := models.StateApproved
	got, err := s.svc.List(s.ctx, carol, store.Filter{State: &approved})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("/a", got[0].Prefix)

	all, err := s.svc.List(s.ctx, carol, store.Filter{})
	s.Require().NoError(err)
	s.Len(all, 2)
}

func (s *ServiceSuite) TestAuditEventsCarryActor() {
	r := s.createPending(alice, "/foo")

	_, err := s.svc.Apply(s.ctx, bob, models.ActionApprove, r.ID)
	s.Require().NoError(err)

	s.auditor.mu.Lock()
	defer s.auditor.mu.Unlock()
	var approvedEvent *audit.Event
	for i := range s.auditor.events {
		if s.auditor.events[i].Action == audit.EventRegistrationApproved {
			approvedEvent = &s.auditor.events[i]
		}
	}
	s.Require().NotNil(approvedEvent)
	s.Equal("bob", approvedEvent.ActorID)
	s.Equal("admin", approvedEvent.ActorRole)
	s.Equal(r.ID.String(), approvedEvent.Subject)
	s.Equal("/foo", approvedEvent.Prefix)
}
