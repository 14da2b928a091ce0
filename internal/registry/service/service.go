package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/turetske/etpelican/internal/audit"
	"github.com/turetske/etpelican/internal/invalidation"
	"github.com/turetske/etpelican/internal/registry/authz"
	regmetrics "github.com/turetske/etpelican/internal/registry/metrics"
	"github.com/turetske/etpelican/internal/registry/models"
	"github.com/turetske/etpelican/internal/registry/store"
	dErrors "github.com/turetske/etpelican/pkg/domain-errors"
	"github.com/turetske/etpelican/pkg/platform/sentinel"
	"github.com/turetske/etpelican/pkg/requestcontext"
)

// Store is the persistence surface the coordinator needs. Declared here so
// tests can substitute fakes without importing a concrete store.
type Store interface {
	Create(ctx context.Context, r *models.Registration) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Registration, error)
	List(ctx context.Context, filter store.Filter) ([]*models.Registration, error)
	Update(ctx context.Context, id uuid.UUID, validate func(*models.Registration) error, mutate func(*models.Registration)) (*models.Registration, error)
	Delete(ctx context.Context, id uuid.UUID, validate func(*models.Registration) error) error
}

// AuditPublisher receives moderation audit events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

const defaultStoreTimeout = 5 * time.Second

// Service is the mutation coordinator for registration moderation. Each
// action runs: per-record exclusion (inside the store callback), authorization
// check, state machine transition, persistence, then invalidation and audit
// emission. Steps before persistence are pure decisions over the locked
// snapshot; the store commits or aborts as a unit, so a failed or cancelled
// call never leaves a partially moderated record. The service performs no
// retries: every error is terminal for the call and backoff belongs to the
// caller.
type Service struct {
	store          Store
	logger         *slog.Logger
	metrics        *regmetrics.Metrics
	invalidator    invalidation.Invalidator
	auditPublisher AuditPublisher
	storeTimeout   time.Duration
	tracer         trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *regmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithInvalidator(inv invalidation.Invalidator) Option {
	return func(s *Service) {
		s.invalidator = inv
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

// WithStoreTimeout bounds every persistence call. A store that stops
// responding must release the per-record exclusion via timeout instead of
// starving all future actions on that record.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.storeTimeout = d
	}
}

func New(st Store, opts ...Option) *Service {
	s := &Service{
		store:        st,
		invalidator:  invalidation.Noop{},
		storeTimeout: defaultStoreTimeout,
		tracer:       otel.Tracer("registry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyResult reports the outcome of a moderation action.
type ApplyResult struct {
	// Deleted is true when the action removed the registration; in that
	// case Registration is nil.
	Deleted      bool
	Registration *models.Registration
}

// Apply performs a moderation action on the registration. The authorization
// evaluator and the transition checks run inside the store callback, under
// the record's exclusion, so they always judge the committed state even when
// two administrators act at once.
func (s *Service) Apply(ctx context.Context, actor models.Actor, action models.Action, id uuid.UUID) (*ApplyResult, error) {
	ctx, span := s.tracer.Start(ctx, "registry.apply", trace.WithAttributes(
		attribute.String("registry.action", string(action)),
		attribute.String("registry.id", id.String()),
	))
	defer span.End()
	start := time.Now()

	var result *ApplyResult
	var err error
	switch action {
	case models.ActionApprove, models.ActionDeny:
		result, err = s.moderate(ctx, actor, action, id)
	case models.ActionDelete:
		result, err = s.remove(ctx, actor, id)
	default:
		err = dErrors.Newf(dErrors.CodeBadRequest, "action %q cannot be applied", action)
	}

	s.metrics.ObserveApplyLatency(time.Since(start))
	if err != nil {
		s.metrics.IncrementAction(string(action), string(dErrors.CodeOf(err)))
		if dErrors.HasCode(err, dErrors.CodeForbidden) {
			s.emitAudit(ctx, audit.Event{
				Action:  audit.EventModerationForbidden,
				Subject: id.String(),
				Reason:  string(action),
			}, actor)
		}
		return nil, err
	}
	s.metrics.IncrementAction(string(action), "success")
	return result, nil
}

func (s *Service) moderate(ctx context.Context, actor models.Actor, action models.Action, id uuid.UUID) (*ApplyResult, error) {
	now := requestcontext.Now(ctx)
	changed := false

	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	updated, err := s.store.Update(opCtx, id,
		func(r *models.Registration) error {
			if err := authz.Evaluate(actor, action, r); err != nil {
				return err
			}
			if action == models.ActionApprove {
				return r.CanApprove()
			}
			return r.CanDeny()
		},
		func(r *models.Registration) {
			if action == models.ActionApprove {
				changed = r.ApplyApproval(actor.ID, now)
			} else {
				changed = r.ApplyDenial(actor.ID, now)
			}
		},
	)
	if err != nil {
		return nil, translateStoreErr(err)
	}

	if changed {
		s.signalCollectionChanged(ctx)
		event := audit.EventRegistrationApproved
		if action == models.ActionDeny {
			event = audit.EventRegistrationDenied
		}
		s.emitAudit(ctx, audit.Event{
			Action:  event,
			Subject: updated.ID.String(),
			Prefix:  updated.Prefix,
			State:   string(updated.State),
		}, actor)
	}
	return &ApplyResult{Registration: updated}, nil
}

func (s *Service) remove(ctx context.Context, actor models.Actor, id uuid.UUID) (*ApplyResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	var prefix string
	err := s.store.Delete(opCtx, id, func(r *models.Registration) error {
		if err := authz.Evaluate(actor, models.ActionDelete, r); err != nil {
			return err
		}
		if err := r.CanDelete(); err != nil {
			return err
		}
		prefix = r.Prefix
		return nil
	})
	if err != nil {
		return nil, translateStoreErr(err)
	}

	s.signalCollectionChanged(ctx)
	s.emitAudit(ctx, audit.Event{
		Action:  audit.EventRegistrationDeleted,
		Subject: id.String(),
		Prefix:  prefix,
	}, actor)
	return &ApplyResult{Deleted: true}, nil
}

// CreateRequest carries the fields of a new registration request.
type CreateRequest struct {
	Prefix      string            `json:"prefix"`
	Type        models.ServerType `json:"type"`
	Description string            `json:"description"`
	SiteName    string            `json:"site_name"`
}

// Create registers a new pending namespace-prefix claim for the actor. Any
// authenticated actor may request a prefix; only moderation is role-gated.
func (s *Service) Create(ctx context.Context, actor models.Actor, req CreateRequest) (*models.Registration, error) {
	r, err := models.NewRegistration(uuid.New(), req.Prefix, req.Type, actor.ID, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}
	r.AdminMetadata.Description = req.Description
	r.AdminMetadata.SiteName = req.SiteName

	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.Create(opCtx, r); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Newf(dErrors.CodeConflict, "prefix %s is already registered", req.Prefix)
		}
		return nil, translateStoreErr(err)
	}

	s.signalCollectionChanged(ctx)
	s.emitAudit(ctx, audit.Event{
		Action:  audit.EventRegistrationCreated,
		Subject: r.ID.String(),
		Prefix:  r.Prefix,
		State:   string(r.State),
	}, actor)
	return r, nil
}

// Get returns a single registration. View is permitted for every actor; the
// evaluator is still consulted so the rule lives in one place.
func (s *Service) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Registration, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	r, err := s.store.FindByID(opCtx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if err := authz.Evaluate(actor, models.ActionView, r); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns registrations, optionally filtered by state.
func (s *Service) List(ctx context.Context, actor models.Actor, filter store.Filter) ([]*models.Registration, error) {
	if err := authz.Evaluate(actor, models.ActionView, nil); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	records, err := s.store.List(opCtx, filter)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	return records, nil
}

// translateStoreErr maps infrastructure errors into the domain taxonomy.
// Coded errors (forbidden, invalid transition) pass through from validate
// callbacks; everything else from the store is a transient availability
// failure the caller may retry with backoff.
func translateStoreErr(err error) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "registration not found")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "registry store unavailable")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "registry store unavailable")
}

// signalCollectionChanged notifies external cache reconcilers that the
// registration collection is stale. The signal must go out even when the
// caller has already disconnected, so it runs on an uncancellable context.
func (s *Service) signalCollectionChanged(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := s.invalidator.Invalidate(ctx, invalidation.NamespacesKey); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to emit cache invalidation",
				"key", invalidation.NamespacesKey,
				"error", err,
			)
		}
		return
	}
	s.metrics.IncrementInvalidations()
}

func (s *Service) emitAudit(ctx context.Context, event audit.Event, actor models.Actor) {
	event.ActorID = actor.ID
	event.ActorRole = string(actor.Role)
	event.RequestID = requestcontext.RequestID(ctx)
	event.ClientIP = requestcontext.ClientIP(ctx)
	event.UserAgent = requestcontext.UserAgent(ctx)
	if s.logger != nil {
		s.logger.InfoContext(ctx, event.Action,
			"log_type", "audit",
			"actor_id", event.ActorID,
			"subject", event.Subject,
			"request_id", event.RequestID,
		)
	}
	if s.auditPublisher == nil {
		return
	}
	_ = s.auditPublisher.Emit(context.WithoutCancel(ctx), event)
}
