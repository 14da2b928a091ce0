package models

import (
	"time"

	"github.com/google/uuid"

	dErrors "github.com/turetske/etpelican/pkg/domain-errors"
)

// State is the moderation lifecycle state of a registration.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
)

// ParseState validates a state string from a query parameter.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StatePending, StateApproved, StateDenied:
		return State(s), nil
	default:
		return "", dErrors.Newf(dErrors.CodeBadRequest, "unknown state %q", s)
	}
}

// Action is a moderation action an actor can attempt on a registration.
type Action string

const (
	ActionApprove Action = "approve"
	ActionDeny    Action = "deny"
	ActionDelete  Action = "delete"
	ActionView    Action = "view"
)

// Role classifies an actor for authorization purposes. This service trusts
// the role it is given; authentication happens upstream.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Actor is the authenticated principal performing an action.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// ServerType is the kind of entity claiming the prefix.
type ServerType string

const (
	ServerTypeOrigin ServerType = "origin"
	ServerTypeCache  ServerType = "cache"
)

// AdminMetadata tracks who created a registration and who moderated it.
//
// Invariant: ApprovedBy or DeniedBy is set if and only if the registration
// has left the pending state, and at most one of the two is set at a time.
type AdminMetadata struct {
	CreatedBy   string     `json:"created_by"`
	Description string     `json:"description,omitempty"`
	SiteName    string     `json:"site_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	DeniedBy    string     `json:"denied_by,omitempty"`
	ModeratedAt *time.Time `json:"moderated_at,omitempty"`
}

// Registration is the aggregate root for a namespace-prefix claim.
//
// Invariants:
//   - Prefix and Type are immutable after construction
//   - State moves only through the transitions below; Approve is idempotent
//     and approve/deny reverse each other, delete is terminal
//   - Mutations happen only under the store's per-record exclusion
type Registration struct {
	ID            uuid.UUID     `json:"id"`
	Prefix        string        `json:"prefix"`
	Type          ServerType    `json:"type"`
	State         State         `json:"state"`
	AdminMetadata AdminMetadata `json:"admin_metadata"`
}

// NewRegistration constructs a pending registration for the given prefix.
func NewRegistration(id uuid.UUID, prefix string, serverType ServerType, createdBy string, now time.Time) (*Registration, error) {
	if prefix == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "prefix cannot be empty")
	}
	switch serverType {
	case ServerTypeOrigin, ServerTypeCache:
	default:
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "unknown server type %q", serverType)
	}
	if createdBy == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "created_by cannot be empty")
	}
	return &Registration{
		ID:     id,
		Prefix: prefix,
		Type:   serverType,
		State:  StatePending,
		AdminMetadata: AdminMetadata{
			CreatedBy: createdBy,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}, nil
}

// CanApprove checks whether an approval transition is legal from the current
// state. Approval is legal from every state: pending approves, approved is an
// idempotent no-op, denied re-approves (moderation decisions are corrigible).
func (r *Registration) CanApprove() error {
	return nil
}

// ApplyApproval transitions the registration to approved, stamping the
// moderating actor. Returns false without touching the record when it is
// already approved, so a repeated approval never re-stamps.
// Call CanApprove first; use both inside a store Update callback.
func (r *Registration) ApplyApproval(actorID string, now time.Time) bool {
	if r.State == StateApproved {
		return false
	}
	r.State = StateApproved
	r.AdminMetadata.ApprovedBy = actorID
	r.AdminMetadata.DeniedBy = ""
	r.AdminMetadata.ModeratedAt = &now
	r.AdminMetadata.UpdatedAt = now
	return true
}

// CanDeny checks whether a denial transition is legal from the current state.
// Denial mirrors approval: legal from every state, idempotent when already
// denied, and a reversal when approved.
func (r *Registration) CanDeny() error {
	return nil
}

// ApplyDenial transitions the registration to denied, stamping the moderating
// actor. Returns false without touching the record when it is already denied.
// Call CanDeny first; use both inside a store Update callback.
func (r *Registration) ApplyDenial(actorID string, now time.Time) bool {
	if r.State == StateDenied {
		return false
	}
	r.State = StateDenied
	r.AdminMetadata.DeniedBy = actorID
	r.AdminMetadata.ApprovedBy = ""
	r.AdminMetadata.ModeratedAt = &now
	r.AdminMetadata.UpdatedAt = now
	return true
}

// CanDelete checks whether the registration may be removed. Deletion is
// irreversible, so it is only legal before terminal confidence is reached:
// pending requests and denied registrations. Removing an approved
// registration is a distinct administrative operation this service does not
// offer.
func (r *Registration) CanDelete() error {
	if r.State == StateApproved {
		return dErrors.Newf(dErrors.CodeInvalidTransition,
			"cannot delete registration in state %s", r.State)
	}
	return nil
}
