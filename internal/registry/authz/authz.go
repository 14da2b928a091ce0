// Package authz decides whether an actor may perform a moderation action on
// a registration. The evaluator is a pure function of its inputs: no caching,
// no state, safe to call from any number of concurrent requests. It is
// re-evaluated on every attempt because roles can change between requests.
package authz

import (
	"github.com/turetske/etpelican/internal/registry/models"
	dErrors "github.com/turetske/etpelican/pkg/domain-errors"
)

// Evaluate returns nil when the actor is permitted to perform the action on
// the registration, or a forbidden error naming the denied action and the
// missing privilege.
//
// Rules:
//   - Approve and Deny require the admin role
//   - Delete requires the admin role or being the registration's creator
//   - View is always permitted
func Evaluate(actor models.Actor, action models.Action, record *models.Registration) error {
	switch action {
	case models.ActionView:
		return nil
	case models.ActionApprove, models.ActionDeny:
		if !actor.IsAdmin() {
			return dErrors.Newf(dErrors.CodeForbidden,
				"action %s requires the %s role", action, models.RoleAdmin)
		}
		return nil
	case models.ActionDelete:
		if actor.IsAdmin() {
			return nil
		}
		if record != nil && actor.ID != "" && actor.ID == record.AdminMetadata.CreatedBy {
			return nil
		}
		return dErrors.Newf(dErrors.CodeForbidden,
			"action %s requires the %s role or being the registration's creator", action, models.RoleAdmin)
	default:
		return dErrors.Newf(dErrors.CodeBadRequest, "unknown action %q", action)
	}
}
