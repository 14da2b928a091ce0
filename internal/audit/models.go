package audit

import "time"

// Event captures a moderation action for the audit trail. Keep it
// transport-agnostic so sinks (kafka, logs) can fan out.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	ActorID   string    `json:"actor_id"`
	ActorRole string    `json:"actor_role,omitempty"`
	Subject   string    `json:"subject"`
	Prefix    string    `json:"prefix,omitempty"`
	State     string    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

const (
	EventRegistrationCreated  = "registration_created"
	EventRegistrationApproved = "registration_approved"
	EventRegistrationDenied   = "registration_denied"
	EventRegistrationDeleted  = "registration_deleted"
	EventModerationForbidden  = "moderation_forbidden"
)
