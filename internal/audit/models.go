package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted (audit_events carries a trigger).
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event.
	ActorUserID string `json:"actorUserId,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actorRole,omitempty" db:"actor_role"`

	// IPAddress is the resolved client IP when available.
	IPAddress string `json:"ipAddress,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	TargetUserID string `json:"targetUserId,omitempty" db:"target_user_id"`
	CallID       string `json:"callId,omitempty" db:"call_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type EventType string

const (
	// EventTypeCallStatusReset records a forced reset of a user's call status.
	EventTypeCallStatusReset EventType = "call_status_reset"
)
