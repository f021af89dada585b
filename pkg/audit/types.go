package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authorization events
	EventTypePermissionCheck   EventType = "authz.permission_check"
	EventTypeAccessDenied      EventType = "authz.access_denied"
	EventTypeRoleChange        EventType = "authz.role_change"
	EventTypeRoleAssignment    EventType = "authz.role_assignment"
	EventTypeMembershipChange  EventType = "authz.membership_change"
	EventTypeContextInvalidate EventType = "authz.context_invalidate"
	EventTypeBulkInvalidate    EventType = "authz.bulk_invalidate"

	// Credential events
	EventTypeCredentialsRevoked EventType = "auth.credentials_revoked"
	EventTypeUserDeactivated    EventType = "auth.user_deactivated"

	// Hierarchy events
	EventTypeHierarchyChange EventType = "org.hierarchy_change"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event represents a single audit log entry. Deny details that must never
// reach a client (which permission, which organization, why) live here.
type Event struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor and subject
	UserID         *int64 `json:"user_id,omitempty"`
	ActorID        *int64 `json:"actor_id,omitempty"`
	OrganizationID *int64 `json:"organization_id,omitempty"`
	RoleID         *int64 `json:"role_id,omitempty"`

	// What was checked or changed
	Permission string `json:"permission,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates an event with id and timestamp populated.
func NewEvent(eventType EventType, status EventStatus) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
	}
}

// ToJSON converts the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Logger records audit events. Implementations must be safe for concurrent
// use; a failed audit write is the caller's to log, never to propagate into
// the request path.
type Logger interface {
	Log(ctx context.Context, event *Event) error
	Close() error
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }
func (NopLogger) Close() error                                { return nil }
