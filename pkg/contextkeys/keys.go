// Package contextkeys provides centralized context key definitions.
//
// IMPORTANT: All context keys used across the authorization engine must be
// defined here. This prevents typos, documents dependencies, and makes key
// usage discoverable.
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// UserContextKey contains *rbac.UserContext
	// Set by: the caller's authentication layer after resolving identity
	// Used by: authz.Service when a pre-resolved context is available
	UserContextKey Key = "user_context"

	// RequestIDKey contains request ID string (UUID)
	// Set by: the caller's HTTP middleware
	// Used by: Logger, audit trail
	RequestIDKey Key = "request_id"

	// UserIDKey contains the authenticated user ID string
	// Set by: the caller's authentication layer
	// Used by: Logger, audit trail
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: the caller's observability middleware
	// Used by: engine components that log with request context
	LoggerKey Key = "logger"

	// CurrentOrganizationIDKey contains the request's organization id (int64)
	// Set by: the caller's organization-resolution middleware
	// Used by: authz.Service to resolve organization-scope checks
	CurrentOrganizationIDKey Key = "current_organization_id"
)
