package rbac

import (
	"errors"
	"fmt"
)

// PermissionDeniedError is returned by Require* helpers when the required
// permission is not held. Its Error string is deliberately generic: the
// detailed reason is carried in the fields for server-side audit logging and
// must never be surfaced to clients.
type PermissionDeniedError struct {
	Permission     string
	ResourceID     string
	OrganizationID *int64
	Reason         string
}

func (e *PermissionDeniedError) Error() string {
	return "permission denied"
}

// OrganizationAccessError is returned when the requested organization is not
// in the user's accessible set.
type OrganizationAccessError struct {
	OrganizationID int64
}

func (e *OrganizationAccessError) Error() string {
	return "organization access denied"
}

// InsufficientScopeError is returned when the user holds the resource:action
// pair but only at a lower scope than required.
type InsufficientScopeError struct {
	Permission    string
	HeldScope     Scope
	RequiredScope Scope
}

func (e *InsufficientScopeError) Error() string {
	return "permission denied"
}

// AuthErrorKind distinguishes the authentication-class failures of context
// loading. Callers map these to 401-class responses, never to server errors.
type AuthErrorKind string

const (
	AuthUserNotFound      AuthErrorKind = "user_not_found"
	AuthUserInactive      AuthErrorKind = "user_inactive"
	AuthContextLoadFailed AuthErrorKind = "context_load_failed"
)

// AuthError is an authentication-class context load failure.
type AuthError struct {
	Kind   AuthErrorKind
	UserID int64
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s) for user %d: %v", e.Kind, e.UserID, e.Err)
	}
	return fmt.Sprintf("auth error (%s) for user %d", e.Kind, e.UserID)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is an AuthError and returns it.
func IsAuthError(err error) (*AuthError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

// IsDenied reports whether err is any of the expected 403-class denials.
func IsDenied(err error) bool {
	var pd *PermissionDeniedError
	var oa *OrganizationAccessError
	var is *InsufficientScopeError
	return errors.As(err, &pd) || errors.As(err, &oa) || errors.As(err, &is)
}
