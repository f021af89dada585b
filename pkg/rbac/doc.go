// Package rbac defines the role-based access control data model and the pure
// permission evaluation engine for the practice-management platform.
//
// # Overview
//
// Permissions are named "resource:action:scope", e.g. "reports:read:organization".
// Scopes form a total order (own < organization < all), and the manage action
// implies every other action on the same resource. Together these let a small
// number of stored permission rows cover a much larger grant surface, and keep
// evaluation linear in the number of permissions a user holds.
//
// # Evaluation
//
// The Checker is a pure function of a materialized UserContext and a
// CheckRequest: it performs no I/O and never returns an error for a normal
// deny. Denial is a regular CheckResult value carrying a DenyReason; only the
// Require* helpers convert a deny into one of the typed errors in errors.go.
// This keeps the hot path trivially testable and free of exceptions.
//
// # UserContext
//
// A UserContext is assembled by the usercontext package from the system of
// record, cached by the cache package, and treated as immutable once built.
// Its accessible organization set is closed under the parent-to-child
// hierarchy edge: membership in an organization grants access to all of its
// descendants, never to its ancestors.
//
// # Errors
//
// Expected denials (403-class) and authentication-class load failures
// (401-class) are distinct typed errors so HTTP layers can map them without
// string matching. Denial error strings are deliberately generic; detailed
// reasons live in struct fields and are for server-side audit logs only.
package rbac
