// Package authz is the façade over the authorization engine: permission
// checks, organization access checks, data access filters and the
// administrative mutations that change authorization state.
//
// Read paths resolve the caller's materialized UserContext through the
// context cache and evaluate against it in memory. Write paths always touch
// the system of record first and invalidate caches second, so a racing stale
// read can never repopulate the cache with pre-mutation state.
//
// Denials carry generic client-safe messages; the specifics (which
// permission, which organization, why) go to the audit trail only.
package authz
