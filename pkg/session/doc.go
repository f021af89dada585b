// Package session implements the credential collaborator the cache
// invalidator depends on: opaque bearer tokens stored hashed in Redis, with
// a per-user index that makes "revoke everything for user X" a single
// bounded operation. The authorization engine consumes only RevokeAllForUser;
// issuance and validation exist for the host application's login flow.
package session
