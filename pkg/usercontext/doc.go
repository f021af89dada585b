// Package usercontext assembles the materialized UserContext snapshots that
// the permission checker evaluates against.
//
// A load reads the user row, direct organization memberships, and active
// role assignments, resolves each distinct role's permission set through the
// role-permission cache tier, deduplicates permissions by id in linear time,
// and expands accessible organizations through the hierarchy index. Identity
// failures are typed authentication errors; hierarchy staleness fails open
// for direct memberships and permission resolution fails closed.
//
// Per-resource ownership is intentionally absent from the context: it can
// change between loads and would grow the cached value without bound, so
// own-scope checks against a specific resource instance are resolved by an
// on-demand ownership lookup at check time (see pkg/authz.OwnershipChecker).
package usercontext
