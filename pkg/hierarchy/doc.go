// Package hierarchy maintains the in-memory index of the organization
// forest used to expand a user's accessible scope.
//
// Access flows downward only: membership in an organization grants access to
// that organization and every visible descendant, never to ancestors. The
// index answers those reachability questions from a full-forest snapshot
// (Graph) rebuilt wholesale on a long TTL, so loading a context for a user
// with memberships in hundreds of organizations costs in-memory lookups, not
// one traversal query per node.
//
// All traversal is worklist-based with visited sets, so injected cycles
// terminate and yield each organization exactly once. ValidateHierarchy
// guards the mutation path against creating cycles in the first place, and
// BuildTree caps depth as a last line of defense for display code.
package hierarchy
