// Package cache keeps authorization decisions fast and consistent across
// application instances.
//
// Two tiers cooperate. A singleflight group collapses concurrent loads for
// the same user within a process, with the in-flight entry forgotten on
// every exit path. A shared Redis cache stores whole serialized values:
// user contexts under user:{id}:context with a short TTL, and role
// permission sets under role:{id}:permissions with a long one. Cache errors
// are always downgraded to misses: an outage degrades to "consult the
// database", never to an authorization failure. Write-backs are
// best-effort, surfaced through metrics and warn logs only.
//
// The Invalidator is the active half of the consistency protocol. Passive
// TTL expiry bounds staleness for routine changes; the invalidator handles
// the security-sensitive ones, evicting affected entries and, for
// downgrades and deactivations, revoking credentials synchronously with the
// administrative mutation.
package cache
