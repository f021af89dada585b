// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry trace helpers for the authorization engine.
//
// The Logger is a thin wrapper over stdlib slog emitting JSON, carried
// through contexts via pkg/contextkeys. Metrics cover the engine's hot
// concerns: check outcomes, cache hit rates, context load latency,
// invalidation volume, and hierarchy snapshot freshness. Cache failures are
// deliberately surfaced here (counters plus warn logs) rather than to
// callers, since the distributed cache is an accelerator, not a dependency.
package observability
