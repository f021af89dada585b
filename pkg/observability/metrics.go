package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the authorization engine
type Metrics struct {
	// Permission evaluation
	ChecksTotal   *prometheus.CounterVec
	CheckDuration *prometheus.HistogramVec

	// Context loading
	ContextLoadsTotal   *prometheus.CounterVec
	ContextLoadDuration prometheus.Histogram

	// Cache behavior
	CacheHitsTotal       *prometheus.CounterVec
	CacheMissesTotal     *prometheus.CounterVec
	CacheErrorsTotal     *prometheus.CounterVec
	CacheWriteBackErrors prometheus.Counter

	// Invalidation
	InvalidationsTotal         *prometheus.CounterVec
	CredentialRevocationsTotal prometheus.Counter

	// Hierarchy index
	HierarchyRebuildsTotal   prometheus.Counter
	HierarchySnapshotAge     prometheus.Gauge
	HierarchySnapshotSize    prometheus.Gauge
	HierarchyDepthLimitsHits prometheus.Counter
}

// NewMetrics creates and registers all authorization metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_checks_total",
				Help: "Total number of permission checks by result",
			},
			[]string{"result", "reason"},
		),
		CheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authz_check_duration_seconds",
				Help:    "Permission check duration in seconds, including context acquisition",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		ContextLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_context_loads_total",
				Help: "User context acquisitions by source (cache, database, inflight)",
			},
			[]string{"source"},
		),
		ContextLoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "authz_context_load_duration_seconds",
				Help:    "Duration of full user context loads from the database",
				Buckets: prometheus.DefBuckets,
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_cache_hits_total",
				Help: "Distributed cache hits by key kind",
			},
			[]string{"kind"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_cache_misses_total",
				Help: "Distributed cache misses by key kind",
			},
			[]string{"kind"},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_cache_errors_total",
				Help: "Distributed cache errors downgraded to misses, by operation",
			},
			[]string{"op"},
		),
		CacheWriteBackErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authz_cache_write_back_errors_total",
				Help: "Best-effort cache write-backs that failed",
			},
		),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_invalidations_total",
				Help: "Cache invalidations by trigger kind",
			},
			[]string{"kind"},
		),
		CredentialRevocationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authz_credential_revocations_total",
				Help: "Users whose credentials were force-revoked after a security-sensitive change",
			},
		),
		HierarchyRebuildsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authz_hierarchy_rebuilds_total",
				Help: "Full organization hierarchy snapshot rebuilds",
			},
		),
		HierarchySnapshotAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authz_hierarchy_snapshot_age_seconds",
				Help: "Age of the current organization hierarchy snapshot",
			},
		),
		HierarchySnapshotSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authz_hierarchy_snapshot_organizations",
				Help: "Visible organizations in the current hierarchy snapshot",
			},
		),
		HierarchyDepthLimitsHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authz_hierarchy_depth_limit_hits_total",
				Help: "Tree builds that hit the recursion depth cap",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.ChecksTotal,
			m.CheckDuration,
			m.ContextLoadsTotal,
			m.ContextLoadDuration,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.CacheErrorsTotal,
			m.CacheWriteBackErrors,
			m.InvalidationsTotal,
			m.CredentialRevocationsTotal,
			m.HierarchyRebuildsTotal,
			m.HierarchySnapshotAge,
			m.HierarchySnapshotSize,
			m.HierarchyDepthLimitsHits,
		)
	}

	return m
}

// NopMetrics returns unregistered metrics for components constructed without
// a registry (tests, tooling).
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
