package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// VerbBuckets for single round trips to the resource
	VerbBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// SweepBuckets for catalog scans and cleanup passes
	SweepBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}
)

// Protocol Metrics
var (
	// ProtocolVerbsTotal counts protocol steps by verb and result (ok, rejected, connection, invalid)
	ProtocolVerbsTotal CounterVec = noopCounterVec{}

	// ProtocolVerbSeconds measures protocol step latency by verb
	ProtocolVerbSeconds HistogramVec = noopHistogramVec{}

	// SessionsActive tracks sessions holding a pinned connection
	SessionsActive Gauge = NoopStat{}
)

// Registry Metrics
var (
	// RegistrySessions tracks managed sessions by state (active, prepared, busy)
	RegistrySessions GaugeVec = noopGaugeVec{}
)

// Recovery Metrics
var (
	// RecoveryResolutionsTotal counts by-XID resolutions by action (commit, rollback) and result (resolved, already_resolved, failed)
	RecoveryResolutionsTotal CounterVec = noopCounterVec{}

	// StaleCleanupTotal counts cleanup candidates by result (rolled_back, already_resolved, failed)
	StaleCleanupTotal CounterVec = noopCounterVec{}

	// CleanupSeconds measures a full cleanup pass
	CleanupSeconds Histogram = NoopStat{}

	// PreparedCatalogSize tracks the last observed number of prepared transactions
	PreparedCatalogSize Gauge = NoopStat{}
)

// Publisher Metrics
var (
	// EventsPublishedTotal counts resolution events by sink and result (success, failed, dropped)
	EventsPublishedTotal CounterVec = noopCounterVec{}
)

// InitMetrics creates the prometheus collectors. Called from InitializeTelemetry.
func InitMetrics() {
	ProtocolVerbsTotal = NewCounterVec(
		"protocol_verbs_total",
		"Protocol steps issued against the resource by verb and result",
		[]string{"verb", "result"},
	)
	ProtocolVerbSeconds = NewHistogramVec(
		"protocol_verb_seconds",
		"Protocol step latency in seconds",
		[]string{"verb"},
		VerbBuckets,
	)
	SessionsActive = NewGauge(
		"sessions_active",
		"Sessions currently holding a pinned connection",
	)

	RegistrySessions = NewGaugeVec(
		"registry_sessions",
		"Managed sessions by state",
		[]string{"state"},
	)

	RecoveryResolutionsTotal = NewCounterVec(
		"recovery_resolutions_total",
		"Prepared transactions resolved by identifier",
		[]string{"action", "result"},
	)
	StaleCleanupTotal = NewCounterVec(
		"stale_cleanup_total",
		"Stale prepared transactions handled by cleanup",
		[]string{"result"},
	)
	CleanupSeconds = NewHistogramWithBuckets(
		"cleanup_seconds",
		"Duration of a cleanup pass in seconds",
		SweepBuckets,
	)
	PreparedCatalogSize = NewGauge(
		"prepared_catalog_size",
		"Prepared transactions observed in the last catalog scan",
	)

	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Resolution events delivered to sinks",
		[]string{"sink", "result"},
	)
}
