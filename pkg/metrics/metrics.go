package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Policy metrics
	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerguard_policy_decisions_total",
			Help: "Total number of ABAC decisions by action and result",
		},
		[]string{"action", "result"},
	)

	// Approval workflow metrics
	ChangeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerguard_change_requests_total",
			Help: "Total number of change request transitions by type and transition",
		},
		[]string{"type", "transition"},
	)

	// Audit metrics
	AuditEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minerguard_audit_events_total",
			Help: "Total number of audit events appended",
		},
	)

	AuditChainVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerguard_audit_chain_verifications_total",
			Help: "Total number of audit chain verifications by result",
		},
		[]string{"result"},
	)

	// Crypto metrics
	DecryptionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerguard_decryption_failures_total",
			Help: "Total number of failed decryptions by credential mode",
		},
		[]string{"mode"},
	)

	AntiRollbackRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minerguard_anti_rollback_rejections_total",
			Help: "Total number of rejected stale or replayed counters",
		},
	)

	// State gauges, refreshed by Collector
	SitesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minerguard_sites_total",
			Help: "Number of sites by protection mode",
		},
		[]string{"mode"},
	)

	MinersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minerguard_miners_total",
			Help: "Number of miners by credential mode",
		},
		[]string{"mode"},
	)

	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minerguard_devices_total",
			Help: "Number of edge collectors by status",
		},
		[]string{"status"},
	)

	ChangeRequestsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minerguard_change_requests",
			Help: "Number of change requests by status",
		},
		[]string{"status"},
	)

	KDFDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minerguard_kdf_duration_seconds",
			Help:    "Time taken to derive keys with PBKDF2 in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"purpose"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minerguard_reconciliation_duration_seconds",
			Help:    "Time taken for a maintenance cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minerguard_reconciliation_cycles_total",
			Help: "Total number of maintenance cycles completed",
		},
	)

	ChangeRequestsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minerguard_change_requests_expired_total",
			Help: "Total number of change requests expired by the maintenance loop",
		},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerguard_events_dropped_total",
			Help: "Total number of live events dropped by the broker",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(PolicyDecisionsTotal)
	prometheus.MustRegister(ChangeRequestsTotal)
	prometheus.MustRegister(AuditEventsTotal)
	prometheus.MustRegister(AuditChainVerificationsTotal)
	prometheus.MustRegister(DecryptionFailuresTotal)
	prometheus.MustRegister(AntiRollbackRejectionsTotal)
	prometheus.MustRegister(KDFDuration)
	prometheus.MustRegister(SitesTotal)
	prometheus.MustRegister(MinersTotal)
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(ChangeRequestsByStatus)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ChangeRequestsExpiredTotal)
	prometheus.MustRegister(EventsDroppedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
