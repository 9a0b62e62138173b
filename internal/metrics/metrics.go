package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// ReconcileTotal tracks reconciliation passes by job kind and outcome
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "btrix_reconcile_total",
			Help: "Number of reconciliation passes by kind and result",
		},
		[]string{"kind", "result"},
	)

	// ReplicaOperations tracks replica resource creates and deletes
	ReplicaOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "btrix_replica_operations_total",
			Help: "Number of crawler replica create/delete operations by status",
		},
		[]string{"operation", "status"},
	)

	// CrawlReplicas tracks the observed replica count per crawl
	CrawlReplicas = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "btrix_crawl_replicas",
			Help: "Observed crawler replicas by crawl id and state",
		},
		[]string{"crawl", "state"},
	)

	// ScalingEvents tracks scale-up/scale-down decisions
	ScalingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "btrix_scaling_events_total",
			Help: "Number of scaling events by direction",
		},
		[]string{"direction"},
	)

	// ExpirationSweeps tracks runs of the periodic expiration sweep
	ExpirationSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "btrix_expiration_sweeps_total",
			Help: "Number of expiration sweep runs and jobs they expired",
		},
		[]string{"kind"},
	)

	// WebhookNotifications tracks crawl-done webhook deliveries
	WebhookNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "btrix_webhook_notifications_total",
			Help: "Number of completion webhook deliveries by status",
		},
		[]string{"status"},
	)
)

func init() {
	// Register metrics with the controller-runtime metrics registry
	metrics.Registry.MustRegister(
		ReconcileTotal,
		ReplicaOperations,
		CrawlReplicas,
		ScalingEvents,
		ExpirationSweeps,
		WebhookNotifications,
	)
}

// RecordReconcile records one reconciliation pass
func RecordReconcile(kind, result string) {
	ReconcileTotal.WithLabelValues(kind, result).Inc()
}

// RecordReplicaOperation records a replica create or delete
func RecordReplicaOperation(operation, status string) {
	ReplicaOperations.WithLabelValues(operation, status).Inc()
}

// UpdateCrawlReplicas updates the per-crawl replica gauges
func UpdateCrawlReplicas(crawl string, observed, ready int) {
	CrawlReplicas.WithLabelValues(crawl, "observed").Set(float64(observed))
	CrawlReplicas.WithLabelValues(crawl, "ready").Set(float64(ready))
}

// DeleteCrawlReplicas drops the gauges for a finalized crawl
func DeleteCrawlReplicas(crawl string) {
	CrawlReplicas.DeleteLabelValues(crawl, "observed")
	CrawlReplicas.DeleteLabelValues(crawl, "ready")
}

// RecordScalingEvent records a scale-up or scale-down decision
func RecordScalingEvent(direction string) {
	ScalingEvents.WithLabelValues(direction).Inc()
}

// RecordExpirationSweep records jobs expired by one sweep run
func RecordExpirationSweep(kind string, expired int) {
	ExpirationSweeps.WithLabelValues(kind).Add(float64(expired))
}

// RecordWebhookNotification records one webhook delivery attempt
func RecordWebhookNotification(status string) {
	WebhookNotifications.WithLabelValues(status).Inc()
}
