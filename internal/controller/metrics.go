package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// ReconcileTotal counts the total number of reconciliations
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keystone_operator_reconcile_total",
			Help: "Total number of reconciliations per controller",
		},
		[]string{"controller", "result"},
	)

	// ReconcileDuration tracks the duration of reconciliations
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keystone_operator_reconcile_duration_seconds",
			Help:    "Duration of reconciliations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"controller"},
	)

	// ReconcileErrors counts reconciliation errors by type
	ReconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keystone_operator_reconcile_errors_total",
			Help: "Total number of reconciliation errors per controller",
		},
		[]string{"controller", "error_type"},
	)

	// BootstrapTotal counts bootstrap sequence outcomes
	BootstrapTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keystone_operator_bootstrap_total",
			Help: "Total number of bootstrap sequence runs",
		},
		[]string{"result"},
	)

	// KeystoneAPIRequests counts keystone API requests
	KeystoneAPIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keystone_operator_api_requests_total",
			Help: "Total number of keystone API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// ManagedResources tracks the number of managed resources
	ManagedResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keystone_operator_managed_resources",
			Help: "Number of managed keystone resources",
		},
		[]string{"kind"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		ReconcileTotal,
		ReconcileDuration,
		ReconcileErrors,
		BootstrapTotal,
		KeystoneAPIRequests,
		ManagedResources,
	)
}

// RecordReconcile records the outcome and duration of one reconciliation.
func RecordReconcile(controller string, ready bool, seconds float64) {
	result := "success"
	if !ready {
		result = "failure"
	}
	ReconcileTotal.WithLabelValues(controller, result).Inc()
	ReconcileDuration.WithLabelValues(controller).Observe(seconds)
}

// RecordError records a reconciliation error of the given type.
func RecordError(controller, errorType string) {
	ReconcileErrors.WithLabelValues(controller, errorType).Inc()
}

// RecordBootstrap records the outcome of a bootstrap sequence run.
func RecordBootstrap(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	BootstrapTotal.WithLabelValues(result).Inc()
}

// SetManagedResources sets the managed resource gauge for a kind.
func SetManagedResources(kind string, count float64) {
	ManagedResources.WithLabelValues(kind).Set(count)
}
