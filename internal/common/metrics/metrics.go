package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	PaymentsInitiated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skyfi_payments_initiated_total",
			Help: "Collection requests accepted by the gateway",
		},
	)

	PaymentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyfi_payment_outcomes_total",
			Help: "Terminal payment outcomes by status and error code",
		},
		[]string{"status", "error_code"},
	)

	PaymentPollAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skyfi_payment_poll_attempts",
			Help:    "Status polls needed to reach a terminal state",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "skyfi_gateway_request_duration_seconds",
			Help: "Latency of calls to the payment gateway",
		},
		[]string{"operation", "status_code"},
	)

	GatewayCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyfi_gateway_callbacks_total",
			Help: "Gateway callbacks received, by result",
		},
		[]string{"result"},
	)

	ReconciledPayments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyfi_reconciled_payments_total",
			Help: "Stale pending payments settled by the reconciler",
		},
		[]string{"status"},
	)
)
