// Package metrics declares every Prometheus collector the service exports.
// Collectors register against a service-owned registry so tests and tools
// never collide with the default global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all service collectors; /metrics serves it.
var Registry = prometheus.NewRegistry()

var (
	// Webhook ingress
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Webhook requests received.",
		},
		[]string{"event", "action", "code"},
	)
	WebhookInvalidSignatures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_invalid_signatures_total",
			Help: "Webhook requests with invalid HMAC signatures.",
		},
	)
	WebhookParseFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_parse_failures_total",
			Help: "Webhook payload parse failures.",
		},
		[]string{"event"},
	)

	// Queue
	EventsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_enqueued_total",
			Help: "Events accepted and enqueued (after dedupe).",
		},
		[]string{"owner", "repo"},
	)
	EventsDeduped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_deduped_total",
			Help: "Events dropped due to in-queue dedupe.",
		},
		[]string{"owner", "repo"},
	)
	QueuePushFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_push_failures_total",
			Help: "Store push errors.",
		},
		[]string{"owner", "repo"},
	)
	QueuePops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_pop_total",
			Help: "Successful pops for processing.",
		},
		[]string{"owner", "repo"},
	)
	QueuePopsEmpty = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_pop_empty_total",
			Help: "Empty pops (no queue items).",
		},
		[]string{"owner", "repo"},
	)
	QueueDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_deferred_total",
			Help: "Pops that returned the head to the tail because not_before is in the future.",
		},
		[]string{"owner", "repo"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current queue depth.",
		},
		[]string{"owner", "repo"},
	)
	QueueOldestAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_oldest_age_seconds",
			Help: "Age in seconds of the oldest queued item (0 if empty).",
		},
		[]string{"owner", "repo"},
	)
	QueueStarvation = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_starvation_total",
			Help: "Items requeued to the tail after exceeding the per-item wall-time window.",
		},
		[]string{"owner", "repo"},
	)
	DeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letter_total",
			Help: "Items moved to the dead-letter queue.",
		},
		[]string{"owner", "repo"},
	)

	// Store and worker
	RedisLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_latency_seconds",
			Help:    "Round-trip latency for Redis operations.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"op"},
	)
	WorkerLockAcquired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_lock_acquired_total",
			Help: "Worker lock acquisitions.",
		},
		[]string{"owner", "repo"},
	)
	WorkerLockFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_lock_failed_total",
			Help: "Worker lock acquisition failures.",
		},
		[]string{"owner", "repo"},
	)
	WorkerLockLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_lock_lost_total",
			Help: "Worker lock lost mid-processing.",
		},
		[]string{"owner", "repo"},
	)
	WorkerActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "1 when a worker holds the repo lock and is processing; 0 otherwise.",
		},
		[]string{"owner", "repo"},
	)
	WorkerProcessing = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_processing_seconds",
			Help:    "Worker phase durations.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"phase", "owner", "repo"},
	)
	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_total",
			Help: "Retries by phase and reason.",
		},
		[]string{"phase", "reason"},
	)

	// Forge API
	GitHubRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "github_api_requests_total",
			Help: "Outbound GitHub API requests.",
		},
		[]string{"endpoint", "status"},
	)
	GitHubLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "github_api_latency_seconds",
			Help:    "Latency of GitHub API requests.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)
	RateLimitRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "github_rate_limit_remaining",
			Help: "GitHub REST API remaining requests.",
		},
		[]string{"installation"},
	)
	RateLimitReset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "github_rate_limit_reset",
			Help: "Epoch seconds when the GitHub rate limit resets.",
		},
		[]string{"installation"},
	)
	Throttles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttles_total",
			Help: "Times the service engaged backpressure due to rate limits.",
		},
		[]string{"scope", "reason"},
	)
	BackpressureActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backpressure_active",
			Help: "1 when backpressure/throttle is active for an installation.",
		},
		[]string{"installation"},
	)
	ConfigLoadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "config_load_failures_total",
			Help: "Failures to load repository configuration.",
		},
	)

	// Merge behavior
	BranchUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branch_updates_total",
			Help: "Attempted update-branch outcomes.",
		},
		[]string{"result"},
	)
	ChecksWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "checks_wait_seconds",
			Help:    "Time spent waiting for checks to pass after a branch update.",
			Buckets: []float64{5, 10, 20, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)
	MergeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merge_attempts_total",
			Help: "Merge attempts by method and result.",
		},
		[]string{"method", "result"},
	)
	MergesSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merges_success_total",
			Help: "Successful merges by method.",
		},
		[]string{"method"},
	)
	MergesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merges_failed_total",
			Help: "Failed merges by reason.",
		},
		[]string{"reason"},
	)

	ServiceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_info",
			Help: "Service build/version info labeled on 1.",
		},
		[]string{"version"},
	)
)

func init() {
	Registry.MustRegister(
		WebhookRequests, WebhookInvalidSignatures, WebhookParseFailures,
		EventsEnqueued, EventsDeduped, QueuePushFailures,
		QueuePops, QueuePopsEmpty, QueueDeferred,
		QueueDepth, QueueOldestAge, QueueStarvation, DeadLettered,
		RedisLatency,
		WorkerLockAcquired, WorkerLockFailed, WorkerLockLost,
		WorkerActive, WorkerProcessing, Retries,
		GitHubRequests, GitHubLatency,
		RateLimitRemaining, RateLimitReset,
		Throttles, BackpressureActive, ConfigLoadFailures,
		BranchUpdates, ChecksWait,
		MergeAttempts, MergesSuccess, MergesFailed,
		ServiceInfo,
	)
}

// SetServiceInfo stamps the running version onto the service_info gauge.
func SetServiceInfo(version string) {
	ServiceInfo.WithLabelValues(version).Set(1)
}

// Handler serves the service registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
