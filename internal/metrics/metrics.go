// Package metrics exposes vulnz's Prometheus collectors and the helpers the
// rest of the code records through. Every metric is prefixed vulnz_.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vulnz"

var fastBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1}

// HTTP.
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern and status.",
	}, []string{"route", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route pattern and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})

	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_requests",
		Help:      "HTTP requests in flight.",
	})
)

// Components and search.
var (
	IngestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "component",
		Name:      "ingests_total",
		Help:      "Component release ingests by result.",
	}, []string{"result"})

	ComponentChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "component",
		Name:      "changes_total",
		Help:      "Website component changes recorded, by change type.",
	}, []string{"change_type"})

	ComponentSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "component",
		Name:      "syncs_total",
		Help:      "Upstream component metadata syncs by ecosystem and result.",
	}, []string{"ecosystem", "result"})

	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "duration_seconds",
		Help:      "Component search latency.",
		Buckets:   fastBuckets,
	})

	SearchResults = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "results",
		Help:      "Total matches per component search.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
	})
)

// Reporting and scheduled jobs.
var (
	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_total",
		Help:      "Summary emails by status: sent, failed or skipped.",
	}, []string{"status"})

	ReportsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reports_pending",
		Help:      "Users still due a summary email at the last check.",
	})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "job",
		Name:      "duration_seconds",
		Help:      "Scheduled job run time by job and result.",
		Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 300},
	}, []string{"job", "result"})
)

// Upstream sources, security events and the report archive.
var (
	UpstreamFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "fetch_duration_seconds",
		Help:      "Upstream metadata fetch latency by host.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"host"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "errors_total",
		Help:      "Failed upstream metadata fetches by host.",
	}, []string{"host"})

	SecurityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "security_events_total",
		Help:      "Security events accepted, by event type.",
	}, []string{"event_type"})

	StorageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operation_duration_seconds",
		Help:      "Report archive operation latency.",
		Buckets:   fastBuckets,
	}, []string{"operation"})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "errors_total",
		Help:      "Failed report archive operations.",
	}, []string{"operation"})
)

// Handler serves the default registry for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(route string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	RequestsTotal.WithLabelValues(route, code).Inc()
	RequestDuration.WithLabelValues(route, code).Observe(d.Seconds())
}

func IncrementActiveRequests() { ActiveRequests.Inc() }

func DecrementActiveRequests() { ActiveRequests.Dec() }

func RecordIngest(result string) {
	IngestsTotal.WithLabelValues(result).Inc()
}

// RecordComponentChanges adds n changes of changeType; zero is ignored.
func RecordComponentChanges(changeType string, n int) {
	if n > 0 {
		ComponentChanges.WithLabelValues(changeType).Add(float64(n))
	}
}

func RecordComponentSync(ecosystem, result string) {
	if ecosystem == "" {
		ecosystem = "none"
	}
	ComponentSyncs.WithLabelValues(ecosystem, result).Inc()
}

func RecordSearch(d time.Duration, total int64) {
	SearchDuration.Observe(d.Seconds())
	SearchResults.Observe(float64(total))
}

func RecordReport(status string) {
	ReportsTotal.WithLabelValues(status).Inc()
}

func SetReportsPending(n int64) {
	ReportsPending.Set(float64(n))
}

func RecordJob(job string, d time.Duration, err error) {
	JobDuration.WithLabelValues(job, outcome(err)).Observe(d.Seconds())
}

// RecordUpstreamFetch matches the upstream.WithObserver callback.
func RecordUpstreamFetch(host string, d time.Duration, err error) {
	UpstreamFetchDuration.WithLabelValues(host).Observe(d.Seconds())
	if err != nil {
		UpstreamErrors.WithLabelValues(host).Inc()
	}
}

func RecordSecurityEvent(eventType string) {
	SecurityEvents.WithLabelValues(eventType).Inc()
}

func RecordStorageOperation(op string, d time.Duration) {
	StorageOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func RecordStorageError(op string) {
	StorageErrors.WithLabelValues(op).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
