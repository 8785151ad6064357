// Package metrics tracks proxy-wide counters, both as plain atomics for the
// JSON /metrics endpoint and as Prometheus vectors for /metrics/prom.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the JSON-serializable view of the process-wide counters.
type Snapshot struct {
	Requests         int64 `json:"requests"`
	CacheHits        int64 `json:"cacheHits"`
	CacheMisses      int64 `json:"cacheMisses"`
	UpstreamErrors   int64 `json:"upstreamErrors"`
	TotalLatencyMs   int64 `json:"totalLatencyMs"`
	HeadlessRequests int64 `json:"headlessRequests"`
	HeadlessFailures int64 `json:"headlessFailures"`
	HeadlessActive   int64 `json:"headlessActive"`
}

// Registry holds the atomic counters named in the data model, updated
// without locking from any number of concurrent requests.
type Registry struct {
	requests         int64
	cacheHits        int64
	cacheMisses      int64
	upstreamErrors   int64
	totalLatencyMs   int64
	headlessRequests int64
	headlessFailures int64
	headlessActive   int64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RecordRequest updates request-scoped counters and the Prometheus vectors
// that mirror them, and should be called exactly once per proxy request on
// every exit path.
func (r *Registry) RecordRequest(method string, status int, cache string, dur time.Duration) {
	atomic.AddInt64(&r.requests, 1)
	atomic.AddInt64(&r.totalLatencyMs, dur.Milliseconds())

	cacheLabel := normCacheLabel(cache)
	switch cacheLabel {
	case "HIT":
		atomic.AddInt64(&r.cacheHits, 1)
	case "MISS":
		atomic.AddInt64(&r.cacheMisses, 1)
	}

	proxyRequestsTotal.WithLabelValues(method, strconv.Itoa(status), cacheLabel).Inc()
	proxyReqDuration.WithLabelValues(method, cacheLabel).Observe(dur.Seconds())
}

// RecordUpstreamError increments the upstream-error counter, used for
// upstream network failures and unexpected 5xx pipeline outcomes.
func (r *Registry) RecordUpstreamError() {
	atomic.AddInt64(&r.upstreamErrors, 1)
	upstreamErrorsTotal.Inc()
}

// HeadlessStart marks the beginning of a render attempt.
func (r *Registry) HeadlessStart() {
	atomic.AddInt64(&r.headlessRequests, 1)
	active := atomic.AddInt64(&r.headlessActive, 1)
	headlessRequestsTotal.Inc()
	headlessActiveGauge.Set(float64(active))
}

// HeadlessEnd marks the end of a render attempt, successful or not. It must
// be called exactly once for every HeadlessStart, on every exit path.
func (r *Registry) HeadlessEnd(failed bool) {
	active := atomic.AddInt64(&r.headlessActive, -1)
	headlessActiveGauge.Set(float64(active))
	if failed {
		atomic.AddInt64(&r.headlessFailures, 1)
		headlessFailuresTotal.Inc()
	}
}

// Snapshot returns a consistent-enough point-in-time read of every counter
// for the JSON /metrics endpoint; individual fields may be read a moment
// apart under concurrent updates, which is acceptable per the monotonic
// snapshot contract.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Requests:         atomic.LoadInt64(&r.requests),
		CacheHits:        atomic.LoadInt64(&r.cacheHits),
		CacheMisses:      atomic.LoadInt64(&r.cacheMisses),
		UpstreamErrors:   atomic.LoadInt64(&r.upstreamErrors),
		TotalLatencyMs:   atomic.LoadInt64(&r.totalLatencyMs),
		HeadlessRequests: atomic.LoadInt64(&r.headlessRequests),
		HeadlessFailures: atomic.LoadInt64(&r.headlessFailures),
		HeadlessActive:   atomic.LoadInt64(&r.headlessActive),
	}
}

// Handler returns an http.Handler exposing every registered metric in
// Prometheus text exposition format, for GET /metrics/prom.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Proxy-side Prometheus vectors. Kept low-cardinality: method, numeric
// status, and a bounded cache-outcome label.
var (
	proxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total proxy responses by method, status and cache result",
		},
		[]string{"method", "status", "cache"},
	)
	proxyReqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "End-to-end proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "cache"},
	)
	upstreamErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_upstream_errors_total",
			Help: "Total upstream dispatch failures and 5xx outcomes",
		},
	)
	headlessRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_headless_requests_total",
			Help: "Total headless render attempts",
		},
	)
	headlessFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_headless_failures_total",
			Help: "Total headless render attempts that ended in error",
		},
	)
	headlessActiveGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_headless_active",
			Help: "Number of headless renders currently in flight",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_queue_depth",
			Help: "Current queue depth (waiting only)",
		},
	)
	queueRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_queue_rejected_total",
			Help: "Total requests rejected due to full queue",
		},
	)
	queueTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_queue_timeouts_total",
			Help: "Total requests that timed out while waiting in queue",
		},
	)
	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxy_queue_wait_seconds",
			Help:    "Observed time spent waiting in the queue",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		proxyRequestsTotal,
		proxyReqDuration,
		upstreamErrorsTotal,
		headlessRequestsTotal,
		headlessFailuresTotal,
		headlessActiveGauge,
		queueDepth,
		queueRejected,
		queueTimeouts,
		queueWait,
	)
}

// normCacheLabel normalizes the cache label to a bounded set of values.
func normCacheLabel(v string) string {
	switch v {
	case "HIT", "MISS":
		return v
	default:
		return "BYPASS"
	}
}

// QueueRejectedInc increments the count of requests rejected due to a full queue.
func QueueRejectedInc() { queueRejected.Inc() }

// QueueTimeoutsInc increments the count of requests that timed out while waiting in the queue.
func QueueTimeoutsInc() { queueTimeouts.Inc() }

// QueueWaitObserve observes time spent waiting in the queue for a single request.
func QueueWaitObserve(d time.Duration) { queueWait.Observe(d.Seconds()) }

// QueueDepthSet sets the current queue depth (waiting requests only).
func QueueDepthSet(depth int64) { queueDepth.Set(float64(depth)) }
