package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var modeLabel atomic.Value

func init() {
	modeLabel.Store("cache")
}

// SetMode sets the serving mode ("direct" or "cache") stamped on metrics.
func SetMode(m string) {
	if m == "" {
		m = "cache"
	}
	modeLabel.Store(m)
}

func getMode() string {
	if v := modeLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "cache"
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status", "mode"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"method", "route", "status", "mode"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Time to first byte of upstream archive downloads in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"upstream", "mode"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Feed cache lookups by outcome.",
		},
		[]string{"outcome", "mode"},
	)

	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Cached artifacts removed, by reason.",
		},
		[]string{"reason"},
	)

	cacheResidentBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_resident_bytes",
			Help: "Bytes of cached artifacts tracked by the disk store.",
		},
	)

	cacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_ops_total",
			Help: "Side-store operations by op and result.",
		},
		[]string{"op", "result"},
	)

	cacheOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Side-store operation latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	fetchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetch_retries_total",
			Help: "Upstream connect attempts beyond the first.",
		},
	)

	fetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_errors_total",
			Help: "Failed day fetches by error kind.",
		},
		[]string{"kind"},
	)

	feedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_records_total",
			Help: "Upstream records examined by the projector, by outcome.",
		},
		[]string{"outcome"},
	)

	feedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_bytes_total",
			Help: "Compressed feed bytes produced by fresh builds.",
		},
	)

	invalidationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Day invalidation events by result.",
		},
		[]string{"result"},
	)

	feedEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_events_dropped_total",
			Help: "Feed events dropped because the publish buffer was full.",
		},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	m := getMode()
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st, m).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st, m).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, getMode()).Observe(durationSeconds)
}

// IncCacheResult counts a lookup outcome: "hit", "miss" or "coalesced".
func IncCacheResult(outcome string) {
	cacheResults.WithLabelValues(outcome, getMode()).Inc()
}

func AddEvictions(reason string, n int) {
	if n > 0 {
		cacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

func SetResidentBytes(n int64) { cacheResidentBytes.Set(float64(n)) }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOps.WithLabelValues(op, result).Inc()
	cacheOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func IncFetchRetry() { fetchRetries.Inc() }

func IncFetchError(kind string) { fetchErrors.WithLabelValues(kind).Inc() }

func AddRecords(emitted, rejected int) {
	if emitted > 0 {
		feedRecords.WithLabelValues("emitted").Add(float64(emitted))
	}
	if rejected > 0 {
		feedRecords.WithLabelValues("rejected").Add(float64(rejected))
	}
}

func AddFeedBytes(n int64) {
	if n > 0 {
		feedBytes.Add(float64(n))
	}
}

func IncInvalidation(result string) { invalidationEvents.WithLabelValues(result).Inc() }

func IncFeedEventDropped() { feedEventsDropped.Inc() }

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
