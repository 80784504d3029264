package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the broadcaster.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	requestSeconds     *prometheus.HistogramVec
	sessions           *prometheus.GaugeVec
	launchesTotal      *prometheus.CounterVec
	restartsTotal      *prometheus.CounterVec
	crashesTotal       prometheus.Counter
	fallbacksTotal     *prometheus.CounterVec
	startsRefusedTotal *prometheus.CounterVec
	segmentsPublished  *prometheus.CounterVec
	segmentsEvicted    prometheus.Counter
	segmentBytes       prometheus.Gauge
	clientLeases       prometheus.Gauge
	resolveSeconds     prometheus.Histogram
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received, by resource kind",
		}, []string{"kind"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx), by resource kind and status",
		}, []string{"kind", "status"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_request_duration_seconds",
			Help:    "HTTP request latency, by resource kind",
			Buckets: []float64{.001, .005, .025, .1, .5, 2, 10, 30},
		}, []string{"kind"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broadcast_sessions",
			Help: "Number of channel stream sessions by lifecycle state",
		}, []string{"state"}),
		launchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_transcoder_launches_total",
			Help: "Total number of transcoder processes launched, by accelerator",
		}, []string{"accel"}),
		restartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_transcoder_restarts_total",
			Help: "Total number of transcoder relaunches, by reason",
		}, []string{"reason"}),
		crashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_transcoder_crashes_total",
			Help: "Total number of streams that exhausted their restart budget",
		}),
		fallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_hwaccel_fallbacks_total",
			Help: "Total number of software-encode fallbacks, by original accelerator",
		}, []string{"accel"}),
		startsRefusedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_starts_refused_total",
			Help: "Total number of stream starts refused, by reason",
		}, []string{"reason"}),
		segmentsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_segments_published_total",
			Help: "Total number of segments published, by quality",
		}, []string{"quality"}),
		segmentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_segments_evicted_total",
			Help: "Total number of segments evicted from sliding windows",
		}),
		segmentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_segment_bytes",
			Help: "Bytes of segment payload currently held in memory",
		}),
		clientLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_client_leases",
			Help: "Number of live client leases",
		}),
		resolveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcast_timeline_resolve_seconds",
			Help:    "Latency of timeline resolution",
			Buckets: []float64{.00001, .0001, .001, .01, .1},
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.requestSeconds,
		m.sessions,
		m.launchesTotal,
		m.restartsTotal,
		m.crashesTotal,
		m.fallbacksTotal,
		m.startsRefusedTotal,
		m.segmentsPublished,
		m.segmentsEvicted,
		m.segmentBytes,
		m.clientLeases,
		m.resolveSeconds,
	)

	return m
}

// ObserveRequest records one served request of the given kind ("master",
// "variant", "segment", ...). Statuses of 400 and above also count as errors.
func (m *Metrics) ObserveRequest(kind string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(kind).Inc()
	m.requestSeconds.WithLabelValues(kind).Observe(d.Seconds())
	if status >= 400 {
		m.errorsTotal.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	}
}

// SetSessions sets the number of sessions in state.
func (m *Metrics) SetSessions(state string, n int) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(state).Set(float64(n))
}

// IncLaunches counts a transcoder launch.
func (m *Metrics) IncLaunches(accel string) {
	if m == nil {
		return
	}
	m.launchesTotal.WithLabelValues(accel).Inc()
}

// IncRestarts counts a transcoder relaunch.
func (m *Metrics) IncRestarts(reason string) {
	if m == nil {
		return
	}
	m.restartsTotal.WithLabelValues(reason).Inc()
}

// IncCrashes counts a stream that gave up restarting.
func (m *Metrics) IncCrashes() {
	if m == nil {
		return
	}
	m.crashesTotal.Inc()
}

// IncFallbacks counts a hardware to software encoder fallback.
func (m *Metrics) IncFallbacks(accel string) {
	if m == nil {
		return
	}
	m.fallbacksTotal.WithLabelValues(accel).Inc()
}

// IncStartsRefused counts a refused stream start.
func (m *Metrics) IncStartsRefused(reason string) {
	if m == nil {
		return
	}
	m.startsRefusedTotal.WithLabelValues(reason).Inc()
}

// IncSegmentsPublished counts a published segment.
func (m *Metrics) IncSegmentsPublished(quality string) {
	if m == nil {
		return
	}
	m.segmentsPublished.WithLabelValues(quality).Inc()
}

// AddSegmentsEvicted counts segments dropped from windows.
func (m *Metrics) AddSegmentsEvicted(n int) {
	if m == nil {
		return
	}
	m.segmentsEvicted.Add(float64(n))
}

// SetSegmentBytes sets the in-memory payload gauge.
func (m *Metrics) SetSegmentBytes(n int64) {
	if m == nil {
		return
	}
	m.segmentBytes.Set(float64(n))
}

// SetClientLeases sets the live lease gauge.
func (m *Metrics) SetClientLeases(n int) {
	if m == nil {
		return
	}
	m.clientLeases.Set(float64(n))
}

// ObserveResolve records one timeline resolution.
func (m *Metrics) ObserveResolve(d time.Duration) {
	if m == nil {
		return
	}
	m.resolveSeconds.Observe(d.Seconds())
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
