package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus counters and gauges of the demuxer. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	fragmentsTotal   *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	fetchFailures    *prometheus.CounterVec
	switchesTotal    *prometheus.CounterVec
	pushesTotal      *prometheus.CounterVec
	seeksTotal       *prometheus.CounterVec
	throughput       *prometheus.GaugeVec
	bufferLevel      *prometheus.GaugeVec
	activeSessions   prometheus.Gauge
	segmentsInCache  prometheus.Gauge
	sessionsFinished *prometheus.CounterVec
}

// New creates and registers the metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		fragmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demuxd_fragments_total",
			Help: "Total number of fragment groups downloaded",
		}, []string{"channel"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demuxd_downloaded_bytes_total",
			Help: "Total number of media bytes downloaded",
		}, []string{"channel"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demuxd_fetch_failures_total",
			Help: "Total number of failed fragment group downloads",
		}, []string{"channel"}),
		switchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demuxd_representation_switches_total",
			Help: "Total number of representation switches",
		}, []string{"channel", "stream"}),
		pushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demuxd_pushes_total",
			Help: "Total number of fragments handed to the sink",
		}, []string{"channel", "stream"}),
		seeksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demuxd_seeks_total",
			Help: "Total number of seek requests by outcome",
		}, []string{"channel", "result"}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "demuxd_throughput_bits_per_second",
			Help: "Throughput measured on the last fragment group",
		}, []string{"channel"}),
		bufferLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "demuxd_buffered_seconds",
			Help: "Media time queued between the download and stream loops",
		}, []string{"channel"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "demuxd_active_sessions",
			Help: "Number of running demux sessions",
		}),
		segmentsInCache: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "demuxd_cached_segments",
			Help: "Number of re-published segments held in the cache",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "demuxd_sessions_finished_total",
			Help: "Total number of sessions that ended, by error code",
		}, []string{"code"}),
	}

	registry.MustRegister(
		m.fragmentsTotal,
		m.bytesTotal,
		m.fetchFailures,
		m.switchesTotal,
		m.pushesTotal,
		m.seeksTotal,
		m.throughput,
		m.bufferLevel,
		m.activeSessions,
		m.segmentsInCache,
		m.sessionsFinished,
	)
	return m
}

// ObserveGroup records a downloaded fragment group and the throughput it was fetched at.
func (m *Metrics) ObserveGroup(channel string, bytes int, bitsPerSecond float64) {
	if m == nil {
		return
	}
	m.fragmentsTotal.WithLabelValues(channel).Inc()
	m.bytesTotal.WithLabelValues(channel).Add(float64(bytes))
	m.throughput.WithLabelValues(channel).Set(bitsPerSecond)
}

// IncFetchFailures increments the failed download counter.
func (m *Metrics) IncFetchFailures(channel string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(channel).Inc()
}

// IncSwitches increments the representation switch counter of a stream.
func (m *Metrics) IncSwitches(channel, stream string) {
	if m == nil {
		return
	}
	m.switchesTotal.WithLabelValues(channel, stream).Inc()
}

// IncPushes increments the push counter of a stream.
func (m *Metrics) IncPushes(channel, stream string) {
	if m == nil {
		return
	}
	m.pushesTotal.WithLabelValues(channel, stream).Inc()
}

// IncSeeks counts a seek request; result is "ok" or an error code.
func (m *Metrics) IncSeeks(channel, result string) {
	if m == nil {
		return
	}
	m.seeksTotal.WithLabelValues(channel, result).Inc()
}

// SetBuffered sets the buffered media time of a channel, in seconds.
func (m *Metrics) SetBuffered(channel string, seconds float64) {
	if m == nil {
		return
	}
	m.bufferLevel.WithLabelValues(channel).Set(seconds)
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetCachedSegments sets the cached segments gauge.
func (m *Metrics) SetCachedSegments(n int) {
	if m == nil {
		return
	}
	m.segmentsInCache.Set(float64(n))
}

// IncSessionsFinished counts an ended session; code is empty for a clean end.
func (m *Metrics) IncSessionsFinished(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "none"
	}
	m.sessionsFinished.WithLabelValues(code).Inc()
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves the metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
