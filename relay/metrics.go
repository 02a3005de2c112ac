package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chris-pikul/envelope-relay/fanout"
)

type relayMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	streamsActive prometheus.Gauge
	streamsTotal  prometheus.Counter
	eventsPushed  *prometheus.CounterVec
	pruned        prometheus.Counter
}

func newRelayMetrics(reg prometheus.Registerer, hub *fanout.Hub) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "HTTP requests handled grouped by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_latency_seconds",
			Help:    "Latency for handling HTTP requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"route"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_streams_active",
			Help: "Current number of open conversation streams.",
		}),
		streamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_streams_total",
			Help: "Total number of conversation streams opened since start.",
		}),
		eventsPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_events_total",
			Help: "Events written to stream clients grouped by type.",
		}, []string{"type"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_pruned_total",
			Help: "Fanout log rows removed by cleaning.",
		}),
	}

	reg.MustRegister(
		m.requests,
		m.latency,
		m.streamsActive,
		m.streamsTotal,
		m.eventsPushed,
		m.pruned,
	)

	if hub != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "relay_fanout_subscribers",
				Help: "Live subscriptions held by this process.",
			}, func() float64 { return float64(hub.Subscribers()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "relay_fanout_channels",
				Help: "Conversations with at least one local subscriber.",
			}, func() float64 { return float64(hub.Channels()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "relay_fanout_delivered_total",
				Help: "Events handed to local subscribers.",
			}, func() float64 { return float64(hub.Delivered()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "relay_fanout_dropped_total",
				Help: "Events dropped for slow subscribers.",
			}, func() float64 { return float64(hub.Dropped()) }),
		)
	}
	return m
}

func (m *relayMetrics) observeRequest(route string, code int, dur time.Duration) {
	if m == nil || route == "" {
		return
	}
	m.requests.WithLabelValues(route, statusLabel(code)).Inc()
	m.latency.WithLabelValues(route).Observe(dur.Seconds())
}

func (m *relayMetrics) streamOpened() {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
	m.streamsTotal.Inc()
}

func (m *relayMetrics) streamClosed() {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
}

func (m *relayMetrics) recordPush(kind fanout.Kind) {
	if m == nil {
		return
	}
	m.eventsPushed.WithLabelValues(string(kind)).Inc()
}

func (m *relayMetrics) recordPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
