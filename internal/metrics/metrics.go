// Package metrics holds the Prometheus collectors for the realtime router and
// the status endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Sessions       *prometheus.GaugeVec
	Subscriptions  prometheus.Gauge
	FramesSent     prometheus.Counter
	FramesDropped  prometheus.Counter
	Broadcasts     *prometheus.CounterVec
	StatusUpdates  *prometheus.CounterVec
	MessagesPosted prometheus.Counter
}

// New registers every collector on a fresh registry, so tests can build as
// many instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chat",
			Subsystem: "realtime",
			Name:      "sessions",
			Help:      "Open realtime sessions by transport.",
		}, []string{"transport"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Subsystem: "realtime",
			Name:      "subscriptions",
			Help:      "Topic subscriptions across all sessions.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "realtime",
			Name:      "frames_sent_total",
			Help:      "Frames queued to subscribers.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "realtime",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a subscriber's buffer was full.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Topic broadcasts, by whether any subscriber was present.",
		}, []string{"result"}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "presence",
			Name:      "status_updates_total",
			Help:      "Accepted presence status updates by status and delivery kind.",
		}, []string{"status", "kind"}),
		MessagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "api",
			Name:      "messages_posted_total",
			Help:      "Direct messages created through the API.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Sessions,
		m.Subscriptions,
		m.FramesSent,
		m.FramesDropped,
		m.Broadcasts,
		m.StatusUpdates,
		m.MessagesPosted,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
