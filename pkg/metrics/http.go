package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initHTTPMetrics initializes request metrics for the REST surface. The
// route label carries the matched route pattern, never a raw path.
func (m *Manager) initHTTPMetrics(cfg Config) {
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of API requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency by route",
			Buckets:   cfg.HTTPDurationBuckets,
		},
		[]string{"method", "route"},
	)

	m.httpConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of API requests currently being served",
		},
	)

	m.registry.MustRegister(m.httpRequests, m.httpDuration, m.httpConnections)
}

// initChatMetrics initializes metrics for the websocket chat surface.
func (m *Manager) initChatMetrics(cfg Config) {
	m.chatConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "connections",
			Help:      "Number of open chat websocket connections",
		},
	)

	m.chatRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "rejected_total",
			Help:      "Chat connections or questions refused before a turn started",
		},
		[]string{"reason"},
	)

	m.chatTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Chat turns by outcome",
		},
		[]string{"outcome"},
	)

	m.chatTurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turn_duration_seconds",
			Help:      "Time from question to answer on the chat socket",
			Buckets:   cfg.ChatTurnBuckets,
		},
	)

	m.registry.MustRegister(m.chatConnections, m.chatRejected, m.chatTurns, m.chatTurnDuration)
}

// RecordHTTPRequest records one served API request.
func (m *Manager) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveConnections marks the start of an API request.
func (m *Manager) IncActiveConnections() {
	if !m.enabled {
		return
	}
	m.httpConnections.Inc()
}

// DecActiveConnections marks the end of an API request.
func (m *Manager) DecActiveConnections() {
	if !m.enabled {
		return
	}
	m.httpConnections.Dec()
}

// ChatConnected records an accepted chat socket.
func (m *Manager) ChatConnected() {
	if !m.enabled {
		return
	}
	m.chatConnections.Inc()
}

// ChatDisconnected records a closed chat socket.
func (m *Manager) ChatDisconnected() {
	if !m.enabled {
		return
	}
	m.chatConnections.Dec()
}

// RecordChatRejected records a refused connection or question.
func (m *Manager) RecordChatRejected(reason string) {
	if !m.enabled {
		return
	}
	m.chatRejected.WithLabelValues(reason).Inc()
}

// RecordChatTurn records a finished chat turn. Only answered turns feed the
// latency histogram.
func (m *Manager) RecordChatTurn(outcome string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.chatTurns.WithLabelValues(outcome).Inc()
	if outcome == "answered" {
		m.chatTurnDuration.Observe(d.Seconds())
	}
}
