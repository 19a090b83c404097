package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Presence Metrics
	usersOnline prometheus.Gauge

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callDuration     prometheus.Histogram
	callsFailedTotal *prometheus.CounterVec

	// Signaling Metrics
	signalsRelayedTotal *prometheus.CounterVec
	signalsDroppedTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: prometheus.Labels{"service": serviceName},
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		websocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		websocketMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"direction", "type"},
		),
		usersOnline: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "users_online",
				Help:        "Number of users with at least one open connection",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		callsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by kind and final status",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"kind", "status"},
		),
		callsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently ringing or accepted",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		callDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Duration of ended calls in seconds",
				ConstLabels: prometheus.Labels{"service": serviceName},
				Buckets:     []float64{10, 30, 60, 180, 600, 1800, 3600},
			},
		),
		callsFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of rejected call operations by reason",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"reason"},
		),
		signalsRelayedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_relayed_total",
				Help:        "Total number of relayed session-negotiation payloads",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"type"},
		),
		signalsDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "signals_dropped_total",
				Help:        "Total number of deliveries dropped because the target had no open connection",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request with its duration
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments in-flight request count
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements in-flight request count
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// WebSocketConnected records a new WebSocket connection
func (m *Metrics) WebSocketConnected() {
	m.websocketConnections.Inc()
}

// WebSocketDisconnected records a closed WebSocket connection
func (m *Metrics) WebSocketDisconnected() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(direction, msgType string) {
	m.websocketMessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// SetUsersOnline sets the online user gauge
func (m *Metrics) SetUsersOnline(n int) {
	m.usersOnline.Set(float64(n))
}

// CallStarted records a newly created call
func (m *Metrics) CallStarted() {
	m.callsActive.Inc()
}

// CallResolved records a call reaching a terminal status
func (m *Metrics) CallResolved(kind, status string, duration time.Duration) {
	m.callsTotal.WithLabelValues(kind, status).Inc()
	m.callsActive.Dec()
	if status == "ended" {
		m.callDuration.Observe(duration.Seconds())
	}
}

// CallFailed records a rejected call operation
func (m *Metrics) CallFailed(reason string) {
	m.callsFailedTotal.WithLabelValues(reason).Inc()
}

// SignalRelayed records a relayed signaling payload
func (m *Metrics) SignalRelayed(payloadType string) {
	m.signalsRelayedTotal.WithLabelValues(payloadType).Inc()
}

// SignalDropped records a delivery dropped for lack of open connections
func (m *Metrics) SignalDropped() {
	m.signalsDroppedTotal.Inc()
}
