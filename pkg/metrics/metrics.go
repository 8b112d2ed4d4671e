package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signaling service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP request metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket relay metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call metrics
	callsTotal       *prometheus.CounterVec
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Relay publish metrics
	relayPublishTotal  *prometheus.CounterVec
	relayPublishFailed *prometheus.CounterVec

	// Presence metrics
	heartbeatsTotal      prometheus.Counter
	presenceSweepsTotal  prometheus.Counter
	presenceDemotedTotal prometheus.Counter
	onlineUsers          prometheus.Gauge
}

// NewMetrics creates and registers all metrics on a dedicated registry
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket relay connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages relayed",
				ConstLabels: labels,
			},
			[]string{"event", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of call attempts by kind and final status",
				ConstLabels: labels,
			},
			[]string{"call_type", "status"},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Duration of answered calls in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"call_type"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed call attempts",
				ConstLabels: labels,
			},
			[]string{"call_type", "reason"},
		),

		relayPublishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "relay_publish_total",
				Help:        "Total number of relay publishes",
				ConstLabels: labels,
			},
			[]string{"event"},
		),
		relayPublishFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "relay_publish_failed_total",
				Help:        "Total number of failed relay publishes",
				ConstLabels: labels,
			},
			[]string{"event"},
		),

		heartbeatsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "presence_heartbeats_total",
				Help:        "Total number of presence heartbeats processed",
				ConstLabels: labels,
			},
		),
		presenceSweepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "presence_sweeps_total",
				Help:        "Total number of presence expiry sweeps run",
				ConstLabels: labels,
			},
		),
		presenceDemotedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "presence_demoted_total",
				Help:        "Total number of users demoted to offline by the sweep",
				ConstLabels: labels,
			},
		),
		onlineUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "presence_online_users",
				Help:        "Number of users currently marked online",
				ConstLabels: labels,
			},
		),
	}
}

// GetRegistry returns the dedicated registry for the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP metrics

func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// WebSocket metrics

func (m *Metrics) IncrementWebSocketConnections() {
	m.websocketConnections.Inc()
}

func (m *Metrics) DecrementWebSocketConnections() {
	m.websocketConnections.Dec()
}

func (m *Metrics) RecordWebSocketMessage(event, direction string) {
	m.websocketMessagesTotal.WithLabelValues(event, direction).Inc()
}

func (m *Metrics) RecordWebSocketError(reason string) {
	m.websocketErrorsTotal.WithLabelValues(reason).Inc()
}

// Call metrics

func (m *Metrics) RecordCall(callType, status string) {
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

func (m *Metrics) RecordCallDuration(callType string, seconds int) {
	m.callsDuration.WithLabelValues(callType).Observe(float64(seconds))
}

func (m *Metrics) RecordCallFailure(callType, reason string) {
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// Relay metrics

func (m *Metrics) RecordRelayPublish(event string, err error) {
	m.relayPublishTotal.WithLabelValues(event).Inc()
	if err != nil {
		m.relayPublishFailed.WithLabelValues(event).Inc()
	}
}

// Presence metrics

func (m *Metrics) RecordHeartbeat() {
	m.heartbeatsTotal.Inc()
}

func (m *Metrics) RecordSweep(demoted int) {
	m.presenceSweepsTotal.Inc()
	m.presenceDemotedTotal.Add(float64(demoted))
}

func (m *Metrics) SetOnlineUsers(count int) {
	m.onlineUsers.Set(float64(count))
}
