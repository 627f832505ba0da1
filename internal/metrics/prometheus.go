// Package metrics registers and records Prometheus metrics for all gateway
// subsystems including the delaying interceptor, the HTTP reverse proxy, the
// delay control server, the gRPC client interceptor, and the MQTT knob
// transport.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DelayedCalls        *prometheus.CounterVec
	InjectedDelay       prometheus.Histogram
	CallDuration        prometheus.Histogram
	KnobDelayMillis     prometheus.Gauge
	KnobUpdates         *prometheus.CounterVec
	KnobUpdatesRejected *prometheus.CounterVec
	ControlHTTPRequests *prometheus.CounterVec
	ControlHTTPLatency  prometheus.Histogram
	ControlRateLimited  prometheus.Counter
	ProxyHTTPRequests   *prometheus.CounterVec
	ProxyHTTPLatency    prometheus.Histogram
	ProxyUpstreamErrors prometheus.Counter
	MQTTConnected       prometheus.Gauge
	MQTTReconnects      prometheus.Counter
	MQTTConnects        prometheus.Counter
	MQTTDisconnects     prometheus.Counter
	MQTTInboundMessages prometheus.Counter

	metricsMu         sync.RWMutex
	currentRegisterer prometheus.Registerer = prometheus.DefaultRegisterer
)

func init() {
	resetMetrics(prometheus.DefaultRegisterer)
}

// SetRegisterer sets a new registerer and reinitializes all metrics.
// It returns the previous registerer so it can be restored later.
// This function is thread-safe and designed for use in tests to provide
// isolated metric registries per test.
func SetRegisterer(registerer prometheus.Registerer) prometheus.Registerer {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	previous := currentRegisterer

	if currentRegisterer != nil {
		unregisterAll(currentRegisterer)
	}

	currentRegisterer = registerer
	initializeMetrics(registerer)

	return previous
}

// ResetForTesting reconfigures all metric collectors against the provided
// registerer, unregistering the existing ones first so repeated invocations
// do not collide.
func ResetForTesting(registerer prometheus.Registerer) {
	resetMetrics(registerer)
}

func resetMetrics(registerer prometheus.Registerer) {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	if currentRegisterer != nil {
		unregisterAll(currentRegisterer)
	}

	currentRegisterer = registerer
	initializeMetrics(registerer)
}

// initializeMetrics creates all metrics using the provided registerer.
// This function must be called while holding metricsMu.
func initializeMetrics(registerer prometheus.Registerer) {
	factory := promauto.With(registerer)

	DelayedCalls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slowmo_delayed_calls_total",
			Help: "Total number of wrapped invocations by component and outcome",
		},
		[]string{"component", "outcome"},
	)

	InjectedDelay = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slowmo_injected_delay_seconds",
			Help:    "Configured artificial delay applied per invocation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	CallDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slowmo_call_duration_seconds",
			Help:    "Total time from invocation to delivery of the result",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	KnobDelayMillis = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "slowmo_knob_delay_milliseconds",
			Help: "Current value of the live delay knob",
		},
	)

	KnobUpdates = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slowmo_knob_updates_total",
			Help: "Total number of applied knob updates by source",
		},
		[]string{"source"},
	)

	KnobUpdatesRejected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slowmo_knob_updates_rejected_total",
			Help: "Total number of discarded knob updates by reason",
		},
		[]string{"reason"},
	)

	ControlHTTPRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slowmo_control_http_requests_total",
			Help: "Total number of control API requests by status code",
		},
		[]string{"code"},
	)

	ControlHTTPLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slowmo_control_http_latency_seconds",
			Help:    "Latency of control API requests",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	ControlRateLimited = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "slowmo_control_rate_limited_total",
			Help: "Total number of control API requests rejected by the rate limiter",
		},
	)

	ProxyHTTPRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slowmo_proxy_http_requests_total",
			Help: "Total number of proxied requests by status code",
		},
		[]string{"code"},
	)

	ProxyHTTPLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slowmo_proxy_http_latency_seconds",
			Help:    "End-to-end latency of proxied requests including injected delay",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	ProxyUpstreamErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "slowmo_proxy_upstream_errors_total",
			Help: "Total number of upstream failures observed by the reverse proxy",
		},
	)

	MQTTConnected = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqtt_connection_status",
			Help: "MQTT connection status (1=connected, 0=disconnected)",
		},
	)

	MQTTReconnects = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_reconnects_total",
			Help: "Total number of MQTT reconnection attempts",
		},
	)

	MQTTConnects = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_connects_total",
			Help: "Total number of successful MQTT connections",
		},
	)

	MQTTDisconnects = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_disconnects_total",
			Help: "Total number of MQTT disconnects",
		},
	)

	MQTTInboundMessages = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt_in_msgs_total",
			Help: "Total number of MQTT messages received",
		},
	)
}

func unregisterAll(registerer prometheus.Registerer) {
	if DelayedCalls != nil {
		registerer.Unregister(DelayedCalls)
	}
	if InjectedDelay != nil {
		registerer.Unregister(InjectedDelay)
	}
	if CallDuration != nil {
		registerer.Unregister(CallDuration)
	}
	if KnobDelayMillis != nil {
		registerer.Unregister(KnobDelayMillis)
	}
	if KnobUpdates != nil {
		registerer.Unregister(KnobUpdates)
	}
	if KnobUpdatesRejected != nil {
		registerer.Unregister(KnobUpdatesRejected)
	}
	if ControlHTTPRequests != nil {
		registerer.Unregister(ControlHTTPRequests)
	}
	if ControlHTTPLatency != nil {
		registerer.Unregister(ControlHTTPLatency)
	}
	if ControlRateLimited != nil {
		registerer.Unregister(ControlRateLimited)
	}
	if ProxyHTTPRequests != nil {
		registerer.Unregister(ProxyHTTPRequests)
	}
	if ProxyHTTPLatency != nil {
		registerer.Unregister(ProxyHTTPLatency)
	}
	if ProxyUpstreamErrors != nil {
		registerer.Unregister(ProxyUpstreamErrors)
	}
	if MQTTConnected != nil {
		registerer.Unregister(MQTTConnected)
	}
	if MQTTReconnects != nil {
		registerer.Unregister(MQTTReconnects)
	}
	if MQTTConnects != nil {
		registerer.Unregister(MQTTConnects)
	}
	if MQTTDisconnects != nil {
		registerer.Unregister(MQTTDisconnects)
	}
	if MQTTInboundMessages != nil {
		registerer.Unregister(MQTTInboundMessages)
	}
}

// Outcome labels for RecordDelayedCall.
const (
	OutcomeResolved  = "resolved"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
)

// RecordDelayedCall records one wrapped invocation: which component delayed
// it, how it settled, the configured delay, and the observed total duration.
func RecordDelayedCall(component, outcome string, configured, total time.Duration) {
	DelayedCalls.WithLabelValues(component, outcome).Inc()
	if configured > 0 {
		InjectedDelay.Observe(configured.Seconds())
	}
	if total > 0 {
		CallDuration.Observe(total.Seconds())
	}
}

// SetKnobDelayMillis updates the knob gauge.
func SetKnobDelayMillis(ms int64) {
	KnobDelayMillis.Set(float64(ms))
}

// RecordKnobUpdate counts an applied knob update from the given source
// ("control" or "mqtt").
func RecordKnobUpdate(source string) {
	KnobUpdates.WithLabelValues(source).Inc()
}

// RecordKnobRejected counts a discarded knob update with a reason.
func RecordKnobRejected(reason string) {
	KnobUpdatesRejected.WithLabelValues(reason).Inc()
}

// RecordControlRequest tracks latency and status codes for the control API.
func RecordControlRequest(code int, duration time.Duration) {
	ControlHTTPRequests.WithLabelValues(codeLabel(code)).Inc()
	if duration < 0 {
		duration = 0
	}
	ControlHTTPLatency.Observe(duration.Seconds())
}

// RecordControlRateLimited tracks rate-limited control API requests.
func RecordControlRateLimited() {
	ControlRateLimited.Inc()
}

// RecordProxyRequest tracks latency and status codes for proxied requests.
func RecordProxyRequest(code int, duration time.Duration) {
	ProxyHTTPRequests.WithLabelValues(codeLabel(code)).Inc()
	if duration < 0 {
		duration = 0
	}
	ProxyHTTPLatency.Observe(duration.Seconds())
}

// RecordUpstreamError counts a failed upstream round trip.
func RecordUpstreamError() {
	ProxyUpstreamErrors.Inc()
}

// SetMQTTConnected sets the MQTT connection status.
func SetMQTTConnected(connected bool) {
	if connected {
		MQTTConnected.Set(1)
	} else {
		MQTTConnected.Set(0)
	}
}

// RecordMQTTReconnect increments the MQTT reconnection counter.
func RecordMQTTReconnect() {
	MQTTReconnects.Inc()
}

// RecordMQTTConnect tracks successful MQTT connections.
func RecordMQTTConnect() {
	MQTTConnects.Inc()
}

// RecordMQTTDisconnect tracks MQTT disconnects, whether expected or due to errors.
func RecordMQTTDisconnect() {
	MQTTDisconnects.Inc()
}

// RecordMQTTMessage counts inbound MQTT messages prior to validation.
func RecordMQTTMessage() {
	MQTTInboundMessages.Inc()
}

func codeLabel(code int) string {
	if code <= 0 {
		return "0"
	}
	return strconv.Itoa(code)
}
