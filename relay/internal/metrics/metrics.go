// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"

	"go_tradernet/relay/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry prometheus.Gatherer

	// Connection metrics
	Connected         prometheus.Gauge
	ConnectionState   prometheus.Gauge
	ConnectAttempts   *prometheus.CounterVec
	ReconnectsPlanned prometheus.Counter
	ReconnectGiveUps  prometheus.Counter
	WatchdogFires     prometheus.Counter
	DesiredSymbols    prometheus.Gauge
	SubscriptionsSent prometheus.Counter

	// Stream metrics
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	QuotesAccepted prometheus.Counter
	QuotesIgnored  prometheus.Counter

	// Fanout metrics
	ObserverPanics *prometheus.CounterVec

	// Store metrics
	StoreErrors *prometheus.CounterVec

	// API metrics
	RequestsTotal *prometheus.CounterVec
	RateLimitHits prometheus.Counter
}

// namespace is the metrics namespace.
const namespace = "tradernet_relay"

// NewMetrics creates metrics registered on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith creates metrics registered on reg.
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Connection metrics
		Connected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected",
				Help:      "Whether the stream is authenticated (1=yes, 0=no)",
			},
		),
		ConnectionState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Connection state (0=disconnected, 1=connecting, 2=awaiting_auth, 3=authenticated)",
			},
		),
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Total number of socket connect attempts",
			},
			[]string{"outcome"}, // outcome: ok, error, timeout, superseded
		),
		ReconnectsPlanned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_scheduled_total",
				Help:      "Total number of backoff reconnects scheduled",
			},
		),
		ReconnectGiveUps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_give_ups_total",
				Help:      "Total number of times automatic reconnection gave up",
			},
		),
		WatchdogFires: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watchdog_fires_total",
				Help:      "Total number of silent connections detected by the watchdog",
			},
		),
		DesiredSymbols: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "desired_symbols",
				Help:      "Number of symbols in the desired subscription set",
			},
		),
		SubscriptionsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriptions_sent_total",
				Help:      "Total number of quote subscription frames sent",
			},
		),

		// Stream metrics
		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_received_total",
				Help:      "Total number of inbound frames",
			},
			[]string{"type"},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Total number of inbound frames dropped",
			},
			[]string{"reason"}, // reason: malformed, unknown_type, missing_symbol
		),
		QuotesAccepted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quotes_accepted_total",
				Help:      "Total number of quote frames that produced a price",
			},
		),
		QuotesIgnored: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quotes_ignored_total",
				Help:      "Total number of quote frames without a usable price",
			},
		),

		// Fanout metrics
		ObserverPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observer_panics_total",
				Help:      "Total number of observer callbacks that panicked",
			},
			[]string{"event"},
		),

		// Store metrics
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of price cache errors",
			},
			[]string{"op"}, // op: get, put, batch
		),

		// API metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of local API requests",
			},
			[]string{"method", "route", "status"},
		),
		RateLimitHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_hits_total",
				Help:      "Total number of local API requests rejected by the rate limiter",
			},
		),
	}
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordState records the connection state.
func (m *Metrics) RecordState(state types.ConnectionState) {
	m.ConnectionState.Set(float64(state))
	if state == types.StateAuthenticated {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// RecordConnectAttempt records the outcome of a connect attempt.
func (m *Metrics) RecordConnectAttempt(outcome string) {
	m.ConnectAttempts.WithLabelValues(outcome).Inc()
}

// RecordReconnectScheduled records a backoff reconnect.
func (m *Metrics) RecordReconnectScheduled() {
	m.ReconnectsPlanned.Inc()
}

// RecordReconnectGiveUp records that automatic reconnection stopped.
func (m *Metrics) RecordReconnectGiveUp() {
	m.ReconnectGiveUps.Inc()
}

// RecordWatchdogFire records a watchdog expiry.
func (m *Metrics) RecordWatchdogFire() {
	m.WatchdogFires.Inc()
}

// RecordSubscriptionSent records a subscribe frame and the size of the set.
func (m *Metrics) RecordSubscriptionSent(symbols int) {
	m.SubscriptionsSent.Inc()
	m.DesiredSymbols.Set(float64(symbols))
}

// SetDesiredSymbols sets the size of the desired set.
func (m *Metrics) SetDesiredSymbols(n int) {
	m.DesiredSymbols.Set(float64(n))
}

// RecordFrame records an inbound frame.
func (m *Metrics) RecordFrame(msgType string) {
	m.FramesReceived.WithLabelValues(msgType).Inc()
}

// RecordDroppedFrame records a dropped frame.
func (m *Metrics) RecordDroppedFrame(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordQuote records whether a quote frame produced a price.
func (m *Metrics) RecordQuote(accepted bool) {
	if accepted {
		m.QuotesAccepted.Inc()
	} else {
		m.QuotesIgnored.Inc()
	}
}

// RecordObserverPanic records a recovered observer panic.
func (m *Metrics) RecordObserverPanic(event string) {
	m.ObserverPanics.WithLabelValues(event).Inc()
}

// RecordStoreError records a price cache failure.
func (m *Metrics) RecordStoreError(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

// RecordRequest records a local API request.
func (m *Metrics) RecordRequest(method, route string, status int) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// RecordRateLimitHit records a rejected API request.
func (m *Metrics) RecordRateLimitHit() {
	m.RateLimitHits.Inc()
}
