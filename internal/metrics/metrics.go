// Package metrics provides Prometheus metrics for the WGX relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "wgx"
)

// Drop reasons used as the "reason" label on DatagramsDropped.
const (
	ReasonMalformed    = "malformed"
	ReasonUnauthorized = "unauthorized"
	ReasonUnderLoad    = "under_load"
	ReasonUnknownRoute = "unknown_route"
	ReasonBadFrame     = "bad_frame"
	ReasonReplay       = "replay"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Datagram plane
	DatagramsReceived  prometheus.Counter
	DatagramsForwarded prometheus.Counter
	DatagramsDropped   *prometheus.CounterVec
	BytesForwarded     prometheus.Counter

	// Handshakes
	HandshakesCompleted prometheus.Counter
	HandshakesRejected  *prometheus.CounterVec
	CookieRepliesSent   prometheus.Counter

	// Sessions
	SessionsLive    prometheus.Gauge
	SessionsExpired prometheus.Counter
	RoutesLive      prometheus.Gauge

	// Control channel
	ControlAccepted *prometheus.CounterVec
	ControlRejected prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams read from the relay socket",
		}),
		DatagramsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total datagrams forwarded between peers",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),
		BytesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes forwarded between peers",
		}),
		HandshakesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_completed_total",
			Help:      "Total handshakes completed with the relay",
		}),
		HandshakesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_rejected_total",
			Help:      "Total handshakes rejected by reason",
		}, []string{"reason"}),
		CookieRepliesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cookie_replies_sent_total",
			Help:      "Total cookie replies sent while under load",
		}),
		SessionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Number of live relay sessions",
		}),
		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total sessions removed by the reaper",
		}),
		RoutesLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_routes_live",
			Help:      "Number of live forwarding index routes",
		}),
		ControlAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_commands_accepted_total",
			Help:      "Total control commands accepted by opcode",
		}, []string{"op"}),
		ControlRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_commands_rejected_total",
			Help:      "Total control commands rejected",
		}),
	}
}
