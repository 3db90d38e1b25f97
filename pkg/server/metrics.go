package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "elit").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics holds the Prometheus metrics for the sync server. It also
// implements state.BroadcastObserver so the store's fan-outs and
// validation failures are counted without the store importing this
// package.
type Metrics struct {
	activeConnections   prometheus.Gauge
	messagesReceived    *prometheus.CounterVec
	broadcastDeliveries prometheus.Counter
	stateBroadcasts     prometheus.Counter
	validationFailures  prometheus.Counter
	parseErrors         prometheus.Counter
	handshakeFailures   prometheus.Counter
}

// NewMetrics registers and returns the server metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := MetricsConfig{
		Namespace: "elit",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "active_connections",
			Help:        "Number of currently open connections",
			ConstLabels: config.ConstLabels,
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "messages_received_total",
			Help:        "Inbound messages by type tag",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		broadcastDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "broadcast_deliveries_total",
			Help:        "File-watch family messages delivered to connections",
			ConstLabels: config.ConstLabels,
		}),

		stateBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "state_update_deliveries_total",
			Help:        "state:update messages delivered to subscribers",
			ConstLabels: config.ConstLabels,
		}),

		validationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "validation_failures_total",
			Help:        "Writes rejected by an entry validator",
			ConstLabels: config.ConstLabels,
		}),

		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "parse_errors_total",
			Help:        "Inbound payloads dropped as malformed",
			ConstLabels: config.ConstLabels,
		}),

		handshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "handshake_failures_total",
			Help:        "Upgrade requests rejected during the handshake",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// ObserveBroadcast implements state.BroadcastObserver.
func (m *Metrics) ObserveBroadcast(key string, subscribers int) {
	m.stateBroadcasts.Add(float64(subscribers))
}

// ObserveValidationFailure implements state.BroadcastObserver.
func (m *Metrics) ObserveValidationFailure(key string) {
	m.validationFailures.Inc()
}
