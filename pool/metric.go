package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics collects pool metrics for Prometheus. All methods are safe to
// call on a nil receiver.
type Metrics struct {
	connsCreated      prometheus.Counter
	connsClosed       prometheus.Counter
	createFailures    prometheus.Counter
	acquires          prometheus.Counter
	acquireRejections prometheus.Counter
	acquireTimeouts   prometheus.Counter
	releases          prometheus.Counter
	releaseErrors     prometheus.Counter
	healthCheckErrors prometheus.Counter
	connectionsActive prometheus.Gauge
}

// NewMetrics creates pool metrics under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rpctx"
	}
	return &Metrics{
		connsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_created_total",
			Help:      "Total number of connections created.",
		}),
		connsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_closed_total",
			Help:      "Total number of connections closed.",
		}),
		createFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connection_create_failures_total",
			Help:      "Total number of failed connection attempts.",
		}),
		acquires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Total number of successful acquisitions.",
		}),
		acquireRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_rejections_total",
			Help:      "Total number of acquisitions rejected by the circuit breaker.",
		}),
		acquireTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_timeouts_total",
			Help:      "Total number of acquisitions that timed out.",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "releases_total",
			Help:      "Total number of connections released.",
		}),
		releaseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "release_errors_total",
			Help:      "Total number of releases that reported an error.",
		}),
		healthCheckErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "health_check_failures_total",
			Help:      "Total number of failed health checks.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_active",
			Help:      "Number of connections currently in use.",
		}),
	}
}

// Register registers all metrics with the given registerer.
func (m *Metrics) Register(r prometheus.Registerer) error {
	if m == nil || r == nil {
		return nil
	}
	var err error
	for _, c := range []prometheus.Collector{
		m.connsCreated,
		m.connsClosed,
		m.createFailures,
		m.acquires,
		m.acquireRejections,
		m.acquireTimeouts,
		m.releases,
		m.releaseErrors,
		m.healthCheckErrors,
		m.connectionsActive,
	} {
		err = multierr.Append(err, r.Register(c))
	}
	return err
}

func (m *Metrics) created() {
	if m == nil {
		return
	}
	m.connsCreated.Inc()
}

func (m *Metrics) closed() {
	if m == nil {
		return
	}
	m.connsClosed.Inc()
}

func (m *Metrics) createFailed() {
	if m == nil {
		return
	}
	m.createFailures.Inc()
}

func (m *Metrics) acquired() {
	if m == nil {
		return
	}
	m.acquires.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) acquireRejected() {
	if m == nil {
		return
	}
	m.acquireRejections.Inc()
}

func (m *Metrics) acquireTimeout() {
	if m == nil {
		return
	}
	m.acquireTimeouts.Inc()
}

func (m *Metrics) released(failed bool) {
	if m == nil {
		return
	}
	m.releases.Inc()
	m.connectionsActive.Dec()
	if failed {
		m.releaseErrors.Inc()
	}
}

func (m *Metrics) healthCheckFailed() {
	if m == nil {
		return
	}
	m.healthCheckErrors.Inc()
}
