package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics holds the Prometheus collectors for a Manager.
//
// A nil *Metrics is valid and records nothing, so metrics stay optional.
type Metrics struct {
	started    prometheus.Counter
	committed  prometheus.Counter
	rolledBack prometheus.Counter
	failed     prometheus.Counter
	active     prometheus.Gauge
}

// NewMetrics creates transaction metrics under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rpctx"
	}
	return &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "started_total",
			Help:      "Total transactions started",
		}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "committed_total",
			Help:      "Total transactions committed",
		}),
		rolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "rolled_back_total",
			Help:      "Total transactions rolled back cleanly",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "failed_total",
			Help:      "Total transactions whose commit or rollback failed",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "active_count",
			Help:      "Count of currently active transactions",
		}),
	}
}

// Register registers the collectors with r, or the default registerer when r
// is nil. Registration errors are aggregated.
func (m *Metrics) Register(r prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	var mErr error
	if err := r.Register(m.started); err != nil {
		mErr = multierr.Append(mErr, err)
	}
	if err := r.Register(m.committed); err != nil {
		mErr = multierr.Append(mErr, err)
	}
	if err := r.Register(m.rolledBack); err != nil {
		mErr = multierr.Append(mErr, err)
	}
	if err := r.Register(m.failed); err != nil {
		mErr = multierr.Append(mErr, err)
	}
	if err := r.Register(m.active); err != nil {
		mErr = multierr.Append(mErr, err)
	}
	return mErr
}

func (m *Metrics) startedTx() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.active.Inc()
}

func (m *Metrics) finishedTx(state State) {
	if m == nil {
		return
	}
	m.active.Dec()
	switch state {
	case StateCommitted:
		m.committed.Inc()
	case StateRolledBack:
		m.rolledBack.Inc()
	case StateFailed:
		m.failed.Inc()
	}
}
