package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	Intake      *prometheus.CounterVec
	Dispatch    *prometheus.CounterVec
	Archive     *prometheus.CounterVec
	Pruned      prometheus.Counter
	DrainCycles prometheus.Counter
	Pending     prometheus.Gauge
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Intake: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybot_intake_total",
			Help: "Inbound group messages by intake result",
		}, []string{"result"}), // queued, suppressed, ignored, unqueryable
		Dispatch: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybot_dispatch_total",
			Help: "Per-destination dispatch attempts by result",
		}, []string{"result"}),
		Archive: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybot_archive_total",
			Help: "Archive writes by result",
		}, []string{"result"}),
		Pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "relaybot_pending_pruned_total",
			Help: "Pending entries removed for exceeding the max cache age",
		}),
		DrainCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "relaybot_drain_cycles_total",
			Help: "Completed or aborted drain runs",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "relaybot_pending_entries",
			Help: "Pending entries observed at the last drain check",
		}),
	}
}

func (m *Metrics) intake(result string) {
	if m != nil {
		m.Intake.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) dispatch(result string) {
	if m != nil {
		m.Dispatch.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) archive(result string) {
	if m != nil {
		m.Archive.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) pruned(n int) {
	if m != nil && n > 0 {
		m.Pruned.Add(float64(n))
	}
}

func (m *Metrics) drainCycle() {
	if m != nil {
		m.DrainCycles.Inc()
	}
}

func (m *Metrics) pending(n int) {
	if m != nil {
		m.Pending.Set(float64(n))
	}
}
