package history

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the tracker's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Reconciliations prometheus.Counter
	Changes         *prometheus.CounterVec
	Saves           *prometheus.CounterVec
	TrackingFaults  *prometheus.CounterVec
	PlatformErrors  *prometheus.CounterVec
	PendingChanges  prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifytrack_reconciliations_total",
			Help: "Number of reconciliation passes against the platform snapshot",
		}),
		Changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifytrack_reconciled_records_total",
				Help: "Records touched by reconciliation, by outcome",
			},
			[]string{"outcome"},
		),
		Saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifytrack_saves_total",
				Help: "Collection save attempts, by result",
			},
			[]string{"result"},
		),
		TrackingFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifytrack_tracking_faults_total",
				Help: "Bookkeeping failures that marked the store corrupt",
			},
			[]string{"op"},
		),
		PlatformErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifytrack_platform_errors_total",
				Help: "Platform calls that failed",
			},
			[]string{"op"},
		),
		PendingChanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notifytrack_pending_changes",
			Help: "Unaccepted changes after the last reconciliation",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Reconciliations, m.Changes, m.Saves, m.TrackingFaults, m.PlatformErrors, m.PendingChanges)
	}
	return m
}

func (m *Metrics) observeReconcile(result reconcileResult, pending int) {
	if m == nil {
		return
	}
	m.Reconciliations.Inc()
	m.Changes.WithLabelValues("added").Add(float64(result.added))
	m.Changes.WithLabelValues("removed").Add(float64(result.removed))
	m.Changes.WithLabelValues("dropped").Add(float64(result.dropped))
	m.Changes.WithLabelValues("dupe").Add(float64(result.dupes))
	m.PendingChanges.Set(float64(pending))
}

func (m *Metrics) observeSave(result string) {
	if m == nil {
		return
	}
	m.Saves.WithLabelValues(result).Inc()
}

func (m *Metrics) observeFault(op string) {
	if m == nil {
		return
	}
	m.TrackingFaults.WithLabelValues(op).Inc()
}

func (m *Metrics) observePlatformError(op string) {
	if m == nil {
		return
	}
	m.PlatformErrors.WithLabelValues(op).Inc()
}
