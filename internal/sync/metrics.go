package sync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports sync activity to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	pushed        *prometheus.CounterVec
	pulled        *prometheus.CounterVec
	queue         *prometheus.GaugeVec
	conflicts     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardsync",
			Name:      "cycles_total",
			Help:      "Sync cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wardsync",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardsync",
			Name:      "push_items_total",
			Help:      "Pushed queue items by outcome.",
		}, []string{"outcome"}),
		pulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardsync",
			Name:      "pull_changes_total",
			Help:      "Pulled server changes by outcome.",
		}, []string{"outcome"}),
		queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wardsync",
			Name:      "queue_items",
			Help:      "Queue items by status.",
		}, []string{"status"}),
		conflicts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wardsync",
			Name:      "pending_conflicts",
			Help:      "Conflicts waiting for resolution.",
		}),
	}

	reg.MustRegister(m.cycles, m.cycleDuration, m.pushed, m.pulled, m.queue, m.conflicts)

	return m
}

func (m *Metrics) observeCycle(r *CycleReport, err error) {
	if m == nil {
		return
	}

	switch {
	case r.Skipped:
		m.cycles.WithLabelValues("skipped").Inc()
		return
	case r.Offline:
		m.cycles.WithLabelValues("offline").Inc()
	case err != nil:
		m.cycles.WithLabelValues("error").Inc()
	default:
		m.cycles.WithLabelValues("ok").Inc()
	}

	m.cycleDuration.Observe(r.Duration.Seconds())
}

func (m *Metrics) observePush(outcome string) {
	if m == nil {
		return
	}

	m.pushed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observePull(applied, deferred, skipped int) {
	if m == nil {
		return
	}

	m.pulled.WithLabelValues("applied").Add(float64(applied))
	m.pulled.WithLabelValues("deferred").Add(float64(deferred))
	m.pulled.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Metrics) observeHealth(h *Health) {
	if m == nil || h == nil {
		return
	}

	m.queue.WithLabelValues(string(StatusPending)).Set(float64(h.Pending))
	m.queue.WithLabelValues(string(StatusSyncing)).Set(float64(h.Syncing))
	m.queue.WithLabelValues(string(StatusFailed)).Set(float64(h.Failed))
	m.conflicts.Set(float64(h.Conflicts))
}
