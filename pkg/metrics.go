package depot

// metrics.go contains a thin abstraction over Prometheus so that depot can
// be used with or without metrics.  When the user passes a
// *prometheus.Registry via WithLocalMetrics, WithLevelsMetrics or
// WithStorageMetrics, labeled collectors are created and
// registered; otherwise a no-op sink is used and the hot path does not pay
// for metric updates.
//
// Collectors carry an `instance` const label (the storage name or the
// local root path) so several components can share one registry.
//
// ┌───────────────────────────────┬──────┬────────────────────┐
// │ Metric                        │ Type │ Labels             │
// ├───────────────────────────────┼──────┼────────────────────┤
// │ depot_reads_total             │ Ctr  │ instance, outcome  │
// │ depot_writes_total            │ Ctr  │ instance, outcome  │
// │ depot_deletes_total           │ Ctr  │ instance           │
// │ depot_promotions_total        │ Ctr  │ instance, outcome  │
// │ depot_evictions_total         │ Ctr  │ instance           │
// │ depot_sweep_removed_total     │ Ctr  │ instance           │
// │ depot_used_bytes              │ Gge  │ instance           │
// └───────────────────────────────┴──────┴────────────────────┘
//
// © 2025 depot authors. MIT License.

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink is the internal interface abstracting the concrete backend
// (Prometheus vs noop).  Components only know about these methods.
type metricsSink interface {
	incRead(outcome string)
	incWrite(outcome string)
	incDelete()
	incPromotion(outcome string)
	addEvictions(n int)
	addSweepRemoved(n int)
	setUsedBytes(v int64)
}

/* ---------------- No-op implementation ---------------- */

type noopMetrics struct{}

func (noopMetrics) incRead(string)      {}
func (noopMetrics) incWrite(string)     {}
func (noopMetrics) incDelete()          {}
func (noopMetrics) incPromotion(string) {}
func (noopMetrics) addEvictions(int)    {}
func (noopMetrics) addSweepRemoved(int) {}
func (noopMetrics) setUsedBytes(int64)  {}

/* ---------------- Prometheus implementation ---------------- */

type promMetrics struct {
	reads      *prometheus.CounterVec
	writes     *prometheus.CounterVec
	deletes    prometheus.Counter
	promotions *prometheus.CounterVec
	evictions  prometheus.Counter
	sweep      prometheus.Counter
	usedBytes  prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry, instance string) *promMetrics {
	labels := prometheus.Labels{"instance": instance}

	pm := &promMetrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "depot",
			Name:        "reads_total",
			Help:        "Read operations by outcome (hit, miss, error).",
			ConstLabels: labels,
		}, []string{"outcome"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "depot",
			Name:        "writes_total",
			Help:        "Write operations by outcome (accepted, rejected-*, error).",
			ConstLabels: labels,
		}, []string{"outcome"}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "depot",
			Name:        "deletes_total",
			Help:        "Delete operations.",
			ConstLabels: labels,
		}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "depot",
			Name:        "promotions_total",
			Help:        "Copy-on-read promotions by outcome (ok, failed).",
			ConstLabels: labels,
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "depot",
			Name:        "evictions_total",
			Help:        "Entries removed by the eviction pass.",
			ConstLabels: labels,
		}),
		sweep: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "depot",
			Name:        "sweep_removed_total",
			Help:        "Stale temp files and orphan metadata removed by sweeps.",
			ConstLabels: labels,
		}),
		usedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "depot",
			Name:        "used_bytes",
			Help:        "Payload bytes currently stored in a local location.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(pm.reads, pm.writes, pm.deletes, pm.promotions, pm.evictions, pm.sweep, pm.usedBytes)
	return pm
}

func (m *promMetrics) incRead(outcome string)      { m.reads.WithLabelValues(outcome).Inc() }
func (m *promMetrics) incWrite(outcome string)     { m.writes.WithLabelValues(outcome).Inc() }
func (m *promMetrics) incDelete()                  { m.deletes.Inc() }
func (m *promMetrics) incPromotion(outcome string) { m.promotions.WithLabelValues(outcome).Inc() }
func (m *promMetrics) addEvictions(n int)          { m.evictions.Add(float64(n)) }
func (m *promMetrics) addSweepRemoved(n int)       { m.sweep.Add(float64(n)) }
func (m *promMetrics) setUsedBytes(v int64)        { m.usedBytes.Set(float64(v)) }

/* ---------------- Factory ---------------- */

// newMetricsSink decides which implementation to use.
func newMetricsSink(reg *prometheus.Registry, instance string) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg, instance)
}
