// Package metrics exposes SafeFlow's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/events"
	"github.com/teslashibe/go-safeflow/pkg/loop"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

const namespace = "safeflow"

// Metrics holds the registry and collectors.
type Metrics struct {
	registry *prometheus.Registry

	cycles   *prometheus.CounterVec
	latency  prometheus.Histogram
	running  prometheus.Gauge
	inflight prometheus.Gauge
	people   prometheus.Gauge
	density  prometheus.Gauge
	risk     *prometheus.GaugeVec
	alerts   *prometheus.CounterVec
}

// New creates the collectors. tracker may be nil.
func New(tracker *source.Tracker) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_cycles_total",
			Help:      "Analysis cycles by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_latency_seconds",
			Help:      "Remote analyzer call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analysis_running",
			Help:      "1 while the analysis loop is running.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "analysis_inflight",
			Help:      "Outstanding analyzer calls (0 or 1).",
		}),
		people: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crowd_people",
			Help:      "People detected in the last result.",
		}),
		density: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crowd_density_ratio",
			Help:      "Crowd density of the last result (0-1).",
		}),
		risk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crowd_risk_level",
			Help:      "1 for the risk level of the last result.",
		}, []string{"level"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_events_total",
			Help:      "Reported events by alert level.",
		}, []string{"level"}),
	}

	m.registry.MustRegister(
		m.cycles, m.latency, m.running, m.inflight,
		m.people, m.density, m.risk, m.alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if tracker != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "source_acquisitions_total",
				Help:      "Devices acquired.",
			},
			func() float64 { return float64(tracker.Acquired()) },
		))
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "source_releases_total",
				Help:      "Devices released.",
			},
			func() float64 { return float64(tracker.Released()) },
		))
	}
	return m
}

// Hooks returns loop hooks that feed the cycle collectors.
func (m *Metrics) Hooks() loop.Hooks {
	return loop.Hooks{
		OnCycle: func(o loop.Outcome, latency time.Duration) {
			m.cycles.WithLabelValues(string(o)).Inc()
			if o == loop.OutcomeSuccess || o == loop.OutcomeFailure {
				m.latency.Observe(latency.Seconds())
			}
		},
		OnInflight: func(delta int) {
			m.inflight.Add(float64(delta))
		},
	}
}

// Observe is a loop subscriber that tracks state and the last result.
func (m *Metrics) Observe(snap loop.Snapshot) {
	if snap.Running {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}

	r := snap.LastResult
	if r == nil {
		return
	}
	m.people.Set(float64(r.PersonCount()))
	m.density.Set(r.Metrics.Density)
	for _, level := range crowd.RiskLevels {
		v := 0.0
		if level == r.RiskLevel {
			v = 1
		}
		m.risk.WithLabelValues(string(level)).Set(v)
	}
}

// EventReported counts a stored event.
func (m *Metrics) EventReported(level events.Level) {
	m.alerts.WithLabelValues(string(level)).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
