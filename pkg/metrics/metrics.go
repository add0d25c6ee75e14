// Package metrics exposes Prometheus collectors for run orchestration
// and the HTTP surface.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the daemon reports.
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	verifierResults *prometheus.CounterVec
	rollbacksTotal  prometheus.Counter
	eventsAppended  *prometheus.CounterVec
	promptsTotal    prometheus.Counter
	wsConnections   prometheus.Gauge
}

var (
	defaultOnce   sync.Once
	sharedMetrics *Metrics
)

// Default returns the package-level instance registered with the global
// Prometheus registry. Collectors are created once to avoid duplicate
// registration panics when several components ask for metrics.
func Default() *Metrics {
	defaultOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance against the given registerer.
// Tests pass a fresh registry; registration errors other than
// AlreadyRegistered panic, matching promauto semantics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "choird",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status.",
		},
		[]string{"status"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "choird",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a run from start to terminal status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	verifierResults := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "choird",
			Subsystem: "verifier",
			Name:      "results_total",
			Help:      "Verifier executions by verifier id and outcome.",
		},
		[]string{"verifier_id", "status"},
	)
	rollbacksTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "choird",
			Subsystem: "orchestrator",
			Name:      "rollbacks_total",
			Help:      "Number of workspace rollbacks to the last good checkpoint.",
		},
	)
	eventsAppended := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "choird",
			Subsystem: "store",
			Name:      "events_appended_total",
			Help:      "Events appended to the authoritative log by type.",
		},
		[]string{"type"},
	)
	promptsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "choird",
			Subsystem: "api",
			Name:      "prompts_total",
			Help:      "Prompts accepted on the agent websocket.",
		},
	)
	wsConnections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "choird",
			Subsystem: "api",
			Name:      "ws_connections",
			Help:      "Currently open websocket connections.",
		},
	)

	collectors := []prometheus.Collector{
		runsTotal, runDuration, verifierResults, rollbacksTotal,
		eventsAppended, promptsTotal, wsConnections,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case runsTotal:
				runsTotal = already.ExistingCollector.(*prometheus.CounterVec)
			case runDuration:
				runDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			case verifierResults:
				verifierResults = already.ExistingCollector.(*prometheus.CounterVec)
			case rollbacksTotal:
				rollbacksTotal = already.ExistingCollector.(prometheus.Counter)
			case eventsAppended:
				eventsAppended = already.ExistingCollector.(*prometheus.CounterVec)
			case promptsTotal:
				promptsTotal = already.ExistingCollector.(prometheus.Counter)
			case wsConnections:
				wsConnections = already.ExistingCollector.(prometheus.Gauge)
			}
		}
	}

	return &Metrics{
		runsTotal:       runsTotal,
		runDuration:     runDuration,
		verifierResults: verifierResults,
		rollbacksTotal:  rollbacksTotal,
		eventsAppended:  eventsAppended,
		promptsTotal:    promptsTotal,
		wsConnections:   wsConnections,
	}
}

// ObserveRun records a completed run with its terminal status.
func (m *Metrics) ObserveRun(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveVerifierResult counts one verifier execution.
func (m *Metrics) ObserveVerifierResult(verifierID, status string) {
	if m == nil {
		return
	}
	m.verifierResults.WithLabelValues(verifierID, status).Inc()
}

// IncRollback counts a rollback to the last good checkpoint.
func (m *Metrics) IncRollback() {
	if m == nil {
		return
	}
	m.rollbacksTotal.Inc()
}

// IncEventAppended counts an appended event by type.
func (m *Metrics) IncEventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

// IncPrompt counts an accepted websocket prompt.
func (m *Metrics) IncPrompt() {
	if m == nil {
		return
	}
	m.promptsTotal.Inc()
}

// IncWSConnection marks a websocket as opened.
func (m *Metrics) IncWSConnection() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

// DecWSConnection marks a websocket as closed.
func (m *Metrics) DecWSConnection() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}
