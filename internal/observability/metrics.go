package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the memory service.
type Metrics struct {
	ActiveBuffers    prometheus.Gauge
	TurnsAppended    *prometheus.CounterVec
	CompactionEvents *prometheus.CounterVec
	ExtractionEvents *prometheus.CounterVec
	FactUpserts      *prometheus.CounterVec
	RetrievalLatency prometheus.Histogram
	RetrievalSkips   *prometheus.CounterVec
	BackgroundTasks  *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveBuffers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_buffers",
			Help:      "Number of resident per-user session buffers.",
		}),
		TurnsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_appended_total",
			Help:      "Turns appended to session buffers by role.",
		}, []string{"role"}),
		CompactionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_events_total",
			Help:      "Compaction pipeline events by outcome.",
		}, []string{"event"}),
		ExtractionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_events_total",
			Help:      "Extraction pipeline events by outcome.",
		}, []string{"event"}),
		FactUpserts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fact_upserts_total",
			Help:      "Conditional fact upserts by outcome.",
		}, []string{"outcome"}),
		RetrievalLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_latency_ms",
			Help:      "End-to-end context retrieval latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 200, 400, 800, 1500},
		}),
		RetrievalSkips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_skips_total",
			Help:      "Retrieval stages skipped or degraded by stage and reason.",
		}, []string{"stage", "reason"}),
		BackgroundTasks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Background pool task completions by name and status.",
		}, []string{"name", "status"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveRetrievalLatency(d time.Duration) {
	m.RetrievalLatency.Observe(float64(d.Milliseconds()))
}

// ObserveStage feeds the rolling latency window behind /v1/perf/latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// ObserveIndicator counts a named operational event in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

// SnapshotStages returns percentile stats for the retrieval stages.
func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
