package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "studyloop"

// Metrics holds the Prometheus collectors for the content pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	pipelineRuns     *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	itemsGenerated   *prometheus.CounterVec
	itemsDropped     *prometheus.CounterVec
	orchestrations   *prometheus.CounterVec
	featureResults   *prometheus.CounterVec
	embedLookups     *prometheus.CounterVec
	embedBatches     prometheus.Counter
	qualityDecisions *prometheus.CounterVec
	ingestions       *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers all collectors with reg, reusing collectors that are
// already registered under the same name. Other registration errors panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Metrics{
		pipelineRuns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Generation pipeline runs by content type and outcome.",
		}, []string{"content_type", "status"})),
		pipelineDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall time of generation pipeline runs.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"content_type", "status"})),
		itemsGenerated: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "items_generated_total",
			Help:      "Generated items persisted.",
		}, []string{"content_type"})),
		itemsDropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "items_dropped_total",
			Help:      "Generated items rejected by schema validation.",
		}, []string{"content_type"})),
		orchestrations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Orchestration runs by terminal status.",
		}, []string{"status"})),
		featureResults: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "feature_results_total",
			Help:      "Per-feature results reported back to orchestration runs.",
		}, []string{"content_type", "status"})),
		embedLookups: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "lookups_total",
			Help:      "Embedding lookups by the tier that served them (l1, l2, computed).",
		}, []string{"tier"})),
		embedBatches: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "batches_total",
			Help:      "Embedding batches sent to the backend.",
		})),
		qualityDecisions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quality",
			Name:      "decisions_total",
			Help:      "Quality gate decisions by content type.",
		}, []string{"content_type", "decision"})),
		ingestions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "materials_total",
			Help:      "Material ingestions by outcome.",
		}, []string{"status"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObservePipelineRun(contentType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(contentType, status).Inc()
	m.pipelineDuration.WithLabelValues(contentType, status).Observe(d.Seconds())
}

func (m *Metrics) AddItems(contentType string, generated, dropped int) {
	if m == nil {
		return
	}
	m.itemsGenerated.WithLabelValues(contentType).Add(float64(generated))
	m.itemsDropped.WithLabelValues(contentType).Add(float64(dropped))
}

func (m *Metrics) IncOrchestration(status string) {
	if m == nil {
		return
	}
	m.orchestrations.WithLabelValues(status).Inc()
}

func (m *Metrics) IncFeatureResult(contentType, status string) {
	if m == nil {
		return
	}
	m.featureResults.WithLabelValues(contentType, status).Inc()
}

func (m *Metrics) AddEmbeddingLookups(tier string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.embedLookups.WithLabelValues(tier).Add(float64(n))
}

func (m *Metrics) IncEmbeddingBatch() {
	if m == nil {
		return
	}
	m.embedBatches.Inc()
}

func (m *Metrics) IncQualityDecision(contentType, decision string) {
	if m == nil {
		return
	}
	m.qualityDecisions.WithLabelValues(contentType, decision).Inc()
}

func (m *Metrics) IncIngestion(status string) {
	if m == nil {
		return
	}
	m.ingestions.WithLabelValues(status).Inc()
}
