package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initRetrievalMetrics initializes retrieval and rerank metrics.
func (m *Manager) initRetrievalMetrics(cfg Config) {
	m.retrievalStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_stage_duration_seconds",
			Help:      "Duration of each retrieval stage",
			Buckets:   cfg.RetrievalStageBuckets,
		},
		[]string{"stage"},
	)

	m.retrievals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_total",
			Help:      "Total number of retrieval calls by outcome",
		},
		[]string{"outcome"},
	)

	m.rerankFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_fallback_total",
			Help:      "Total number of times the heuristic reranker replaced the primary",
		},
		[]string{"reason"},
	)

	m.registry.MustRegister(m.retrievalStageDuration)
	m.registry.MustRegister(m.retrievals)
	m.registry.MustRegister(m.rerankFallbacks)
}

// ObserveRetrievalStage records the duration of one retrieval stage.
func (m *Manager) ObserveRetrievalStage(stage string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.retrievalStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordRetrieval records a finished retrieval call.
func (m *Manager) RecordRetrieval(outcome string) {
	if !m.enabled {
		return
	}
	m.retrievals.WithLabelValues(outcome).Inc()
}

// RecordRerankFallback records a degradation to the heuristic reranker.
func (m *Manager) RecordRerankFallback(reason string) {
	if !m.enabled {
		return
	}
	m.rerankFallbacks.WithLabelValues(reason).Inc()
}
