package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initMemoryMetrics initializes memory store and update worker metrics.
func (m *Manager) initMemoryMetrics(cfg Config) {
	m.memoryExtractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_extraction_total",
			Help:      "Total number of long-term memory extractions by outcome",
		},
		[]string{"outcome"},
	)

	m.memoryEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_evicted_facts_total",
			Help:      "Total number of long-term facts evicted by the fact cap",
		},
	)

	m.summaryUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_summary_updates_total",
			Help:      "Total number of active summary updates by outcome",
		},
		[]string{"outcome"},
	)

	m.memoryStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_store_errors_total",
			Help:      "Total number of memory persistence failures",
		},
		[]string{"op"},
	)

	m.updateJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_update_jobs_total",
			Help:      "Total number of memory update jobs by outcome",
		},
		[]string{"pool", "kind", "outcome"},
	)

	m.updateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_update_duration_seconds",
			Help:      "Duration of memory update jobs",
			Buckets:   cfg.UpdateDurationBuckets,
		},
		[]string{"kind"},
	)

	m.updateDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_update_dropped_total",
			Help:      "Total number of memory update jobs dropped because the queue was full",
		},
		[]string{"kind"},
	)

	m.registry.MustRegister(m.memoryExtractions)
	m.registry.MustRegister(m.memoryEvictions)
	m.registry.MustRegister(m.summaryUpdates)
	m.registry.MustRegister(m.memoryStoreErrors)
	m.registry.MustRegister(m.updateJobs)
	m.registry.MustRegister(m.updateDuration)
	m.registry.MustRegister(m.updateDropped)

	m.llmDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Duration of model calls by purpose and outcome",
			Buckets:   cfg.LLMDurationBuckets,
		},
		[]string{"purpose", "outcome"},
	)
	m.registry.MustRegister(m.llmDuration)
}

// RecordMemoryExtraction records a long-term extraction outcome.
func (m *Manager) RecordMemoryExtraction(outcome string) {
	if !m.enabled {
		return
	}
	m.memoryExtractions.WithLabelValues(outcome).Inc()
}

// RecordMemoryEviction records evicted facts.
func (m *Manager) RecordMemoryEviction(evicted int) {
	if !m.enabled || evicted <= 0 {
		return
	}
	m.memoryEvictions.Add(float64(evicted))
}

// RecordSummaryUpdate records an active summary update outcome.
func (m *Manager) RecordSummaryUpdate(outcome string) {
	if !m.enabled {
		return
	}
	m.summaryUpdates.WithLabelValues(outcome).Inc()
}

// RecordMemoryStoreError records a persistence failure.
func (m *Manager) RecordMemoryStoreError(op string) {
	if !m.enabled {
		return
	}
	m.memoryStoreErrors.WithLabelValues(op).Inc()
}

// RecordJob records a finished update job.
func (m *Manager) RecordJob(pool, kind, outcome string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.updateJobs.WithLabelValues(pool, kind, outcome).Inc()
	m.updateDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordJobDropped records an update job dropped by a full queue.
func (m *Manager) RecordJobDropped(_, kind string) {
	if !m.enabled {
		return
	}
	m.updateDropped.WithLabelValues(kind).Inc()
}

// ObserveLLMCall records the duration of one model call.
func (m *Manager) ObserveLLMCall(purpose, outcome string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.llmDuration.WithLabelValues(purpose, outcome).Observe(d.Seconds())
}
