// Package metrics provides Prometheus metrics instrumentation for contextd.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contextd"

// Manager manages all Prometheus metrics for contextd.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Retrieval metrics
	retrievalStageDuration *prometheus.HistogramVec
	retrievals             *prometheus.CounterVec
	rerankFallbacks        *prometheus.CounterVec

	// Memory metrics
	memoryExtractions *prometheus.CounterVec
	memoryEvictions   prometheus.Counter
	summaryUpdates    *prometheus.CounterVec
	memoryStoreErrors *prometheus.CounterVec

	// Update worker metrics
	updateJobs     *prometheus.CounterVec
	updateDuration *prometheus.HistogramVec
	updateDropped  *prometheus.CounterVec

	// Model call metrics
	llmDuration *prometheus.HistogramVec

	// HTTP metrics
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge

	// Chat socket metrics
	chatConnections  prometheus.Gauge
	chatRejected     *prometheus.CounterVec
	chatTurns        *prometheus.CounterVec
	chatTurnDuration prometheus.Histogram
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	RetrievalStageBuckets []float64
	UpdateDurationBuckets []float64
	LLMDurationBuckets    []float64
	HTTPDurationBuckets   []float64
	ChatTurnBuckets       []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		Port:                  9091,
		Path:                  "/metrics",
		RetrievalStageBuckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		UpdateDurationBuckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		LLMDurationBuckets:    []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		HTTPDurationBuckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		ChatTurnBuckets:       []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initRetrievalMetrics(cfg)
	m.initMemoryMetrics(cfg)
	m.initHTTPMetrics(cfg)
	m.initChatMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server on the configured port.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}
