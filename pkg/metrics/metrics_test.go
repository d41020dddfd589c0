package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestNewManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true

	m := NewManager(cfg)
	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}
}

func TestRetrievalMetrics(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.ObserveRetrievalStage("embed", 20*time.Millisecond)
	m.ObserveRetrievalStage("search", 5*time.Millisecond)
	m.RecordRetrieval("ok")
	m.RecordRetrieval("empty")
	m.RecordRerankFallback("timeout")

	body := scrape(t, m)
	for _, want := range []string{
		`contextd_retrieval_stage_duration_seconds_count{stage="embed"} 1`,
		`contextd_retrieval_total{outcome="empty"} 1`,
		`contextd_rerank_fallback_total{reason="timeout"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestMemoryMetrics(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordMemoryExtraction("merged")
	m.RecordMemoryEviction(3)
	m.RecordMemoryEviction(0)
	m.RecordSummaryUpdate("updated")
	m.RecordMemoryStoreError("ltm.load")
	m.RecordJob("memory-updates", "long_term", "completed", time.Second)
	m.RecordJobDropped("memory-updates", "active_summary")
	m.RecordJobDropped("memory-updates", "active_summary")

	body := scrape(t, m)
	for _, want := range []string{
		`contextd_memory_extraction_total{outcome="merged"} 1`,
		`contextd_memory_evicted_facts_total 3`,
		`contextd_memory_summary_updates_total{outcome="updated"} 1`,
		`contextd_memory_store_errors_total{op="ltm.load"} 1`,
		`contextd_memory_update_jobs_total{kind="long_term",outcome="completed",pool="memory-updates"} 1`,
		`contextd_memory_update_dropped_total{kind="active_summary"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestLLMAndUpdateCounters(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.ObserveLLMCall("answer", "ok", 800*time.Millisecond)
	m.RecordJobDropped("memory-updates", "long_term")

	if got := testutil.ToFloat64(m.updateDropped.WithLabelValues("long_term")); got != 1 {
		t.Errorf("Expected 1 dropped long_term job, got %v", got)
	}
	if got := testutil.CollectAndCount(m.llmDuration); got != 1 {
		t.Errorf("Expected 1 llm duration series, got %d", got)
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	m := NoOpManager()

	// Recording on a disabled manager must not panic.
	m.ObserveRetrievalStage("embed", time.Millisecond)
	m.RecordRetrieval("ok")
	m.RecordRerankFallback("error")
	m.RecordMemoryExtraction("merged")
	m.RecordMemoryEviction(1)
	m.RecordSummaryUpdate("failed")
	m.RecordMemoryStoreError("active.put")
	m.RecordJob("p", "k", "failed", time.Millisecond)
	m.RecordJobDropped("p", "k")
	m.ObserveLLMCall("answer", "error", time.Millisecond)
	m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
	m.IncActiveConnections()
	m.DecActiveConnections()
	m.ChatConnected()
	m.ChatDisconnected()
	m.RecordChatRejected("origin")
	m.RecordChatTurn("answered", time.Second)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for disabled metrics, got %d", w.Code)
	}
}

func TestStartServer_Disabled(t *testing.T) {
	m := NoOpManager()
	if err := m.StartServer(context.Background(), 0, "/metrics"); err != nil {
		t.Errorf("Expected nil error for disabled manager, got %v", err)
	}
}

func TestStartServer_Shutdown(t *testing.T) {
	m := NewManager(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.StartServer(ctx, 0, "/metrics")
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Unexpected server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Server did not shut down")
	}
}
