package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type recordedRequest struct {
	method, route, status string
}

type mockMetricsRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	inFlight int
}

func (m *mockMetricsRecorder) RecordHTTPRequest(method, route, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{method, route, status})
}

func (m *mockMetricsRecorder) IncActiveConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
}

func (m *mockMetricsRecorder) DecActiveConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
}

func (m *mockMetricsRecorder) snapshot() ([]recordedRequest, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedRequest(nil), m.requests...), m.inFlight
}

func newMetricsRouter(mock *mockMetricsRecorder) chi.Router {
	r := chi.NewRouter()
	r.Use(Metrics(mock))
	r.Post("/api/v1/context/retrieve", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/api/v1/users/{userID}/memories", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	r.Post("/api/v1/users/{userID}/turns", func(http.ResponseWriter, *http.Request) {
		panic("store exploded")
	})
	return r
}

func TestMetrics(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   *recordedRequest
	}{
		{
			name:   "retrieve by pattern",
			method: http.MethodPost,
			path:   "/api/v1/context/retrieve",
			want:   &recordedRequest{http.MethodPost, "/api/v1/context/retrieve", "200"},
		},
		{
			name:   "user id collapses into the pattern",
			method: http.MethodGet,
			path:   "/api/v1/users/bob/memories",
			want:   &recordedRequest{http.MethodGet, "/api/v1/users/{userID}/memories", "403"},
		},
		{
			name:   "unknown path is unmatched",
			method: http.MethodGet,
			path:   "/wp-admin/setup.php",
			want:   &recordedRequest{http.MethodGet, unmatchedRoute, "404"},
		},
		{
			name:   "metrics endpoint is skipped",
			method: http.MethodGet,
			path:   "/metrics",
		},
		{
			name:   "api docs are skipped",
			method: http.MethodGet,
			path:   "/swagger/index.html",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockMetricsRecorder{}
			newMetricsRouter(mock).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			got, inFlight := mock.snapshot()
			if inFlight != 0 {
				t.Errorf("in-flight = %d after request", inFlight)
			}
			if tt.want == nil {
				if len(got) != 0 {
					t.Fatalf("expected nothing recorded, got %+v", got)
				}
				return
			}
			if len(got) != 1 || got[0] != *tt.want {
				t.Fatalf("recorded %+v, want %+v", got, *tt.want)
			}
		})
	}
}

func TestMetrics_PanicRecordedAs500(t *testing.T) {
	mock := &mockMetricsRecorder{}
	handler := newMetricsRouter(mock)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate to Recovery")
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/users/u1/turns", nil))
	}()

	got, inFlight := mock.snapshot()
	if len(got) != 1 || got[0].status != "500" {
		t.Fatalf("recorded %+v, want one 500", got)
	}
	if inFlight != 0 {
		t.Errorf("in-flight = %d after panic", inFlight)
	}
}

func TestMetrics_ChatSocketNotRecorded(t *testing.T) {
	mock := &mockMetricsRecorder{}
	done := make(chan struct{})

	r := chi.NewRouter()
	r.Use(Metrics(mock))
	r.Get("/api/v1/users/{userID}/chat/ws", func(w http.ResponseWriter, req *http.Request) {
		defer close(done)
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		_ = conn.Close()
	})
	server := httptest.NewServer(r)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api/v1/users/u1/chat/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
	}
	// The deferred bookkeeping runs right after the handler returns.
	deadline := time.Now().Add(time.Second)
	for {
		got, inFlight := mock.snapshot()
		if inFlight == 0 {
			if len(got) != 0 {
				t.Fatalf("chat socket recorded as request: %+v", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("in-flight = %d after socket closed", inFlight)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWrappedWritersHijack(t *testing.T) {
	writers := []http.ResponseWriter{
		&responseWriter{ResponseWriter: httptest.NewRecorder()},
		&metricsResponseWriter{ResponseWriter: httptest.NewRecorder()},
		&tracingResponseWriter{ResponseWriter: httptest.NewRecorder()},
	}
	for _, w := range writers {
		h, ok := w.(http.Hijacker)
		if !ok {
			t.Fatalf("%T does not implement http.Hijacker", w)
		}
		// httptest.ResponseRecorder cannot hijack.
		if _, _, err := h.Hijack(); err == nil {
			t.Errorf("%T: expected error from non-hijackable writer", w)
		}
	}
}
