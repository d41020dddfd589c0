package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/contextd/contextd/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("decode log record %q: %v", buf.String(), err)
	}
	return rec
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		path      string
		status    int
		wantLevel string
		wantLog   bool
	}{
		{name: "retrieve is info", method: http.MethodPost, path: "/api/v1/context/retrieve", status: http.StatusOK, wantLevel: "INFO", wantLog: true},
		{name: "forbidden is warn", method: http.MethodGet, path: "/api/v1/users/u2/memories", status: http.StatusForbidden, wantLevel: "WARN", wantLog: true},
		{name: "store outage is error", method: http.MethodPost, path: "/api/v1/users/u1/turns", status: http.StatusServiceUnavailable, wantLevel: "ERROR", wantLog: true},
		{name: "probe is debug", method: http.MethodGet, path: "/health", status: http.StatusOK, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.NewFromHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

			r := chi.NewRouter()
			r.Use(Logger(log))
			r.HandleFunc("/api/v1/users/{userID}/*", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{}`))
			})
			r.HandleFunc("/*", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{}`))
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if !tt.wantLog {
				if buf.Len() != 0 {
					t.Fatalf("expected no info record, got %s", buf.String())
				}
				return
			}

			rec := decodeRecord(t, &buf)
			if rec["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", rec["level"], tt.wantLevel)
			}
			if int(rec["status"].(float64)) != tt.status {
				t.Errorf("logged status = %v", rec["status"])
			}
			if rec["size"].(float64) != 2 {
				t.Errorf("logged size = %v, want 2", rec["size"])
			}
			if strings.Contains(tt.path, "/users/") && rec["user_id"] == nil {
				t.Error("expected user_id in user-scoped access log")
			}
		})
	}
}

func TestLogger_ChatSocketSession(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewFromHandler(slog.NewJSONHandler(&buf, nil))

	upgrader := websocket.Upgrader{}
	r := chi.NewRouter()
	r.Use(Logger(log))
	r.Get("/api/v1/users/{userID}/chat/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		_, _, _ = conn.ReadMessage()
		_ = conn.Close()
	})

	served := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.ServeHTTP(w, req)
		close(served)
	}))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api/v1/users/u1/chat/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("chat socket handler did not return")
	}
	rec := decodeRecord(t, &buf)
	if rec["msg"] != "Chat socket closed" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if int(rec["status"].(float64)) != http.StatusSwitchingProtocols {
		t.Errorf("status = %v, want 101", rec["status"])
	}
	if rec["user_id"] != "u1" {
		t.Errorf("user_id = %v, want u1", rec["user_id"])
	}
}
