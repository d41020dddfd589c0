package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandler_Health(t *testing.T) {
	handler := NewHealthHandler("test", nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.Health(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Health() status = %v, want %v", w.Code, http.StatusOK)
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	ok := Check{Name: "storage", Probe: func(context.Context) error { return nil }}
	broken := Check{Name: "index", Probe: func(context.Context) error { return errors.New("index offline") }}

	tests := []struct {
		name       string
		checks     []Check
		wantStatus int
	}{
		{name: "no checks", wantStatus: http.StatusOK},
		{name: "all pass", checks: []Check{ok}, wantStatus: http.StatusOK},
		{name: "one fails", checks: []Check{ok, broken}, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler("test", tt.checks, nil)

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()

			handler.Ready(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Ready() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHealthHandler_Status(t *testing.T) {
	handler := NewHealthHandler("1.2.3", []Check{
		{Name: "storage", Probe: func(context.Context) error { return nil }},
		{Name: "index", Probe: func(context.Context) error { return errors.New("index offline") }},
	}, func(context.Context) map[string]any {
		return map[string]any{"index_chunks": 42}
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	handler.Status(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status() status = %v, want %v", w.Code, http.StatusOK)
	}

	var body struct {
		Status      string            `json:"status"`
		Version     string            `json:"version"`
		Components  map[string]string `json:"components"`
		IndexChunks int               `json:"index_chunks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Version != "1.2.3" {
		t.Errorf("version = %q", body.Version)
	}
	if body.Components["storage"] != "ok" || body.Components["index"] != "index offline" {
		t.Errorf("components = %v", body.Components)
	}
	if body.IndexChunks != 42 {
		t.Errorf("index_chunks = %d, want 42", body.IndexChunks)
	}
}
