package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/contextd/contextd/pkg/logger"
	"github.com/gorilla/websocket"
)

func TestNewHTTPServer(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 8080

	server := NewHTTPServer(cfg, logger.NewNop(), createTestHandlers(t, cfg))

	if server.Handler() == nil {
		t.Fatal("router not initialized")
	}
	if got := server.Addr(); got != "localhost:8080" {
		t.Errorf("Addr() = %q, want localhost:8080", got)
	}
	if server.server.MaxHeaderBytes != cfg.Server.HTTP.MaxHeaderBytes {
		t.Errorf("MaxHeaderBytes = %d, want %d", server.server.MaxHeaderBytes, cfg.Server.HTTP.MaxHeaderBytes)
	}
}

func TestHTTPServer_ListenOnTakenPort(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 0

	first := NewHTTPServer(cfg, logger.NewNop(), createTestHandlers(t, cfg))
	if err := first.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer first.ln.Close()

	cfg.Server.Port = first.ln.Addr().(*net.TCPAddr).Port
	second := NewHTTPServer(cfg, logger.NewNop(), createTestHandlers(t, cfg))
	if err := second.Start(); err == nil {
		t.Fatal("expected Start() to fail on a port in use")
	}
}

func TestHTTPServer_StartAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 0

	server := NewHTTPServer(cfg, logger.NewNop(), createTestHandlers(t, cfg))
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	base := server.Addr()
	if strings.HasSuffix(base, ":0") {
		t.Fatalf("Addr() = %q, expected the bound port", base)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	resp, err := http.Get("http://" + base + "/health")
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Health check status = %v, want %v", resp.StatusCode, http.StatusOK)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/api/v1/users/u1/chat/ws", nil)
	if err != nil {
		t.Fatalf("Failed to open websocket: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Start() did not return after shutdown")
	}

	// Open chat sockets are closed on shutdown.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil || strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected websocket to be closed, got %v", err)
	}
}
