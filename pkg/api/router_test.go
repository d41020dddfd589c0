package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/api/handlers"
	"github.com/contextd/contextd/pkg/assistant"
	"github.com/contextd/contextd/pkg/embedding"
	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/contextd/contextd/pkg/llm"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/memory"
	"github.com/contextd/contextd/pkg/prompt"
	"github.com/contextd/contextd/pkg/rerank"
	"github.com/contextd/contextd/pkg/retrieval"
	memstore "github.com/contextd/contextd/pkg/storage/memory"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cannedModel struct{}

func (cannedModel) Complete(_ context.Context, msgs []llm.Message, _ llm.Options) (string, error) {
	if strings.Contains(msgs[0].Content, "long-term memory about a user") {
		return `{"facts":[]}`, nil
	}
	return "Open the account settings page.", nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "localhost"
	cfg.Server.CORS.Enabled = false
	cfg.Server.RateLimit.Enabled = false
	return cfg
}

// createTestHandlers wires every handler over in-memory components.
func createTestHandlers(t *testing.T, cfg *config.Config) *Handlers {
	t.Helper()
	ctx := context.Background()
	nop := logger.NewNop()

	hash := embedding.NewHashEmbedder(32)
	idx := knowledge.NewMemoryIndex(32)
	_, err := knowledge.Ingest(ctx, idx, hash, []knowledge.Chunk{
		{ID: "c1", Text: "To reset password, open the account settings page.", SourceLabel: "faq.md"},
		{ID: "c2", Text: "Billing runs on the first day of every month.", SourceLabel: "billing.md"},
	}, 8)
	require.NoError(t, err)

	rr, err := rerank.NewFallbackReranker(nil, rerank.NewHeuristicReranker(rerank.DefaultWeights(), nil, nil), &rerank.FallbackConfig{Logger: nop})
	require.NoError(t, err)
	engine, err := retrieval.NewEngine(hash, idx, rr, retrieval.Config{KCandidates: 2, NFinal: 1}, nop)
	require.NoError(t, err)

	store := memstore.NewMemoryStorage()
	ltm, err := memory.NewLongTermStore(store, cannedModel{}, cfg.Memory.LongTerm, nop)
	require.NoError(t, err)
	active, err := memory.NewActiveStore(store, cannedModel{}, cfg.Memory.Active, nop)
	require.NoError(t, err)
	assembler, err := prompt.NewAssembler(cfg.Prompt)
	require.NoError(t, err)

	svc, err := assistant.NewService(assistant.Deps{
		Engine:    engine,
		LongTerm:  ltm,
		Active:    active,
		Assembler: assembler,
		Completer: cannedModel{},
		Logger:    nop,
	}, assistant.ConfigFrom(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return &Handlers{
		Context:    handlers.NewContextHandler(svc, nop),
		Users:      handlers.NewUserHandler(svc, nop),
		ChatSocket: handlers.NewChatSocketHandler(svc, nop, handlers.WebSocketConfig{}),
		Health:     handlers.NewHealthHandler("test", nil, nil),
	}
}

func TestNewRouter(t *testing.T) {
	router := NewRouter(testConfig(), logger.NewNop(), &Handlers{})
	if router == nil {
		t.Fatal("NewRouter returned nil")
	}
}

func TestRegisterRoutes_HealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		method     string
		wantStatus int
	}{
		{name: "health check", path: "/health", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "ready check", path: "/ready", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "status check", path: "/status", method: http.MethodGet, wantStatus: http.StatusOK},
	}

	cfg := testConfig()
	router := NewRouter(cfg, logger.NewNop(), createTestHandlers(t, cfg))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_APIEndpoints(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(cfg, logger.NewNop(), createTestHandlers(t, cfg))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{name: "retrieve", method: http.MethodPost, path: "/api/v1/context/retrieve", body: `{"query":"reset password"}`, wantStatus: http.StatusOK},
		{name: "memories", method: http.MethodGet, path: "/api/v1/users/u1/memories", wantStatus: http.StatusOK},
		{name: "prompt", method: http.MethodPost, path: "/api/v1/users/u1/prompt", body: `{"question":"reset password"}`, wantStatus: http.StatusOK},
		{name: "turns", method: http.MethodPost, path: "/api/v1/users/u1/turns", body: `{"user_text":"hi","assistant_text":"hello"}`, wantStatus: http.StatusAccepted},
		{name: "unknown route", method: http.MethodGet, path: "/api/v1/workflows", wantStatus: http.StatusNotFound},
		{name: "wrong method", method: http.MethodGet, path: "/api/v1/context/retrieve", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestRegisterRoutes_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RPS = 0.001
	cfg.Server.RateLimit.Burst = 1
	router := NewRouter(cfg, logger.NewNop(), createTestHandlers(t, cfg))

	send := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("/api/v1/users/u1/memories"))
	assert.Equal(t, http.StatusTooManyRequests, send("/api/v1/users/u1/memories"))
	assert.Equal(t, http.StatusOK, send("/health"))
}

func TestRegisterRoutes_ChatSocketOutlivesRequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTP.RequestTimeout = 50 * time.Millisecond
	server := httptest.NewServer(NewRouter(cfg, logger.NewNop(), createTestHandlers(t, cfg)))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/users/u1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(3 * cfg.Server.HTTP.RequestTimeout)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "question", "question": "reset password"}))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var event handlers.EventMessage
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, handlers.EventContext, event.Type)
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, handlers.EventAnswer, event.Type)
}
