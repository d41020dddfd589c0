package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/api/middleware"
	"github.com/contextd/contextd/pkg/assistant"
	"github.com/contextd/contextd/pkg/embedding"
	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/contextd/contextd/pkg/llm"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/memory"
	"github.com/contextd/contextd/pkg/prompt"
	"github.com/contextd/contextd/pkg/rerank"
	"github.com/contextd/contextd/pkg/retrieval"
	"github.com/contextd/contextd/pkg/storage"
	memstore "github.com/contextd/contextd/pkg/storage/memory"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

const testDim = 64

var testCorpus = []knowledge.Chunk{
	{ID: "c1", Text: "To reset password, open the account settings page.", SourceLabel: "faq.md"},
	{ID: "c2", Text: "Billing runs on the first day of every month.", SourceLabel: "billing.md"},
	{ID: "c3", Text: "Export reports as CSV from the dashboard.", SourceLabel: "reports.md"},
}

// testModel answers extraction and summary prompts with fixed output and
// everything else with answer.
type testModel struct {
	answer string
	err    error
}

func (m *testModel) Complete(_ context.Context, msgs []llm.Message, _ llm.Options) (string, error) {
	switch first := msgs[0].Content; {
	case strings.Contains(first, "long-term memory about a user"):
		return `{"facts":[{"text":"Asked about passwords","importance":"medium"}]}`, nil
	case strings.Contains(first, "running summary"):
		return "User asked about passwords.", nil
	}
	if m.err != nil {
		return "", m.err
	}
	return m.answer, nil
}

type brokenEmbedder struct{ embedding.Embedder }

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding service unreachable")
}

type testEnv struct {
	svc    *assistant.Service
	store  storage.Storage
	model  *testModel
	router chi.Router
}

type envOptions struct {
	embedder embedding.Embedder
	policy   assistant.AuthorizationPolicy
}

// setupTestEnv wires a real assistant service over in-memory components and
// mounts the handlers the way the API router does.
func setupTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	ctx := context.Background()
	nop := logger.NewNop()

	hash := embedding.NewHashEmbedder(testDim)
	idx := knowledge.NewMemoryIndex(testDim)
	_, err := knowledge.Ingest(ctx, idx, hash, testCorpus, 16)
	require.NoError(t, err)

	emb := opts.embedder
	if emb == nil {
		emb = hash
	}
	rr, err := rerank.NewFallbackReranker(nil, rerank.NewHeuristicReranker(rerank.DefaultWeights(), nil, nil), &rerank.FallbackConfig{Logger: nop})
	require.NoError(t, err)
	engine, err := retrieval.NewEngine(emb, idx, rr, retrieval.Config{KCandidates: 3, NFinal: 2}, nop)
	require.NoError(t, err)

	store := memstore.NewMemoryStorage()
	model := &testModel{answer: "Open the account settings page."}
	cfg := config.DefaultConfig()

	ltm, err := memory.NewLongTermStore(store, model, cfg.Memory.LongTerm, nop)
	require.NoError(t, err)
	active, err := memory.NewActiveStore(store, model, cfg.Memory.Active, nop)
	require.NoError(t, err)
	assembler, err := prompt.NewAssembler(cfg.Prompt)
	require.NoError(t, err)

	svc, err := assistant.NewService(assistant.Deps{
		Engine:    engine,
		LongTerm:  ltm,
		Active:    active,
		Assembler: assembler,
		Completer: model,
		Policy:    opts.policy,
		Logger:    nop,
	}, assistant.ConfigFrom(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Principal("X-User-ID"))
	ctxHandler := NewContextHandler(svc, nop)
	users := NewUserHandler(svc, nop)
	r.Post("/api/v1/context/retrieve", ctxHandler.Retrieve)
	r.Route("/api/v1/users/{userID}", func(r chi.Router) {
		r.Get("/memories", users.Memories)
		r.Post("/turns", users.RecordTurn)
		r.Post("/prompt", users.BuildPrompt)
		r.Post("/chat", users.Chat)
	})

	return &testEnv{svc: svc, store: store, model: model, router: r}
}

// do sends a request with an optional JSON body and principal header.
func (e *testEnv) do(t *testing.T, method, path string, body any, principal string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set("X-User-ID", principal)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}
