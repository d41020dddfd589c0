package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/contextd/contextd/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"fence without tag", "```\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose around", `Here you go: {"a":{"b":2}} hope it helps {"c":3}`, `{"a":{"b":2}}`, false},
		{"braces in strings", `{"text":"use {curly} \"quotes\""}`, `{"text":"use {curly} \"quotes\""}`, false},
		{"unbalanced", `{"a":1`, "", true},
		{"none", "no json here", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSONObject(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSONObject)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type messagesRequest struct {
	Model       string   `json:"model"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	System      []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func anthropicServer(t *testing.T, reply string, check func(req messagesRequest)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var req messagesRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if check != nil {
			check(req)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_test",
			"type":          "message",
			"role":          "assistant",
			"model":         req.Model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		Provider:    "anthropic",
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Model:       "claude-test",
		MaxTokens:   256,
		Temperature: 0.3,
		Timeout:     5 * time.Second,
	}
}

func TestAnthropicCompleter_Complete(t *testing.T) {
	server := anthropicServer(t, "  Paris.  ", func(req messagesRequest) {
		assert.Equal(t, "claude-test", req.Model)
		assert.Equal(t, 64, req.MaxTokens)
		if assert.NotNil(t, req.Temperature) {
			assert.InDelta(t, 0.0, *req.Temperature, 1e-9)
		}
		if assert.Len(t, req.System, 1) {
			assert.Equal(t, "be brief\n\nknow geography", req.System[0].Text)
		}
		if assert.Len(t, req.Messages, 3) {
			assert.Equal(t, "user", req.Messages[0].Role)
			assert.Equal(t, "assistant", req.Messages[1].Role)
			assert.Equal(t, "capital of France?", req.Messages[2].Content[0].Text)
		}
	})

	c, err := NewAnthropicCompleter(testConfig(server.URL))
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), []Message{
		System("be brief"),
		System("know geography"),
		User("hi"),
		Assistant("hello"),
		User("capital of France?"),
	}, Options{MaxTokens: 64, Temperature: Temperature(0)})
	require.NoError(t, err)
	assert.Equal(t, "Paris.", got)
}

func TestAnthropicCompleter_EmptyCompletion(t *testing.T) {
	server := anthropicServer(t, "   ", nil)
	c, err := NewAnthropicCompleter(testConfig(server.URL))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), []Message{User("hi")}, Options{})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestAnthropicCompleter_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer server.Close()

	c, err := NewAnthropicCompleter(testConfig(server.URL))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), []Message{User("hi")}, Options{})
	assert.Error(t, err)

	_, err = c.Complete(context.Background(), []Message{System("only system")}, Options{})
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	_, err := New(testConfig("http://localhost"))
	assert.NoError(t, err)

	cfg := testConfig("http://localhost")
	cfg.Provider = "other"
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig("http://localhost")
	cfg.Model = ""
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestCompleterFunc(t *testing.T) {
	var c Completer = CompleterFunc(func(_ context.Context, msgs []Message, _ Options) (string, error) {
		return msgs[len(msgs)-1].Content, nil
	})
	got, err := c.Complete(context.Background(), []Message{User("echo")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "echo", got)
}

type recordedCall struct {
	purpose, outcome string
}

type callRecorder struct {
	calls []recordedCall
}

func (r *callRecorder) ObserveLLMCall(purpose, outcome string, _ time.Duration) {
	r.calls = append(r.calls, recordedCall{purpose, outcome})
}

func TestInstrument(t *testing.T) {
	rec := &callRecorder{}
	fails := false
	base := CompleterFunc(func(ctx context.Context, _ []Message, _ Options) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if fails {
			return "", assert.AnError
		}
		return "ok", nil
	})

	c := Instrument(base, "summary", rec)

	out, err := c.Complete(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	fails = true
	_, err = c.Complete(context.Background(), nil, Options{})
	require.ErrorIs(t, err, assert.AnError)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Complete(ctx, nil, Options{})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []recordedCall{
		{"summary", CallOK},
		{"summary", CallError},
		{"summary", CallCancelled},
	}, rec.calls)

	assert.Nil(t, Instrument(nil, "answer", rec))
	var plain Completer = base
	assert.NotNil(t, Instrument(plain, "answer", nil))
}
