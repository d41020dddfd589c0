package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/contextd/contextd/pkg/api/response"
	"github.com/contextd/contextd/pkg/assistant"
	"github.com/contextd/contextd/pkg/fault"
	"github.com/contextd/contextd/pkg/llm"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/memory"
	"github.com/contextd/contextd/pkg/rerank"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultSendBuffer       = 32
	defaultQuestionBuffer   = 4
	defaultHistoryTurns     = 20
)

// Event types sent to chat clients.
const (
	EventContext = "context"
	EventAnswer  = "answer"
	EventError   = "error"
)

// WebSocketConfig configures websocket handler behavior.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	// HistoryTurns caps the turns a connection remembers for retrieval
	// queries and summaries.
	HistoryTurns int
}

// ChatMetrics records chat socket activity.
type ChatMetrics interface {
	ChatConnected()
	ChatDisconnected()
	RecordChatRejected(reason string)
	RecordChatTurn(outcome string, d time.Duration)
}

type noopChatMetrics struct{}

func (noopChatMetrics) ChatConnected() {}
func (noopChatMetrics) ChatDisconnected() {}
func (noopChatMetrics) RecordChatRejected(string) {}
func (noopChatMetrics) RecordChatTurn(string, time.Duration) {}

// EventMessage is the websocket event format.
type EventMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type incomingMessage struct {
	Type     string `json:"type"`
	Question string `json:"question,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

// ContextPayload is sent once retrieval and memory loading finished.
type ContextPayload struct {
	Question       string                 `json:"question"`
	Passages       []rerank.RankedPassage `json:"passages"`
	Empty          bool                   `json:"empty"`
	Degraded       bool                   `json:"degraded"`
	DegradeReason  string                 `json:"degrade_reason,omitempty"`
	MemoryDegraded bool                   `json:"memory_degraded"`
}

// AnswerPayload carries the generated answer.
type AnswerPayload struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	FactIDs  []string `json:"fact_ids,omitempty"`
}

// ErrorPayload describes a failed question.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

type wsClient struct {
	conn      *websocket.Conn
	userID    string
	send      chan []byte
	questions chan incomingMessage
	done      chan struct{}
	closeOnce sync.Once

	// history is only touched by the turn loop.
	history []memory.Turn
}

func newWSClient(conn *websocket.Conn, userID string) *wsClient {
	return &wsClient{
		conn:      conn,
		userID:    userID,
		send:      make(chan []byte, defaultSendBuffer),
		questions: make(chan incomingMessage, defaultQuestionBuffer),
		done:      make(chan struct{}),
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// enqueue hands payload to the write pump. A client that cannot keep up is
// disconnected.
func (c *wsClient) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.close()
		return false
	}
}

func (c *wsClient) remember(turns ...memory.Turn) {
	c.history = append(c.history, turns...)
}

// ConnectionManager manages active websocket clients.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*wsClient]struct{}
	maxConnections int
}

// NewConnectionManager creates a manager with max connection limit.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = defaultWSMaxConnections
	}
	return &ConnectionManager{
		clients:        make(map[*wsClient]struct{}),
		maxConnections: maxConnections,
	}
}

// Register registers a websocket client.
func (m *ConnectionManager) Register(client *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConnections {
		return errors.New("websocket connection limit reached")
	}
	m.clients[client] = struct{}{}
	return nil
}

// Unregister unregisters a websocket client.
func (m *ConnectionManager) Unregister(client *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[client]; !ok {
		return
	}
	delete(m.clients, client)
	client.close()
}

// Count returns active connection count.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CanAccept reports whether there is capacity for one more connection.
func (m *ConnectionManager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) < m.maxConnections
}

// Close closes all active websocket connections.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		client.close()
		delete(m.clients, client)
	}
}

// ChatSocketHandler handles /api/v1/users/{userID}/chat/ws. Each question
// frame produces a context event followed by an answer or error event.
// Questions of one connection are answered in order.
type ChatSocketHandler struct {
	svc          Assistant
	log          logger.Logger
	metrics      ChatMetrics
	manager      *ConnectionManager
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	historyTurns int
}

// NewChatSocketHandler creates a websocket chat handler.
func NewChatSocketHandler(svc Assistant, log logger.Logger, cfg WebSocketConfig) *ChatSocketHandler {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultWSMaxConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}

	handler := &ChatSocketHandler{
		svc:          svc,
		log:          log,
		metrics:      noopChatMetrics{},
		manager:      NewConnectionManager(cfg.MaxConnections),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: defaultWriteTimeout,
		historyTurns: cfg.HistoryTurns,
	}

	allowedOrigins := append([]string(nil), cfg.AllowedOrigins...)
	handler.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if isWebSocketOriginAllowed(r, allowedOrigins) {
				return true
			}
			handler.metrics.RecordChatRejected("origin")
			return false
		},
	}

	return handler
}

// SetMetrics sets the chat metrics recorder. Call before serving.
func (h *ChatSocketHandler) SetMetrics(m ChatMetrics) {
	if m == nil {
		m = noopChatMetrics{}
	}
	h.metrics = m
}

// ServeHTTP authorizes the caller, upgrades HTTP to websocket and starts the
// client loops.
func (h *ChatSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := memory.ValidateUserID(userID); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if !authorize(w, r, h.log, h.svc, userID) {
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.manager.CanAccept() {
		h.metrics.RecordChatRejected("connection_limit")
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn, userID)
	if err := h.manager.Register(client); err != nil {
		h.metrics.RecordChatRejected("connection_limit")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many websocket connections"),
			time.Now().Add(h.writeTimeout),
		)
		_ = conn.Close()
		return
	}

	h.metrics.ChatConnected()
	defer h.metrics.ChatDisconnected()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writePump(client)
	go h.turnLoop(ctx, client)
	h.readPump(client)
}

// Count returns the number of open chat connections.
func (h *ChatSocketHandler) Count() int {
	return h.manager.Count()
}

// Close closes all websocket clients.
func (h *ChatSocketHandler) Close() {
	h.manager.Close()
}

func (h *ChatSocketHandler) readPump(client *wsClient) {
	defer h.manager.Unregister(client)

	readDeadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(1 << 20)
	_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	client.conn.SetPongHandler(func(_ string) error {
		return client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "error", err)
			}
			return
		}
		h.handleIncomingMessage(client, data)
	}
}

func (h *ChatSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.manager.Unregister(client)
	}()

	for {
		select {
		case <-client.done:
			_ = client.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeTimeout),
			)
			return
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *ChatSocketHandler) handleIncomingMessage(client *wsClient, raw []byte) {
	var message incomingMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		h.emitError(client, response.ErrCodeBadRequest, "Invalid message", "")
		return
	}

	switch strings.ToLower(strings.TrimSpace(message.Type)) {
	case "question":
		if strings.TrimSpace(message.Question) == "" {
			h.emitError(client, response.ErrCodeValidationFailed, "Question is required", "")
			return
		}
		select {
		case client.questions <- message:
		default:
			h.metrics.RecordChatRejected("busy")
			h.emitError(client, response.ErrCodeTooManyRequests, "Previous questions are still being answered", "")
		}
	case "ping":
	default:
		h.emitError(client, response.ErrCodeBadRequest, "Unknown message type", "")
	}
}

// turnLoop answers the questions of one connection in arrival order.
func (h *ChatSocketHandler) turnLoop(ctx context.Context, client *wsClient) {
	for {
		select {
		case <-client.done:
			return
		case <-ctx.Done():
			return
		case message := <-client.questions:
			h.answer(ctx, client, message)
		}
	}
}

func (h *ChatSocketHandler) answer(ctx context.Context, client *wsClient, message incomingMessage) {
	start := time.Now()
	opts := assistant.TurnOptions{
		Scope:   message.Scope,
		History: client.history,
	}

	tc, err := h.svc.PrepareTurn(ctx, client.userID, message.Question, opts)
	if err != nil {
		h.metrics.RecordChatTurn("failed", time.Since(start))
		h.emitFailure(ctx, client, err)
		return
	}
	h.emit(client, EventContext, ContextPayload{
		Question:       tc.Question,
		Passages:       tc.Retrieval.Passages,
		Empty:          tc.Retrieval.Empty,
		Degraded:       tc.Retrieval.Degraded,
		DegradeReason:  tc.Retrieval.DegradeReason,
		MemoryDegraded: tc.MemoryDegraded,
	})

	reply, err := h.svc.Answer(ctx, tc, opts)
	if err != nil {
		h.metrics.RecordChatTurn("failed", time.Since(start))
		h.emitFailure(ctx, client, err)
		return
	}
	h.metrics.RecordChatTurn("answered", time.Since(start))
	h.emit(client, EventAnswer, AnswerPayload{
		Question: tc.Question,
		Answer:   reply.Answer,
		FactIDs:  reply.FactIDs,
	})

	client.remember(
		memory.Turn{Role: string(llm.RoleUser), Content: tc.Question},
		memory.Turn{Role: string(llm.RoleAssistant), Content: reply.Answer},
	)
	if over := len(client.history) - h.historyTurns; over > 0 {
		client.history = append([]memory.Turn(nil), client.history[over:]...)
	}
}

func (h *ChatSocketHandler) emit(client *wsClient, eventType string, payload any) {
	data, err := json.Marshal(EventMessage{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		h.log.Error("websocket event encoding failed", "type", eventType, "error", err)
		return
	}
	client.enqueue(data)
}

func (h *ChatSocketHandler) emitError(client *wsClient, code, message, kind string) {
	h.emit(client, EventError, ErrorPayload{Code: code, Message: message, Kind: kind})
}

func (h *ChatSocketHandler) emitFailure(ctx context.Context, client *wsClient, err error) {
	err = classify(err)
	status := response.HTTPStatusFromError(err)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "websocket turn failed", "user_id", client.userID, "error", err)
		message = "The question could not be answered, please try again"
	}

	var kind string
	if k := fault.KindOf(err); k != fault.KindUnknown {
		kind = k.String()
	}
	h.emitError(client, response.ErrorCodeFromStatus(status), message, kind)
}

func isWebSocketOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}
