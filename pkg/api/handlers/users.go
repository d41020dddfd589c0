package handlers

import (
	"net/http"

	"github.com/contextd/contextd/pkg/api/models"
	"github.com/contextd/contextd/pkg/api/response"
	"github.com/contextd/contextd/pkg/assistant"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// UserHandler handles per-user memory, prompt and chat endpoints. Every
// route checks the caller against the user in the path.
type UserHandler struct {
	svc       Assistant
	logger    logger.Logger
	validator *validator.Validate
}

// NewUserHandler creates a new user handler.
func NewUserHandler(svc Assistant, log logger.Logger) *UserHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &UserHandler{
		svc:       svc,
		logger:    log,
		validator: validator.New(),
	}
}

// Memories handles GET /api/v1/users/{userID}/memories
// @Summary Get user memories
// @Description Load the long-term memory and the active summary of a user
// @Tags users
// @Produce json
// @Param userID path string true "User ID"
// @Param scope query string false "Active summary scope"
// @Success 200 {object} models.MemoriesResponse "Both memory layers"
// @Failure 403 {object} response.ErrorResponse "Caller may not read this user"
// @Failure 503 {object} response.ErrorResponse "Memory store unavailable"
// @Router /api/v1/users/{userID}/memories [get]
func (h *UserHandler) Memories(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorize(w, r, h.logger, h.svc, userID) {
		return
	}

	mem, err := h.svc.LoadUserMemories(r.Context(), userID, r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.JSON(w, http.StatusOK, models.MemoriesResponse{
		LongTerm: mem.LongTerm,
		Active:   mem.Active,
	})
}

// RecordTurn handles POST /api/v1/users/{userID}/turns
// @Summary Record a finished turn
// @Description Queue the active summary update and long-term extraction for an exchange
// @Tags users
// @Accept json
// @Produce json
// @Param userID path string true "User ID"
// @Param request body models.TurnRequest true "Finished exchange"
// @Success 202 {object} models.AcceptedResponse "Updates queued"
// @Failure 400 {object} response.ErrorResponse "Invalid request body or validation error"
// @Failure 403 {object} response.ErrorResponse "Caller may not update this user"
// @Router /api/v1/users/{userID}/turns [post]
func (h *UserHandler) RecordTurn(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorize(w, r, h.logger, h.svc, userID) {
		return
	}

	var req models.TurnRequest
	if err := decodeJSON(w, r, &req, h.validator); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	err := h.svc.RecordTurn(r.Context(), assistant.TurnRecord{
		UserID:        userID,
		Scope:         req.Scope,
		UserText:      req.UserText,
		AssistantText: req.AssistantText,
		History:       req.History,
		FactIDs:       req.FactIDs,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.JSON(w, http.StatusAccepted, models.AcceptedResponse{Status: "accepted"})
}

// BuildPrompt handles POST /api/v1/users/{userID}/prompt
// @Summary Build prompt messages
// @Description Retrieve passages for the question and assemble them with the user's memories into prompt messages
// @Tags users
// @Accept json
// @Produce json
// @Param userID path string true "User ID"
// @Param request body models.PromptRequest true "Prompt request"
// @Success 200 {object} models.PromptResponse "Assembled prompt"
// @Failure 400 {object} response.ErrorResponse "Invalid request body or validation error"
// @Failure 403 {object} response.ErrorResponse "Caller may not read this user"
// @Failure 503 {object} response.ErrorResponse "A dependency is unavailable"
// @Router /api/v1/users/{userID}/prompt [post]
func (h *UserHandler) BuildPrompt(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorize(w, r, h.logger, h.svc, userID) {
		return
	}

	var req models.PromptRequest
	if err := decodeJSON(w, r, &req, h.validator); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	ctx := r.Context()
	res, err := h.svc.RetrieveContext(ctx, req.Question, req.K, req.N, nil)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	assembled, err := h.svc.BuildPromptMessages(ctx, assistant.BuildRequest{
		UserID:   userID,
		Scope:    req.Scope,
		Question: req.Question,
		System:   req.System,
		Passages: res.Passages,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.JSON(w, http.StatusOK, models.PromptResponse{
		Messages: assembled.Messages,
		Slots:    assembled.Slots,
		FactIDs:  assembled.FactIDs,
		Empty:    res.Empty,
		Degraded: res.Degraded,
	})
}

// Chat handles POST /api/v1/users/{userID}/chat
// @Summary Answer a question
// @Description Run a full turn: retrieval, memory load, prompt assembly, generation and memory update scheduling
// @Tags users
// @Accept json
// @Produce json
// @Param userID path string true "User ID"
// @Param request body models.ChatRequest true "Chat request"
// @Success 200 {object} models.ChatResponse "Answer and passages"
// @Failure 400 {object} response.ErrorResponse "Invalid request body or validation error"
// @Failure 403 {object} response.ErrorResponse "Caller may not chat as this user"
// @Failure 503 {object} response.ErrorResponse "A dependency is unavailable"
// @Router /api/v1/users/{userID}/chat [post]
func (h *UserHandler) Chat(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !authorize(w, r, h.logger, h.svc, userID) {
		return
	}

	var req models.ChatRequest
	if err := decodeJSON(w, r, &req, h.validator); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	reply, err := h.svc.Chat(r.Context(), userID, req.Question, assistant.TurnOptions{
		Scope:   req.Scope,
		K:       req.K,
		N:       req.N,
		History: req.History,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.JSON(w, http.StatusOK, newChatResponse(reply))
}

func newChatResponse(reply *assistant.Reply) models.ChatResponse {
	return models.ChatResponse{
		Answer:         reply.Answer,
		Passages:       reply.Passages,
		Empty:          reply.Empty,
		Degraded:       reply.Degraded,
		DegradeReason:  reply.DegradeReason,
		MemoryDegraded: reply.MemoryDegraded,
		Timings:        models.NewTimings(reply.Timings),
	}
}
