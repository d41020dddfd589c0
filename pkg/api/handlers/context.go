package handlers

import (
	"net/http"

	"github.com/contextd/contextd/pkg/api/models"
	"github.com/contextd/contextd/pkg/api/response"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/retrieval"
	"github.com/go-playground/validator/v10"
)

// ContextHandler handles knowledge retrieval endpoints.
type ContextHandler struct {
	svc       Assistant
	logger    logger.Logger
	validator *validator.Validate
}

// NewContextHandler creates a new context handler.
func NewContextHandler(svc Assistant, log logger.Logger) *ContextHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &ContextHandler{
		svc:       svc,
		logger:    log,
		validator: validator.New(),
	}
}

// Retrieve handles POST /api/v1/context/retrieve
// @Summary Retrieve knowledge passages
// @Description Embed the query, recall k candidates from the index and rerank them down to n passages
// @Tags context
// @Accept json
// @Produce json
// @Param request body models.RetrieveRequest true "Retrieval request"
// @Success 200 {object} models.RetrieveResponse "Ranked passages"
// @Failure 400 {object} response.ErrorResponse "Invalid request body or validation error"
// @Failure 503 {object} response.ErrorResponse "Embedding or index unavailable"
// @Router /api/v1/context/retrieve [post]
func (h *ContextHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req models.RetrieveRequest
	if err := decodeJSON(w, r, &req, h.validator); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.svc.RetrieveContext(r.Context(), req.Query, req.K, req.N, &retrieval.Options{
		SearchQuery: req.SearchQuery,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.JSON(w, http.StatusOK, models.NewRetrieveResponse(res))
}
