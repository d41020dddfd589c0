// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/contextd/contextd/pkg/api/middleware"
	"github.com/contextd/contextd/pkg/api/response"
	"github.com/contextd/contextd/pkg/assistant"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/memory"
	"github.com/contextd/contextd/pkg/prompt"
	"github.com/contextd/contextd/pkg/retrieval"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Assistant is the set of context-assembly operations the handlers expose.
// *assistant.Service implements it.
type Assistant interface {
	Authorize(ctx context.Context, principal, userID string) error
	RetrieveContext(ctx context.Context, query string, k, n int, opts *retrieval.Options) (*retrieval.Result, error)
	LoadUserMemories(ctx context.Context, userID, scope string) (*assistant.Memories, error)
	BuildPromptMessages(ctx context.Context, req assistant.BuildRequest) (*prompt.Assembled, error)
	PrepareTurn(ctx context.Context, userID, question string, opts assistant.TurnOptions) (*assistant.TurnContext, error)
	Answer(ctx context.Context, tc *assistant.TurnContext, opts assistant.TurnOptions) (*assistant.Reply, error)
	Chat(ctx context.Context, userID, question string, opts assistant.TurnOptions) (*assistant.Reply, error)
	RecordTurn(ctx context.Context, rec assistant.TurnRecord) error
}

var _ Assistant = (*assistant.Service)(nil)

func getRequestID(ctx context.Context) string {
	if reqID := middleware.GetRequestID(ctx); reqID != "" {
		return reqID
	}
	return "unknown"
}

// decodeJSON reads a JSON body into v and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, validate *validator.Validate) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", response.ErrInvalidInput, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", response.ErrValidationFailed, err)
	}
	return nil
}

// classify maps service errors onto the response package sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, assistant.ErrForbidden):
		return fmt.Errorf("%w: %v", response.ErrForbidden, err)
	case errors.Is(err, assistant.ErrEmptyQuestion), errors.Is(err, memory.ErrInvalidUserID):
		return fmt.Errorf("%w: %v", response.ErrInvalidInput, err)
	case errors.Is(err, assistant.ErrNoCompleter):
		return fmt.Errorf("%w: %v", response.ErrServiceUnavailable, err)
	}
	return err
}

// writeError logs server-side failures and writes the error response.
func writeError(w http.ResponseWriter, r *http.Request, log logger.Logger, err error) {
	err = classify(err)
	if status := response.HTTPStatusFromError(err); status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "Request failed",
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	response.HandleError(w, err, getRequestID(r.Context()))
}

// authorize checks the caller against userID and writes 403 on failure.
func authorize(w http.ResponseWriter, r *http.Request, log logger.Logger, svc Assistant, userID string) bool {
	if err := svc.Authorize(r.Context(), middleware.GetPrincipal(r.Context()), userID); err != nil {
		writeError(w, r, log, err)
		return false
	}
	return true
}
