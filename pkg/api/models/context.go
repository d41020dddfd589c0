// Package models defines API request/response data structures.
package models

import (
	"time"

	"github.com/contextd/contextd/pkg/llm"
	"github.com/contextd/contextd/pkg/memory"
	"github.com/contextd/contextd/pkg/prompt"
	"github.com/contextd/contextd/pkg/rerank"
	"github.com/contextd/contextd/pkg/retrieval"
)

// RetrieveRequest asks for knowledge passages.
type RetrieveRequest struct {
	// Query is the text passages are ranked against.
	Query string `json:"query" validate:"required,max=8000" example:"How do I reset my password?"`

	// SearchQuery replaces Query for recall and reranking when set.
	SearchQuery string `json:"search_query,omitempty" validate:"max=16000"`

	// K is the recall-stage candidate count.
	K int `json:"k,omitempty" validate:"omitempty,min=1,max=200" example:"20"`

	// N is the number of passages returned.
	N int `json:"n,omitempty" validate:"omitempty,min=1,max=50" example:"5"`
}

// RetrieveResponse is the result of a retrieval.
type RetrieveResponse struct {
	Passages      []rerank.RankedPassage `json:"passages"`
	Empty         bool                   `json:"empty"`
	Degraded      bool                   `json:"degraded"`
	DegradeReason string                 `json:"degrade_reason,omitempty"`
	Strategy      string                 `json:"strategy,omitempty"`
	Candidates    int                    `json:"candidates"`
	Timings       TimingsResponse        `json:"timings"`
}

// TimingsResponse holds per-stage durations in milliseconds.
type TimingsResponse struct {
	EmbedMS  float64 `json:"embed_ms"`
	SearchMS float64 `json:"search_ms"`
	RerankMS float64 `json:"rerank_ms"`
	TotalMS  float64 `json:"total_ms"`
}

// NewRetrieveResponse converts a retrieval result.
func NewRetrieveResponse(res *retrieval.Result) RetrieveResponse {
	return RetrieveResponse{
		Passages:      res.Passages,
		Empty:         res.Empty,
		Degraded:      res.Degraded,
		DegradeReason: res.DegradeReason,
		Strategy:      res.Strategy,
		Candidates:    res.Candidates,
		Timings:       NewTimings(res.Timings),
	}
}

// NewTimings converts stage durations to milliseconds.
func NewTimings(t retrieval.Timings) TimingsResponse {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return TimingsResponse{
		EmbedMS:  ms(t.Embed),
		SearchMS: ms(t.Search),
		RerankMS: ms(t.Rerank),
		TotalMS:  ms(t.Total()),
	}
}

// MemoriesResponse holds both memory layers of a user.
type MemoriesResponse struct {
	LongTerm *memory.LongTermMemory `json:"long_term"`
	Active   *memory.ActiveRecord   `json:"active"`
}

// TurnRequest records a finished exchange.
type TurnRequest struct {
	UserText      string        `json:"user_text" validate:"required" example:"I moved to the enterprise plan"`
	AssistantText string        `json:"assistant_text" validate:"required" example:"Noted, enterprise billing is monthly."`
	Scope         string        `json:"scope,omitempty" validate:"max=64"`
	History       []memory.Turn `json:"history,omitempty" validate:"max=50"`
	FactIDs       []string      `json:"fact_ids,omitempty"`
}

// AcceptedResponse acknowledges queued work.
type AcceptedResponse struct {
	Status string `json:"status" example:"accepted"`
}

// PromptRequest asks for the assembled prompt of a question.
type PromptRequest struct {
	Question string `json:"question" validate:"required,max=8000" example:"When does billing run?"`

	// System replaces the configured system instructions.
	System string `json:"system,omitempty" validate:"max=16000"`

	Scope string `json:"scope,omitempty" validate:"max=64"`
	K     int    `json:"k,omitempty" validate:"omitempty,min=1,max=200"`
	N     int    `json:"n,omitempty" validate:"omitempty,min=1,max=50"`
}

// PromptResponse is an assembled prompt.
type PromptResponse struct {
	Messages []llm.Message `json:"messages"`
	Slots    []prompt.Slot `json:"slots"`
	FactIDs  []string      `json:"fact_ids,omitempty"`
	Empty    bool          `json:"empty"`
	Degraded bool          `json:"degraded"`
}

// ChatRequest asks for an answer.
type ChatRequest struct {
	Question string        `json:"question" validate:"required,max=8000" example:"How do I export reports?"`
	Scope    string        `json:"scope,omitempty" validate:"max=64"`
	History  []memory.Turn `json:"history,omitempty" validate:"max=50"`
	K        int           `json:"k,omitempty" validate:"omitempty,min=1,max=200"`
	N        int           `json:"n,omitempty" validate:"omitempty,min=1,max=50"`
}

// ChatResponse is an answer with the passages it was grounded on.
type ChatResponse struct {
	Answer         string                 `json:"answer"`
	Passages       []rerank.RankedPassage `json:"passages"`
	Empty          bool                   `json:"empty"`
	Degraded       bool                   `json:"degraded"`
	DegradeReason  string                 `json:"degrade_reason,omitempty"`
	MemoryDegraded bool                   `json:"memory_degraded"`
	Timings        TimingsResponse        `json:"timings"`
}
