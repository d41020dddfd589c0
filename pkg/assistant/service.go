// Package assistant is the facade over retrieval, memory and prompt
// assembly. It prepares the context for a turn, runs generation and
// schedules the memory updates that follow it.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/fault"
	"github.com/contextd/contextd/pkg/lane"
	"github.com/contextd/contextd/pkg/llm"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/memory"
	"github.com/contextd/contextd/pkg/prompt"
	"github.com/contextd/contextd/pkg/retrieval"
	"github.com/contextd/contextd/pkg/rerank"
	"go.opentelemetry.io/otel/attribute"
)

// Service errors.
var (
	ErrEmptyQuestion = errors.New("assistant: question is empty")
	ErrNoCompleter   = errors.New("assistant: no completer configured")
)

// Job kinds scheduled after a turn.
const (
	JobActiveSummary = "active_summary"
	JobLongTerm      = "long_term"
)

// Deps are the collaborators of a Service. Completer may be nil when Chat is
// not used; Updater and Policy get defaults when nil.
type Deps struct {
	Engine    *retrieval.Engine
	LongTerm  *memory.LongTermStore
	Active    *memory.ActiveStore
	Assembler *prompt.Assembler
	Completer llm.Completer
	Updater   *lane.KeyedPool
	Policy    AuthorizationPolicy
	Logger    logger.Logger
}

// Config holds service settings.
type Config struct {
	// MaxTokens and Temperature apply to answer generation.
	MaxTokens   int
	Temperature float64

	// HistoryTurns is how many previous user turns join the question in
	// the retrieval query.
	HistoryTurns int

	// Updates configures the default updater when Deps.Updater is nil.
	Updates config.UpdatesConfig
}

// ConfigFrom derives the service settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		HistoryTurns: 2,
		Updates:      cfg.Updates,
	}
}

// Memories are the memory layers of one user.
type Memories struct {
	LongTerm *memory.LongTermMemory `json:"long_term"`
	Active   *memory.ActiveRecord   `json:"active"`
}

// TurnOptions are per-turn settings.
type TurnOptions struct {
	// Scope selects the active summary; empty means the default scope.
	Scope string
	// K and N override the retrieval sizes.
	K, N int
	// History holds earlier turns of the conversation, oldest first.
	History []memory.Turn
}

// TurnContext is everything prepared for one turn before generation.
type TurnContext struct {
	UserID    string            `json:"user_id"`
	Question  string            `json:"question"`
	Retrieval *retrieval.Result `json:"retrieval"`
	Memories  *Memories         `json:"memories"`
	Prompt    prompt.Assembled  `json:"prompt"`

	// MemoryDegraded is set when memory could not be loaded and the turn
	// continued without it.
	MemoryDegraded bool `json:"memory_degraded"`
}

// Reply is the result of Chat.
type Reply struct {
	Answer         string                 `json:"answer"`
	Passages       []rerank.RankedPassage `json:"passages"`
	Empty          bool                   `json:"empty"`
	Degraded       bool                   `json:"degraded"`
	DegradeReason  string                 `json:"degrade_reason,omitempty"`
	MemoryDegraded bool                   `json:"memory_degraded"`
	FactIDs        []string               `json:"fact_ids,omitempty"`
	Timings        retrieval.Timings      `json:"timings"`
}

// TurnRecord is a finished exchange to fold into memory.
type TurnRecord struct {
	UserID        string
	Scope         string
	UserText      string
	AssistantText string
	// History holds earlier turns, oldest first.
	History []memory.Turn
	// FactIDs are the long-term facts that were injected into the prompt.
	FactIDs []string
}

// BuildRequest is the input of BuildPromptMessages. Memories are loaded
// for UserID when not supplied.
type BuildRequest struct {
	UserID   string
	Scope    string
	Question string
	// System replaces the configured system instructions when set.
	System   string
	Passages []rerank.RankedPassage
	LongTerm *memory.LongTermMemory
	Active   *memory.ActiveRecord
}

// Service implements the context-assembly operations.
type Service struct {
	engine    *retrieval.Engine
	longTerm  *memory.LongTermStore
	active    *memory.ActiveStore
	assembler *prompt.Assembler
	completer llm.Completer
	updater   *lane.KeyedPool
	ownPool   bool
	policy    AuthorizationPolicy
	cfg       Config
	logger    logger.Logger
}

// NewService wires a service. When deps.Updater is nil a pool is created
// from cfg.Updates and started; Close drains it.
func NewService(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("assistant: retrieval engine cannot be nil")
	case deps.LongTerm == nil:
		return nil, errors.New("assistant: long-term store cannot be nil")
	case deps.Active == nil:
		return nil, errors.New("assistant: active store cannot be nil")
	case deps.Assembler == nil:
		return nil, errors.New("assistant: assembler cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = logger.Global()
	}
	if deps.Policy == nil {
		deps.Policy = AllowAll{}
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}

	s := &Service{
		engine:    deps.Engine,
		longTerm:  deps.LongTerm,
		active:    deps.Active,
		assembler: deps.Assembler,
		completer: deps.Completer,
		updater:   deps.Updater,
		policy:    deps.Policy,
		cfg:       cfg,
		logger:    deps.Logger,
	}

	if s.updater == nil {
		updates := cfg.Updates
		if updates.Workers <= 0 {
			updates.Workers = 4
		}
		if updates.QueueSize < updates.Workers {
			updates.QueueSize = updates.Workers * 64
		}
		pool, err := lane.NewKeyedPool(&lane.Config{
			Name:       "memory-updates",
			Workers:    updates.Workers,
			QueueSize:  updates.QueueSize,
			JobTimeout: updates.JobTimeout,
			Logger:     deps.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("assistant: create updater: %w", err)
		}
		pool.Start()
		s.updater = pool
		s.ownPool = true
	}
	return s, nil
}

// Updater returns the memory update pool.
func (s *Service) Updater() *lane.KeyedPool { return s.updater }

// Engine returns the retrieval engine.
func (s *Service) Engine() *retrieval.Engine { return s.engine }

// Authorize returns ErrForbidden unless principal may access userID.
func (s *Service) Authorize(ctx context.Context, principal, userID string) error {
	if !s.policy.CanAccessUser(ctx, principal, userID) {
		return ErrForbidden
	}
	return nil
}

// Close drains pending memory updates when the service owns the updater.
func (s *Service) Close(ctx context.Context) error {
	if !s.ownPool {
		return nil
	}
	return s.updater.Close(ctx)
}

// RetrieveContext returns up to n passages for query.
func (s *Service) RetrieveContext(ctx context.Context, query string, k, n int, opts *retrieval.Options) (*retrieval.Result, error) {
	return s.engine.Retrieve(ctx, query, k, n, opts)
}

// LoadUserMemories loads both memory layers concurrently. Any store failure
// is returned.
func (s *Service) LoadUserMemories(ctx context.Context, userID, scope string) (*Memories, error) {
	if err := memory.ValidateUserID(userID); err != nil {
		return nil, err
	}

	ctx, span := assistantTracer().Start(ctx, spanLoadMemories)
	defer span.End()

	var (
		wg        sync.WaitGroup
		mem       Memories
		ltmErr    error
		activeErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		mem.LongTerm, ltmErr = s.longTerm.Load(ctx, userID)
	}()
	go func() {
		defer wg.Done()
		mem.Active, activeErr = s.active.Get(ctx, userID, scope)
	}()
	wg.Wait()

	if err := errors.Join(ltmErr, activeErr); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return &mem, nil
}

// BuildPromptMessages assembles the prompt for req.
func (s *Service) BuildPromptMessages(ctx context.Context, req BuildRequest) (*prompt.Assembled, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	if (req.LongTerm == nil || req.Active == nil) && req.UserID != "" {
		mem, err := s.LoadUserMemories(ctx, req.UserID, req.Scope)
		if err != nil {
			return nil, err
		}
		if req.LongTerm == nil {
			req.LongTerm = mem.LongTerm
		}
		if req.Active == nil {
			req.Active = mem.Active
		}
	}

	assembled := s.assembler.Assemble(prompt.Input{
		Question: req.Question,
		LongTerm: req.LongTerm,
		Active:   req.Active,
		Passages: req.Passages,
		Snippet:  s.longTerm.SnippetOptions(),
		System:   req.System,
	})
	return &assembled, nil
}

// PrepareTurn runs retrieval and memory loads in parallel and assembles the
// prompt. Retrieval infrastructure failures abort the turn; a memory store
// failure only drops memory from the prompt.
func (s *Service) PrepareTurn(ctx context.Context, userID, question string, opts TurnOptions) (*TurnContext, error) {
	if err := memory.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}

	ctx = logger.ContextWith(ctx, "user_id", userID)
	ctx, span := assistantTracer().Start(ctx, spanPrepareTurn)
	defer span.End()

	var (
		wg     sync.WaitGroup
		res    *retrieval.Result
		mem    *Memories
		retErr error
		memErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, retErr = s.engine.Retrieve(ctx, question, opts.K, opts.N, &retrieval.Options{
			SearchQuery: SearchQuery(question, opts.History, s.cfg.HistoryTurns),
		})
	}()
	go func() {
		defer wg.Done()
		mem, memErr = s.LoadUserMemories(ctx, userID, opts.Scope)
	}()
	wg.Wait()

	if retErr != nil {
		recordSpanError(span, retErr)
		return nil, retErr
	}

	tc := &TurnContext{UserID: userID, Question: question, Retrieval: res, Memories: mem}
	if memErr != nil {
		s.logger.WarnContext(ctx, "continuing turn without memory",
			"kind", fault.KindOf(memErr).String(),
			"error", memErr,
		)
		tc.MemoryDegraded = true
		tc.Memories = &Memories{}
	}

	tc.Prompt = s.assembler.Assemble(prompt.Input{
		Question: question,
		LongTerm: tc.Memories.LongTerm,
		Active:   tc.Memories.Active,
		Passages: res.Passages,
		Snippet:  s.longTerm.SnippetOptions(),
	})
	span.SetAttributes(
		attribute.Int("assistant.passages", len(res.Passages)),
		attribute.Int("assistant.facts", len(tc.Prompt.FactIDs)),
		attribute.Bool("assistant.memory_degraded", tc.MemoryDegraded),
	)
	return tc, nil
}

// Chat answers question for userID and schedules the memory updates. Memory
// updates are not scheduled when ctx is done by the time the answer exists.
func (s *Service) Chat(ctx context.Context, userID, question string, opts TurnOptions) (*Reply, error) {
	if s.completer == nil {
		return nil, ErrNoCompleter
	}

	ctx, span := assistantTracer().Start(ctx, spanChat)
	defer span.End()

	tc, err := s.PrepareTurn(ctx, userID, question, opts)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	reply, err := s.Answer(ctx, tc, opts)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return reply, nil
}

// Answer generates the reply for a prepared turn and schedules the memory
// updates unless ctx is already done.
func (s *Service) Answer(ctx context.Context, tc *TurnContext, opts TurnOptions) (*Reply, error) {
	if s.completer == nil {
		return nil, ErrNoCompleter
	}

	answer, err := s.generate(ctx, tc.Prompt.Messages)
	if err != nil {
		return nil, err
	}

	reply := &Reply{
		Answer:         answer,
		Passages:       tc.Retrieval.Passages,
		Empty:          tc.Retrieval.Empty,
		Degraded:       tc.Retrieval.Degraded,
		DegradeReason:  tc.Retrieval.DegradeReason,
		MemoryDegraded: tc.MemoryDegraded,
		FactIDs:        tc.Prompt.FactIDs,
		Timings:        tc.Retrieval.Timings,
	}

	if ctx.Err() == nil {
		err = s.RecordTurn(ctx, TurnRecord{
			UserID:        tc.UserID,
			Scope:         opts.Scope,
			UserText:      tc.Question,
			AssistantText: answer,
			History:       opts.History,
			FactIDs:       tc.Prompt.FactIDs,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "turn not recorded", "error", err)
		}
	}
	return reply, nil
}

func (s *Service) generate(ctx context.Context, messages []llm.Message) (string, error) {
	ctx, span := assistantTracer().Start(ctx, spanGenerate)
	defer span.End()

	answer, err := s.completer.Complete(ctx, messages, llm.Options{
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: llm.Temperature(s.cfg.Temperature),
	})
	if err != nil {
		recordSpanError(span, err)
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", fmt.Errorf("assistant.generate: %w", err)
		}
		return "", fault.Infrastructure("assistant.generate", err)
	}
	return answer, nil
}

// RecordTurn queues the active summary update and the long-term extraction
// for rec. Nothing is queued when ctx is already done. Queueing failures are
// logged and counted but not returned.
func (s *Service) RecordTurn(ctx context.Context, rec TurnRecord) error {
	if err := memory.ValidateUserID(rec.UserID); err != nil {
		return err
	}
	ctx = logger.ContextWith(ctx, "user_id", rec.UserID)
	if err := ctx.Err(); err != nil {
		s.logger.DebugContext(ctx, "turn context done, skipping memory updates")
		return err
	}

	turns := make([]memory.Turn, 0, len(rec.History)+2)
	turns = append(turns, rec.History...)
	turns = append(turns,
		memory.Turn{Role: string(llm.RoleUser), Content: rec.UserText},
		memory.Turn{Role: string(llm.RoleAssistant), Content: rec.AssistantText},
	)

	jobs := []lane.Job{
		lane.NewJob(rec.UserID, JobActiveSummary, func(jobCtx context.Context) error {
			_, err := s.active.Update(jobCtx, rec.UserID, rec.Scope, turns)
			return err
		}),
		lane.NewJob(rec.UserID, JobLongTerm, func(jobCtx context.Context) error {
			if err := s.longTerm.Touch(jobCtx, rec.UserID, rec.FactIDs); err != nil {
				return err
			}
			err := s.longTerm.Update(jobCtx, rec.UserID, rec.UserText, rec.AssistantText)
			if fault.Is(err, fault.KindMalformedExtraction) {
				return nil
			}
			return err
		}),
	}
	for _, job := range jobs {
		if err := s.updater.Submit(job); err != nil {
			s.logger.WarnContext(ctx, "memory update not scheduled",
				"kind", job.Kind(),
				"error", err,
			)
		}
	}
	return nil
}

// SearchQuery joins the last historyTurns user turns with question, oldest
// first.
func SearchQuery(question string, history []memory.Turn, historyTurns int) string {
	if historyTurns <= 0 || len(history) == 0 {
		return question
	}
	var parts []string
	for i := len(history) - 1; i >= 0 && len(parts) < historyTurns; i-- {
		if history[i].Role == string(llm.RoleUser) {
			if c := strings.TrimSpace(history[i].Content); c != "" {
				parts = append(parts, c)
			}
		}
	}
	if len(parts) == 0 {
		return question
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(append(parts, question), "\n")
}
