package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/fault"
	"github.com/contextd/contextd/pkg/llm"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
)

// Summary update outcomes used in metrics.
const (
	SummaryUpdated = "updated"
	SummaryFailed  = "failed"
	SummaryEmpty   = "empty"
)

// ErrEmptySummary is returned when the model produced no summary text.
var ErrEmptySummary = errors.New("memory: empty summary")

// ActiveStore keeps one rolling summary per (user, scope).
type ActiveStore struct {
	store     storage.Storage
	completer llm.Completer
	cfg       config.ActiveConfig
	logger    logger.Logger
	metrics   MetricsRecorder
	now       func() time.Time
}

// NewActiveStore creates an active memory store.
func NewActiveStore(store storage.Storage, completer llm.Completer, cfg config.ActiveConfig, log logger.Logger) (*ActiveStore, error) {
	if store == nil {
		return nil, errors.New("memory: storage cannot be nil")
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = 6
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = 150
	}
	if log == nil {
		log = logger.Global()
	}
	return &ActiveStore{
		store:     store,
		completer: completer,
		cfg:       cfg,
		logger:    log,
		metrics:   nopMetrics{},
		now:       time.Now,
	}, nil
}

// SetMetrics sets the metrics recorder.
func (s *ActiveStore) SetMetrics(m MetricsRecorder) {
	if m != nil {
		s.metrics = m
	}
}

// Scope resolves an empty scope to the configured default.
func (s *ActiveStore) Scope(scope string) string {
	if strings.TrimSpace(scope) == "" {
		return s.cfg.Scope
	}
	return scope
}

func activeKey(userID, scope string) string { return userID + ":" + scope }

// Get returns the record for (userID, scope), or a zero record with the
// user and scope set when none exists.
func (s *ActiveStore) Get(ctx context.Context, userID, scope string) (*ActiveRecord, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	scope = s.Scope(scope)

	ctx, span := memoryTracer().Start(ctx, spanActiveGet)
	defer span.End()

	var rec ActiveRecord
	err := storage.GetJSON(ctx, s.store, NamespaceActive, activeKey(userID, scope), &rec)
	switch {
	case err == nil:
		return &rec, nil
	case storage.IsNotFound(err):
		return &ActiveRecord{UserID: userID, Scope: scope}, nil
	case storage.IsSerialization(err):
		s.logger.WarnContext(ctx, "undecodable active summary, starting empty",
			"user_id", userID,
			"scope", scope,
			"error", err,
		)
		return &ActiveRecord{UserID: userID, Scope: scope}, nil
	default:
		s.metrics.RecordMemoryStoreError("active.get")
		recordSpanError(span, err)
		return nil, fault.MemoryStoreUnavailable("active.get", err)
	}
}

// Update folds the newest turns into the previous summary and replaces the
// record. An empty turn list is a no-op. When summarization fails the
// previous record is kept and the error is returned.
func (s *ActiveStore) Update(ctx context.Context, userID, scope string, turns []Turn) (*ActiveRecord, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	scope = s.Scope(scope)

	prev, err := s.Get(ctx, userID, scope)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return prev, nil
	}
	if s.completer == nil {
		return prev, errors.New("memory: no completer configured for summarization")
	}

	ctx, span := memoryTracer().Start(ctx, spanActiveUpdate)
	defer span.End()

	if len(turns) > s.cfg.RecentTurns {
		turns = turns[len(turns)-s.cfg.RecentTurns:]
	}
	span.SetAttributes(attribute.Int("memory.turns", len(turns)))

	callCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	out, err := s.completer.Complete(callCtx, summaryMessages(prev.Summary, turns, s.cfg.MaxWords), llm.Options{
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		s.metrics.RecordSummaryUpdate(SummaryFailed)
		recordSpanError(span, err)
		return prev, fmt.Errorf("active.summarize: %w", err)
	}
	summary := TrimWords(out, s.cfg.MaxWords)
	if summary == "" {
		s.metrics.RecordSummaryUpdate(SummaryEmpty)
		return prev, fmt.Errorf("active.summarize: %w", ErrEmptySummary)
	}

	rec := &ActiveRecord{UserID: userID, Scope: scope, Summary: summary, UpdatedAt: s.now()}
	if err := storage.PutJSON(ctx, s.store, NamespaceActive, activeKey(userID, scope), rec); err != nil {
		s.metrics.RecordMemoryStoreError("active.put")
		recordSpanError(span, err)
		return prev, fault.MemoryStoreUnavailable("active.put", err)
	}
	s.metrics.RecordSummaryUpdate(SummaryUpdated)
	return rec, nil
}

// Clear deletes the record for (userID, scope).
func (s *ActiveStore) Clear(ctx context.Context, userID, scope string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, NamespaceActive, activeKey(userID, s.Scope(scope))); err != nil {
		s.metrics.RecordMemoryStoreError("active.delete")
		return fault.MemoryStoreUnavailable("active.delete", err)
	}
	return nil
}
