package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/fault"
	"github.com/contextd/contextd/pkg/llm"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/storage"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
)

// Extraction outcomes used in metrics.
const (
	ExtractionMerged    = "merged"
	ExtractionEmpty     = "empty"
	ExtractionMalformed = "malformed"
	ExtractionError     = "error"
)

// LongTermStore loads, updates and persists per-user long-term memory.
type LongTermStore struct {
	store     storage.Storage
	completer llm.Completer
	cfg       config.LongTermConfig
	snippet   atomic.Pointer[config.SnippetConfig]
	logger    logger.Logger
	metrics   MetricsRecorder
	now       func() time.Time
	newID     func() string
}

// NewLongTermStore creates a long-term store. completer may be nil when the
// store is only read, in which case ExtractAndMerge fails.
func NewLongTermStore(store storage.Storage, completer llm.Completer, cfg config.LongTermConfig, log logger.Logger) (*LongTermStore, error) {
	if store == nil {
		return nil, errors.New("memory: storage cannot be nil")
	}
	if cfg.FactCap <= 0 {
		cfg.FactCap = 20
	}
	if cfg.ThemeCap <= 0 {
		cfg.ThemeCap = 10
	}
	if cfg.Extraction.MaxTokens <= 0 {
		cfg.Extraction.MaxTokens = 800
	}
	if log == nil {
		log = logger.Global()
	}
	s := &LongTermStore{
		store:     store,
		completer: completer,
		cfg:       cfg,
		logger:    log,
		metrics:   nopMetrics{},
		now:       time.Now,
	}
	s.SetSnippet(cfg.Snippet)
	s.newID = func() string {
		return ulid.MustNew(ulid.Timestamp(s.now()), ulid.DefaultEntropy()).String()
	}
	return s, nil
}

// SetMetrics sets the metrics recorder.
func (s *LongTermStore) SetMetrics(m MetricsRecorder) {
	if m != nil {
		s.metrics = m
	}
}

// SetSnippet replaces the snippet bounds used by later prompts.
func (s *LongTermStore) SetSnippet(cfg config.SnippetConfig) {
	s.snippet.Store(&cfg)
}

// SnippetOptions returns the configured snippet bounds.
func (s *LongTermStore) SnippetOptions() SnippetOptions {
	opts := DefaultSnippetOptions()
	cfg := s.snippet.Load()
	if imp, ok := ParseImportance(cfg.MinImportance); ok {
		opts.MinImportance = imp
	}
	if cfg.MaxFacts > 0 {
		opts.MaxFacts = cfg.MaxFacts
	}
	if cfg.MaxTasks > 0 {
		opts.MaxTasks = cfg.MaxTasks
	}
	return opts
}

// Load returns the user's memory, creating and persisting an empty aggregate
// on first access. Storage failures are fault.KindMemoryStoreUnavailable.
func (s *LongTermStore) Load(ctx context.Context, userID string) (*LongTermMemory, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	ctx, span := memoryTracer().Start(ctx, spanLongTermLoad)
	defer span.End()

	data, err := s.store.Get(ctx, NamespaceLongTerm, userID)
	if storage.IsNotFound(err) {
		m := NewLongTermMemory(userID, s.now())
		if err := s.put(ctx, "ltm.create", userID, m); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		span.SetAttributes(attribute.Bool("memory.created", true))
		return m, nil
	}
	if err != nil {
		s.metrics.RecordMemoryStoreError("ltm.load")
		recordSpanError(span, err)
		return nil, fault.MemoryStoreUnavailable("ltm.load", err)
	}

	m, err := Migrate(data, userID, s.now(), s.newID)
	if err != nil {
		s.logger.WarnContext(ctx, "undecodable long-term memory, starting empty",
			"user_id", userID,
			"error", err,
		)
		m = NewLongTermMemory(userID, s.now())
	}
	span.SetAttributes(attribute.Int("memory.facts", len(m.Facts)))
	return m, nil
}

// Save persists mem for userID, replacing any previous version.
func (s *LongTermStore) Save(ctx context.Context, userID string, mem *LongTermMemory) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if mem == nil {
		return errors.New("memory: nil long-term memory")
	}
	mem.SchemaVersion = SchemaVersion
	mem.UserID = userID
	return s.put(ctx, "ltm.save", userID, mem)
}

func (s *LongTermStore) put(ctx context.Context, op, userID string, mem *LongTermMemory) error {
	if err := storage.PutJSON(ctx, s.store, NamespaceLongTerm, userID, mem); err != nil {
		s.metrics.RecordMemoryStoreError(op)
		return fault.MemoryStoreUnavailable(op, err)
	}
	return nil
}

// ExtractAndMerge asks the model what the latest exchange adds to current and
// merges it. On a model error the error is returned; on unusable model output
// current is returned unchanged with a fault.KindMalformedExtraction error.
// The caller persists the result.
func (s *LongTermStore) ExtractAndMerge(ctx context.Context, userID, userTurn, assistantTurn string, current *LongTermMemory) (*LongTermMemory, error) {
	if err := ValidateUserID(userID); err != nil {
		return current, err
	}
	if current == nil {
		current = NewLongTermMemory(userID, s.now())
	}
	if s.completer == nil {
		return current, errors.New("memory: no completer configured for extraction")
	}

	ctx, span := memoryTracer().Start(ctx, spanExtract)
	defer span.End()

	callCtx := ctx
	if s.cfg.Extraction.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Extraction.Timeout)
		defer cancel()
	}

	temp := s.cfg.Extraction.Temperature
	out, err := s.completer.Complete(callCtx, extractionMessages(current, userTurn, assistantTurn), llm.Options{
		MaxTokens:   s.cfg.Extraction.MaxTokens,
		Temperature: &temp,
	})
	if err != nil {
		s.metrics.RecordMemoryExtraction(ExtractionError)
		recordSpanError(span, err)
		return current, fmt.Errorf("ltm.extract: %w", err)
	}

	delta, err := ParseDelta(out)
	if err != nil {
		s.metrics.RecordMemoryExtraction(ExtractionMalformed)
		s.logger.WarnContext(ctx, "discarding malformed memory extraction",
			"user_id", userID,
			"error", err,
		)
		span.SetAttributes(attribute.String("memory.extraction", ExtractionMalformed))
		return current, fault.MalformedExtraction("ltm.extract", err)
	}

	merged, evicted := Merge(current, delta, s.now(), s.newID, MergeOptions{
		FactCap:  s.cfg.FactCap,
		ThemeCap: s.cfg.ThemeCap,
	})
	if evicted > 0 {
		s.metrics.RecordMemoryEviction(evicted)
		s.logger.DebugContext(ctx, "evicted long-term facts", "user_id", userID, "evicted", evicted)
	}

	outcome := ExtractionMerged
	if delta.Empty() {
		outcome = ExtractionEmpty
	}
	s.metrics.RecordMemoryExtraction(outcome)
	span.SetAttributes(
		attribute.String("memory.extraction", outcome),
		attribute.Int("memory.facts_added", len(delta.Facts)),
		attribute.Int("memory.evicted", evicted),
	)
	return merged, nil
}

// Update loads the user's memory, extracts from the exchange and saves the
// result. Malformed extractions leave the stored memory untouched.
func (s *LongTermStore) Update(ctx context.Context, userID, userTurn, assistantTurn string) error {
	current, err := s.Load(ctx, userID)
	if err != nil {
		return err
	}
	merged, err := s.ExtractAndMerge(ctx, userID, userTurn, assistantTurn, current)
	if err != nil {
		return err
	}
	return s.Save(ctx, userID, merged)
}

// Touch marks facts as used now. Unknown IDs are ignored and nothing is
// written when no fact matches.
func (s *LongTermStore) Touch(ctx context.Context, userID string, factIDs []string) error {
	if len(factIDs) == 0 {
		return nil
	}
	m, err := s.Load(ctx, userID)
	if err != nil {
		return err
	}

	want := make(map[string]struct{}, len(factIDs))
	for _, id := range factIDs {
		want[id] = struct{}{}
	}
	now := s.now()
	touched := 0
	for i := range m.Facts {
		if _, ok := want[m.Facts[i].ID]; ok {
			t := now
			m.Facts[i].LastUsedAt = &t
			touched++
		}
	}
	if touched == 0 {
		return nil
	}
	return s.Save(ctx, userID, m)
}
