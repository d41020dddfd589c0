package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/assistant"
	"github.com/contextd/contextd/pkg/embedding"
	"github.com/contextd/contextd/pkg/knowledge"
	"github.com/contextd/contextd/pkg/knowledge/chromem"
	"github.com/contextd/contextd/pkg/knowledge/pgvector"
	"github.com/contextd/contextd/pkg/lane"
	"github.com/contextd/contextd/pkg/llm"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/memory"
	"github.com/contextd/contextd/pkg/metrics"
	"github.com/contextd/contextd/pkg/prompt"
	"github.com/contextd/contextd/pkg/rerank"
	"github.com/contextd/contextd/pkg/retrieval"
	"github.com/contextd/contextd/pkg/storage"
	"github.com/contextd/contextd/pkg/storage/badger"
	memstore "github.com/contextd/contextd/pkg/storage/memory"
	"github.com/contextd/contextd/pkg/storage/redis"
	"github.com/contextd/contextd/pkg/storage/sqlite"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	metrics  *metrics.Manager
	store    storage.Storage
	index    knowledge.Index
	embedder embedding.Embedder
	reranker *rerank.FallbackReranker
	engine   *retrieval.Engine
	longTerm *memory.LongTermStore
	active   *memory.ActiveStore
	prompts  *prompt.Assembler
	updater  *lane.KeyedPool
	svc      *assistant.Service

	closers []io.Closer
}

type appOptions struct {
	// completer skips the model when false; read-only commands need none.
	completer bool
	metrics   *metrics.Manager
}

// newApp wires storage, index, retrieval, memory and the assistant service
// from cfg. Close releases everything it opened.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, log: log, metrics: opts.metrics}
	if a.metrics == nil {
		a.metrics = metrics.NoOpManager()
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if a.store, err = newStorage(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store)
	log.Info("Initialized storage", "type", cfg.Storage.Type)

	if a.index, err = newIndex(ctx, cfg.Knowledge, log); err != nil {
		return nil, err
	}
	if c, ok := a.index.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	if a.embedder, err = embedding.New(cfg.Embedding); err != nil {
		return nil, err
	}
	if a.reranker, err = rerank.New(cfg.Rerank, log); err != nil {
		return nil, err
	}
	a.reranker.SetMetrics(a.metrics)

	a.engine, err = retrieval.NewEngine(a.embedder, a.index, a.reranker, retrieval.Config{
		KCandidates: cfg.Retrieval.KCandidates,
		NFinal:      cfg.Retrieval.NFinal,
		Timeout:     cfg.Retrieval.Timeout,
	}, log)
	if err != nil {
		return nil, err
	}
	a.engine.SetMetrics(a.metrics)

	var answer, extraction, summary llm.Completer
	if opts.completer {
		base, cerr := llm.New(cfg.LLM)
		if cerr != nil {
			log.Warn("Language model unavailable, chat and memory updates are disabled", "error", cerr)
		} else {
			answer = llm.Instrument(base, "answer", a.metrics)
			extraction = llm.Instrument(base, "extraction", a.metrics)
			summary = llm.Instrument(base, "summary", a.metrics)
		}
	}

	if a.longTerm, err = memory.NewLongTermStore(a.store, extraction, cfg.Memory.LongTerm, log); err != nil {
		return nil, err
	}
	a.longTerm.SetMetrics(a.metrics)
	if a.active, err = memory.NewActiveStore(a.store, summary, cfg.Memory.Active, log); err != nil {
		return nil, err
	}
	a.active.SetMetrics(a.metrics)

	if a.prompts, err = prompt.NewAssembler(cfg.Prompt); err != nil {
		return nil, err
	}
	policy, err := assistant.NewPolicy(cfg.Auth)
	if err != nil {
		return nil, err
	}

	a.updater, err = lane.NewKeyedPool(&lane.Config{
		Name:       "memory-updates",
		Workers:    cfg.Updates.Workers,
		QueueSize:  cfg.Updates.QueueSize,
		JobTimeout: cfg.Updates.JobTimeout,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	a.updater.SetMetrics(a.metrics)
	a.updater.Start()

	a.svc, err = assistant.NewService(assistant.Deps{
		Engine:    a.engine,
		LongTerm:  a.longTerm,
		Active:    a.active,
		Assembler: a.prompts,
		Completer: answer,
		Updater:   a.updater,
		Policy:    policy,
		Logger:    log,
	}, assistant.ConfigFrom(cfg))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close drains pending memory updates and releases storage and index
// resources.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.updater != nil {
		if err := a.updater.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("memory updates: %w", err))
		}
		a.updater = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newStorage opens the configured memory persistence backend.
func newStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Type {
	case "badger":
		return badger.NewBadgerStorage(&badger.Config{
			Path:              cfg.Badger.Path,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
		})
	case "redis":
		return redis.NewRedisStorage(ctx, &redis.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	case "sqlite":
		return sqlite.NewSQLiteStorage(cfg.SQLite.Path)
	case "memory", "":
		return memstore.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// newIndex opens the configured knowledge index. The in-memory backend is
// restored from its snapshot and then seeded; hybrid search wraps whichever
// vector backend is chosen.
func newIndex(ctx context.Context, cfg config.KnowledgeConfig, log logger.Logger) (knowledge.Index, error) {
	var (
		idx knowledge.Index
		err error
	)
	switch cfg.Backend {
	case "memory", "":
		mi := knowledge.NewMemoryIndex(cfg.Dimension)
		if cfg.SnapshotPath != "" {
			switch lerr := mi.Load(cfg.SnapshotPath); {
			case lerr == nil:
				log.Info("Loaded knowledge snapshot", "path", cfg.SnapshotPath, "chunks", len(mi.All()))
			case errors.Is(lerr, os.ErrNotExist):
			default:
				return nil, lerr
			}
		}
		idx = mi
	case "chromem":
		idx, err = chromem.New(chromem.Config{
			PersistPath: cfg.Chromem.PersistPath,
			Collection:  cfg.Chromem.Collection,
			Compress:    cfg.Chromem.Compress,
			Dimension:   cfg.Dimension,
		})
	case "pgvector":
		idx, err = pgvector.New(ctx, pgvector.Config{
			DSN:       cfg.PGVector.DSN,
			Table:     cfg.PGVector.Table,
			MaxConns:  cfg.PGVector.MaxConns,
			Dimension: cfg.Dimension,
		})
	default:
		return nil, fmt.Errorf("unknown knowledge backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Hybrid.Enabled {
		hybrid := knowledge.NewHybridIndex(idx, knowledge.NewBM25Index(cfg.Hybrid.K1, cfg.Hybrid.B),
			cfg.Hybrid.VectorWeight, cfg.Hybrid.BM25Weight)
		log.Info("Hybrid search enabled", "lexical_chunks", hybrid.Rebuild())
		idx = hybrid
	}
	return idx, nil
}

// seedIndex loads cfg.SeedPath into an empty index.
func seedIndex(ctx context.Context, a *app) error {
	path := a.cfg.Knowledge.SeedPath
	if path == "" {
		return nil
	}
	n, err := a.index.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	loaded, err := loadChunks(ctx, a, path)
	if err != nil {
		return err
	}
	a.log.Info("Seeded knowledge index", "path", path, "chunks", loaded)
	return saveSnapshot(a)
}

// saveSnapshot persists the in-memory index when a snapshot path is set.
// Other backends persist on write.
func saveSnapshot(a *app) error {
	idx := a.index
	if h, ok := idx.(*knowledge.HybridIndex); ok {
		idx = h.Unwrap()
	}
	mi, ok := idx.(*knowledge.MemoryIndex)
	if !ok || a.cfg.Knowledge.SnapshotPath == "" {
		return nil
	}
	return mi.Save(a.cfg.Knowledge.SnapshotPath)
}

func loadChunks(ctx context.Context, a *app, path string) (int, error) {
	chunks, err := knowledge.ReadJSONLFile(path)
	if err != nil {
		return 0, err
	}
	return knowledge.Ingest(ctx, a.index, a.embedder, chunks, 32)
}
