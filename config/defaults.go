package config

import "time"

// DefaultSystemInstructions is the built-in system prompt used when none is configured.
const DefaultSystemInstructions = `You are a knowledgeable assistant for a private knowledge base.
Answer using the knowledge passages provided in this conversation and what you know about the user.
Cite passages by their number when you rely on them.
If the passages do not contain the answer, say that you do not have that information instead of guessing.`

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "contextd",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    90 * time.Second,
				IdleTimeout:     120 * time.Second,
				RequestTimeout:  60 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-User-ID"},
				MaxAge:         300,
			},
			RateLimit: RateLimitConfig{
				Enabled: false,
				RPS:     10,
				Burst:   20,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1 << 28, // 256MB
				NumVersionsToKeep: 1,
			},
			Redis: RedisConfig{
				Address:   "localhost:6379",
				DB:        0,
				KeyPrefix: "contextd",
			},
			SQLite: SQLiteConfig{
				Path: "./data/contextd.db",
			},
		},
		Knowledge: KnowledgeConfig{
			Backend:      "memory",
			Dimension:    768,
			SnapshotPath: "",
			Chromem: ChromemConfig{
				Collection: "knowledge",
			},
			PGVector: PGVectorConfig{
				DSN:      "postgres://localhost:5432/contextd",
				Table:    "knowledge_chunks",
				MaxConns: 8,
			},
			Hybrid: HybridConfig{
				Enabled:      false,
				VectorWeight: 0.7,
				BM25Weight:   0.3,
				K1:           1.5,
				B:            0.75,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			BaseURL:    "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			Timeout:    10 * time.Second,
			Cache: EmbeddingCacheConfig{
				Enabled: true,
				MaxCost: 64 << 20, // 64MB of float32 vectors
			},
			ONNX: ONNXConfig{
				MaxSeqLength: 256,
			},
		},
		Rerank: RerankConfig{
			Strategy: "heuristic",
			Timeout:  2 * time.Second,
			CrossEncoder: CrossEncoderConfig{
				Backend:   "http",
				Endpoint:  "http://localhost:8081",
				Model:     "fast",
				BatchSize: 32,
				ONNX: ONNXConfig{
					MaxSeqLength: 512,
				},
			},
			Heuristic: HeuristicConfig{
				ExactMatch:       10.0,
				TokenOverlap:     3.0,
				Glossary:         1.5,
				GlossaryCap:      3,
				Position:         1.0,
				GenericPenalty:   2.0,
				LengthPenalty:    1.0,
				LongPassageChars: 1200,
				GenericMarkers: []string{
					"table of contents",
					"all rights reserved",
					"click here",
					"see also",
				},
			},
		},
		Retrieval: RetrievalConfig{
			KCandidates: 50,
			NFinal:      8,
			Timeout:     15 * time.Second,
		},
		Memory: MemoryConfig{
			LongTerm: LongTermConfig{
				FactCap:  20,
				ThemeCap: 10,
				Snippet: SnippetConfig{
					MinImportance: "medium",
					MaxFacts:      8,
					MaxTasks:      3,
				},
				Extraction: ExtractionConfig{
					Timeout:     30 * time.Second,
					MaxTokens:   800,
					Temperature: 0,
				},
			},
			Active: ActiveConfig{
				Scope:       "working",
				RecentTurns: 6,
				MaxWords:    150,
				Timeout:     30 * time.Second,
			},
		},
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			MaxTokens:   1024,
			Temperature: 0.3,
			Timeout:     60 * time.Second,
			MaxRetries:  2,
		},
		Prompt: PromptConfig{
			SystemInstructions: DefaultSystemInstructions,
			MaxExamples:        3,
		},
		Updates: UpdatesConfig{
			Workers:    4,
			QueueSize:  256,
			JobTimeout: 45 * time.Second,
		},
		Auth: AuthConfig{
			Policy:          "allow_all",
			PrincipalHeader: "X-User-ID",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
