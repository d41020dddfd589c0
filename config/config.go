// Package config provides configuration management for contextd.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for contextd.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage is the memory persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Knowledge is the knowledge base (vector index) configuration.
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`

	// Embedding is the embedding service configuration.
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Rerank is the relevance reranker configuration.
	Rerank RerankConfig `mapstructure:"rerank"`

	// Retrieval is the two-stage retrieval configuration.
	Retrieval RetrievalConfig `mapstructure:"retrieval"`

	// Memory is the active and long-term memory configuration.
	Memory MemoryConfig `mapstructure:"memory"`

	// LLM is the generative model configuration.
	LLM LLMConfig `mapstructure:"llm"`

	// Prompt is the context assembly configuration.
	Prompt PromptConfig `mapstructure:"prompt"`

	// Updates is the asynchronous memory update configuration.
	Updates UpdatesConfig `mapstructure:"updates"`

	// Auth is the access policy configuration.
	Auth AuthConfig `mapstructure:"auth"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`

	// RateLimit is the per-client request rate limit.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// RequestTimeout bounds a single API request, including model calls.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// ExposedHeaders is the list of headers exposed to the client.
	ExposedHeaders []string `mapstructure:"exposed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// RateLimitConfig holds token-bucket settings applied per client address.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps" validate:"min=0"`
	Burst   int     `mapstructure:"burst" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`

	// ExtraOutputs are additional destinations that receive every record.
	ExtraOutputs []string `mapstructure:"extra_outputs"`
}

// StorageConfig holds memory persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, redis, sqlite).
	Type string `mapstructure:"type" validate:"oneof=memory badger redis sqlite"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`

	// SQLite is the SQLite configuration.
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// KeyPrefix namespaces every key written by contextd.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `mapstructure:"path"`
}

// KnowledgeConfig holds vector index settings.
type KnowledgeConfig struct {
	// Backend is the index implementation (memory, chromem, pgvector).
	Backend string `mapstructure:"backend" validate:"oneof=memory chromem pgvector"`

	// Dimension is the embedding dimensionality of the current index generation.
	Dimension int `mapstructure:"dimension" validate:"min=1"`

	// SnapshotPath is where the in-process index is saved and loaded from.
	SnapshotPath string `mapstructure:"snapshot_path"`

	// SeedPath is an optional JSONL file of chunks loaded on startup.
	SeedPath string `mapstructure:"seed_path"`

	// Chromem is the chromem-go configuration.
	Chromem ChromemConfig `mapstructure:"chromem"`

	// PGVector is the Postgres + pgvector configuration.
	PGVector PGVectorConfig `mapstructure:"pgvector"`

	// Hybrid enables lexical BM25 recall fused with vector recall.
	Hybrid HybridConfig `mapstructure:"hybrid"`
}

// ChromemConfig holds chromem-go settings.
type ChromemConfig struct {
	// PersistPath enables on-disk persistence when set.
	PersistPath string `mapstructure:"persist_path"`

	// Collection is the collection holding knowledge chunks.
	Collection string `mapstructure:"collection"`

	// Compress enables gzip compression of persisted documents.
	Compress bool `mapstructure:"compress"`
}

// PGVectorConfig holds Postgres + pgvector settings.
type PGVectorConfig struct {
	// DSN is the Postgres connection string.
	DSN string `mapstructure:"dsn"`

	// Table is the chunk table name.
	Table string `mapstructure:"table"`

	// MaxConns caps the connection pool.
	MaxConns int32 `mapstructure:"max_conns" validate:"min=0"`
}

// HybridConfig holds reciprocal rank fusion settings.
type HybridConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	VectorWeight float64 `mapstructure:"vector_weight" validate:"min=0"`
	BM25Weight   float64 `mapstructure:"bm25_weight" validate:"min=0"`
	K1           float64 `mapstructure:"k1" validate:"min=0"`
	B            float64 `mapstructure:"b" validate:"min=0,max=1"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider is the embedding backend (openai, ollama, hash, onnx).
	Provider string `mapstructure:"provider" validate:"oneof=openai ollama hash onnx"`

	// BaseURL is the provider endpoint.
	BaseURL string `mapstructure:"base_url"`

	// Model is the embedding model name.
	Model string `mapstructure:"model"`

	// APIKey authenticates against OpenAI-compatible providers.
	APIKey string `mapstructure:"api_key"`

	// Dimensions is the vector length produced by the provider.
	Dimensions int `mapstructure:"dimensions" validate:"min=1"`

	// Timeout bounds a single embedding call.
	Timeout time.Duration `mapstructure:"timeout"`

	// Cache is the in-process embedding cache.
	Cache EmbeddingCacheConfig `mapstructure:"cache"`

	// ONNX is the in-process embedder configuration (build tag onnx).
	ONNX ONNXConfig `mapstructure:"onnx"`
}

// EmbeddingCacheConfig holds ristretto cache settings.
type EmbeddingCacheConfig struct {
	Enabled bool  `mapstructure:"enabled"`
	MaxCost int64 `mapstructure:"max_cost" validate:"min=0"`
}

// ONNXConfig holds onnxruntime model locations.
type ONNXConfig struct {
	// LibraryPath is the onnxruntime shared library.
	LibraryPath string `mapstructure:"library_path"`

	// ModelPath is the .onnx model file.
	ModelPath string `mapstructure:"model_path"`

	// TokenizerPath is the tokenizer.json vocabulary file.
	TokenizerPath string `mapstructure:"tokenizer_path"`

	// MaxSeqLength truncates token sequences.
	MaxSeqLength int `mapstructure:"max_seq_length" validate:"min=0"`
}

// RerankConfig holds reranker settings.
type RerankConfig struct {
	// Strategy selects the primary reranker (crossencoder, heuristic).
	Strategy string `mapstructure:"strategy" validate:"oneof=crossencoder heuristic"`

	// Timeout bounds a single primary rerank call before falling back.
	Timeout time.Duration `mapstructure:"timeout"`

	// CrossEncoder is the cross-encoder configuration.
	CrossEncoder CrossEncoderConfig `mapstructure:"cross_encoder"`

	// Heuristic is the fallback scorer configuration.
	Heuristic HeuristicConfig `mapstructure:"heuristic"`
}

// CrossEncoderConfig holds cross-encoder settings.
type CrossEncoderConfig struct {
	// Backend is the cross-encoder transport (http, onnx).
	Backend string `mapstructure:"backend" validate:"oneof=http onnx"`

	// Endpoint is the base URL of the rerank service.
	Endpoint string `mapstructure:"endpoint"`

	// Model is a model alias (fast, balanced, best, latest) or full model name.
	Model string `mapstructure:"model"`

	// BatchSize caps pairs scored per forward pass.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`

	// ONNX is the in-process cross-encoder configuration.
	ONNX ONNXConfig `mapstructure:"onnx"`
}

// HeuristicConfig holds the fallback scorer weights.
type HeuristicConfig struct {
	ExactMatch       float64  `mapstructure:"exact_match" validate:"min=0"`
	TokenOverlap     float64  `mapstructure:"token_overlap" validate:"min=0"`
	Glossary         float64  `mapstructure:"glossary" validate:"min=0"`
	GlossaryCap      int      `mapstructure:"glossary_cap" validate:"min=0"`
	Position         float64  `mapstructure:"position" validate:"min=0"`
	GenericPenalty   float64  `mapstructure:"generic_penalty" validate:"min=0"`
	LengthPenalty    float64  `mapstructure:"length_penalty" validate:"min=0"`
	LongPassageChars int      `mapstructure:"long_passage_chars" validate:"min=1"`
	GenericMarkers   []string `mapstructure:"generic_markers"`
	GlossaryTerms    []string `mapstructure:"glossary_terms"`
	GlossaryPath     string   `mapstructure:"glossary_path"`
}

// RetrievalConfig holds two-stage retrieval settings.
type RetrievalConfig struct {
	// KCandidates is the recall-stage candidate count.
	KCandidates int `mapstructure:"k_candidates" validate:"min=1"`

	// NFinal is the number of passages kept after reranking.
	NFinal int `mapstructure:"n_final" validate:"min=1"`

	// Timeout bounds the whole retrieval call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// MemoryConfig holds long-term and active memory settings.
type MemoryConfig struct {
	LongTerm LongTermConfig `mapstructure:"long_term"`
	Active   ActiveConfig   `mapstructure:"active"`
}

// LongTermConfig holds long-term memory settings.
type LongTermConfig struct {
	// FactCap bounds the number of stored facts per user.
	FactCap int `mapstructure:"fact_cap" validate:"min=1"`

	// ThemeCap bounds the number of stored conversation themes.
	ThemeCap int `mapstructure:"theme_cap" validate:"min=1"`

	// Snippet controls what is injected into the prompt.
	Snippet SnippetConfig `mapstructure:"snippet"`

	// Extraction controls the model call that produces memory deltas.
	Extraction ExtractionConfig `mapstructure:"extraction"`
}

// SnippetConfig holds long-term memory snippet limits.
type SnippetConfig struct {
	MinImportance string `mapstructure:"min_importance" validate:"oneof=low medium high"`
	MaxFacts      int    `mapstructure:"max_facts" validate:"min=0"`
	MaxTasks      int    `mapstructure:"max_tasks" validate:"min=0"`
}

// ExtractionConfig holds extraction model call settings.
type ExtractionConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens" validate:"min=1"`
	Temperature float64       `mapstructure:"temperature" validate:"min=0,max=2"`
}

// ActiveConfig holds rolling summary settings.
type ActiveConfig struct {
	// Scope is the default conversation scope.
	Scope string `mapstructure:"scope"`

	// RecentTurns is how many of the newest turns are folded per update.
	RecentTurns int `mapstructure:"recent_turns" validate:"min=1"`

	// MaxWords bounds the summary length.
	MaxWords int `mapstructure:"max_words" validate:"min=1"`

	// Timeout bounds the summarization call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// LLMConfig holds generative model settings.
type LLMConfig struct {
	// Provider is the completion backend (anthropic).
	Provider    string        `mapstructure:"provider" validate:"oneof=anthropic"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens" validate:"min=1"`
	Temperature float64       `mapstructure:"temperature" validate:"min=0,max=2"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"min=0"`
}

// PromptConfig holds context assembly settings.
type PromptConfig struct {
	// SystemInstructions is the base system prompt.
	SystemInstructions string `mapstructure:"system_instructions"`

	// SystemPath loads the system prompt from a file when set.
	SystemPath string `mapstructure:"system_path"`

	// FewShotPath is a JSONL file of example exchanges.
	FewShotPath string `mapstructure:"few_shot_path"`

	// MaxExamples caps few-shot examples per turn.
	MaxExamples int `mapstructure:"max_examples" validate:"min=0"`
}

// UpdatesConfig holds asynchronous memory update settings.
type UpdatesConfig struct {
	Workers    int           `mapstructure:"workers" validate:"min=1"`
	QueueSize  int           `mapstructure:"queue_size" validate:"min=1"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// AuthConfig holds the memory access policy.
type AuthConfig struct {
	// Policy is the access policy (allow_all, self_or_admin).
	Policy string `mapstructure:"policy" validate:"oneof=allow_all self_or_admin"`

	// Admins may read any user's memory under self_or_admin.
	Admins []string `mapstructure:"admins"`

	// PrincipalHeader carries the authenticated caller identity.
	PrincipalHeader string `mapstructure:"principal_header"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlp).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds exporter calls.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler is the sampling strategy (always_on, always_off, traceidratio, parentbased_traceidratio).
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off traceidratio parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s, Index: %s, Rerank: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type, c.Knowledge.Backend, c.Rerank.Strategy)
}
