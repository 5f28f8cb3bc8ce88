// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Orchestrator settings.
	DemoMode             bool
	TranslateEnabled     bool
	MaxRetryAttempts     int
	ExpertTriggerMode    string // "off" or "score"
	ExpertScoreThreshold int

	// Budget / cost settings.
	BudgetLimitKRW     float64
	LLMCostPer1KTokens float64 // KRW per 1k tokens, input and output priced alike

	// Retrieval settings.
	ContextTokenBudget  int
	ExamplesPerQuery    int
	TemplatesPerQuery   int
	RAGTopK             int
	RAGHybridEnabled    bool
	RAGHybridCandidates int
	RAGBM25MaxDocs      int
	RAGEmbeddingDim     int

	// Oracle settings. Driver initialization itself happens in cmd.
	OracleDSN           string
	OracleUser          string
	OraclePassword      string
	OracleDefaultSchema string
	MaxDBJoins          int
	RowCap              int
	DBTimeout           time.Duration

	// Document store settings.
	MongoURI string
	MongoDB  string

	// Vector store settings.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// LLM provider settings (OpenAI-compatible endpoint).
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// Embedding provider settings; empty base URL selects the hashed fallback.
	EmbeddingBaseURL string
	EmbeddingModel   string

	// Filesystem layout.
	MetadataDir string // JSON/JSONL corpora
	StateDir    string // var/ root for logs, cache, rag, state

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Load reads configuration from environment variables with defaults that
// match a local development layout.
func Load() (Config, error) {
	cfg := Config{
		Port:         envInt("KARTE_PORT", 8080),
		ReadTimeout:  envDuration("KARTE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: envDuration("KARTE_WRITE_TIMEOUT", 120*time.Second),

		DemoMode:             envBool("KARTE_DEMO_MODE", true),
		TranslateEnabled:     envBool("KARTE_TRANSLATE_ENABLED", true),
		MaxRetryAttempts:     envInt("KARTE_MAX_RETRY_ATTEMPTS", 2),
		ExpertTriggerMode:    envStr("KARTE_EXPERT_TRIGGER_MODE", "score"),
		ExpertScoreThreshold: envInt("KARTE_EXPERT_SCORE_THRESHOLD", 60),

		BudgetLimitKRW:     envFloat("KARTE_BUDGET_LIMIT_KRW", 50000),
		LLMCostPer1KTokens: envFloat("KARTE_LLM_COST_PER_1K_TOKENS", 2.8),

		ContextTokenBudget:  envInt("KARTE_CONTEXT_TOKEN_BUDGET", 2400),
		ExamplesPerQuery:    envInt("KARTE_EXAMPLES_PER_QUERY", 3),
		TemplatesPerQuery:   envInt("KARTE_TEMPLATES_PER_QUERY", 2),
		RAGTopK:             envInt("KARTE_RAG_TOP_K", 5),
		RAGHybridEnabled:    envBool("KARTE_RAG_HYBRID_ENABLED", true),
		RAGHybridCandidates: envInt("KARTE_RAG_HYBRID_CANDIDATES", 24),
		RAGBM25MaxDocs:      envInt("KARTE_RAG_BM25_MAX_DOCS", 4000),
		RAGEmbeddingDim:     envInt("KARTE_RAG_EMBEDDING_DIM", 128),

		OracleDSN:           envStr("ORACLE_DSN", ""),
		OracleUser:          envStr("ORACLE_USER", ""),
		OraclePassword:      envStr("ORACLE_PASSWORD", ""),
		OracleDefaultSchema: envStr("ORACLE_DEFAULT_SCHEMA", ""),
		MaxDBJoins:          envInt("KARTE_MAX_DB_JOINS", 4),
		RowCap:              envInt("KARTE_ROW_CAP", 1000),
		DBTimeout:           envDuration("KARTE_DB_TIMEOUT", 30*time.Second),

		MongoURI: envStr("MONGO_URI", ""),
		MongoDB:  envStr("MONGO_DB", "karte"),

		QdrantURL:        envStr("QDRANT_URL", ""),
		QdrantAPIKey:     envStr("QDRANT_API_KEY", ""),
		QdrantCollection: envStr("QDRANT_COLLECTION", "karte_docs"),

		LLMBaseURL: envStr("KARTE_LLM_BASE_URL", ""),
		LLMAPIKey:  envStr("KARTE_LLM_API_KEY", ""),
		LLMModel:   envStr("KARTE_LLM_MODEL", "gpt-4o-mini"),

		EmbeddingBaseURL: envStr("KARTE_EMBEDDING_BASE_URL", ""),
		EmbeddingModel:   envStr("KARTE_EMBEDDING_MODEL", "text-embedding-3-small"),

		MetadataDir: envStr("KARTE_METADATA_DIR", "var/metadata"),
		StateDir:    envStr("KARTE_STATE_DIR", "var"),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "karte"),

		LogLevel: envStr("KARTE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior deep inside the pipeline.
func (c Config) Validate() error {
	if c.RowCap <= 0 {
		return fmt.Errorf("config: KARTE_ROW_CAP must be positive")
	}
	if c.MaxDBJoins < 0 {
		return fmt.Errorf("config: KARTE_MAX_DB_JOINS must be non-negative")
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("config: KARTE_MAX_RETRY_ATTEMPTS must be non-negative")
	}
	if c.ContextTokenBudget <= 0 {
		return fmt.Errorf("config: KARTE_CONTEXT_TOKEN_BUDGET must be positive")
	}
	if c.RAGEmbeddingDim <= 0 {
		return fmt.Errorf("config: KARTE_RAG_EMBEDDING_DIM must be positive")
	}
	if c.LLMCostPer1KTokens < 0 {
		return fmt.Errorf("config: KARTE_LLM_COST_PER_1K_TOKENS must be non-negative")
	}
	switch c.ExpertTriggerMode {
	case "off", "score":
	default:
		return fmt.Errorf("config: KARTE_EXPERT_TRIGGER_MODE must be \"off\" or \"score\", got %q", c.ExpertTriggerMode)
	}
	if c.MetadataDir == "" || c.StateDir == "" {
		return fmt.Errorf("config: metadata and state directories are required")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
