// Package config loads the orchestration core's process configuration from
// the environment. Unlike the teacher's project-fleet TOML configuration,
// this process has a single deployment topology (one server, one data
// directory, one upstream model provider) with no per-project fan-out, so a
// flat env-var surface replaces the teacher's nested TOML document; see
// DESIGN.md for why no third-party config-file library is wired here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the orchestration core's full runtime configuration.
type Config struct {
	// LLM backend selection and credentials.
	LLMBackend    string // "anthropic", "openai", "bedrock", or "mock"
	LLMAPIKey     string
	LLMModel      string
	LLMHighModel  string
	LLMSmallModel string
	LLMMock       bool
	LLMRetries    int
	LLMBackoffBase time.Duration
	LLMMaxTokens  int
	LLMTempPct    float64

	// Rate limiting.
	LLMInitialTPM float64
	LLMMaxTPM     float64

	// Embeddings.
	EmbeddingModel        string
	EmbeddingCacheSize     int
	EmbeddingCacheRedisURL string

	// Context assembly.
	SemanticDefaultK       int
	SemanticMinSimilarity  float64

	// Decomposition / scheduling.
	MaxDecomposeDepth  int
	DefaultParallelism int
	TaskTimeout        time.Duration

	// Storage.
	DataDir string

	// HTTP server.
	HTTPAddr string

	// Optional collaborators.
	MemoryMongoURI string
	TemporalTarget string
}

// Load reads Config from the process environment, applying the defaults
// written inline below for every unset variable.
func Load() (*Config, error) {
	cfg := &Config{
		LLMBackend:     getenv("LLM_BACKEND", "mock"),
		LLMAPIKey:      os.Getenv("LLM_API_KEY"),
		LLMModel:       getenv("LLM_MODEL", "claude-sonnet-4-5"),
		LLMHighModel:   os.Getenv("LLM_HIGH_MODEL"),
		LLMSmallModel:  os.Getenv("LLM_SMALL_MODEL"),
		LLMMock:        getenvBool("LLM_MOCK", false),
		LLMRetries:     getenvInt("LLM_RETRIES", 3),
		LLMBackoffBase: getenvDuration("LLM_BACKOFF_BASE", 500*time.Millisecond),
		LLMMaxTokens:   getenvInt("LLM_MAX_TOKENS", 4096),
		LLMTempPct:     getenvFloat("LLM_TEMPERATURE", 0.2),

		LLMInitialTPM: getenvFloat("LLM_INITIAL_TPM", 60000),
		LLMMaxTPM:     getenvFloat("LLM_MAX_TPM", 120000),

		EmbeddingModel:         getenv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingCacheSize:     getenvInt("EMBEDDING_CACHE_SIZE", 10000),
		EmbeddingCacheRedisURL: os.Getenv("EMBEDDING_CACHE_REDIS_URL"),

		SemanticDefaultK:      getenvInt("SEMANTIC_DEFAULT_K", 5),
		SemanticMinSimilarity: getenvFloat("SEMANTIC_MIN_SIMILARITY", 0.2),

		MaxDecomposeDepth:  getenvInt("MAX_DECOMPOSE_DEPTH", 3),
		DefaultParallelism: getenvInt("DEFAULT_PARALLELISM", 4),
		TaskTimeout:        getenvDuration("TASK_TIMEOUT_SEC", 600*time.Second),

		DataDir:  getenv("DATA_DIR", "./data"),
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		MemoryMongoURI: os.Getenv("MEMORY_MONGO_URI"),
		TemporalTarget: os.Getenv("TEMPORAL_TARGET"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLMBackend {
	case "mock", "anthropic", "openai", "bedrock":
	default:
		return fmt.Errorf("LLM_BACKEND must be one of mock, anthropic, openai, bedrock, got %q", c.LLMBackend)
	}
	if c.LLMBackend != "mock" && !c.LLMMock && c.LLMAPIKey == "" && c.LLMBackend != "bedrock" {
		return fmt.Errorf("LLM_API_KEY is required when LLM_BACKEND=%s", c.LLMBackend)
	}
	if c.MaxDecomposeDepth < 1 {
		return fmt.Errorf("MAX_DECOMPOSE_DEPTH must be >= 1")
	}
	if c.DefaultParallelism < 1 {
		return fmt.Errorf("DEFAULT_PARALLELISM must be >= 1")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
