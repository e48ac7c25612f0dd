package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the memory service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL  string
	EmbeddingDim int

	BufferTrigger     int
	BufferRetain      int
	BufferIdleTimeout time.Duration

	MinExtractConfidence float64
	MinExtractImportance float64

	RetrieveTopK        int
	MaxDistance         float64
	MinFactImportance   float64
	EpisodePreviewChars int
	BundleCharBudget    int
	RetrievalTimeout    time.Duration

	WorkerPoolSize   int
	RetryMaxAttempts int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	LLMProvider    string
	OllamaURL      string
	LLMModel       string
	EmbedModel     string
	LLMTimeout     time.Duration
	LLMTemperature float64
	LLMMaxTokens   int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "recall"),
		AllowAnyOrigin:       false,
		DatabaseURL:          envTrimmed("DATABASE_URL"),
		EmbeddingDim:         384,
		BufferTrigger:        20,
		BufferRetain:         10,
		BufferIdleTimeout:    30 * time.Minute,
		MinExtractConfidence: 0.4,
		MinExtractImportance: 0.2,
		RetrieveTopK:         3,
		MaxDistance:          0.4,
		MinFactImportance:    0.5,
		EpisodePreviewChars:  150,
		BundleCharBudget:     1600,
		RetrievalTimeout:     500 * time.Millisecond,
		WorkerPoolSize:       8,
		RetryMaxAttempts:     3,
		RetryBackoffBase:     200 * time.Millisecond,
		RetryBackoffCap:      5 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		LLMProvider:          envOrDefault("LLM_PROVIDER", "auto"),
		OllamaURL:            envOrDefault("OLLAMA_URL", "http://localhost:11434"),
		LLMModel:             envOrDefault("LLM_MODEL", "llama3.2"),
		EmbedModel:           envOrDefault("EMBED_MODEL", "nomic-embed-text"),
		LLMTimeout:           30 * time.Second,
		LLMTemperature:       0.7,
		LLMMaxTokens:         100,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.EmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.BufferTrigger, err = intFromEnv("MEMORY_BUFFER_TRIGGER", cfg.BufferTrigger); err != nil {
		return Config{}, err
	}
	if cfg.BufferRetain, err = intFromEnv("MEMORY_BUFFER_RETAIN", cfg.BufferRetain); err != nil {
		return Config{}, err
	}
	if cfg.BufferIdleTimeout, err = durationFromEnv("MEMORY_BUFFER_IDLE_TIMEOUT", cfg.BufferIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MinExtractConfidence, err = floatFromEnv("MEMORY_MIN_EXTRACT_CONFIDENCE", cfg.MinExtractConfidence); err != nil {
		return Config{}, err
	}
	if cfg.MinExtractImportance, err = floatFromEnv("MEMORY_MIN_EXTRACT_IMPORTANCE", cfg.MinExtractImportance); err != nil {
		return Config{}, err
	}
	if cfg.RetrieveTopK, err = intFromEnv("MEMORY_RETRIEVE_TOP_K", cfg.RetrieveTopK); err != nil {
		return Config{}, err
	}
	if cfg.MaxDistance, err = floatFromEnv("MEMORY_MAX_DISTANCE", cfg.MaxDistance); err != nil {
		return Config{}, err
	}
	if cfg.MinFactImportance, err = floatFromEnv("MEMORY_MIN_FACT_IMPORTANCE", cfg.MinFactImportance); err != nil {
		return Config{}, err
	}
	if cfg.EpisodePreviewChars, err = intFromEnv("MEMORY_EPISODE_PREVIEW_CHARS", cfg.EpisodePreviewChars); err != nil {
		return Config{}, err
	}
	if cfg.BundleCharBudget, err = intFromEnv("MEMORY_BUNDLE_CHAR_BUDGET", cfg.BundleCharBudget); err != nil {
		return Config{}, err
	}
	if cfg.RetrievalTimeout, err = durationFromEnv("MEMORY_RETRIEVAL_TIMEOUT", cfg.RetrievalTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WorkerPoolSize, err = intFromEnv("APP_WORKER_POOL_SIZE", cfg.WorkerPoolSize); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxAttempts, err = intFromEnv("APP_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.RetryBackoffBase, err = durationFromEnv("APP_RETRY_BACKOFF_BASE", cfg.RetryBackoffBase); err != nil {
		return Config{}, err
	}
	if cfg.RetryBackoffCap, err = durationFromEnv("APP_RETRY_BACKOFF_CAP", cfg.RetryBackoffCap); err != nil {
		return Config{}, err
	}
	if cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LLMTemperature, err = floatFromEnv("LLM_TEMPERATURE", cfg.LLMTemperature); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxTokens, err = intFromEnv("LLM_MAX_TOKENS", cfg.LLMMaxTokens); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if c.BufferTrigger <= 0 {
		return fmt.Errorf("MEMORY_BUFFER_TRIGGER must be positive")
	}
	if c.BufferRetain < 0 || c.BufferRetain >= c.BufferTrigger {
		return fmt.Errorf("MEMORY_BUFFER_RETAIN must be in [0, trigger)")
	}
	if c.BufferIdleTimeout < 5*time.Second {
		return fmt.Errorf("MEMORY_BUFFER_IDLE_TIMEOUT must be at least 5s")
	}
	if c.MinExtractConfidence < 0 || c.MinExtractConfidence > 1 {
		return fmt.Errorf("MEMORY_MIN_EXTRACT_CONFIDENCE must be in [0,1]")
	}
	if c.MinExtractImportance < 0 || c.MinExtractImportance > 1 {
		return fmt.Errorf("MEMORY_MIN_EXTRACT_IMPORTANCE must be in [0,1]")
	}
	if c.RetrieveTopK <= 0 {
		return fmt.Errorf("MEMORY_RETRIEVE_TOP_K must be positive")
	}
	if c.MaxDistance <= 0 || c.MaxDistance > 2 {
		return fmt.Errorf("MEMORY_MAX_DISTANCE must be in (0,2]")
	}
	if c.MinFactImportance < 0 || c.MinFactImportance > 1 {
		return fmt.Errorf("MEMORY_MIN_FACT_IMPORTANCE must be in [0,1]")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("APP_WORKER_POOL_SIZE must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("APP_RETRY_MAX_ATTEMPTS must be positive")
	}
	switch c.LLMProvider {
	case "auto", "ollama", "mock":
	default:
		return fmt.Errorf("LLM_PROVIDER must be auto, ollama, or mock")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
