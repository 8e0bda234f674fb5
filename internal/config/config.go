// Package config provides the configuration schema and loader for the
// ocigenai command-line tool.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// AuthMode selects how requests to OCI are authenticated.
type AuthMode string

const (
	// AuthAPIKey sends the Generative AI API key as a bearer token.
	AuthAPIKey AuthMode = "api_key"

	// AuthNone sends no credentials. Useful behind a signing proxy.
	AuthNone AuthMode = "none"
)

// IsValid reports whether a is a recognised auth mode.
func (a AuthMode) IsValid() bool {
	return a == AuthAPIKey || a == AuthNone
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	OCI        OCIConfig        `yaml:"oci"`
	Chat       ChatConfig       `yaml:"chat"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Rerank     RerankConfig     `yaml:"rerank"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	RAG        RAGConfig        `yaml:"rag"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr, when set, serves Prometheus metrics on this address
	// (e.g., ":9464").
	MetricsAddr string `yaml:"metrics_addr"`
}

// OCIConfig identifies the tenancy resources every request targets.
type OCIConfig struct {
	// Region is the OCI region identifier (e.g., "us-chicago-1").
	Region string `yaml:"region"`

	// CompartmentID is the OCID of the compartment billed for requests.
	CompartmentID string `yaml:"compartment_id"`

	// Auth selects the authentication mode. Default: api_key.
	Auth AuthMode `yaml:"auth"`

	// APIKey is the Generative AI API key. Prefer the OCI_GENAI_API_KEY
	// environment variable over committing it to a file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the regional inference endpoint.
	BaseURL string `yaml:"base_url"`
}

// ChatConfig configures the chat provider chain.
type ChatConfig struct {
	// Model is the OCI model ID (e.g., "cohere.command-a-03-2025").
	Model string `yaml:"model"`

	// EndpointID selects a dedicated AI cluster endpoint. When set, the
	// native provider uses DEDICATED serving.
	EndpointID string `yaml:"endpoint_id"`

	// Fallback configures the OpenAI-compatible provider tried when the
	// native API fails.
	Fallback ChatFallbackConfig `yaml:"fallback"`
}

// ChatFallbackConfig configures the OpenAI-compatible fallback.
type ChatFallbackConfig struct {
	Enabled bool `yaml:"enabled"`

	// Model defaults to the chat model.
	Model string `yaml:"model"`

	// BaseURL overrides the OpenAI-compatible endpoint derived from the
	// region.
	BaseURL string `yaml:"base_url"`
}

// EmbeddingsConfig configures the embeddings provider.
type EmbeddingsConfig struct {
	Model string `yaml:"model"`

	// Dimensions declares the vector size of models the provider does not
	// know.
	Dimensions int `yaml:"dimensions"`

	EndpointID string `yaml:"endpoint_id"`

	// Truncate is NONE, START, or END. Default: END.
	Truncate string `yaml:"truncate"`
}

// RerankConfig configures the rerank provider.
type RerankConfig struct {
	Model      string `yaml:"model"`
	EndpointID string `yaml:"endpoint_id"`
}

// RealtimeConfig configures realtime transcription sessions. Zero values
// fall back to the realtime package defaults.
type RealtimeConfig struct {
	// Endpoint overrides the regional WebSocket URL.
	Endpoint string `yaml:"endpoint"`

	Encoding         string `yaml:"encoding"`
	Language         string `yaml:"language"`
	ModelDomain      string `yaml:"model_domain"`
	ModelType        string `yaml:"model_type"`
	PartialStability string `yaml:"partial_stability"`
	Punctuation      string `yaml:"punctuation"`

	PartialSilenceThreshold time.Duration `yaml:"partial_silence_threshold"`
	FinalSilenceThreshold   time.Duration `yaml:"final_silence_threshold"`

	AckEnabled     bool                  `yaml:"ack_enabled"`
	Customizations []CustomizationConfig `yaml:"customizations"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`

	DisableReconnect     bool          `yaml:"disable_reconnect"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`

	CloseGrace       time.Duration `yaml:"close_grace"`
	FinalResultGrace time.Duration `yaml:"final_result_grace"`
}

// CustomizationConfig references a custom vocabulary.
type CustomizationConfig struct {
	ID     string  `yaml:"id"`
	Weight float64 `yaml:"weight"`
}

// RAGConfig configures the retrieval index.
type RAGConfig struct {
	// DSN is the PostgreSQL connection string. The database must have the
	// pgvector extension available.
	DSN string `yaml:"dsn"`

	// ChunkSize is the maximum chunk length in characters when splitting
	// documents.
	ChunkSize int `yaml:"chunk_size"`

	// ChunkOverlap is how many characters consecutive chunks share.
	ChunkOverlap int `yaml:"chunk_overlap"`

	// CandidateFactor multiplies topK to size the vector-search candidate
	// set handed to the reranker.
	CandidateFactor int `yaml:"candidate_factor"`

	// Rerank enables reranking of query results.
	Rerank bool `yaml:"rerank"`
}

// ResilienceConfig tunes timeouts, retries, and circuit breaking for
// request/response calls.
type ResilienceConfig struct {
	// AttemptTimeout bounds every individual attempt. Zero disables it.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	DisableRetry bool          `yaml:"disable_retry"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker guarding each provider.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	CoolDown    time.Duration `yaml:"cool_down"`
	Probes      int           `yaml:"probes"`
}
