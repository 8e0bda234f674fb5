package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acedergren/ocigenai/internal/resilience"
	"github.com/acedergren/ocigenai/pkg/realtime"
)

// Environment variables read by [ApplyEnv].
const (
	EnvRegion        = "OCI_REGION"
	EnvCompartmentID = "OCI_COMPARTMENT_ID"
	EnvAPIKey        = "OCI_GENAI_API_KEY"
	EnvDSN           = "OCI_GENAI_DSN"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultChatModel       = "cohere.command-a-03-2025"
	DefaultEmbeddingsModel = "cohere.embed-multilingual-v3.0"
	DefaultRerankModel     = "cohere.rerank-v3.5"
	DefaultChunkSize       = 1000
	DefaultChunkOverlap    = 100
	DefaultCandidateFactor = 4
	DefaultAttemptTimeout  = 60 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerCoolDown = 30 * time.Second
)

var validTruncate = []string{"NONE", "START", "END"}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the OCI_* environment variables found by
// lookup. Pass os.LookupEnv outside tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.OCI.Region, EnvRegion)
	set(&cfg.OCI.CompartmentID, EnvCompartmentID)
	set(&cfg.OCI.APIKey, EnvAPIKey)
	set(&cfg.RAG.DSN, EnvDSN)
}

// ApplyDefaults fills zero-valued fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.OCI.Auth == "" {
		cfg.OCI.Auth = AuthAPIKey
	}
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = DefaultChatModel
	}
	if cfg.Chat.Fallback.Model == "" {
		cfg.Chat.Fallback.Model = cfg.Chat.Model
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = DefaultEmbeddingsModel
	}
	if cfg.Embeddings.Truncate == "" {
		cfg.Embeddings.Truncate = "END"
	}
	if cfg.Rerank.Model == "" {
		cfg.Rerank.Model = DefaultRerankModel
	}
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = DefaultChunkSize
	}
	if cfg.RAG.ChunkOverlap == 0 {
		cfg.RAG.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.RAG.CandidateFactor == 0 {
		cfg.RAG.CandidateFactor = DefaultCandidateFactor
	}

	res := &cfg.Resilience
	if res.AttemptTimeout == 0 {
		res.AttemptTimeout = DefaultAttemptTimeout
	}
	if res.MaxRetries == 0 {
		res.MaxRetries = resilience.DefaultMaxRetries
	}
	if res.BaseDelay == 0 {
		res.BaseDelay = resilience.DefaultBaseDelay
	}
	if res.MaxDelay == 0 {
		res.MaxDelay = resilience.DefaultMaxDelay
	}
	if res.Breaker.MaxFailures == 0 {
		res.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if res.Breaker.CoolDown == 0 {
		res.Breaker.CoolDown = DefaultBreakerCoolDown
	}
	if res.Breaker.Probes == 0 {
		res.Breaker.Probes = 1
	}
}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !cfg.OCI.Auth.IsValid() {
		errs = append(errs, fmt.Errorf("oci.auth %q is invalid; valid values: api_key, none", cfg.OCI.Auth))
	}
	if cfg.OCI.Auth == AuthAPIKey && cfg.OCI.APIKey == "" {
		slog.Warn("oci.api_key is empty; requests will be rejected unless a signing proxy is used",
			"env", EnvAPIKey,
		)
	}

	if cfg.Embeddings.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimensions must be non-negative, got %d", cfg.Embeddings.Dimensions))
	}
	if !slices.Contains(validTruncate, cfg.Embeddings.Truncate) {
		errs = append(errs, fmt.Errorf("embeddings.truncate %q is invalid; valid values: NONE, START, END", cfg.Embeddings.Truncate))
	}

	for i, c := range cfg.Realtime.Customizations {
		if c.ID == "" {
			errs = append(errs, fmt.Errorf("realtime.customizations[%d].id is required", i))
		}
		if c.Weight < 0 {
			errs = append(errs, fmt.Errorf("realtime.customizations[%d].weight must be non-negative, got %g", i, c.Weight))
		}
	}
	if cfg.Realtime.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("realtime.max_reconnect_attempts must be non-negative, got %d", cfg.Realtime.MaxReconnectAttempts))
	}

	rag := cfg.RAG
	if rag.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("rag.chunk_size must be positive, got %d", rag.ChunkSize))
	}
	if rag.ChunkOverlap < 0 || (rag.ChunkSize > 0 && rag.ChunkOverlap >= rag.ChunkSize) {
		errs = append(errs, fmt.Errorf("rag.chunk_overlap must be in [0, chunk_size), got %d", rag.ChunkOverlap))
	}
	if rag.CandidateFactor < 1 {
		errs = append(errs, fmt.Errorf("rag.candidate_factor must be at least 1, got %d", rag.CandidateFactor))
	}

	res := cfg.Resilience
	if res.AttemptTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.attempt_timeout must be non-negative, got %v", res.AttemptTimeout))
	}
	if res.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_retries must be non-negative, got %d", res.MaxRetries))
	}
	if res.MaxDelay < res.BaseDelay {
		errs = append(errs, fmt.Errorf("resilience.max_delay %v is below base_delay %v", res.MaxDelay, res.BaseDelay))
	}
	if res.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("resilience.breaker.max_failures must be at least 1, got %d", res.Breaker.MaxFailures))
	}

	return errors.Join(errs...)
}

// RequireCompartment reports an error when no compartment is configured.
// Every OCI operation needs one; commands call this before building
// providers so the message names the config key and environment variable.
func (c *Config) RequireCompartment() error {
	if c.OCI.CompartmentID == "" {
		return fmt.Errorf("config: oci.compartment_id is required (or set %s)", EnvCompartmentID)
	}
	return nil
}

// RetryPolicy converts the resilience section into a retry policy.
func (c *Config) RetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:  c.Resilience.MaxRetries,
		BaseDelay:   c.Resilience.BaseDelay,
		MaxDelay:    c.Resilience.MaxDelay,
		IsRetryable: resilience.IsRetryable,
	}
}

// BreakerConfig converts the breaker section into a breaker configuration
// labelled name.
func (c *Config) BreakerConfig(name string) resilience.BreakerConfig {
	b := c.Resilience.Breaker
	return resilience.BreakerConfig{
		Name:        name,
		MaxFailures: b.MaxFailures,
		CoolDown:    b.CoolDown,
		Probes:      b.Probes,
	}
}

// Executor builds a request executor from the resilience section, guarded
// by a new circuit breaker labelled name. opts are applied last and may
// replace the breaker.
func (c *Config) Executor(name string, opts ...resilience.ExecutorOption) *resilience.Executor {
	base := []resilience.ExecutorOption{
		resilience.WithAttemptTimeout(c.Resilience.AttemptTimeout),
		resilience.WithBreaker(resilience.NewCircuitBreaker(c.BreakerConfig(name))),
	}
	if c.Resilience.DisableRetry {
		base = append(base, resilience.WithoutRetry())
	} else {
		base = append(base, resilience.WithPolicy(c.RetryPolicy()))
	}
	return resilience.NewExecutor(append(base, opts...)...)
}

// RealtimeSettings converts the realtime and oci sections into session
// settings with package defaults applied.
func (c *Config) RealtimeSettings() realtime.Settings {
	rt := c.Realtime
	s := realtime.Settings{
		Region:                  c.OCI.Region,
		CompartmentID:           c.OCI.CompartmentID,
		Endpoint:                rt.Endpoint,
		Encoding:                rt.Encoding,
		Language:                rt.Language,
		ModelDomain:             rt.ModelDomain,
		ModelType:               rt.ModelType,
		PartialStability:        rt.PartialStability,
		Punctuation:             rt.Punctuation,
		PartialSilenceThreshold: rt.PartialSilenceThreshold,
		FinalSilenceThreshold:   rt.FinalSilenceThreshold,
		AckEnabled:              rt.AckEnabled,
		ConnectTimeout:          rt.ConnectTimeout,
		AuthTimeout:             rt.AuthTimeout,
		DisableReconnect:        rt.DisableReconnect,
		MaxReconnectAttempts:    rt.MaxReconnectAttempts,
		ReconnectBaseDelay:      rt.ReconnectBaseDelay,
		ReconnectMaxDelay:       rt.ReconnectMaxDelay,
		CloseGrace:              rt.CloseGrace,
		FinalResultGrace:        rt.FinalResultGrace,
	}
	for _, cz := range rt.Customizations {
		s.Customizations = append(s.Customizations, realtime.Customization{
			CustomizationID: cz.ID,
			Weight:          cz.Weight,
		})
	}
	return s.WithDefaults()
}
