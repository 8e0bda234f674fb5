package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/acedergren/ocigenai/internal/config"
	"github.com/acedergren/ocigenai/internal/resilience"
	"github.com/acedergren/ocigenai/pkg/realtime"
)

func TestApplyEnv_OverridesFile(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		OCI: config.OCIConfig{Region: "us-ashburn-1", APIKey: "from-file"},
		RAG: config.RAGConfig{DSN: "postgres://file"},
	}
	env := map[string]string{
		config.EnvRegion:        "eu-frankfurt-1",
		config.EnvCompartmentID: "ocid1.compartment.oc1..env",
		config.EnvAPIKey:        "",
	}
	config.ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if cfg.OCI.Region != "eu-frankfurt-1" {
		t.Errorf("region: got %q, want env value", cfg.OCI.Region)
	}
	if cfg.OCI.CompartmentID != "ocid1.compartment.oc1..env" {
		t.Errorf("compartment: got %q, want env value", cfg.OCI.CompartmentID)
	}
	if cfg.OCI.APIKey != "from-file" {
		t.Errorf("api key: got %q, empty env value must not override", cfg.OCI.APIKey)
	}
	if cfg.RAG.DSN != "postgres://file" {
		t.Errorf("dsn: got %q, unset env must not override", cfg.RAG.DSN)
	}
}

func TestLoadFromReader_ReadsEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvCompartmentID, "ocid1.compartment.oc1..env")
	t.Setenv(config.EnvDSN, "postgres://env")

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OCI.CompartmentID != "ocid1.compartment.oc1..env" {
		t.Errorf("compartment: got %q", cfg.OCI.CompartmentID)
	}
	if cfg.RAG.DSN != "postgres://env" {
		t.Errorf("dsn: got %q", cfg.RAG.DSN)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	if cfg.OCI.Auth != config.AuthAPIKey {
		t.Errorf("oci.auth: got %q", cfg.OCI.Auth)
	}
	if cfg.Embeddings.Model != config.DefaultEmbeddingsModel {
		t.Errorf("embeddings.model: got %q", cfg.Embeddings.Model)
	}
	if cfg.Rerank.Model != config.DefaultRerankModel {
		t.Errorf("rerank.model: got %q", cfg.Rerank.Model)
	}
	if cfg.RAG.CandidateFactor != config.DefaultCandidateFactor {
		t.Errorf("rag.candidate_factor: got %d", cfg.RAG.CandidateFactor)
	}
	if cfg.Resilience.MaxRetries != resilience.DefaultMaxRetries {
		t.Errorf("resilience.max_retries: got %d", cfg.Resilience.MaxRetries)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestRequireCompartment(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	err := cfg.RequireCompartment()
	if err == nil || !strings.Contains(err.Error(), config.EnvCompartmentID) {
		t.Fatalf("err = %v, want mention of %s", err, config.EnvCompartmentID)
	}
	cfg.OCI.CompartmentID = "ocid1.compartment.oc1..x"
	if err := cfg.RequireCompartment(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRetryPolicyAndBreaker(t *testing.T) {
	clearEnv(t)
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	p := cfg.RetryPolicy()
	if p.MaxRetries != 2 || p.BaseDelay != 200*time.Millisecond || p.MaxDelay != 5*time.Second {
		t.Errorf("policy: got %+v", p)
	}
	if p.IsRetryable == nil {
		t.Error("policy.IsRetryable must be set")
	}

	b := cfg.BreakerConfig("inference")
	if b.Name != "inference" || b.MaxFailures != 3 || b.CoolDown != time.Minute || b.Probes != 1 {
		t.Errorf("breaker: got %+v", b)
	}
	if cfg.Executor("inference") == nil {
		t.Error("Executor returned nil")
	}
}

func TestRealtimeSettings(t *testing.T) {
	clearEnv(t)
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	s := cfg.RealtimeSettings()
	if s.Region != "us-chicago-1" || s.CompartmentID != "ocid1.compartment.oc1..example" {
		t.Errorf("oci fields not carried over: %+v", s)
	}
	if s.Language != "de-DE" || s.Encoding != realtime.EncodingPCM8k {
		t.Errorf("language/encoding: got %q %q", s.Language, s.Encoding)
	}
	if s.MaxReconnectAttempts != 5 || s.ReconnectBaseDelay != 2*time.Second {
		t.Errorf("reconnect: got %d %v", s.MaxReconnectAttempts, s.ReconnectBaseDelay)
	}
	if s.ReconnectMaxDelay != realtime.DefaultReconnectMaxDelay {
		t.Errorf("defaults not applied: max delay %v", s.ReconnectMaxDelay)
	}
	if len(s.Customizations) != 1 || s.Customizations[0].CustomizationID != "ocid1.aispeechcustomization.oc1..example" {
		t.Errorf("customizations: got %+v", s.Customizations)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("settings should validate: %v", err)
	}
}
