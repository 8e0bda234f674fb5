package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/acedergren/ocigenai/internal/config"
	"github.com/acedergren/ocigenai/internal/health"
	"github.com/acedergren/ocigenai/internal/observe"
	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/internal/resilience"
	"github.com/acedergren/ocigenai/pkg/provider/embeddings"
	embedoci "github.com/acedergren/ocigenai/pkg/provider/embeddings/oci"
	embedcompat "github.com/acedergren/ocigenai/pkg/provider/embeddings/openaicompat"
	"github.com/acedergren/ocigenai/pkg/provider/llm"
	chatoci "github.com/acedergren/ocigenai/pkg/provider/llm/oci"
	"github.com/acedergren/ocigenai/pkg/provider/llm/openaicompat"
	"github.com/acedergren/ocigenai/pkg/provider/rerank"
	rerankoci "github.com/acedergren/ocigenai/pkg/provider/rerank/oci"
	"github.com/acedergren/ocigenai/pkg/provider/stt/ocirealtime"
	"github.com/acedergren/ocigenai/pkg/rag"
	"github.com/acedergren/ocigenai/pkg/rag/postgres"
	"github.com/acedergren/ocigenai/pkg/realtime"
)

// env builds providers from the loaded configuration on demand, so each
// command only needs the settings it actually uses.
type env struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics
	http    *http.Client
	health  *health.Handler
	closers []func()
}

func newEnv(cfg *config.Config, log *slog.Logger) *env {
	m := observe.DefaultMetrics()
	return &env{
		cfg:     cfg,
		log:     log,
		metrics: m,
		http:    &http.Client{Transport: observe.NewTransport(nil, m)},
		health:  health.New(),
	}
}

// Close releases resources opened by the builders, newest first.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (e *env) signer() ocihttp.Signer {
	if e.cfg.OCI.Auth == config.AuthNone {
		return nil
	}
	return ocihttp.BearerSigner(e.cfg.OCI.APIKey)
}

// executor returns an executor whose circuit breaker is reported by the
// readiness probe.
func (e *env) executor(name string) *resilience.Executor {
	bc := e.cfg.BreakerConfig(name)
	bc.Logger = e.log
	cb := resilience.NewCircuitBreaker(bc)
	e.health.Add(health.Breaker(name, cb))
	return e.cfg.Executor(name,
		resilience.WithBreaker(cb),
		resilience.WithLogger(e.log),
		resilience.WithMetrics(e.metrics),
	)
}

// client returns an OCI client for baseURL with its own executor and
// circuit breaker labelled name.
func (e *env) client(name, baseURL string) (*ocihttp.Client, error) {
	if err := e.cfg.RequireCompartment(); err != nil {
		return nil, err
	}
	return ocihttp.New(baseURL,
		ocihttp.WithHTTPClient(e.http),
		ocihttp.WithSigner(e.signer()),
		ocihttp.WithExecutor(e.executor(name)),
		ocihttp.WithLogger(e.log),
	), nil
}

func (e *env) inferenceClient(name string) (*ocihttp.Client, error) {
	base := e.cfg.OCI.BaseURL
	if base == "" {
		base = ocihttp.InferenceEndpoint(e.cfg.OCI.Region)
	}
	return e.client(name, base)
}

// chat returns the native chat provider, wrapped in a fallback to the
// OpenAI-compatible surface when enabled.
func (e *env) chat() (llm.Provider, error) {
	cfg := e.cfg
	client, err := e.inferenceClient("chat")
	if err != nil {
		return nil, err
	}
	opts := []chatoci.Option{chatoci.WithLogger(e.log), chatoci.WithMetrics(e.metrics)}
	if cfg.Chat.EndpointID != "" {
		opts = append(opts, chatoci.WithDedicatedEndpoint(cfg.Chat.EndpointID))
	}
	native, err := chatoci.New(client, cfg.Chat.Model, cfg.OCI.CompartmentID, opts...)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	if !cfg.Chat.Fallback.Enabled {
		return native, nil
	}

	compatOpts := []openaicompat.Option{
		openaicompat.WithRegion(cfg.OCI.Region),
		openaicompat.WithCompartment(cfg.OCI.CompartmentID),
		openaicompat.WithHTTPClient(e.http),
		openaicompat.WithExecutor(e.executor("chat.openai")),
		openaicompat.WithLogger(e.log),
		openaicompat.WithMetrics(e.metrics),
	}
	if cfg.Chat.Fallback.BaseURL != "" {
		compatOpts = append(compatOpts, openaicompat.WithBaseURL(cfg.Chat.Fallback.BaseURL))
	}
	compat, err := openaicompat.New(cfg.OCI.APIKey, cfg.Chat.Fallback.Model, compatOpts...)
	if err != nil {
		return nil, fmt.Errorf("chat fallback: %w", err)
	}

	fb := resilience.NewLLMFallback(native, "oci", resilience.FallbackConfig{
		Breaker: cfg.BreakerConfig("chat.fallback"),
		Logger:  e.log,
	})
	fb.AddFallback("openai-compatible", compat)
	return fb, nil
}

// embedder returns the native embeddings provider, or the
// OpenAI-compatible one when compat is set.
func (e *env) embedder(compat bool) (embeddings.Provider, error) {
	cfg := e.cfg
	if compat {
		if err := cfg.RequireCompartment(); err != nil {
			return nil, err
		}
		return embedcompat.New(cfg.OCI.APIKey, cfg.Embeddings.Model,
			embedcompat.WithRegion(cfg.OCI.Region),
			embedcompat.WithCompartment(cfg.OCI.CompartmentID),
			embedcompat.WithHTTPClient(e.http),
			embedcompat.WithExecutor(e.executor("embed.openai")),
		)
	}

	client, err := e.inferenceClient("embed")
	if err != nil {
		return nil, err
	}
	opts := []embedoci.Option{
		embedoci.WithTruncate(embedoci.Truncate(cfg.Embeddings.Truncate)),
		embedoci.WithLogger(e.log),
	}
	if cfg.Embeddings.Dimensions > 0 {
		opts = append(opts, embedoci.WithDimensions(cfg.Embeddings.Dimensions))
	}
	if cfg.Embeddings.EndpointID != "" {
		opts = append(opts, embedoci.WithDedicatedEndpoint(cfg.Embeddings.EndpointID))
	}
	return embedoci.New(client, cfg.Embeddings.Model, cfg.OCI.CompartmentID, opts...)
}

func (e *env) reranker() (rerank.Provider, error) {
	cfg := e.cfg
	client, err := e.inferenceClient("rerank")
	if err != nil {
		return nil, err
	}
	opts := []rerankoci.Option{rerankoci.WithLogger(e.log)}
	if cfg.Rerank.EndpointID != "" {
		opts = append(opts, rerankoci.WithDedicatedEndpoint(cfg.Rerank.EndpointID))
	}
	return rerankoci.New(client, cfg.Rerank.Model, cfg.OCI.CompartmentID, opts...)
}

// index opens the pgvector store and returns a retrieval index over it.
// The store is closed by [env.Close].
func (e *env) index(ctx context.Context) (*rag.Index, error) {
	cfg := e.cfg
	if cfg.RAG.DSN == "" {
		return nil, fmt.Errorf("rag: rag.dsn is required (or set %s)", config.EnvDSN)
	}
	embedder, err := e.embedder(false)
	if err != nil {
		return nil, err
	}
	store, err := postgres.NewStore(ctx, cfg.RAG.DSN, embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, store.Close)
	e.health.Add(health.Checker{Name: "postgres", Check: store.Ping})

	opts := []rag.IndexOption{
		rag.WithCandidateFactor(cfg.RAG.CandidateFactor),
		rag.WithLogger(e.log),
	}
	if cfg.RAG.Rerank {
		rr, err := e.reranker()
		if err != nil {
			return nil, err
		}
		opts = append(opts, rag.WithReranker(rr))
	}
	return rag.NewIndex(store, embedder, opts...)
}

// transcriber returns a realtime speech-to-text provider. Session tokens
// are minted through the regional Speech endpoint.
func (e *env) transcriber(settings realtime.Settings) (*ocirealtime.Provider, error) {
	speech, err := e.client("speech", ocihttp.SpeechEndpoint(e.cfg.OCI.Region))
	if err != nil {
		return nil, err
	}
	return ocirealtime.New(settings, realtime.NewHTTPTokenIssuer(speech),
		ocirealtime.WithLogger(e.log),
		ocirealtime.WithClientOptions(
			realtime.WithMetrics(e.metrics),
			realtime.WithHTTPClient(e.http),
		),
	)
}
