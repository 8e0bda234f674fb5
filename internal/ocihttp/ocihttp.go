// Package ocihttp is the HTTP client shared by the OCI Generative AI and
// Speech providers. It resolves regional endpoints, signs requests through a
// pluggable [Signer], and runs every call through a resilience executor.
package ocihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/acedergren/ocigenai/internal/observe"
	"github.com/acedergren/ocigenai/internal/resilience"
	"github.com/acedergren/ocigenai/pkg/apierror"
)

// DefaultRegion is used when no region is configured.
const DefaultRegion = "us-ashburn-1"

// APIVersion is the Generative AI inference API version path segment.
const APIVersion = "20231130"

// maxResponseBody caps how much of a non-streaming response is read.
const maxResponseBody = 32 << 20

// InferenceEndpoint returns the Generative AI inference base URL for region.
func InferenceEndpoint(region string) string {
	return fmt.Sprintf("https://inference.generativeai.%s.oci.oraclecloud.com", orDefault(region))
}

// OpenAICompatibleEndpoint returns the base URL of the OpenAI-compatible
// surface of the inference API.
func OpenAICompatibleEndpoint(region string) string {
	return InferenceEndpoint(region) + "/" + APIVersion + "/actions/v1"
}

// SpeechEndpoint returns the Speech service base URL for region.
func SpeechEndpoint(region string) string {
	return fmt.Sprintf("https://speech.aiservice.%s.oci.oraclecloud.com", orDefault(region))
}

// RealtimeEndpoint returns the realtime transcription WebSocket URL for
// region.
func RealtimeEndpoint(region string) string {
	return fmt.Sprintf("wss://realtime.aiservice.%s.oci.oraclecloud.com/ws/transcribe/stream", orDefault(region))
}

func orDefault(region string) string {
	if region == "" {
		return DefaultRegion
	}
	return region
}

// Signer authenticates an outgoing request in place.
type Signer interface {
	Sign(req *http.Request) error
}

// SignerFunc adapts a function to [Signer].
type SignerFunc func(req *http.Request) error

// Sign implements [Signer].
func (f SignerFunc) Sign(req *http.Request) error { return f(req) }

// BearerSigner authenticates with a static API key.
type BearerSigner string

// Sign implements [Signer].
func (s BearerSigner) Sign(req *http.Request) error {
	if s == "" {
		return apierror.New(apierror.KindAuthentication, "sign", "empty API key")
	}
	req.Header.Set("Authorization", "Bearer "+string(s))
	return nil
}

// Client issues JSON requests against one OCI service endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	signer  Signer
	exec    *resilience.Executor
	log     *slog.Logger
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport should
// be wrapped in [observe.Transport] to keep per-request telemetry.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSigner sets the request signer. Without one requests are sent
// unauthenticated, which only test servers accept.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithExecutor sets the resilience executor used for every call.
func WithExecutor(e *resilience.Executor) Option {
	return func(c *Client) { c.exec = e }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/")}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.http == nil {
		c.http = &http.Client{Transport: observe.NewTransport(nil, nil)}
	}
	if c.exec == nil {
		c.exec = resilience.NewExecutor(resilience.WithLogger(c.log))
	}
	return c
}

// BaseURL returns the endpoint the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// PostJSON sends in as JSON to path and decodes a 2xx response into out,
// which may be nil. Non-2xx responses become [*apierror.Error].
func (c *Client) PostJSON(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("ocihttp: %s: encode request: %w", op, err)
	}

	_, err = resilience.Do(ctx, c.exec, op, func(ctx context.Context) (struct{}, error) {
		resp, err := c.send(ctx, op, path, body, "application/json")
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return struct{}{}, classifyTransport(op, err)
		}
		if resp.StatusCode/100 != 2 {
			return struct{}{}, apierror.FromResponse(op, resp, data)
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return struct{}{}, fmt.Errorf("ocihttp: %s: decode response: %w", op, err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

// PostStream sends in as JSON to path and returns the response once a 2xx
// status line has arrived. Only connection establishment is retried; the
// caller owns and must close the body. Cancelling ctx aborts the stream.
func (c *Client) PostStream(ctx context.Context, op, path string, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("ocihttp: %s: encode request: %w", op, err)
	}

	return resilience.Do(ctx, c.exec, op, func(attemptCtx context.Context) (*http.Response, error) {
		// The body must outlive the attempt, so the request is bound to the
		// caller's context rather than the attempt's.
		reqCtx, cancel := context.WithCancel(ctx)
		resp, err := c.send(reqCtx, op, path, body, "text/event-stream")
		if err != nil {
			cancel()
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
			resp.Body.Close()
			cancel()
			return nil, apierror.FromResponse(op, resp, data)
		}
		if attemptCtx.Err() != nil {
			// Abandoned by the attempt timeout; nobody will read this body.
			resp.Body.Close()
			cancel()
			return nil, attemptCtx.Err()
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	})
}

func (c *Client) send(ctx context.Context, op, path string, body []byte, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ocihttp: %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("opc-request-id", uuid.NewString())

	if c.signer != nil {
		if err := c.signer.Sign(req); err != nil {
			return nil, apierror.Wrap(apierror.KindAuthentication, op, err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	return resp, nil
}

// classifyTransport tags transient transport failures as network errors so
// metrics and callers see a kind; anything else passes through untouched.
func classifyTransport(op string, err error) error {
	if resilience.IsRetryable(err) {
		return apierror.Wrap(apierror.KindNetwork, op, err)
	}
	return err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// ServingMode addresses a model in an inference request body.
type ServingMode struct {
	ServingType string `json:"servingType"`
	ModelID     string `json:"modelId,omitempty"`
	EndpointID  string `json:"endpointId,omitempty"`
}

// OnDemand addresses a shared base model.
func OnDemand(modelID string) ServingMode {
	return ServingMode{ServingType: "ON_DEMAND", ModelID: modelID}
}

// Dedicated addresses a dedicated AI cluster endpoint.
func Dedicated(endpointID string) ServingMode {
	return ServingMode{ServingType: "DEDICATED", EndpointID: endpointID}
}
