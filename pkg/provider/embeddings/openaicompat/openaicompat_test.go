package openaicompat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/acedergren/ocigenai/internal/resilience"
	"github.com/acedergren/ocigenai/pkg/apierror"
)

func TestModelDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"cohere.embed-multilingual-v3.0", 1024},
		{"cohere.embed-english-v3.0", 1024},
		{"cohere.embed-english-light-v3.0", 384},
		{"cohere.embed-v4.0", 1536},
		{"text-embedding-3-large", 3072},
		{"some-future-model", 1536},
	}
	for _, tt := range tests {
		if got := modelDimensions(tt.model); got != tt.want {
			t.Errorf("modelDimensions(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

// TestModelID verifies that ModelID returns the model string as-is.
func TestModelID(t *testing.T) {
	p := &Provider{model: "my-custom-embeddings-model"}
	if got := p.ModelID(); got != "my-custom-embeddings-model" {
		t.Errorf("ModelID() = %q", got)
	}
}

// TestNew_DefaultModel verifies that an empty model string falls back to DefaultModel.
func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New("", "m"); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	exec := resilience.NewExecutor(resilience.WithoutRetry(),
		resilience.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	p, err := New("key", "cohere.embed-english-v3.0",
		WithBaseURL(srv.URL+"/20231130/actions/v1"),
		WithHTTPClient(srv.Client()),
		WithExecutor(exec),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, &calls
}

func TestProvider_EmbedBatchOrdersByIndex(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		n := len(gjson.GetBytes(raw, "input").Array())
		data := make([]map[string]any, n)
		for i := range n {
			// Answer in reverse order.
			idx := n - 1 - i
			data[i] = map[string]any{"object": "embedding", "index": idx, "embedding": []float64{float64(idx)}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list", "model": "m", "data": data,
			"usage": map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	})

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Fatalf("vecs[%d] = %v, want %d", i, v, i)
		}
	}
}

func TestProvider_BatchLimitBeforeNetwork(t *testing.T) {
	p, calls := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := p.EmbedBatch(context.Background(), make([]string, maxInputs+1))
	if !apierror.Is(err, apierror.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("calls = %d, want 0", calls.Load())
	}
}

func TestProvider_ErrorStatusIsClassified(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":"NotAuthenticated","message":"bad key"}`)
	})

	_, err := p.Embed(context.Background(), "x")
	if !apierror.Is(err, apierror.KindAuthentication) {
		t.Fatalf("err = %v, want authentication", err)
	}
}

func TestProvider_EmbedBatchRejectsBadIndices(t *testing.T) {
	tests := []struct {
		name    string
		indices []int
	}{
		{"negative", []int{0, -1}},
		{"out of range", []int{0, 2}},
		{"duplicate", []int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				data := make([]map[string]any, len(tt.indices))
				for i, idx := range tt.indices {
					data[i] = map[string]any{"object": "embedding", "index": idx, "embedding": []float64{1}}
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]any{
					"object": "list", "model": "m", "data": data,
					"usage": map[string]any{"prompt_tokens": 1, "total_tokens": 1},
				})
			})

			vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
			if !apierror.Is(err, apierror.KindProtocol) {
				t.Fatalf("err = %v, vecs = %v, want protocol error", err, vecs)
			}
		})
	}
}
