package oci

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

	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/internal/resilience"
	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/embeddings"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type embedServer struct {
	srv   *httptest.Server
	calls atomic.Int32
	body  atomic.Value
}

// newEmbedServer answers every embedText call with one dims-long vector per
// input, filled with the input's index.
func newEmbedServer(t *testing.T, dims int) *embedServer {
	t.Helper()
	es := &embedServer{}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		es.calls.Add(1)
		if r.URL.Path != "/20231130/actions/embedText" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		es.body.Store(string(raw))
		inputs := gjson.GetBytes(raw, "inputs").Array()
		vecs := make([][]float32, len(inputs))
		for i := range vecs {
			vecs[i] = make([]float32, dims)
			for j := range vecs[i] {
				vecs[i][j] = float32(i)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "embed-1",
			"modelId":    gjson.GetBytes(raw, "servingMode.modelId").String(),
			"embeddings": vecs,
		})
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *embedServer) lastBody() gjson.Result {
	s, _ := es.body.Load().(string)
	return gjson.Parse(s)
}

func newTestProvider(t *testing.T, url, model string, opts ...Option) *Provider {
	t.Helper()
	client := ocihttp.New(url,
		ocihttp.WithSigner(ocihttp.BearerSigner("key")),
		ocihttp.WithLogger(quietLogger()),
		ocihttp.WithExecutor(resilience.NewExecutor(resilience.WithoutRetry(), resilience.WithLogger(quietLogger()))),
	)
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	p, err := New(client, model, "ocid1.compartment.oc1..test", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestProvider_EmbedBatch(t *testing.T) {
	es := newEmbedServer(t, 1024)
	p := newTestProvider(t, es.srv.URL, "cohere.embed-english-v3.0")

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	if len(vecs[2]) != 1024 || vecs[2][0] != 2 {
		t.Fatalf("vector order not preserved: len=%d first=%v", len(vecs[2]), vecs[2][0])
	}

	body := es.lastBody()
	want := map[string]string{
		"servingMode.servingType": "ON_DEMAND",
		"servingMode.modelId":     "cohere.embed-english-v3.0",
		"compartmentId":           "ocid1.compartment.oc1..test",
		"truncate":                "END",
		"inputType":               "SEARCH_DOCUMENT",
		"inputs.1":                "b",
	}
	for path, v := range want {
		if got := body.Get(path).String(); got != v {
			t.Errorf("%s = %q, want %q", path, got, v)
		}
	}
}

func TestProvider_EmbedQueryUsesSearchQuery(t *testing.T) {
	es := newEmbedServer(t, 384)
	p := newTestProvider(t, es.srv.URL, "cohere.embed-english-light-v3.0")

	vec, err := embeddings.EmbedQuery(context.Background(), p, "where is the data?")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if len(vec) != 384 {
		t.Fatalf("len = %d, want 384", len(vec))
	}
	if got := es.lastBody().Get("inputType").String(); got != "SEARCH_QUERY" {
		t.Fatalf("inputType = %q, want SEARCH_QUERY", got)
	}
}

func TestProvider_BatchLimitBeforeNetwork(t *testing.T) {
	es := newEmbedServer(t, 1024)
	p := newTestProvider(t, es.srv.URL, "cohere.embed-english-v3.0")

	texts := make([]string, MaxInputs+1)
	for i := range texts {
		texts[i] = "x"
	}
	_, err := p.EmbedBatch(context.Background(), texts)
	if !apierror.Is(err, apierror.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if !strings.Contains(err.Error(), "97") {
		t.Fatalf("error %q should name the batch size", err)
	}
	if es.calls.Load() != 0 {
		t.Fatalf("server called %d times, want 0", es.calls.Load())
	}
}

func TestProvider_EmbedAllSplitsBatches(t *testing.T) {
	es := newEmbedServer(t, 1024)
	p := newTestProvider(t, es.srv.URL, "cohere.embed-multilingual-v3.0")

	texts := make([]string, 2*MaxInputs+5)
	for i := range texts {
		texts[i] = "chunk"
	}
	vecs, err := embeddings.EmbedAll(context.Background(), p, texts)
	if err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	if es.calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", es.calls.Load())
	}
	// The last batch holds five inputs, so its final vector is filled with 4.
	if vecs[len(vecs)-1][0] != 4 {
		t.Fatalf("last vector = %v, want 4", vecs[len(vecs)-1][0])
	}
}

func TestProvider_EmptyBatch(t *testing.T) {
	es := newEmbedServer(t, 1024)
	p := newTestProvider(t, es.srv.URL, "cohere.embed-english-v3.0")

	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, err)
	}
	if es.calls.Load() != 0 {
		t.Fatal("empty batch should not reach the server")
	}
}

func TestProvider_CountMismatchIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"embeddings":[[0.1]]}`)
	}))
	t.Cleanup(srv.Close)
	p := newTestProvider(t, srv.URL, "cohere.embed-english-v3.0")

	_, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	if !apierror.Is(err, apierror.KindProtocol) {
		t.Fatalf("err = %v, want protocol", err)
	}
}

func TestNew_Validation(t *testing.T) {
	client := ocihttp.New("http://localhost")

	if _, err := New(client, "acme.embed-9", "c"); !apierror.Is(err, apierror.KindValidation) {
		t.Fatalf("unknown model without dimensions: err = %v, want validation", err)
	}
	p, err := New(client, "acme.embed-9", "c", WithDimensions(256))
	if err != nil {
		t.Fatalf("New with dimensions: %v", err)
	}
	if p.Dimensions() != 256 || p.ModelID() != "acme.embed-9" {
		t.Fatalf("Dimensions() = %d, ModelID() = %q", p.Dimensions(), p.ModelID())
	}
	if _, err := New(client, "cohere.embed-english-v3.0", ""); !apierror.Is(err, apierror.KindValidation) {
		t.Fatalf("empty compartment: err = %v, want validation", err)
	}
	if _, err := New(client, "cohere.embed-english-v3.0", "c", WithDedicatedEndpoint("")); !apierror.Is(err, apierror.KindValidation) {
		t.Fatalf("dedicated without endpoint: err = %v, want validation", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := embeddings.EstimateTokens([]string{"abcd", "abcde", ""}); got != 3 {
		t.Fatalf("EstimateTokens = %d, want 3", got)
	}
}
