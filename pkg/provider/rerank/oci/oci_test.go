package oci

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/internal/resilience"
	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/rerank"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(t *testing.T, respond string) (*Provider, *atomic.Int32, *atomic.Value) {
	t.Helper()
	var (
		calls atomic.Int32
		body  atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/20231130/actions/rerankText" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		body.Store(string(raw))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, respond)
	}))
	t.Cleanup(srv.Close)
	client := ocihttp.New(srv.URL,
		ocihttp.WithSigner(ocihttp.BearerSigner("key")),
		ocihttp.WithLogger(quietLogger()),
		ocihttp.WithExecutor(resilience.NewExecutor(resilience.WithoutRetry(), resilience.WithLogger(quietLogger()))),
	)
	p, err := New(client, "", "ocid1.compartment.oc1..test", WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, &calls, &body
}

func TestProvider_Rerank(t *testing.T) {
	p, _, body := newTestProvider(t, `{
		"id":            "r1",
		"modelId":       "cohere.rerank-v3.5",
		"documentRanks": [
			{"index": 2, "relevanceScore": 0.2},
			{"index": 0, "relevanceScore": 0.9, "document": {"text": "paris"}},
			{"index": 1, "relevanceScore": 0.5}
		]
	}`)

	got, err := p.Rerank(context.Background(), rerank.Request{
		Query:           "capital of france",
		Documents:       []string{"paris", "berlin", "rome"},
		TopN:            3,
		ReturnDocuments: true,
	})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	wantOrder := []int{0, 1, 2}
	for i, r := range got {
		if r.Index != wantOrder[i] {
			t.Fatalf("result %d index = %d, want %d (sorted by score)", i, r.Index, wantOrder[i])
		}
	}
	if got[0].Document != "paris" || got[0].Score != 0.9 {
		t.Fatalf("top result = %+v", got[0])
	}

	sent := gjson.Parse(body.Load().(string))
	want := map[string]string{
		"servingMode.modelId": "cohere.rerank-v3.5",
		"compartmentId":       "ocid1.compartment.oc1..test",
		"input":               "capital of france",
		"documents.2":         "rome",
		"topN":                "3",
		"isEcho":              "true",
	}
	for path, v := range want {
		if s := sent.Get(path).String(); s != v {
			t.Errorf("%s = %q, want %q", path, s, v)
		}
	}
}

func TestProvider_DocumentLimitBeforeNetwork(t *testing.T) {
	p, calls, _ := newTestProvider(t, `{}`)

	docs := make([]string, 1001)
	for i := range docs {
		docs[i] = "d"
	}
	_, err := p.Rerank(context.Background(), rerank.Request{Query: "q", Documents: docs})
	if !apierror.Is(err, apierror.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("calls = %d, want 0", calls.Load())
	}
}

func TestProvider_InvalidRequests(t *testing.T) {
	p, calls, _ := newTestProvider(t, `{}`)

	for name, req := range map[string]rerank.Request{
		"empty query":    {Documents: []string{"a"}},
		"no documents":   {Query: "q"},
		"negative top n": {Query: "q", Documents: []string{"a"}, TopN: -1},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := p.Rerank(context.Background(), req); !apierror.Is(err, apierror.KindValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
	if calls.Load() != 0 {
		t.Fatalf("calls = %d, want 0", calls.Load())
	}
}

func TestProvider_IndexOutOfRange(t *testing.T) {
	p, _, _ := newTestProvider(t, `{"documentRanks":[{"index":5,"relevanceScore":1}]}`)

	_, err := p.Rerank(context.Background(), rerank.Request{Query: "q", Documents: []string{"a"}})
	if !apierror.Is(err, apierror.KindProtocol) {
		t.Fatalf("err = %v, want protocol", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New(ocihttp.New("http://localhost"), "", "c")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel || p.MaxDocuments() != 1000 {
		t.Fatalf("ModelID() = %q, MaxDocuments() = %d", p.ModelID(), p.MaxDocuments())
	}
	if _, err := New(ocihttp.New("http://localhost"), "", ""); !apierror.Is(err, apierror.KindValidation) {
		t.Fatalf("empty compartment: err = %v, want validation", err)
	}
}
