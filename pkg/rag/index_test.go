package rag

import (
	"cmp"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/acedergren/ocigenai/pkg/apierror"
	embedmock "github.com/acedergren/ocigenai/pkg/provider/embeddings/mock"
	"github.com/acedergren/ocigenai/pkg/provider/rerank"
)

// memStore is a brute-force cosine Store.
type memStore struct {
	mu      sync.Mutex
	chunks  map[string]Chunk
	upserts int
	lastK   int
}

func newMemStore() *memStore { return &memStore{chunks: map[string]Chunk{}} }

func (m *memStore) Upsert(_ context.Context, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *memStore) Search(_ context.Context, q []float32, topK int, f Filter) ([]Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastK = topK
	out := []Match{}
	for _, c := range m.chunks {
		if f.Source != "" && c.Source != f.Source {
			continue
		}
		out = append(out, Match{Chunk: c, Distance: cosineDistance(q, c.Embedding)})
	}
	slices.SortFunc(out, func(a, b Match) int { return cmp.Compare(a.Distance, b.Distance) })
	return out[:min(topK, len(out))], nil
}

func (m *memStore) DeleteSource(_ context.Context, source string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.chunks {
		if c.Source == source {
			delete(m.chunks, id)
			n++
		}
	}
	return n, nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// lengthReranker scores longer documents higher.
type lengthReranker struct {
	limit int
	got   rerank.Request
}

func (r *lengthReranker) Rerank(_ context.Context, req rerank.Request) ([]rerank.Result, error) {
	r.got = req
	out := make([]rerank.Result, len(req.Documents))
	for i, d := range req.Documents {
		out[i] = rerank.Result{Index: i, Score: float64(len(d))}
	}
	slices.SortFunc(out, func(a, b rerank.Result) int { return cmp.Compare(b.Score, a.Score) })
	return out, nil
}

func (r *lengthReranker) MaxDocuments() int { return r.limit }
func (r *lengthReranker) ModelID() string   { return "length" }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIndex(t *testing.T, store Store, emb *embedmock.Provider, opts ...IndexOption) *Index {
	t.Helper()
	ix, err := NewIndex(store, emb, append([]IndexOption{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	return ix
}

func docs(n int) []Document {
	out := make([]Document, n)
	for i := range out {
		out[i] = Document{
			ID:      "doc#" + strings.Repeat("i", i+1),
			Source:  "doc",
			Content: "chunk " + strings.Repeat("x", i+1),
		}
	}
	return out
}

func TestIndex_AddBatchesByProviderLimit(t *testing.T) {
	store := newMemStore()
	emb := &embedmock.Provider{BatchSize: 96}
	ix := newTestIndex(t, store, emb)

	if err := ix.Add(context.Background(), docs(200)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sizes := make([]int, len(emb.Batches))
	for i, b := range emb.Batches {
		sizes[i] = len(b)
	}
	if !slices.Equal(sizes, []int{96, 96, 8}) {
		t.Fatalf("batch sizes = %v, want [96 96 8]", sizes)
	}
	if len(store.chunks) != 200 || store.upserts != 1 {
		t.Fatalf("stored %d chunks in %d upserts", len(store.chunks), store.upserts)
	}
}

func TestIndex_AddEmbedFailureStoresNothing(t *testing.T) {
	store := newMemStore()
	emb := &embedmock.Provider{Err: errors.New("boom")}
	ix := newTestIndex(t, store, emb)

	if err := ix.Add(context.Background(), docs(3)); err == nil {
		t.Fatal("expected error")
	}
	if store.upserts != 0 {
		t.Fatal("nothing should be stored when embedding fails")
	}
}

func TestIndex_AddValidation(t *testing.T) {
	ix := newTestIndex(t, newMemStore(), &embedmock.Provider{})
	for name, d := range map[string]Document{
		"no id":      {Content: "x"},
		"no content": {ID: "a"},
	} {
		if err := ix.Add(context.Background(), []Document{d}); !apierror.Is(err, apierror.KindValidation) {
			t.Errorf("%s: err = %v, want validation", name, err)
		}
	}
}

func TestIndex_QueryWithoutReranker(t *testing.T) {
	store := newMemStore()
	emb := &embedmock.Provider{}
	ix := newTestIndex(t, store, emb)
	if err := ix.Add(context.Background(), docs(10)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The query embeds exactly like the third document, so it ranks first.
	target := docs(10)[2].Content
	got, err := ix.Query(context.Background(), target, 3, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 || got[0].Chunk.Content != target {
		t.Fatalf("got %d results, first %q", len(got), got[0].Chunk.Content)
	}
	if got[0].Reranked {
		t.Fatal("results should not be marked reranked")
	}
	if store.lastK != 3 {
		t.Fatalf("search topK = %d, want 3", store.lastK)
	}
	if len(emb.Queries) != 1 {
		t.Fatalf("query embedded %d times as a search query, want 1", len(emb.Queries))
	}
}

func TestIndex_QueryReranksWidenedCandidates(t *testing.T) {
	store := newMemStore()
	rr := &lengthReranker{limit: 6}
	ix := newTestIndex(t, store, &embedmock.Provider{}, WithReranker(rr), WithCandidateFactor(4))
	if err := ix.Add(context.Background(), docs(10)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := ix.Query(context.Background(), "anything", 2, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	// 2 * 4 = 8 candidates, capped at the reranker's limit of 6.
	if store.lastK != 6 || len(rr.got.Documents) != 6 || rr.got.TopN != 2 {
		t.Fatalf("search topK = %d, reranked %d docs with topN %d", store.lastK, len(rr.got.Documents), rr.got.TopN)
	}
	if len(got) != 2 || !got[0].Reranked || got[0].Score < got[1].Score {
		t.Fatalf("results = %+v", got)
	}
}

func TestIndex_QueryValidation(t *testing.T) {
	ix := newTestIndex(t, newMemStore(), &embedmock.Provider{})
	if _, err := ix.Query(context.Background(), "", 1, Filter{}); !apierror.Is(err, apierror.KindValidation) {
		t.Fatalf("empty query: err = %v", err)
	}
	if _, err := ix.Query(context.Background(), "q", 0, Filter{}); !apierror.Is(err, apierror.KindValidation) {
		t.Fatalf("zero topK: err = %v", err)
	}
}

func TestIndex_DeleteSource(t *testing.T) {
	store := newMemStore()
	ix := newTestIndex(t, store, &embedmock.Provider{})
	if err := ix.Add(context.Background(), docs(4)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	n, err := ix.DeleteSource(context.Background(), "doc")
	if err != nil || n != 4 {
		t.Fatalf("DeleteSource = %d, %v; want 4, nil", n, err)
	}
}

func TestSplit(t *testing.T) {
	text := strings.Repeat("alpha beta gamma ", 20)
	chunks := Split("notes.txt", text, 50, 10)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c.Content)); n > 50 {
			t.Errorf("chunk %d has %d runes", i, n)
		}
		if c.Source != "notes.txt" || !strings.HasPrefix(c.ID, "notes.txt#") {
			t.Errorf("chunk %d: source %q id %q", i, c.Source, c.ID)
		}
		for _, w := range strings.Fields(c.Content) {
			if w != "alpha" && w != "beta" && w != "gamma" {
				t.Errorf("chunk %d split a word: %q", i, w)
			}
		}
	}
	if got := Split("empty", "   ", 10, 0); len(got) != 0 {
		t.Fatalf("blank text produced %d chunks", len(got))
	}
}
