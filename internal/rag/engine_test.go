package rag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEmbedder maps known phrases to fixed vectors so distance
// ordering is deterministic.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
	dim     int
}

func (f *fakeEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	for phrase, vec := range f.vectors {
		if strings.Contains(text, phrase) {
			return vec, nil
		}
	}
	if f.dim == 0 {
		f.dim = 3
	}
	return make([]float32, f.dim), nil
}

func newTestEngine(t *testing.T, emb Embedder) *Engine {
	t.Helper()
	e, err := NewEngine(Config{Embedder: emb, Logger: discard()}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEngine_AddAndRetrieve(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"cats":    {1, 0, 0},
		"dogs":    {0, 1, 0},
		"weather": {0, 0, 1},
	}}
	e := newTestEngine(t, emb)

	ctx := context.Background()
	for _, doc := range []string{
		"all about cats and their habits",
		"all about dogs and their training",
		"weather patterns in the north",
	} {
		if _, n, err := e.AddDocument(ctx, doc[:9], doc); err != nil || n != 1 {
			t.Fatalf("AddDocument(%q) = %d, %v", doc, n, err)
		}
	}

	if e.ChunkCount() != 3 {
		t.Fatalf("ChunkCount() = %d", e.ChunkCount())
	}
	if e.Dimension() != 3 {
		t.Fatalf("Dimension() = %d", e.Dimension())
	}

	chunks, err := e.Retrieve(ctx, "tell me about dogs", 1)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Retrieve(topK=1) = %d chunks", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "dogs") {
		t.Errorf("nearest chunk = %q, want the dogs document", chunks[0].Text)
	}
}

func TestEngine_RetrieveEmptyIndex(t *testing.T) {
	e := newTestEngine(t, &fakeEmbedder{})
	if _, err := e.Retrieve(context.Background(), "anything", 3); err == nil {
		t.Error("Retrieve on empty index succeeded")
	}
}

func TestEngine_RetrieveEmbeddingFailure(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"doc": {1, 0, 0}}}
	e := newTestEngine(t, emb)
	if _, _, err := e.AddDocument(context.Background(), "a.txt", "doc text"); err != nil {
		t.Fatal(err)
	}

	emb.fail = true
	if _, err := e.Retrieve(context.Background(), "query", 1); err == nil {
		t.Error("Retrieve with failing embedder succeeded")
	}
}

func TestEngine_DimensionLocked(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"first":  {1, 0, 0},
		"second": {1, 0, 0, 0}, // wrong dimension
	}}
	e := newTestEngine(t, emb)

	ctx := context.Background()
	if _, _, err := e.AddDocument(ctx, "a.txt", "first document"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.AddDocument(ctx, "b.txt", "second document"); err == nil {
		t.Error("mismatched embedding dimension accepted")
	}
}

func TestEngine_TopKBounded(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"only": {1, 1, 1}}}
	e := newTestEngine(t, emb)
	if _, _, err := e.AddDocument(context.Background(), "a.txt", "only document"); err != nil {
		t.Fatal(err)
	}

	chunks, err := e.Retrieve(context.Background(), "only", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Errorf("Retrieve(topK=10) over 1 chunk = %d results", len(chunks))
	}
}

func TestEngine_AsyncQuery(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"news": {2, 0, 0}}}

	got := make(chan []Chunk, 1)
	errs := make(chan error, 1)
	e, err := NewEngine(Config{Embedder: emb, Logger: discard()}, Callbacks{
		OnContext: func(query string, chunks []Chunk) { got <- chunks },
		OnError:   func(query string, err error) { errs <- err },
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	// Empty index surfaces through the error callback.
	e.Query(ctx, "news", 1)
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered for empty-index query")
	}

	if _, _, err := e.AddDocument(ctx, "n.txt", "news of the day"); err != nil {
		t.Fatal(err)
	}
	e.Query(ctx, "news", 1)
	select {
	case chunks := <-got:
		if len(chunks) != 1 {
			t.Errorf("async query = %d chunks", len(chunks))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no context delivered")
	}
}

func TestEngine_Clear(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"doc": {1, 0, 0}}}
	e := newTestEngine(t, emb)
	if _, _, err := e.AddDocument(context.Background(), "a.txt", "doc text"); err != nil {
		t.Fatal(err)
	}

	if err := e.Clear(); err != nil {
		t.Fatal(err)
	}
	if e.ChunkCount() != 0 || e.Dimension() != 0 {
		t.Errorf("Clear left chunks=%d dimension=%d", e.ChunkCount(), e.Dimension())
	}
}
