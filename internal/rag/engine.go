package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/events"
)

// Embedder turns text into a vector. *embeddings.Client satisfies it.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Callbacks deliver asynchronous query outcomes.
type Callbacks struct {
	// OnContext receives ranked chunks for a query.
	OnContext func(query string, chunks []Chunk)
	// OnError receives query failures.
	OnError func(query string, err error)
}

// Config configures an Engine.
type Config struct {
	Embedder     Embedder
	Store        *Store // optional; nil keeps the index in memory only
	Bus          *events.Bus
	Logger       *slog.Logger
	ChunkSize    int
	ChunkOverlap int
}

// Engine holds the chunk index and answers nearest-K queries by
// squared Euclidean distance. chunks[i] embeds as vectors[i]; the two
// slices always stay aligned. Vector dimensionality is locked by the
// first embedding seen.
type Engine struct {
	embedder  Embedder
	store     *Store
	bus       *events.Bus
	logger    *slog.Logger
	callbacks Callbacks

	chunkSize    int
	chunkOverlap int

	mu        sync.RWMutex
	chunks    []Chunk
	vectors   [][]float32
	dimension int
}

// NewEngine creates an engine and, when a store is configured,
// reloads any previously ingested chunks into the index.
func NewEngine(cfg Config, cb Callbacks) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}

	e := &Engine{
		embedder:     cfg.Embedder,
		store:        cfg.Store,
		bus:          cfg.Bus,
		logger:       logger.With("component", "rag"),
		callbacks:    cb,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
	}

	if e.store != nil {
		stored, err := e.store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load index: %w", err)
		}
		for _, c := range stored {
			if len(c.Embedding) == 0 {
				continue
			}
			if e.dimension == 0 {
				e.dimension = len(c.Embedding)
			} else if len(c.Embedding) != e.dimension {
				e.logger.Warn("skipping stored chunk with mismatched dimension",
					"source", c.SourceFile, "got", len(c.Embedding), "want", e.dimension)
				continue
			}
			e.chunks = append(e.chunks, Chunk{
				Text:       c.Text,
				SourceFile: c.SourceFile,
				Index:      c.Index,
				Length:     len(c.Text),
			})
			e.vectors = append(e.vectors, c.Embedding)
		}
		if len(e.chunks) > 0 {
			e.logger.Info("restored index", "chunks", len(e.chunks), "dimension", e.dimension)
		}
	}

	return e, nil
}

// AddDocument chunks and embeds content, indexing it under
// sourceFile. It returns the document id and the number of chunks
// indexed. Chunks whose embedding fails are skipped with a warning;
// a vector whose length disagrees with the locked dimension is a
// configuration error and aborts the ingest.
func (e *Engine) AddDocument(ctx context.Context, sourceFile, content string) (string, int, error) {
	texts := SplitText(content, e.chunkSize, e.chunkOverlap)
	if len(texts) == 0 {
		return "", 0, fmt.Errorf("document %s produced no chunks", sourceFile)
	}

	docID := uuid.NewString()
	if e.store != nil {
		if err := e.store.AddDocument(docID, sourceFile); err != nil {
			return "", 0, fmt.Errorf("persist document: %w", err)
		}
	}

	e.logger.Info("ingesting document", "source", sourceFile, "chunks", len(texts))

	indexed := 0
	for i, text := range texts {
		e.bus.Emit(events.SourceRAG, events.KindIngestProgress, map[string]any{
			"source":  sourceFile,
			"current": i + 1,
			"total":   len(texts),
		})

		vec, err := e.embedder.Generate(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return docID, indexed, ctx.Err()
			}
			e.logger.Warn("embedding failed, skipping chunk", "source", sourceFile, "chunk", i, "error", err)
			continue
		}

		e.mu.Lock()
		if e.dimension == 0 {
			e.dimension = len(vec)
			e.logger.Info("index dimension locked", "dimension", e.dimension)
		} else if len(vec) != e.dimension {
			e.mu.Unlock()
			return docID, indexed, fmt.Errorf(
				"embedding dimension %d does not match index dimension %d", len(vec), e.dimension)
		}
		e.chunks = append(e.chunks, Chunk{
			Text:       text,
			SourceFile: sourceFile,
			Index:      i,
			Length:     len(text),
		})
		e.vectors = append(e.vectors, vec)
		e.mu.Unlock()

		if e.store != nil {
			if err := e.store.AddChunk(docID, i, text, vec); err != nil {
				e.logger.Warn("failed to persist chunk", "source", sourceFile, "chunk", i, "error", err)
			}
		}
		indexed++
	}

	e.bus.Emit(events.SourceRAG, events.KindIngestComplete, map[string]any{
		"source": sourceFile,
		"chunks": indexed,
	})
	return docID, indexed, nil
}

// Retrieve returns the topK chunks nearest to the query. Querying an
// empty index, or failing to embed the query, is an error.
func (e *Engine) Retrieve(ctx context.Context, query string, topK int) ([]Chunk, error) {
	e.mu.RLock()
	empty := len(e.chunks) == 0
	e.mu.RUnlock()
	if empty {
		return nil, fmt.Errorf("no documents ingested")
	}
	if topK <= 0 {
		topK = 1
	}

	qvec, err := e.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(qvec) != e.dimension {
		return nil, fmt.Errorf(
			"query embedding dimension %d does not match index dimension %d", len(qvec), e.dimension)
	}

	type scored struct {
		idx  int
		dist float32
	}
	ranked := make([]scored, len(e.vectors))
	for i, v := range e.vectors {
		ranked[i] = scored{idx: i, dist: squaredDistance(qvec, v)}
	}
	sort.Slice(ranked, func(a, b int) bool { return ranked[a].dist < ranked[b].dist })

	if topK > len(ranked) {
		topK = len(ranked)
	}
	result := make([]Chunk, topK)
	for i := 0; i < topK; i++ {
		result[i] = e.chunks[ranked[i].idx]
	}
	return result, nil
}

// Query runs Retrieve asynchronously, delivering the outcome through
// the registered callbacks.
func (e *Engine) Query(ctx context.Context, query string, topK int) {
	go func() {
		chunks, err := e.Retrieve(ctx, query, topK)
		if err != nil {
			e.logger.Warn("query failed", "error", err)
			if e.callbacks.OnError != nil {
				e.callbacks.OnError(query, err)
			}
			return
		}
		if e.callbacks.OnContext != nil {
			e.callbacks.OnContext(query, chunks)
		}
	}()
}

// ChunkCount returns the number of indexed chunks.
func (e *Engine) ChunkCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.chunks)
}

// Dimension returns the locked embedding dimension, 0 before the
// first embedding.
func (e *Engine) Dimension() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dimension
}

// Clear drops the in-memory index and, when present, the store.
func (e *Engine) Clear() error {
	e.mu.Lock()
	e.chunks = nil
	e.vectors = nil
	e.dimension = 0
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Clear(); err != nil {
			return fmt.Errorf("clear store: %w", err)
		}
	}
	e.logger.Info("index cleared")
	return nil
}

func squaredDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
