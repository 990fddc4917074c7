package rag

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Store persists documents, chunks, and embedding vectors in SQLite
// so an index survives restarts.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// StoredChunk is a chunk row with its embedding, as loaded from disk.
type StoredChunk struct {
	DocID      string
	SourceFile string
	Index      int
	Text       string
	Embedding  []float32
}

// DocumentInfo summarizes one ingested document.
type DocumentInfo struct {
	ID         string
	SourceFile string
	ChunkCount int
	CreatedAt  time.Time
}

// NewStore opens (or creates) the chunk database at path. The
// "sqlite3" driver must be registered by the importing binary.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "rag")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			source_file TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding BLOB
		);

		CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
	`)
	return err
}

// AddDocument inserts a document row, replacing any earlier ingest
// of the same source file along with its chunks.
func (s *Store) AddDocument(id, sourceFile string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Drop a previous ingest of the same file.
	var oldID string
	err = tx.QueryRow(`SELECT id FROM documents WHERE source_file = ?`, sourceFile).Scan(&oldID)
	if err == nil {
		if _, err := tx.Exec(`DELETE FROM chunks WHERE doc_id = ?`, oldID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, oldID); err != nil {
			return err
		}
	} else if err != sql.ErrNoRows {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO documents (id, source_file, created_at) VALUES (?, ?, ?)`,
		id, sourceFile, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return tx.Commit()
}

// AddChunk persists one chunk and its embedding under a document.
func (s *Store) AddChunk(docID string, index int, text string, embedding []float32) error {
	_, err := s.db.Exec(
		`INSERT INTO chunks (doc_id, chunk_index, text, embedding) VALUES (?, ?, ?, ?)`,
		docID, index, text, encodeEmbedding(embedding),
	)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// LoadAll returns every stored chunk in document/chunk order, for
// rebuilding the in-memory index at startup.
func (s *Store) LoadAll() ([]StoredChunk, error) {
	rows, err := s.db.Query(`
		SELECT c.doc_id, d.source_file, c.chunk_index, c.text, c.embedding
		FROM chunks c JOIN documents d ON d.id = c.doc_id
		ORDER BY d.created_at, c.chunk_index
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []StoredChunk
	for rows.Next() {
		var (
			c    StoredChunk
			blob []byte
		)
		if err := rows.Scan(&c.DocID, &c.SourceFile, &c.Index, &c.Text, &blob); err != nil {
			return nil, err
		}
		c.Embedding = decodeEmbedding(blob)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Documents lists ingested documents with their chunk counts.
func (s *Store) Documents() ([]DocumentInfo, error) {
	rows, err := s.db.Query(`
		SELECT d.id, d.source_file, d.created_at, COUNT(c.id)
		FROM documents d LEFT JOIN chunks c ON c.doc_id = d.id
		GROUP BY d.id ORDER BY d.created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []DocumentInfo
	for rows.Next() {
		var (
			d  DocumentInfo
			ts string
		)
		if err := rows.Scan(&d.ID, &d.SourceFile, &ts, &d.ChunkCount); err != nil {
			return nil, err
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Clear removes all documents and chunks.
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM chunks; DELETE FROM documents;`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Embeddings are stored as packed little-endian float32s.

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}
