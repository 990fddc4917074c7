// Package rag retrieves document context for prompts: documents are
// chunked, embedded, and ranked against query embeddings, with
// chunks and vectors persisted in SQLite.
package rag

import (
	"strings"
	"unicode"
)

const (
	// DefaultChunkSize is the chunk window in characters.
	DefaultChunkSize = 512
	// DefaultChunkOverlap is how many characters consecutive chunks share.
	DefaultChunkOverlap = 50

	// sentenceLookback is how far back from the window end a sentence
	// boundary may be and still win over a plain word break.
	sentenceLookback = 100
)

// Chunk is one retrieval unit of an ingested document.
type Chunk struct {
	Text       string
	SourceFile string
	Index      int
	Length     int
}

// SplitText slices text into overlapping chunks of roughly size
// characters. Chunks prefer to end on a sentence boundary near the
// window end, then on whitespace, then cut hard. Whitespace-trimmed
// empty chunks are dropped.
func SplitText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}

	runes := []rune(text)
	length := len(runes)

	var chunks []string
	position := 0
	for position < length {
		chunkEnd := min(position+size, length)

		if chunkEnd < length {
			if brk := lastSentenceBreak(runes, chunkEnd); brk > position && chunkEnd-brk < sentenceLookback {
				chunkEnd = brk + 1
			} else if brk := lastWhitespace(runes, chunkEnd); brk > position {
				chunkEnd = brk
			}
		}

		chunk := strings.TrimSpace(string(runes[position:chunkEnd]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		// The final window consumes the tail outright; overlap only
		// applies between successive chunks.
		if chunkEnd == length {
			break
		}
		next := chunkEnd - overlap
		if next <= position {
			next = chunkEnd
		}
		position = next
	}

	return chunks
}

// lastSentenceBreak returns the index of the last sentence
// terminator at or before end that is followed by whitespace, or -1.
func lastSentenceBreak(runes []rune, end int) int {
	for i := min(end, len(runes)-1) - 1; i >= 0; i-- {
		switch runes[i] {
		case '.', '!', '?':
			if unicode.IsSpace(runes[i+1]) {
				return i
			}
		}
	}
	return -1
}

// lastWhitespace returns the index of the last whitespace rune at or
// before end, or -1.
func lastWhitespace(runes []rune, end int) int {
	for i := min(end, len(runes)-1); i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
