package retrieval

import (
	"time"
)

// VectorStore is the interface for vector storage and similarity search.
// The only current implementation is SQLite with brute-force cosine
// similarity, which is plenty below ~100K vectors on a desktop.
type VectorStore interface {
	// Insert adds records.
	Insert(records []Record) error

	// Search returns the top-K records most similar to the query vector.
	Search(vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteBySource removes every record embedded from the given source
	// document.
	DeleteBySource(sourceID string) error

	// SourceIDs returns the set of source document ids that currently have
	// embedded records for the given source type.
	SourceIDs(sourceType string) (map[string]bool, error)

	// Count returns the total number of records.
	Count() (int, error)
}

// Record is one embedded text chunk.
type Record struct {
	ID         string
	SourceID   string // owning document's upstream id
	SourceType string // capability the document came from
	TextChunk  string
	Embedding  []float32
	CreatedAt  time.Time
	Tags       string // JSON array stored as text
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
