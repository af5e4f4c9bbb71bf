// Package model holds the domain entities shared across the storage,
// vector-index, and retrieval layers.
package model

import "time"

// Document is a single ingested piece of reading material: a bookmark,
// a page captured by the browser extension, or any other source tagged
// by the caller.
type Document struct {
	ID        int64
	Title     string
	Content   string
	URL       string // empty when the document has no source URL
	Source    string
	CreatedAt time.Time
	IsDead    bool
}

// Chunk is one overlapping slice of a Document's content, addressed by
// byte offsets into that document's Content field.
type Chunk struct {
	ID         int64
	DocID      int64
	ChunkIndex int
	Start      int
	End        int
	Vector     []float32 // nil until embedded
}

// Hit is a single ranked search result returned by the retrieval
// orchestrator, already deduplicated by owning document.
type Hit struct {
	DocID          int64
	Title          string
	ContentSnippet string
	Similarity     float32
}

// FullTextHit is a single keyword-search result returned by the
// storage layer's FTS5 index, ranked by SQLite's bm25-derived rank
// rather than vector similarity.
type FullTextHit struct {
	DocID   int64
	Title   string
	Snippet string
}
