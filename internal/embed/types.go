// Package embed turns text into fixed-dimension vectors by calling a
// remote embedding service over HTTP.
package embed

import (
	"context"
	"time"
)

// EmbedTimeout bounds a single embedding HTTP call.
const EmbedTimeout = 30 * time.Second

// RetryBaseDelay is the initial backoff delay used while the embedding
// service reports it is still loading its model (HTTP 503).
const RetryBaseDelay = 500 * time.Millisecond

// MaxLoadingRetries is the total number of attempts made while the
// service answers 503; after the last one the call fails with
// ErrCodeEmbeddingLoading.
const MaxLoadingRetries = 10

// Status is the embedding service's readiness as reported by
// GET /health.
type Status int

const (
	// StatusReady means the model is loaded and the service will
	// serve embedding requests immediately.
	StatusReady Status = iota
	// StatusLoading means the model is still warming up.
	StatusLoading
)

func (s Status) String() string {
	if s == StatusReady {
		return "ready"
	}
	return "loading"
}

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one call per
	// text. Provided for ingestion callers that want a single method
	// to loop over; providers may override with a true batch request.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the configured embedding dimension D.
	Dimensions() int

	// ModelName returns the model identifier reported by the service.
	ModelName() string

	// HealthCheck reports whether the service is ready to embed.
	HealthCheck(ctx context.Context) (Status, error)

	// Close releases any held resources (idle HTTP connections).
	Close() error
}
