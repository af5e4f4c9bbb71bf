package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wgilpin/marginalia/internal/apperrors"
)

// openAIEmbedRequest is the request body for an OpenAI-compatible
// POST /v1/embeddings call.
type openAIEmbedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

// openAIEmbedResponse is the response body for a successful call.
type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// OpenAICompatibleConfig configures an OpenAICompatibleEmbedder.
type OpenAICompatibleConfig struct {
	// Host is the service base URL, e.g. "http://localhost:8080".
	Host string
	// Model is the model name sent with every request.
	Model string
	// Dimensions is the expected embedding dimension D.
	Dimensions int
}

// OpenAICompatibleEmbedder implements Embedder against the wider
// ecosystem's OpenAI-shaped embeddings endpoint
// (POST /v1/embeddings {input, model} -> {data:[{embedding}], model}),
// demonstrating that the retrieval orchestrator dispatches over
// embedding providers rather than being wired to one wire format.
type OpenAICompatibleEmbedder struct {
	client *http.Client
	host   string
	model  string

	mu   sync.RWMutex
	dims int
}

var _ Embedder = (*OpenAICompatibleEmbedder)(nil)

// NewOpenAICompatibleEmbedder constructs an OpenAICompatibleEmbedder.
func NewOpenAICompatibleEmbedder(cfg OpenAICompatibleConfig) *OpenAICompatibleEmbedder {
	return &OpenAICompatibleEmbedder{
		client: &http.Client{Timeout: EmbedTimeout},
		host:   cfg.Host,
		model:  cfg.Model,
		dims:   cfg.Dimensions,
	}
}

// Embed generates the embedding for a single text.
func (e *OpenAICompatibleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(openAIEmbedRequest{Input: text, Model: e.model})
	if err != nil {
		return nil, apperrors.InternalError("marshal embeddings request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.InternalError("build embeddings request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperrors.EmbeddingError("embeddings service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingLoading,
			fmt.Sprintf("embeddings request failed with status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingServerError,
			fmt.Sprintf("embeddings request failed with status %d", resp.StatusCode), nil)
	}

	var result openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.EmbeddingError("decode embeddings response", err)
	}
	if len(result.Data) == 0 {
		return nil, apperrors.EmbeddingError("empty embeddings response", nil)
	}

	vec := result.Data[0].Embedding
	e.mu.RLock()
	expected := e.dims
	e.mu.RUnlock()
	if expected != 0 && len(vec) != expected {
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingDimensionMismatch,
			fmt.Sprintf("expected dimension %d, got %d", expected, len(vec)), nil)
	}
	if expected == 0 {
		e.mu.Lock()
		e.dims = len(vec)
		e.mu.Unlock()
	}

	return vec, nil
}

// EmbedBatch embeds each text in turn.
func (e *OpenAICompatibleEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d of %d: %w", i+1, len(texts), err)
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the embedding dimension, 0 until the first
// successful embed if constructed without a configured dimension.
func (e *OpenAICompatibleEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the configured model name.
func (e *OpenAICompatibleEmbedder) ModelName() string {
	return e.model
}

// HealthCheck has no dedicated health endpoint in the OpenAI-compatible
// protocol, so readiness is inferred from whether a minimal embed call
// succeeds.
func (e *OpenAICompatibleEmbedder) HealthCheck(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := e.Embed(ctx, "health check"); err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeEmbeddingUnreachable {
			return StatusLoading, err
		}
		return StatusLoading, err
	}
	return StatusReady, nil
}

// Close releases resources. The shared *http.Client keeps no
// provider-specific state that needs closing.
func (e *OpenAICompatibleEmbedder) Close() error {
	return nil
}
