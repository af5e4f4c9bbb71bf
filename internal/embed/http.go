package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/wgilpin/marginalia/internal/apperrors"
)

// HTTPConfig configures an HTTPEmbedder.
type HTTPConfig struct {
	// Host is the embedding service base URL, e.g. "http://localhost:8000".
	Host string

	// Dimensions is the expected embedding dimension D. A response whose
	// embedding length or declared dimension differs fails with
	// ErrCodeEmbeddingDimensionMismatch.
	Dimensions int

	// PoolSize bounds the HTTP connection pool.
	PoolSize int
}

// DefaultHTTPConfig returns the spec's default embedding service port
// (8000) with no dimension pre-validation (first response sets it).
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Host:       "http://localhost:8000",
		Dimensions: 0,
		PoolSize:   4,
	}
}

// HTTPEmbedder implements Embedder against the spec's embedding
// service protocol: POST /embed {text} -> {embedding, model, dimension},
// GET /health -> {model_loaded}. A 503 response means the model is
// still loading and is retried with exponential backoff (base 500ms,
// up to 10 attempts) before failing with ErrCodeEmbeddingLoading.
type HTTPEmbedder struct {
	client    *http.Client
	transport *http.Transport
	host      string

	mu        sync.RWMutex
	closed    bool
	dims      int
	modelName string
}

var _ Embedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder constructs an HTTPEmbedder. It does not probe the
// service; callers that want to fail fast should call HealthCheck.
func NewHTTPEmbedder(cfg HTTPConfig) *HTTPEmbedder {
	if cfg.Host == "" {
		cfg.Host = DefaultHTTPConfig().Host
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultHTTPConfig().PoolSize
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	return &HTTPEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		host:      cfg.Host,
		dims:      cfg.Dimensions,
	}
}

// Embed generates the embedding for a single text, retrying while the
// service reports 503 (loading).
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, apperrors.InternalError("embedder is closed", nil)
	}

	vec, model, dim, err := e.embedWithLoadingRetry(ctx, text)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.modelName = model
	if e.dims == 0 {
		e.dims = dim
	}
	e.mu.Unlock()

	return vec, nil
}

// EmbedBatch embeds each text in turn. The service contract is
// single-text, so there is no batch endpoint to call.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

// embedWithLoadingRetry performs the HTTP call, retrying a 503 with
// exponential backoff (base RetryBaseDelay, up to MaxLoadingRetries
// attempts) before failing with ErrCodeEmbeddingLoading.
func (e *HTTPEmbedder) embedWithLoadingRetry(ctx context.Context, text string) ([]float32, string, int, error) {
	delay := RetryBaseDelay

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, "", 0, ctx.Err()
		default:
		}

		vec, model, dim, status, err := e.doEmbed(ctx, text)
		if err == nil {
			return vec, model, dim, nil
		}
		if status != http.StatusServiceUnavailable {
			return nil, "", 0, err
		}
		if attempt >= MaxLoadingRetries-1 {
			return nil, "", 0, apperrors.New(apperrors.ErrCodeEmbeddingLoading,
				"embedding service still loading after "+strconv.Itoa(MaxLoadingRetries)+" attempts", err)
		}

		select {
		case <-ctx.Done():
			return nil, "", 0, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// doEmbed performs one POST /embed call, returning the HTTP status
// code alongside the error so the retry loop can distinguish 503 from
// every other failure.
func (e *HTTPEmbedder) doEmbed(ctx context.Context, text string) (vec []float32, model string, dim int, status int, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	body, marshalErr := json.Marshal(embedRequest{Text: text})
	if marshalErr != nil {
		return nil, "", 0, 0, apperrors.InternalError("marshal embed request", marshalErr)
	}

	req, reqErr := http.NewRequestWithContext(reqCtx, http.MethodPost, e.host+"/embed", bytes.NewReader(body))
	if reqErr != nil {
		return nil, "", 0, 0, apperrors.InternalError("build embed request", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := e.client.Do(req)
	if doErr != nil {
		return nil, "", 0, 0, apperrors.EmbeddingError("embedding service unreachable", doErr).
			WithSuggestion("Start the embedding service or check its configured host")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, "", 0, resp.StatusCode, errors.New("embedding service loading")
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, "", 0, resp.StatusCode, apperrors.New(apperrors.ErrCodeEmbeddingServerError,
			fmt.Sprintf("embedding server error: status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var result embedResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&result); decodeErr != nil {
		return nil, "", 0, resp.StatusCode, apperrors.EmbeddingError("decode embed response", decodeErr)
	}

	e.mu.RLock()
	expected := e.dims
	e.mu.RUnlock()

	if len(result.Embedding) != result.Dimension ||
		(expected != 0 && (result.Dimension != expected || len(result.Embedding) != expected)) {
		return nil, "", 0, resp.StatusCode, apperrors.New(apperrors.ErrCodeEmbeddingDimensionMismatch,
			fmt.Sprintf("expected dimension %d, got declared=%d actual=%d", expected, result.Dimension, len(result.Embedding)), nil)
	}

	return result.Embedding, result.Model, result.Dimension, resp.StatusCode, nil
}

// HealthCheck calls GET /health and translates model_loaded into a Status.
func (e *HTTPEmbedder) HealthCheck(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.host+"/health", nil)
	if err != nil {
		return StatusLoading, apperrors.InternalError("build health request", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return StatusLoading, apperrors.EmbeddingError("embedding service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return StatusLoading, apperrors.New(apperrors.ErrCodeEmbeddingUnreachable,
			fmt.Sprintf("health check returned status %d", resp.StatusCode), nil)
	}

	var result healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return StatusLoading, apperrors.EmbeddingError("decode health response", err)
	}
	if result.ModelLoaded {
		return StatusReady, nil
	}
	return StatusLoading, nil
}

// Dimensions returns the embedding dimension, 0 until the first
// successful embed if constructed without a configured dimension.
func (e *HTTPEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier reported by the service,
// empty until the first successful embed.
func (e *HTTPEmbedder) ModelName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modelName
}

// Close closes idle connections and marks the embedder unusable.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}
