package embed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgilpin/marginalia/internal/apperrors"
)

func TestOpenAICompatibleEmbedder_Embed_ReturnsFirstDataVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "some text", req.Input)
		assert.Equal(t, "text-embedder", req.Model)

		_ = json.NewEncoder(w).Encode(openAIEmbedResponse{
			Data: []struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{{Embedding: []float32{0.5, 0.5}, Index: 0}},
			Model: "text-embedder",
		})
	}))
	defer srv.Close()

	e := NewOpenAICompatibleEmbedder(OpenAICompatibleConfig{Host: srv.URL, Model: "text-embedder"})

	vec, err := e.Embed(t.Context(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)
	assert.Equal(t, 2, e.Dimensions())
}

func TestOpenAICompatibleEmbedder_Embed_DimensionMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openAIEmbedResponse{
			Data: []struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{{Embedding: []float32{0.5, 0.5}, Index: 0}},
		})
	}))
	defer srv.Close()

	e := NewOpenAICompatibleEmbedder(OpenAICompatibleConfig{Host: srv.URL, Dimensions: 768})

	_, err := e.Embed(t.Context(), "x")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeEmbeddingDimensionMismatch, apperrors.GetCode(err))
}

func TestOpenAICompatibleEmbedder_Embed_ServerErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewOpenAICompatibleEmbedder(OpenAICompatibleConfig{Host: srv.URL})

	_, err := e.Embed(t.Context(), "x")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeEmbeddingServerError, apperrors.GetCode(err))
}

func TestOpenAICompatibleEmbedder_Embed_ServiceUnavailableIsLoading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewOpenAICompatibleEmbedder(OpenAICompatibleConfig{Host: srv.URL})

	_, err := e.Embed(t.Context(), "x")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeEmbeddingLoading, apperrors.GetCode(err))
}

func TestOpenAICompatibleEmbedder_Embed_EmptyDataFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openAIEmbedResponse{})
	}))
	defer srv.Close()

	e := NewOpenAICompatibleEmbedder(OpenAICompatibleConfig{Host: srv.URL})

	_, err := e.Embed(t.Context(), "x")
	require.Error(t, err)
}
