package embed

import (
	"fmt"
	"strings"
)

// ProviderType selects which embedding service wire protocol to speak.
type ProviderType string

const (
	// ProviderHTTP speaks the spec's own protocol: POST /embed {text},
	// GET /health {model_loaded}.
	ProviderHTTP ProviderType = "http"

	// ProviderOpenAICompatible speaks the wider ecosystem's
	// POST /v1/embeddings {input, model} protocol.
	ProviderOpenAICompatible ProviderType = "openai_compatible"
)

// ParseProvider converts a string to a ProviderType, defaulting to
// ProviderHTTP for an empty or unrecognized value.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ProviderOpenAICompatible), "openai":
		return ProviderOpenAICompatible
	default:
		return ProviderHTTP
	}
}

// NewEmbedder dispatches to the embedder implementation matching
// provider, configured with host/model/dimensions.
func NewEmbedder(provider ProviderType, host, model string, dimensions int) (Embedder, error) {
	switch provider {
	case ProviderOpenAICompatible:
		return NewOpenAICompatibleEmbedder(OpenAICompatibleConfig{
			Host:       host,
			Model:      model,
			Dimensions: dimensions,
		}), nil
	case ProviderHTTP, "":
		return NewHTTPEmbedder(HTTPConfig{
			Host:       host,
			Dimensions: dimensions,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", provider)
	}
}
