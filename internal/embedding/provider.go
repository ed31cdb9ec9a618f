package embedding

import (
	"fmt"

	"github.com/knack-ai/knack/internal/domain"
)

// Provider constants
const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// NewClient creates an embedding client based on the provider name.
// The mock provider embeds deterministically at the given dimension.
func NewClient(provider, apiKey string, dim int) (domain.EmbeddingClient, error) {
	switch provider {
	case ProviderOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for OpenAI embeddings")
		}
		return NewOpenAIClient(apiKey), nil

	case ProviderMock:
		return NewMockClient(dim), nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (valid options: openai, mock)", provider)
	}
}
