package classify

import (
	"fmt"

	"github.com/arbiterlabs/arbiter/internal/domain"
)

// Provider constants
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderLexical   = "lexical"
	ProviderMock      = "mock"
)

// NewBackend creates a classification backend by provider name. The lexical
// backend is fully deterministic and needs no key; it doubles as the
// offline/test backend and the degrade target when a remote provider is
// unavailable.
func NewBackend(provider, apiKey string) (domain.ClassificationBackend, error) {
	switch provider {
	case ProviderOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for OpenAI provider")
		}
		return NewOpenAIBackend(apiKey), nil

	case ProviderAnthropic:
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for Anthropic provider")
		}
		return NewAnthropicBackend(apiKey), nil

	case ProviderLexical:
		return NewLexicalBackend(), nil

	case ProviderMock:
		return NewMockBackend(), nil

	default:
		return nil, fmt.Errorf("unknown classification provider: %s (valid options: openai, anthropic, lexical, mock)", provider)
	}
}
