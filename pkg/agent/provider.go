package agent

import (
	"context"
	"fmt"

	"github.com/harida/titian/pkg/mcp"
)

// LLMProvider is an interface for LLM API providers.
type LLMProvider interface {
	// Complete makes one model call and returns the reply's content blocks
	// in the order the model produced them.
	Complete(ctx context.Context, request LLMRequest) (*ModelReply, error)

	// Name returns the provider name.
	Name() string
}

// LLMRequest contains the request parameters for one model turn.
type LLMRequest struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Turns       []Turn
	Tools       []mcp.Tool
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory is the default ProviderCreator.
type ProviderFactory struct{}

// NewProvider creates a provider for an auth profile.
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
