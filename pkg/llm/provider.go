package llm

import "fmt"

const geminiOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// ProviderFactory builds the Provider for a profile.
type ProviderFactory func(profile AuthProfile) (Provider, error)

// NewProvider is the default ProviderFactory.
func NewProvider(profile AuthProfile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider("openai", profile.APIKey, profile.BaseURL), nil
	case "gemini":
		baseURL := profile.BaseURL
		if baseURL == "" {
			baseURL = geminiOpenAIBaseURL
		}
		return NewOpenAIProvider("gemini", profile.APIKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
