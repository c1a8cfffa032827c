package adapter

import (
	"fmt"
	"strings"
)

// Spec names an adapter kind and its connection settings.
type Spec struct {
	Kind    string
	APIKey  string
	BaseURL string
}

// Kinds lists the adapter kinds New understands.
func Kinds() []string {
	return []string{"openai", "compat", "local", "nvidia", "deepseek", "anthropic", "google", "mock"}
}

// New builds an adapter from a spec.
func New(spec Spec) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case "openai":
		if spec.BaseURL != "" {
			return NewOpenAIAdapter(spec.APIKey, WithBaseURL(spec.BaseURL))
		}
		return NewOpenAIAdapter(spec.APIKey)
	case "compat":
		if spec.BaseURL == "" {
			return nil, fmt.Errorf("compat adapter requires a base URL")
		}
		return NewOpenAIAdapter(spec.APIKey, WithName("compat"), WithBaseURL(spec.BaseURL))
	case "local":
		return NewLocalAdapter(spec.BaseURL)
	case "nvidia":
		return NewNVIDIAAdapter(spec.APIKey, spec.BaseURL)
	case "deepseek":
		return NewDeepSeekAdapter(spec.APIKey)
	case "anthropic":
		return NewAnthropicAdapter(spec.APIKey)
	case "google":
		return NewGoogleAdapter(spec.APIKey)
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", spec.Kind)
	}
}
