package adapter

import "fmt"

// Base URLs for OpenAI-compatible providers.
const (
	DeepSeekBaseURL = "https://api.deepseek.com/v1"
	NVIDIABaseURL   = "https://integrate.api.nvidia.com/v1"
	LocalBaseURL    = "http://localhost:1234/v1"
)

// NewDeepSeekAdapter creates an adapter for the hosted DeepSeek API.
func NewDeepSeekAdapter(apiKey string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepseek API key is required")
	}
	return NewOpenAIAdapter(apiKey,
		WithName("deepseek"),
		WithBaseURL(DeepSeekBaseURL),
		WithModels("deepseek-chat", "deepseek-reasoner"),
	)
}

// NewNVIDIAAdapter creates an adapter for NVIDIA's hosted inference API.
// baseURL may be empty to use the public endpoint.
func NewNVIDIAAdapter(apiKey, baseURL string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("nvidia API key is required")
	}
	if baseURL == "" {
		baseURL = NVIDIABaseURL
	}
	return NewOpenAIAdapter(apiKey,
		WithName("nvidia"),
		WithBaseURL(baseURL),
		WithModels("deepseek-ai/deepseek-v3.1", "qwen/qwen3-coder-480b-a35b-instruct"),
	)
}

// NewLocalAdapter creates an adapter for a local OpenAI-compatible server
// such as LM Studio. No key is needed.
func NewLocalAdapter(baseURL string) (*OpenAIAdapter, error) {
	if baseURL == "" {
		baseURL = LocalBaseURL
	}
	return NewOpenAIAdapter("", WithName("local"), WithBaseURL(baseURL))
}
