package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter implements the Adapter interface for OpenAI and any
// OpenAI-compatible chat completions endpoint.
type OpenAIAdapter struct {
	client  openai.Client
	name    string
	baseURL string
	models  []string
	// completionTokens sends max_completion_tokens instead of max_tokens.
	// Compatible servers generally only understand the latter.
	completionTokens bool
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	name             string
	baseURL          string
	models           []string
	httpClient       *http.Client
	completionTokens bool
	completionSet    bool
}

// WithName overrides the adapter name reported in responses.
func WithName(name string) OpenAIOption {
	return func(c *openAIConfig) { c.name = name }
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = baseURL }
}

// WithModels sets the models advertised by Models.
func WithModels(models ...string) OpenAIOption {
	return func(c *openAIConfig) { c.models = append([]string(nil), models...) }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(c *openAIConfig) { c.httpClient = client }
}

// WithCompletionTokens selects the max_completion_tokens field.
func WithCompletionTokens(enabled bool) OpenAIOption {
	return func(c *openAIConfig) {
		c.completionTokens = enabled
		c.completionSet = true
	}
}

// NewOpenAIAdapter creates a new OpenAI adapter. An API key is only required
// when talking to the default OpenAI endpoint.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) (*OpenAIAdapter, error) {
	cfg := openAIConfig{name: "openai"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if apiKey == "" && cfg.baseURL == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if !cfg.completionSet {
		cfg.completionTokens = cfg.baseURL == ""
	}
	if len(cfg.models) == 0 && cfg.baseURL == "" {
		cfg.models = []string{"gpt-5.2", "gpt-4o"}
	}

	// Retries belong to the executor, which also has to account for them.
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	} else {
		// Local servers ignore the key but the header must be present.
		reqOpts = append(reqOpts, option.WithAPIKey("not-needed"))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &OpenAIAdapter{
		client:           openai.NewClient(reqOpts...),
		name:             cfg.name,
		baseURL:          cfg.baseURL,
		models:           cfg.models,
		completionTokens: cfg.completionTokens,
	}, nil
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Models returns the list of supported models.
func (a *OpenAIAdapter) Models() []string {
	return append([]string(nil), a.models...)
}

// BaseURL returns the configured endpoint, empty for the OpenAI default.
func (a *OpenAIAdapter) BaseURL() string {
	return a.baseURL
}

// Generate sends a chat completion request.
func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
	}
	if req.MaxTokens > 0 {
		if a.completionTokens {
			params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
		} else {
			params.MaxTokens = openai.Int(int64(req.MaxTokens))
		}
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params, extraBody(req.Extra)...)
	if err != nil {
		return nil, wrapProviderError(a.name, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices: %w", a.name, ErrEmptyResponse)
	}

	usage := Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}.Normalize()
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &Response{
		Content:      resp.Choices[0].Message.Content,
		Adapter:      a.name,
		Model:        model,
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        &usage,
	}, nil
}

// Probe lists models, which every compatible server supports cheaply.
func (a *OpenAIAdapter) Probe(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx); err != nil {
		return wrapProviderError(a.name, err)
	}
	return nil
}

// extraBody turns shaping extras into body overrides. Keys are applied in
// sorted order so nested paths land deterministically.
func extraBody(extra map[string]any) []option.RequestOption {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	opts := make([]option.RequestOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, option.WithJSONSet(k, extra[k]))
	}
	return opts
}
