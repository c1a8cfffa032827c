package executor

import (
	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/backend"
)

// Shape applies a backend's request profile to a prompt.
func Shape(b backend.Backend, prompt string) adapter.Request {
	req := adapter.Request{
		Model:       b.Model,
		Prompt:      prompt,
		MaxTokens:   b.Profile.MaxTokens,
		Temperature: b.Profile.Temperature,
		TopP:        b.Profile.TopP,
	}
	if len(b.Profile.Extra) > 0 {
		req.Extra = make(map[string]any, len(b.Profile.Extra))
		for k, v := range b.Profile.Extra {
			req.Extra[k] = v
		}
	}
	return req
}
