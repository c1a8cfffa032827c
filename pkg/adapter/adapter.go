// Package adapter wraps model provider SDKs behind one interface. The router
// treats every backend as an opaque Adapter that may fail.
package adapter

import "context"

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends a request to the model and returns its reply.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Prober is implemented by adapters that can cheaply check liveness.
type Prober interface {
	Probe(ctx context.Context) error
}

// Request is a single prompt with backend-specific shaping applied.
type Request struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	// Extra is merged into the provider request body where supported,
	// keyed by JSON path (e.g. "chat_template_kwargs.thinking").
	Extra map[string]any
}
