package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockAdapter returns deterministic responses for local runs and tests.
// Failures and latency can be injected.
type MockAdapter struct {
	name            string
	responses       map[string]string
	defaultResponse string
	Usage           *Usage

	mu        sync.Mutex
	failErr   error
	failTimes int // <0 fails forever
	delay     time.Duration
	probeErr  error
	lastReq   Request

	calls atomic.Int64
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		name:            "mock",
		responses:       make(map[string]string),
		defaultResponse: "mock response:",
	}
}

// NewMockAdapterWithResponses creates a mock adapter with predefined responses.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	if responses == nil {
		responses = make(map[string]string)
	}
	return &MockAdapter{name: "mock", responses: responses, defaultResponse: defaultResponse}
}

// Named sets the adapter name and returns the adapter.
func (a *MockAdapter) Named(name string) *MockAdapter {
	a.name = name
	return a
}

// FailWith makes the next n calls fail with err. n < 0 fails every call.
func (a *MockAdapter) FailWith(err error, n int) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failErr = err
	a.failTimes = n
	return a
}

// WithDelay makes each call wait d, or until ctx is done.
func (a *MockAdapter) WithDelay(d time.Duration) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
	return a
}

// SetProbeError sets the error returned by Probe.
func (a *MockAdapter) SetProbeError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probeErr = err
}

// Calls returns how many times Generate was invoked.
func (a *MockAdapter) Calls() int {
	return int(a.calls.Load())
}

// LastRequest returns the most recent request seen by Generate.
func (a *MockAdapter) LastRequest() Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReq
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return a.name
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Probe returns the configured probe error.
func (a *MockAdapter) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probeErr
}

// Generate returns a deterministic response for the prompt.
func (a *MockAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	a.calls.Add(1)

	a.mu.Lock()
	a.lastReq = req
	delay := a.delay
	var failErr error
	if a.failErr != nil && a.failTimes != 0 {
		failErr = a.failErr
		if a.failTimes > 0 {
			a.failTimes--
		}
	}
	a.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failErr != nil {
		return nil, failErr
	}

	model := req.Model
	if model == "" {
		model = "mock-1"
	}
	content, ok := a.responses[req.Prompt]
	if !ok {
		content = fmt.Sprintf("%s\n%s", a.defaultResponse, req.Prompt)
	}
	return &Response{Content: content, Adapter: a.name, Model: model, Usage: a.Usage}, nil
}
