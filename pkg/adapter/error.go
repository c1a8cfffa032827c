package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// ErrEmptyResponse is returned when a provider answers without content.
var ErrEmptyResponse = errors.New("empty response")

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		if adapterErr.Temporary {
			return true
		}
		if adapterErr.Status == http.StatusTooManyRequests || (adapterErr.Status >= 500 && adapterErr.Status <= 599) {
			return true
		}
	}
	return false
}

// wrapProviderError normalizes SDK errors into *AdapterError so status codes
// survive for IsTransient.
func wrapProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s API error: %w", provider, err)

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return &AdapterError{Status: openaiErr.StatusCode, Err: wrapped}
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return &AdapterError{Status: anthropicErr.StatusCode, Err: wrapped}
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return &AdapterError{Status: genaiErr.Code, Err: wrapped}
	}
	return wrapped
}
