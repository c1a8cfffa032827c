package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	path string
	body map[string]any
}

func newCompatServer(t *testing.T, status int, reply string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		seen = append(seen, capturedRequest{path: r.URL.Path, body: body})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		if r.URL.Path == "/models" {
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"m","object":"model","created":0,"owned_by":"x"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"id":"c1","object":"chat.completion","created":1,"model":"served-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` + reply + `}}],
			"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), seen...)
	}
}

func TestOpenAICompatGenerateShapesRequest(t *testing.T) {
	srv, seen := newCompatServer(t, http.StatusOK, `"hello"`)

	a, err := NewOpenAIAdapter("key", WithName("nvidia"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	temp := 0.2
	resp, err := a.Generate(context.Background(), Request{
		Model:       "deepseek-ai/deepseek-v3.1",
		Prompt:      "hi",
		MaxTokens:   128,
		Temperature: &temp,
		Extra:       map[string]any{"chat_template_kwargs": map[string]any{"thinking": true}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "nvidia", resp.Adapter)
	assert.Equal(t, "served-model", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 8, resp.Usage.TotalTokens)

	reqs := seen()
	require.Len(t, reqs, 1)
	body := reqs[0].body
	assert.Equal(t, "/chat/completions", reqs[0].path)
	assert.Equal(t, "deepseek-ai/deepseek-v3.1", body["model"])
	assert.EqualValues(t, 128, body["max_tokens"])
	assert.NotContains(t, body, "max_completion_tokens")
	assert.InDelta(t, 0.2, body["temperature"], 1e-9)
	kwargs, ok := body["chat_template_kwargs"].(map[string]any)
	require.True(t, ok, "extra body not merged: %v", body)
	assert.Equal(t, true, kwargs["thinking"])
}

func TestOpenAICompatErrorsCarryStatus(t *testing.T) {
	srv, _ := newCompatServer(t, http.StatusServiceUnavailable, `""`)
	a, err := NewOpenAIAdapter("", WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = a.Generate(context.Background(), Request{Model: "m", Prompt: "hi"})
	require.Error(t, err)

	var adapterErr *AdapterError
	require.True(t, errors.As(err, &adapterErr))
	assert.Equal(t, http.StatusServiceUnavailable, adapterErr.Status)
	assert.True(t, IsTransient(err))
}

func TestOpenAICompatProbe(t *testing.T) {
	srv, seen := newCompatServer(t, http.StatusOK, `"x"`)
	a, err := NewLocalAdapter(srv.URL)
	require.NoError(t, err)

	require.NoError(t, a.Probe(context.Background()))
	reqs := seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/models", reqs[0].path)
}

func TestNewOpenAIAdapterRequiresKeyForDefaultEndpoint(t *testing.T) {
	_, err := NewOpenAIAdapter("")
	require.Error(t, err)

	a, err := NewOpenAIAdapter("k")
	require.NoError(t, err)
	assert.True(t, a.completionTokens)
	assert.Equal(t, "openai", a.Name())
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"429", &AdapterError{Status: http.StatusTooManyRequests}, true},
		{"502", &AdapterError{Status: http.StatusBadGateway}, true},
		{"400", &AdapterError{Status: http.StatusBadRequest}, false},
		{"temporary", &AdapterError{Temporary: true}, true},
		{"plain", errors.New("nope"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestMockAdapterFailureInjection(t *testing.T) {
	boom := errors.New("boom")
	m := NewMockAdapter().Named("m1").FailWith(boom, 2)

	for i := 0; i < 2; i++ {
		_, err := m.Generate(context.Background(), Request{Prompt: "p"})
		require.ErrorIs(t, err, boom)
	}
	resp, err := m.Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "m1", resp.Adapter)
	assert.Equal(t, 3, m.Calls())
	assert.Equal(t, "p", m.LastRequest().Prompt)
}

func TestMockAdapterDelayHonoursContext(t *testing.T) {
	m := NewMockAdapter().WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Generate(ctx, Request{Prompt: "p"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewFromSpec(t *testing.T) {
	a, err := New(Spec{Kind: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", a.Name())

	a, err = New(Spec{Kind: "local", BaseURL: "http://127.0.0.1:9/v1"})
	require.NoError(t, err)
	assert.Equal(t, "local", a.Name())
	_, ok := a.(Prober)
	assert.True(t, ok)

	_, err = New(Spec{Kind: "compat"})
	require.Error(t, err)

	_, err = New(Spec{Kind: "nvidia"})
	require.Error(t, err)

	_, err = New(Spec{Kind: "carrier-pigeon"})
	require.Error(t, err)
}
