// Package executor walks a fallback chain, invoking each backend in turn
// until one succeeds, and feeds every outcome back into the health and
// statistics trackers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/backend"
	"github.com/zen-systems/routegate/pkg/task"
)

var (
	// ErrBackendUnavailable wraps every per-backend failure.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrAllBackendsExhausted is matched by *ExhaustedError.
	ErrAllBackendsExhausted = errors.New("all backends exhausted")
)

// HealthReporter receives call outcomes per backend.
type HealthReporter interface {
	ReportOutcome(backendID string, success bool)
}

// OutcomeRecorder receives call outcomes per backend and category.
type OutcomeRecorder interface {
	RecordOutcome(backendID string, category task.Category, success bool)
}

// RetryPolicy bounds retries of transient errors within one chain entry.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Request is what the executor sends down the chain.
type Request struct {
	Prompt   string
	Category task.Category
}

// Attempt records one chain entry.
type Attempt struct {
	Backend  string        `json:"backend"`
	Position int           `json:"position"`
	Retries  int           `json:"retries"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
	Err      error         `json:"-"`
	Usage    adapter.Usage `json:"usage"`
	Cost     adapter.Cost  `json:"cost"`
	// Cache is CacheHit or CacheMiss when a response cache is configured.
	Cache string `json:"cache,omitempty"`
}

// Result is a successful run.
type Result struct {
	Response *adapter.Response `json:"response"`
	Backend  string            `json:"backend"`
	Position int               `json:"position"`
	Chain    []string          `json:"chain"`
	Attempts []Attempt         `json:"attempts"`
	Duration time.Duration     `json:"duration_ns"`
}

// FallbackUsed reports whether a backend other than the primary answered.
func (r *Result) FallbackUsed() bool {
	return r != nil && r.Position > 0
}

// ExhaustedError is returned when no chain entry succeeded.
type ExhaustedError struct {
	Chain    []string
	Attempts []Attempt
	Last     error
	// Canceled is set when the caller's context ended the walk early.
	Canceled bool
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s after %d of %d backends", ErrAllBackendsExhausted, len(e.Attempts), len(e.Chain))
	if e.Canceled {
		msg += " (canceled)"
	}
	for _, a := range e.Attempts {
		msg += fmt.Sprintf("; %s: %s", a.Backend, a.Error)
	}
	return msg
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllBackendsExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Executor runs fallback chains. It is safe for concurrent use.
type Executor struct {
	registry *backend.Registry
	adapters map[string]adapter.Adapter
	health   HealthReporter
	scores   OutcomeRecorder
	limiters map[string]*rate.Limiter
	retry    RetryPolicy
	cache    *ResponseCache
	logger   zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetry sets the in-backend retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(e *Executor) { e.retry = p }
}

// WithCache answers repeated requests from c instead of calling the backend.
func WithCache(c *ResponseCache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor. adapters is keyed by backend id and must cover
// every registered backend.
func New(reg *backend.Registry, adapters map[string]adapter.Adapter, h HealthReporter, s OutcomeRecorder, opts ...Option) (*Executor, error) {
	e := &Executor{
		registry: reg,
		adapters: make(map[string]adapter.Adapter, len(adapters)),
		health:   h,
		scores:   s,
		limiters: make(map[string]*rate.Limiter),
		retry:    RetryPolicy{BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, b := range reg.List() {
		a, ok := adapters[b.ID]
		if !ok || a == nil {
			return nil, fmt.Errorf("no adapter for backend %q", b.ID)
		}
		e.adapters[b.ID] = a
		if b.RatePerMinute > 0 {
			e.limiters[b.ID] = rate.NewLimiter(rate.Limit(float64(b.RatePerMinute)/60), b.RatePerMinute)
		}
	}
	return e, nil
}

// Run attempts each backend in chain order and returns the first success.
// Every outcome is recorded before the next entry is tried. If the caller's
// context ends, the walk stops without blaming the backend in flight.
func (e *Executor) Run(ctx context.Context, chain []string, req Request) (*Result, error) {
	start := time.Now()
	attempts := make([]Attempt, 0, len(chain))
	var lastErr error

	exhausted := func(canceled bool) error {
		if lastErr == nil {
			lastErr = errors.New("empty chain")
		}
		return &ExhaustedError{
			Chain:    append([]string(nil), chain...),
			Attempts: attempts,
			Last:     lastErr,
			Canceled: canceled,
		}
	}

	for pos, id := range chain {
		if err := ctx.Err(); err != nil {
			lastErr = err
			return nil, exhausted(true)
		}

		b, err := e.registry.Get(id)
		if err != nil {
			lastErr = err
			attempts = append(attempts, failedAttempt(id, pos, 0, 0, err))
			continue
		}

		shaped := Shape(b, req.Prompt)
		var key, cacheState string
		if e.cache != nil {
			if k, ok := cacheKey(b.ID, shaped); ok {
				key = k
				if resp, hit := e.cache.get(key); hit {
					// a hit records no outcome and costs nothing
					attempts = append(attempts, Attempt{
						Backend:  b.ID,
						Position: pos,
						Usage:    normalizeUsage(resp.Usage),
						Cache:    CacheHit,
					})
					e.logger.Debug().Str("backend", b.ID).Msg("cache hit")
					return &Result{
						Response: resp,
						Backend:  b.ID,
						Position: pos,
						Chain:    append([]string(nil), chain...),
						Attempts: attempts,
						Duration: time.Since(start),
					}, nil
				}
				cacheState = CacheMiss
			}
		}

		callStart := time.Now()
		resp, retries, err := e.call(ctx, b, shaped)
		dur := time.Since(callStart)

		if err == nil {
			e.record(b.ID, req.Category, true)
			if key != "" {
				e.cache.add(key, resp)
			}
			usage := normalizeUsage(resp.Usage)
			attempts = append(attempts, Attempt{
				Backend:  b.ID,
				Position: pos,
				Retries:  retries,
				Duration: dur,
				Usage:    usage,
				Cost:     estimateCost(b.Pricing, usage),
				Cache:    cacheState,
			})
			if pos > 0 {
				e.logger.Info().Str("backend", b.ID).Int("position", pos).Msg("fallback succeeded")
			}
			return &Result{
				Response: resp,
				Backend:  b.ID,
				Position: pos,
				Chain:    append([]string(nil), chain...),
				Attempts: attempts,
				Duration: time.Since(start),
			}, nil
		}

		lastErr = err
		failed := failedAttempt(b.ID, pos, retries, dur, err)
		failed.Cache = cacheState
		attempts = append(attempts, failed)
		if ctx.Err() != nil {
			return nil, exhausted(true)
		}

		e.record(b.ID, req.Category, false)
		e.logger.Warn().Err(err).Str("backend", b.ID).Int("position", pos).
			Dur("duration", dur).Msg("backend failed, advancing chain")
	}

	return nil, exhausted(false)
}

func (e *Executor) record(id string, c task.Category, success bool) {
	if e.health != nil {
		e.health.ReportOutcome(id, success)
	}
	if e.scores != nil {
		e.scores.RecordOutcome(id, c, success)
	}
}

// call invokes one backend under its timeout, waiting on its rate limiter
// and retrying transient errors. The timeout covers all of it.
func (e *Executor) call(ctx context.Context, b backend.Backend, shaped adapter.Request) (*adapter.Response, int, error) {
	callCtx := ctx
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	if lim := e.limiters[b.ID]; lim != nil {
		if err := lim.Wait(callCtx); err != nil {
			return nil, 0, fmt.Errorf("%w: %s: rate limit: %w", ErrBackendUnavailable, b.ID, err)
		}
	}

	a := e.adapters[b.ID]
	for attempt := 0; ; attempt++ {
		resp, err := a.Generate(callCtx, shaped)
		if err == nil && (resp == nil || resp.Content == "") {
			err = adapter.ErrEmptyResponse
		}
		if err == nil {
			return resp, attempt, nil
		}

		if !adapter.IsTransient(err) || attempt >= e.retry.MaxRetries || callCtx.Err() != nil {
			return nil, attempt, fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, b.ID, err)
		}

		backoff := computeBackoff(e.retry.BaseBackoff, e.retry.MaxBackoff, attempt)
		e.logger.Debug().Err(err).Str("backend", b.ID).Int("attempt", attempt+1).
			Dur("backoff", backoff).Msg("transient error, retrying")
		if serr := sleepWithContext(callCtx, backoff); serr != nil {
			return nil, attempt, fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, b.ID, err)
		}
	}
}

func failedAttempt(id string, pos, retries int, dur time.Duration, err error) Attempt {
	return Attempt{
		Backend:  id,
		Position: pos,
		Retries:  retries,
		Duration: dur,
		Error:    err.Error(),
		Err:      err,
	}
}

func computeBackoff(base, limit time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
