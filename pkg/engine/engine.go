// Package engine is the routing core's single entry point: it decides a
// fallback chain for a request, executes it and records the outcome.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/backend"
	"github.com/zen-systems/routegate/pkg/confidence"
	"github.com/zen-systems/routegate/pkg/events"
	"github.com/zen-systems/routegate/pkg/executor"
	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/metrics"
	"github.com/zen-systems/routegate/pkg/router"
	"github.com/zen-systems/routegate/pkg/task"
)

// Request is a query to route.
type Request struct {
	Text               string `json:"text"`
	SizeBytes          int64  `json:"size_bytes,omitempty"`
	TaskHint           string `json:"task_hint,omitempty"`
	ExplicitPreference string `json:"explicit_preference,omitempty"`
}

// Response is a successfully answered query.
type Response struct {
	Content           string             `json:"content"`
	BackendUsed       string             `json:"backend_used"`
	Model             string             `json:"model,omitempty"`
	ChainAttempted    []string           `json:"chain_attempted"`
	Confidence        float64            `json:"confidence"`
	Reason            string             `json:"reason"`
	DecisionLatencyMs float64            `json:"decision_latency_ms"`
	DecisionID        string             `json:"decision_id"`
	Rule              router.Rule        `json:"rule"`
	Category          task.Category      `json:"category"`
	Position          int                `json:"position"`
	Degraded          bool               `json:"degraded,omitempty"`
	Attempts          []executor.Attempt `json:"attempts"`
	Usage             *adapter.Usage     `json:"usage,omitempty"`
}

// Engine wires the routing components together.
type Engine struct {
	registry  *backend.Registry
	monitor   *health.Monitor
	scorer    *confidence.Scorer
	policy    *router.Policy
	exec      *executor.Executor
	recorder  *metrics.Recorder
	prober    *health.Prober
	store     confidence.Store
	persister *confidence.Persister
	flight    *singleflight.Group
	logger    zerolog.Logger

	persisting bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	closeOnce  sync.Once
}

type settings struct {
	classifier    task.Classifier
	thresholds    router.Thresholds
	retry         executor.RetryPolicy
	cooldown      time.Duration
	significance  uint64
	z             float64
	probeInterval time.Duration
	probeTimeout  time.Duration
	store         confidence.Store
	queueSize     int
	publisher     events.Publisher
	metricsOpts   []metrics.Option
	clock         func() time.Time
	cache         *executor.ResponseCache
	coalesce      bool
	logger        zerolog.Logger
}

// Option configures an Engine.
type Option func(*settings)

// WithClassifier replaces the default keyword classifier.
func WithClassifier(c task.Classifier) Option {
	return func(s *settings) { s.classifier = c }
}

// WithThresholds sets routing thresholds.
func WithThresholds(th router.Thresholds) Option {
	return func(s *settings) { s.thresholds = th }
}

// WithRetry sets the in-backend retry policy.
func WithRetry(p executor.RetryPolicy) Option {
	return func(s *settings) { s.retry = p }
}

// WithCooldown sets the health cooldown window.
func WithCooldown(d time.Duration) Option {
	return func(s *settings) { s.cooldown = d }
}

// WithSignificance sets the sample count at which scores become authoritative.
func WithSignificance(n uint64) Option {
	return func(s *settings) { s.significance = n }
}

// WithZ sets the Wilson z value.
func WithZ(z float64) Option {
	return func(s *settings) { s.z = z }
}

// WithProbe enables active health probes.
func WithProbe(interval, timeout time.Duration) Option {
	return func(s *settings) {
		s.probeInterval = interval
		s.probeTimeout = timeout
	}
}

// WithStore persists outcome counters. The engine closes the store.
func WithStore(store confidence.Store, queueSize int) Option {
	return func(s *settings) {
		s.store = store
		s.queueSize = queueSize
	}
}

// WithPublisher forwards outcomes as events. The engine closes it.
func WithPublisher(p events.Publisher) Option {
	return func(s *settings) { s.publisher = p }
}

// WithMetrics passes options to the metrics recorder.
func WithMetrics(opts ...metrics.Option) Option {
	return func(s *settings) { s.metricsOpts = append(s.metricsOpts, opts...) }
}

// WithCache answers repeated identical requests per backend from a TTL
// cache holding at most maxEntries responses.
func WithCache(maxEntries int, ttl time.Duration) Option {
	return func(s *settings) { s.cache = executor.NewResponseCache(maxEntries, ttl) }
}

// WithCoalescing lets identical concurrent requests share one execution.
func WithCoalescing() Option {
	return func(s *settings) { s.coalesce = true }
}

// WithClock overrides the clock used by health tracking and routing.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.clock = now }
}

// WithLogger sets the parent logger; components log with a component field.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// New builds an engine over a registry and one adapter per backend id. The
// engine owns the store and publisher passed as options; New closes them when
// it fails.
func New(reg *backend.Registry, adapters map[string]adapter.Adapter, opts ...Option) (_ *Engine, err error) {
	s := settings{
		thresholds: router.DefaultThresholds(),
		retry:      executor.RetryPolicy{BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second},
		cooldown:   health.DefaultCooldown,
		z:          confidence.DefaultZ,
		queueSize:  1024,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	defer func() {
		if err == nil {
			return
		}
		if s.store != nil {
			_ = s.store.Close()
		}
		if s.publisher != nil {
			_ = s.publisher.Close()
		}
	}()
	if s.classifier == nil {
		kc, err := task.NewKeywordClassifier(task.DefaultRules())
		if err != nil {
			return nil, err
		}
		s.classifier = kc
	}

	e := &Engine{registry: reg, store: s.store, logger: component(s.logger, "engine")}
	if s.coalesce {
		e.flight = &singleflight.Group{}
	}

	monitorOpts := []health.Option{health.WithCooldown(s.cooldown), health.WithLogger(component(s.logger, "health"))}
	policyOpts := []router.Option{router.WithThresholds(s.thresholds), router.WithLogger(component(s.logger, "router"))}
	if s.clock != nil {
		monitorOpts = append(monitorOpts, health.WithClock(s.clock))
		policyOpts = append(policyOpts, router.WithClock(s.clock))
	}
	e.monitor = health.NewMonitor(reg.IDs(), monitorOpts...)

	scorerOpts := []confidence.Option{confidence.WithZ(s.z)}
	if s.significance > 0 {
		scorerOpts = append(scorerOpts, confidence.WithSignificance(s.significance))
	}
	if s.store != nil {
		e.persister = confidence.NewPersister(s.store, s.queueSize, component(s.logger, "confidence"))
		scorerOpts = append(scorerOpts, confidence.WithSink(e.persister))
	}
	e.scorer = confidence.NewScorer(scorerOpts...)

	e.policy = router.NewPolicy(reg, e.monitor, e.scorer, s.classifier, policyOpts...)

	execOpts := []executor.Option{
		executor.WithRetry(s.retry),
		executor.WithLogger(component(s.logger, "executor")),
	}
	if s.cache != nil {
		execOpts = append(execOpts, executor.WithCache(s.cache))
	}
	exec, err := executor.New(reg, adapters, e.monitor, e.scorer, execOpts...)
	if err != nil {
		return nil, err
	}
	e.exec = exec

	metricsOpts := append([]metrics.Option{metrics.WithLogger(component(s.logger, "metrics"))}, s.metricsOpts...)
	if s.publisher != nil {
		metricsOpts = append(metricsOpts, metrics.WithPublisher(s.publisher))
	}
	e.recorder = metrics.NewRecorder(metricsOpts...)
	if e.persister != nil {
		dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "routegate_stats_persist_dropped_total",
			Help: "Outcomes not persisted because the write queue was full",
		}, func() float64 { return float64(e.persister.Dropped()) })
		if rerr := e.recorder.Registry().Register(dropped); rerr != nil {
			e.logger.Warn().Err(rerr).Msg("persist drop counter not registered")
		}
	}

	probes := make(map[string]health.Probe)
	for id, a := range adapters {
		if p, ok := a.(adapter.Prober); ok && reg.Has(id) {
			probes[id] = p.Probe
		}
	}
	e.prober = health.NewProber(e.monitor, probes, s.probeInterval, s.probeTimeout, component(s.logger, "health"))
	return e, nil
}

// Start seeds the scorer from the store and launches background workers.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		if e.store != nil {
			stats, lerr := e.store.Load(ctx)
			if lerr != nil {
				err = fmt.Errorf("load outcome stats: %w", lerr)
				return
			}
			e.scorer.Restore(stats)
			e.persister.Start()
			e.persisting = true
			e.logger.Info().Int("pairs", len(stats)).Msg("outcome stats restored")
		}
		e.recorder.Start()

		runCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.prober.Run(runCtx)
		}()
	})
	return err
}

// Close stops background work and flushes pending metrics and outcomes.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		if rerr := e.recorder.Close(); rerr != nil {
			err = rerr
		}
		if e.persisting {
			e.persister.Close()
		}
		if e.store != nil {
			if serr := e.store.Close(); serr != nil && err == nil {
				err = serr
			}
		}
	})
	return err
}

// Route returns the decision for a request without executing it.
func (e *Engine) Route(req Request) (*router.Decision, error) {
	return e.policy.Decide(toRouterRequest(req))
}

// DecideAndExecute routes the request and walks the resulting chain. It
// returns backend.ErrInvalidBackend for an unknown explicit preference and
// an *executor.ExhaustedError when every backend in the chain failed.
//
// With coalescing enabled, a request identical to one already in flight
// waits for that execution and shares its response.
func (e *Engine) DecideAndExecute(ctx context.Context, req Request) (*Response, error) {
	if e.flight == nil {
		return e.decideAndExecute(ctx, req)
	}

	ch := e.flight.DoChan(flightKey(req), func() (any, error) {
		return e.decideAndExecute(ctx, req)
	})
	select {
	case <-ctx.Done():
		return nil, &executor.ExhaustedError{Last: ctx.Err(), Canceled: true}
	case r := <-ch:
		var ex *executor.ExhaustedError
		if r.Err != nil && errors.As(r.Err, &ex) && ex.Canceled && ctx.Err() == nil {
			// The caller that ran the shared execution gave up; this one
			// has not, so it runs its own.
			return e.decideAndExecute(ctx, req)
		}
		if r.Err != nil {
			return nil, r.Err
		}
		resp := *r.Val.(*Response)
		return &resp, nil
	}
}

func flightKey(req Request) string {
	h := sha256.New()
	for _, part := range []string{req.Text, strconv.FormatInt(req.SizeBytes, 10), req.TaskHint, req.ExplicitPreference} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) decideAndExecute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	d, err := e.policy.Decide(toRouterRequest(req))
	if err != nil {
		return nil, err
	}

	res, err := e.exec.Run(ctx, d.Chain, executor.Request{Prompt: req.Text, Category: d.Category})
	e.recorder.Record(metrics.Outcome{Decision: d, Result: res, Err: err, Duration: time.Since(start)})
	if err != nil {
		e.logger.Warn().Err(err).Str("decision", d.ID).Strs("chain", d.Chain).Msg("request failed")
		return nil, err
	}

	out := &Response{
		Content:           res.Response.Content,
		BackendUsed:       res.Backend,
		Model:             res.Response.Model,
		ChainAttempted:    attempted(res),
		Confidence:        d.Confidence,
		Reason:            d.Reason,
		DecisionLatencyMs: float64(d.Latency) / float64(time.Millisecond),
		DecisionID:        d.ID,
		Rule:              d.Rule,
		Category:          d.Category,
		Position:          res.Position,
		Degraded:          d.Degraded,
		Attempts:          res.Attempts,
		Usage:             res.Response.Usage,
	}
	return out, nil
}

func attempted(res *executor.Result) []string {
	out := make([]string, 0, len(res.Attempts))
	for _, a := range res.Attempts {
		out = append(out, a.Backend)
	}
	return out
}

func toRouterRequest(req Request) router.Request {
	return router.Request{
		Text:               req.Text,
		SizeBytes:          req.SizeBytes,
		TaskHint:           req.TaskHint,
		ExplicitPreference: req.ExplicitPreference,
	}
}

// Metrics returns the aggregated metrics snapshot.
func (e *Engine) Metrics() metrics.Snapshot {
	snap := e.recorder.Snapshot()
	if e.persister != nil {
		snap.PersistDropped = e.persister.Dropped()
	}
	return snap
}

// Decisions returns recently retained decisions, newest first.
func (e *Engine) Decisions() []metrics.DecisionRecord {
	return e.recorder.Decisions()
}

// Recorder exposes the metrics recorder, e.g. for Prometheus exposition.
func (e *Engine) Recorder() *metrics.Recorder {
	return e.recorder
}

// Backends lists registered backends in priority order.
func (e *Engine) Backends() []backend.Backend {
	return e.registry.List()
}

// Health returns the current health snapshot.
func (e *Engine) Health() map[string]health.State {
	return e.monitor.Snapshot()
}

// ProbeAll checks every probeable backend once and updates health.
func (e *Engine) ProbeAll(ctx context.Context) {
	e.prober.ProbeAll(ctx)
}

// Stats returns outcome counters with their Wilson scores.
func (e *Engine) Stats() []confidence.Entry {
	return e.scorer.SortedSnapshot()
}

// Significance returns the sample count at which scores are authoritative.
func (e *Engine) Significance() uint64 {
	return e.scorer.Significance()
}

// ResetStats clears outcome counters in memory and in the store.
func (e *Engine) ResetStats(ctx context.Context) error {
	e.scorer.Reset()
	if e.store != nil {
		if err := e.store.Reset(ctx); err != nil {
			return fmt.Errorf("reset outcome store: %w", err)
		}
	}
	e.logger.Info().Msg("outcome stats reset")
	return nil
}
