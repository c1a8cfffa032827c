// Package metrics aggregates routing decisions and execution outcomes off
// the request path.
package metrics

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/zen-systems/routegate/pkg/events"
	"github.com/zen-systems/routegate/pkg/executor"
	"github.com/zen-systems/routegate/pkg/router"
)

// Outcome is one request's decision and execution result. Exactly one of
// Result and Err is set.
type Outcome struct {
	Decision *router.Decision
	Result   *executor.Result
	Err      error
	Duration time.Duration
}

// DecisionRecord is a retained summary of one request.
type DecisionRecord struct {
	ID              string        `json:"id"`
	CreatedAt       time.Time     `json:"created_at"`
	Chain           []string      `json:"chain"`
	Rule            router.Rule   `json:"rule"`
	Category        string        `json:"category"`
	Confidence      float64       `json:"confidence"`
	Reason          string        `json:"reason"`
	Degraded        bool          `json:"degraded,omitempty"`
	Backend         string        `json:"backend,omitempty"`
	Position        int           `json:"position"`
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
	DecisionLatency time.Duration `json:"decision_latency_ns"`
	Duration        time.Duration `json:"duration_ns"`
}

// Snapshot is a read-only view of the aggregated metrics.
type Snapshot struct {
	TotalRequests        uint64            `json:"total_requests"`
	Succeeded            uint64            `json:"succeeded"`
	Failed               uint64            `json:"failed"`
	Canceled             uint64            `json:"canceled"`
	Fallbacks            uint64            `json:"fallbacks"`
	Degraded             uint64            `json:"degraded"`
	BackendUsage         map[string]uint64 `json:"backend_usage"`
	BackendFailures      map[string]uint64 `json:"backend_failures"`
	Rules                map[string]uint64 `json:"rules"`
	AvgDecisionLatencyMs float64           `json:"avg_decision_latency_ms"`
	AvgRequestLatencyMs  float64           `json:"avg_request_latency_ms"`
	TotalCostUSD         float64           `json:"total_cost_usd"`
	CacheHits            uint64            `json:"cache_hits"`
	CacheMisses          uint64            `json:"cache_misses"`
	Dropped              uint64            `json:"dropped"`
	// PersistDropped counts outcomes the stats store never received.
	PersistDropped uint64 `json:"persist_dropped"`
}

type message struct {
	outcome Outcome
	ack     chan struct{}
}

// Recorder aggregates outcomes on a single goroutine. Record never blocks:
// when the buffer is full the outcome is dropped and counted.
type Recorder struct {
	queue     chan message
	registry  *prometheus.Registry
	prom      *collectors
	publisher events.Publisher
	logger    zerolog.Logger

	bufferSize int
	ringSize   int
	window     int

	mu              sync.RWMutex
	total           uint64
	succeeded       uint64
	failed          uint64
	canceled        uint64
	fallbacks       uint64
	degraded        uint64
	usage           map[string]uint64
	failures        map[string]uint64
	rules           map[string]uint64
	cost            float64
	cacheHits       uint64
	cacheMisses     uint64
	decisionLatency *rollingMean
	requestLatency  *rollingMean
	ring            []DecisionRecord
	ringNext        int
	ringLen         int

	closeMu sync.RWMutex
	closed  bool
	started atomic.Bool
	done    chan struct{}
	dropped atomic.Uint64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithBufferSize sets the outcome queue length.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithRingSize sets how many recent decisions are retained.
func WithRingSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.ringSize = n
		}
	}
}

// WithLatencyWindow sets how many samples the rolling averages cover.
func WithLatencyWindow(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.window = n
		}
	}
}

// WithRegistry registers the Prometheus collectors on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Recorder) { r.registry = reg }
}

// WithPublisher forwards every outcome as an event.
func WithPublisher(p events.Publisher) Option {
	return func(r *Recorder) { r.publisher = p }
}

// WithLogger sets the recorder logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates a recorder. Call Start to begin aggregating.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		bufferSize: 1024,
		ringSize:   128,
		window:     100,
		logger:     zerolog.Nop(),
		usage:      make(map[string]uint64),
		failures:   make(map[string]uint64),
		rules:      make(map[string]uint64),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry == nil {
		r.registry = prometheus.NewRegistry()
	}
	r.prom = newCollectors(r.registry)
	r.queue = make(chan message, r.bufferSize)
	r.ring = make([]DecisionRecord, r.ringSize)
	r.decisionLatency = newRollingMean(r.window)
	r.requestLatency = newRollingMean(r.window)
	return r
}

// Registry returns the Prometheus registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Start launches the aggregator goroutine. It is safe to call once.
func (r *Recorder) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.loop()
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for msg := range r.queue {
		if msg.ack != nil {
			close(msg.ack)
			continue
		}
		r.apply(msg.outcome)
	}
}

// Record queues an outcome. It returns false if the outcome was dropped.
func (r *Recorder) Record(o Outcome) bool {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- message{outcome: o}:
		return true
	default:
		r.dropped.Add(1)
		r.prom.dropped.Inc()
		return false
	}
}

// Flush blocks until every outcome queued before the call is aggregated.
func (r *Recorder) Flush() {
	r.closeMu.RLock()
	if r.closed || !r.started.Load() {
		r.closeMu.RUnlock()
		return
	}
	ack := make(chan struct{})
	r.queue <- message{ack: ack}
	r.closeMu.RUnlock()
	<-ack
}

// Close drains the queue, stops the aggregator and closes the publisher.
func (r *Recorder) Close() error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.closeMu.Unlock()

	if r.started.Load() {
		<-r.done
	}
	if r.publisher != nil {
		return r.publisher.Close()
	}
	return nil
}

func (r *Recorder) apply(o Outcome) {
	d := o.Decision
	if d == nil {
		return
	}
	rec := DecisionRecord{
		ID:              d.ID,
		CreatedAt:       d.CreatedAt,
		Chain:           d.Chain,
		Rule:            d.Rule,
		Category:        string(d.Category),
		Confidence:      d.Confidence,
		Reason:          d.Reason,
		Degraded:        d.Degraded,
		DecisionLatency: d.Latency,
		Duration:        o.Duration,
	}

	var ex *executor.ExhaustedError
	isExhausted := errors.As(o.Err, &ex)

	r.mu.Lock()
	r.total++
	r.rules[string(d.Rule)]++
	if d.Degraded {
		r.degraded++
	}
	r.decisionLatency.add(float64(d.Latency) / float64(time.Millisecond))
	r.requestLatency.add(float64(o.Duration) / float64(time.Millisecond))

	var outcome string
	var attempts []executor.Attempt
	switch {
	case o.Result != nil:
		outcome = "success"
		r.succeeded++
		r.usage[o.Result.Backend]++
		if o.Result.FallbackUsed() {
			r.fallbacks++
		}
		rec.Backend = o.Result.Backend
		rec.Position = o.Result.Position
		rec.Success = true
		attempts = o.Result.Attempts
	case isExhausted && ex.Canceled:
		outcome = "canceled"
		r.canceled++
		rec.Error = o.Err.Error()
		attempts = ex.Attempts
	default:
		outcome = "exhausted"
		r.failed++
		if o.Err != nil {
			rec.Error = o.Err.Error()
		}
		if isExhausted {
			attempts = ex.Attempts
		}
	}
	for _, a := range attempts {
		if a.Err != nil {
			r.failures[a.Backend]++
		}
		r.cost += a.Cost.Amount
		switch a.Cache {
		case executor.CacheHit:
			r.cacheHits++
		case executor.CacheMiss:
			r.cacheMisses++
		}
	}
	r.ring[r.ringNext] = rec
	r.ringNext = (r.ringNext + 1) % len(r.ring)
	if r.ringLen < len(r.ring) {
		r.ringLen++
	}
	r.mu.Unlock()

	r.observe(outcome, d, o, rec, attempts)
	r.publish(rec, attempts)
}

func (r *Recorder) observe(outcome string, d *router.Decision, o Outcome, rec DecisionRecord, attempts []executor.Attempt) {
	r.prom.requests.WithLabelValues(outcome).Inc()
	r.prom.decisions.WithLabelValues(string(d.Rule)).Inc()
	r.prom.decisionLatency.Observe(d.Latency.Seconds())
	r.prom.requestLatency.Observe(o.Duration.Seconds())
	if rec.Success {
		r.prom.backendUsage.WithLabelValues(rec.Backend).Inc()
		if rec.Position > 0 {
			r.prom.fallbacks.Inc()
		}
	}
	for _, a := range attempts {
		if a.Err != nil {
			r.prom.backendFailures.WithLabelValues(a.Backend).Inc()
		}
		if a.Cost.Amount > 0 {
			r.prom.costUSD.WithLabelValues(a.Backend).Add(a.Cost.Amount)
		}
		switch a.Cache {
		case executor.CacheHit:
			r.prom.cacheHits.Inc()
		case executor.CacheMiss:
			r.prom.cacheMisses.Inc()
		}
	}
}

func (r *Recorder) publish(rec DecisionRecord, attempts []executor.Attempt) {
	if r.publisher == nil {
		return
	}
	tried := make([]string, 0, len(attempts))
	for _, a := range attempts {
		tried = append(tried, a.Backend)
	}
	err := r.publisher.Publish(events.Event{
		DecisionID:        rec.ID,
		Time:              rec.CreatedAt,
		Chain:             rec.Chain,
		Rule:              string(rec.Rule),
		Category:          rec.Category,
		Confidence:        rec.Confidence,
		Degraded:          rec.Degraded,
		Backend:           rec.Backend,
		Position:          rec.Position,
		Success:           rec.Success,
		Error:             rec.Error,
		Attempts:          tried,
		DecisionLatencyMs: float64(rec.DecisionLatency) / float64(time.Millisecond),
		DurationMs:        float64(rec.Duration) / float64(time.Millisecond),
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("decision", rec.ID).Msg("publish event failed")
	}
}

// Snapshot returns the current aggregate.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		TotalRequests:        r.total,
		Succeeded:            r.succeeded,
		Failed:               r.failed,
		Canceled:             r.canceled,
		Fallbacks:            r.fallbacks,
		Degraded:             r.degraded,
		BackendUsage:         copyCounts(r.usage),
		BackendFailures:      copyCounts(r.failures),
		Rules:                copyCounts(r.rules),
		AvgDecisionLatencyMs: r.decisionLatency.mean(),
		AvgRequestLatencyMs:  r.requestLatency.mean(),
		TotalCostUSD:         r.cost,
		CacheHits:            r.cacheHits,
		CacheMisses:          r.cacheMisses,
		Dropped:              r.dropped.Load(),
	}
}

// Decisions returns retained decisions, newest first.
func (r *Recorder) Decisions() []DecisionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DecisionRecord, 0, r.ringLen)
	for i := 1; i <= r.ringLen; i++ {
		idx := (r.ringNext - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

func copyCounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// rollingMean averages the last n samples.
type rollingMean struct {
	samples []float64
	next    int
	count   int
	sum     float64
}

func newRollingMean(n int) *rollingMean {
	return &rollingMean{samples: make([]float64, n)}
}

func (m *rollingMean) add(v float64) {
	if m.count == len(m.samples) {
		m.sum -= m.samples[m.next]
	} else {
		m.count++
	}
	m.samples[m.next] = v
	m.sum += v
	m.next = (m.next + 1) % len(m.samples)
}

func (m *rollingMean) mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}
