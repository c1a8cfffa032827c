package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/events"
	"github.com/zen-systems/routegate/pkg/executor"
	"github.com/zen-systems/routegate/pkg/router"
	"github.com/zen-systems/routegate/pkg/task"
)

func decision(id string, rule router.Rule, latency time.Duration) *router.Decision {
	return &router.Decision{
		ID:         id,
		Chain:      []string{"a", "b", "local"},
		Rule:       rule,
		Category:   task.Coding,
		Confidence: 0.9,
		Latency:    latency,
		CreatedAt:  time.Unix(100, 0),
	}
}

func success(backend string, pos int) *executor.Result {
	attempts := make([]executor.Attempt, 0, pos+1)
	for i := 0; i < pos; i++ {
		err := errors.New("down")
		attempts = append(attempts, executor.Attempt{Backend: "a", Position: i, Err: err, Error: err.Error()})
	}
	attempts = append(attempts, executor.Attempt{Backend: backend, Position: pos, Cost: adapter.Cost{Amount: 0.25}})
	return &executor.Result{Backend: backend, Position: pos, Attempts: attempts}
}

func TestRecorderAggregates(t *testing.T) {
	r := NewRecorder()
	r.Start()
	defer r.Close()

	require.True(t, r.Record(Outcome{Decision: decision("1", router.RuleConsensus, 2*time.Millisecond), Result: success("a", 0), Duration: 100 * time.Millisecond}))
	require.True(t, r.Record(Outcome{Decision: decision("2", router.RulePriority, 4*time.Millisecond), Result: success("b", 1), Duration: 300 * time.Millisecond}))
	exhausted := &executor.ExhaustedError{
		Chain:    []string{"a"},
		Attempts: []executor.Attempt{{Backend: "a", Err: errors.New("x"), Error: "x"}},
		Last:     errors.New("x"),
	}
	require.True(t, r.Record(Outcome{Decision: decision("3", router.RuleGlobalOutage, 0), Err: exhausted, Duration: 200 * time.Millisecond}))
	r.Flush()

	s := r.Snapshot()
	assert.Equal(t, uint64(3), s.TotalRequests)
	assert.Equal(t, uint64(2), s.Succeeded)
	assert.Equal(t, uint64(1), s.Failed)
	assert.Equal(t, uint64(1), s.Fallbacks)
	assert.Equal(t, map[string]uint64{"a": 1, "b": 1}, s.BackendUsage)
	assert.Equal(t, map[string]uint64{"a": 2}, s.BackendFailures)
	assert.Equal(t, uint64(1), s.Rules[string(router.RuleConsensus)])
	assert.InDelta(t, 2.0, s.AvgDecisionLatencyMs, 1e-9)
	assert.InDelta(t, 200.0, s.AvgRequestLatencyMs, 1e-9)
	assert.InDelta(t, 0.5, s.TotalCostUSD, 1e-9)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.prom.requests.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prom.requests.WithLabelValues("exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prom.fallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prom.backendUsage.WithLabelValues("b")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.prom.backendFailures.WithLabelValues("a")))
}

func TestRecorderCountsCacheLookups(t *testing.T) {
	r := NewRecorder()
	r.Start()
	defer r.Close()

	hit := &executor.Result{Backend: "a", Attempts: []executor.Attempt{{Backend: "a", Cache: executor.CacheHit}}}
	miss := &executor.Result{Backend: "b", Position: 1, Attempts: []executor.Attempt{
		{Backend: "a", Cache: executor.CacheMiss, Err: errors.New("down"), Error: "down"},
		{Backend: "b", Cache: executor.CacheMiss},
	}}
	uncached := success("a", 0)
	for i, res := range []*executor.Result{hit, miss, uncached} {
		require.True(t, r.Record(Outcome{Decision: decision(string(rune('1'+i)), router.RulePriority, 0), Result: res}))
	}
	r.Flush()

	s := r.Snapshot()
	assert.Equal(t, uint64(1), s.CacheHits)
	assert.Equal(t, uint64(2), s.CacheMisses)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prom.cacheHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.prom.cacheMisses))
}

func TestRecorderCanceledOutcome(t *testing.T) {
	r := NewRecorder()
	r.Start()
	defer r.Close()

	err := &executor.ExhaustedError{Chain: []string{"a"}, Last: errors.New("context canceled"), Canceled: true}
	r.Record(Outcome{Decision: decision("1", router.RulePriority, 0), Err: err})
	r.Flush()

	s := r.Snapshot()
	assert.Equal(t, uint64(1), s.Canceled)
	assert.Zero(t, s.Failed)
}

func TestRecorderRingKeepsNewestFirst(t *testing.T) {
	r := NewRecorder(WithRingSize(3))
	r.Start()
	defer r.Close()

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		r.Record(Outcome{Decision: decision(id, router.RulePriority, 0), Result: success("a", 0)})
	}
	r.Flush()

	got := r.Decisions()
	require.Len(t, got, 3)
	assert.Equal(t, "5", got[0].ID)
	assert.Equal(t, "4", got[1].ID)
	assert.Equal(t, "3", got[2].ID)
	assert.True(t, got[0].Success)
	assert.Equal(t, "a", got[0].Backend)
}

func TestRecorderNeverBlocks(t *testing.T) {
	r := NewRecorder(WithBufferSize(2))
	// not started: the queue fills and further records are dropped

	assert.True(t, r.Record(Outcome{Decision: decision("1", router.RulePriority, 0)}))
	assert.True(t, r.Record(Outcome{Decision: decision("2", router.RulePriority, 0)}))
	assert.False(t, r.Record(Outcome{Decision: decision("3", router.RulePriority, 0)}))

	assert.Equal(t, uint64(1), r.Snapshot().Dropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prom.dropped))

	r.Start()
	require.NoError(t, r.Close())
	assert.Equal(t, uint64(2), r.Snapshot().TotalRequests)
	assert.False(t, r.Record(Outcome{Decision: decision("4", router.RulePriority, 0)}))
}

func TestRecorderConcurrentRecords(t *testing.T) {
	r := NewRecorder(WithBufferSize(10_000))
	r.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				r.Record(Outcome{Decision: decision("x", router.RulePriority, time.Millisecond), Result: success("a", 0)})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, r.Close())

	s := r.Snapshot()
	assert.Equal(t, uint64(2000), s.TotalRequests+s.Dropped)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
	closed bool
}

func (c *capturePublisher) Publish(ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) Close() error {
	c.closed = true
	return nil
}

func TestRecorderPublishesEvents(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRecorder(WithPublisher(pub))
	r.Start()

	r.Record(Outcome{Decision: decision("d1", router.RuleConsensus, 0), Result: success("b", 1)})
	require.NoError(t, r.Close())

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "d1", ev.DecisionID)
	assert.Equal(t, "b", ev.Backend)
	assert.Equal(t, 1, ev.Position)
	assert.Equal(t, []string{"a", "b"}, ev.Attempts)
	assert.True(t, ev.Success)
	assert.True(t, pub.closed)
}

func TestRollingMeanWindow(t *testing.T) {
	m := newRollingMean(3)
	assert.Zero(t, m.mean())
	for _, v := range []float64{1, 2, 3, 4} {
		m.add(v)
	}
	assert.InDelta(t, 3.0, m.mean(), 1e-9)
}
