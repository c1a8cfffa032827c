package engine

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/backend"
	"github.com/zen-systems/routegate/pkg/confidence"
	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/events"
	"github.com/zen-systems/routegate/pkg/executor"
	"github.com/zen-systems/routegate/pkg/router"
	"github.com/zen-systems/routegate/pkg/task"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	engine *Engine
	mocks  map[string]*adapter.MockAdapter
	clock  *fakeClock
}

func testBackends() []backend.Backend {
	return []backend.Backend{
		{ID: "A", Model: "a", Specialization: []task.Category{task.Coding}, Priority: 10, MaxPayloadBytes: 100_000, Timeout: time.Second},
		{ID: "B", Model: "b", Specialization: []task.Category{task.General}, Priority: 20, MaxPayloadBytes: 100_000, Timeout: time.Second},
		{ID: "L", Model: "l", Specialization: []task.Category{task.Unlimited}, Priority: 30, Unlimited: true, Timeout: time.Second},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg, err := backend.NewRegistry(testBackends())
	require.NoError(t, err)

	f := &fixture{
		mocks: make(map[string]*adapter.MockAdapter),
		clock: &fakeClock{t: time.Unix(1_700_000_000, 0)},
	}
	adapters := make(map[string]adapter.Adapter)
	for _, id := range reg.IDs() {
		m := adapter.NewMockAdapter().Named(id)
		f.mocks[id] = m
		adapters[id] = m
	}

	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.engine, err = New(reg, adapters, opts...)
	require.NoError(t, err)
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(func() { _ = f.engine.Close() })
	return f
}

func TestDecideAndExecuteSpecializedPrimary(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.DecideAndExecute(context.Background(), Request{Text: "implement a function to sort a list"})
	require.NoError(t, err)

	assert.Equal(t, "A", resp.BackendUsed)
	assert.Equal(t, []string{"A"}, resp.ChainAttempted)
	assert.Equal(t, router.RuleSpecialization, resp.Rule)
	assert.Equal(t, task.Coding, resp.Category)
	assert.InDelta(t, 0.9*0.85, resp.Confidence, 1e-9)
	assert.NotEmpty(t, resp.DecisionID)
	assert.Contains(t, resp.Content, "implement a function")
	assert.Zero(t, resp.Position)
	assert.False(t, resp.Degraded)

	f.engine.Recorder().Flush()
	snap := f.engine.Metrics()
	assert.Equal(t, uint64(1), snap.TotalRequests)
	assert.Equal(t, uint64(1), snap.Succeeded)
	assert.Equal(t, uint64(1), snap.BackendUsage["A"])

	decisions := f.engine.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, resp.DecisionID, decisions[0].ID)
}

func TestDecideAndExecuteFallsBack(t *testing.T) {
	f := newFixture(t)
	f.mocks["A"].FailWith(errors.New("connection refused"), -1)

	resp, err := f.engine.DecideAndExecute(context.Background(), Request{Text: "debug this python script"})
	require.NoError(t, err)

	assert.Equal(t, "B", resp.BackendUsed)
	assert.Equal(t, []string{"A", "B"}, resp.ChainAttempted)
	assert.Equal(t, 1, resp.Position)
	require.Len(t, resp.Attempts, 2)
	assert.NotEmpty(t, resp.Attempts[0].Error)

	assert.False(t, f.engine.Health()["A"].Eligible)
	stats := f.engine.Stats()
	byKey := make(map[confidence.Key]confidence.Stats)
	for _, e := range stats {
		byKey[e.Key] = e.Stats
	}
	assert.Equal(t, confidence.Stats{Successes: 0, Total: 1}, byKey[confidence.Key{Backend: "A", Category: task.Coding}])
	assert.Equal(t, confidence.Stats{Successes: 1, Total: 1}, byKey[confidence.Key{Backend: "B", Category: task.Coding}])

	f.engine.Recorder().Flush()
	assert.Equal(t, uint64(1), f.engine.Metrics().Fallbacks)
}

func TestDecideAndExecuteAllUnhealthy(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"A", "B", "L"} {
		f.engine.monitor.ReportOutcome(id, false)
	}

	resp, err := f.engine.DecideAndExecute(context.Background(), Request{Text: "hello there"})
	require.NoError(t, err)

	assert.Equal(t, router.RuleGlobalOutage, resp.Rule)
	assert.True(t, resp.Degraded)
	assert.InDelta(t, 0.1, resp.Confidence, 1e-9)
	assert.Equal(t, "A", resp.BackendUsed)

	// The successful call restores A's eligibility.
	assert.True(t, f.engine.Health()["A"].Eligible)
	assert.False(t, f.engine.Health()["B"].Eligible)
}

func TestDecideAndExecuteExhausted(t *testing.T) {
	f := newFixture(t)
	for _, m := range f.mocks {
		m.FailWith(errors.New("down"), -1)
	}

	resp, err := f.engine.DecideAndExecute(context.Background(), Request{Text: "hello"})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, executor.ErrAllBackendsExhausted)

	var ex *executor.ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, []string{"A", "B", "L"}, ex.Chain)
	assert.Len(t, ex.Attempts, 3)

	f.engine.Recorder().Flush()
	snap := f.engine.Metrics()
	assert.Equal(t, uint64(1), snap.Failed)
	assert.Equal(t, uint64(1), snap.BackendFailures["L"])
}

func TestDecideAndExecuteInvalidPreference(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.DecideAndExecute(context.Background(), Request{Text: "hi", ExplicitPreference: "nope"})
	require.ErrorIs(t, err, backend.ErrInvalidBackend)
	for id, m := range f.mocks {
		assert.Zero(t, m.Calls(), id)
	}

	f.engine.Recorder().Flush()
	assert.Zero(t, f.engine.Metrics().TotalRequests)
}

func TestRouteDoesNotExecute(t *testing.T) {
	f := newFixture(t)

	d, err := f.engine.Route(Request{Text: "hi", ExplicitPreference: "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", d.Primary())
	assert.Equal(t, router.RulePreference, d.Rule)
	for _, m := range f.mocks {
		assert.Zero(t, m.Calls())
	}
}

func TestCooldownRestoresEligibility(t *testing.T) {
	f := newFixture(t)
	f.engine.monitor.ReportOutcome("A", false)

	d, err := f.engine.Route(Request{Text: "refactor this class"})
	require.NoError(t, err)
	assert.NotContains(t, d.Chain, "A")

	f.clock.Advance(31 * time.Second)
	d, err = f.engine.Route(Request{Text: "refactor this class"})
	require.NoError(t, err)
	assert.Equal(t, "A", d.Primary())
}

func TestStatsPersistAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")
	reg, err := backend.NewRegistry(testBackends())
	require.NoError(t, err)

	open := func() *Engine {
		store, err := confidence.NewSQLiteStore(path)
		require.NoError(t, err)
		adapters := map[string]adapter.Adapter{
			"A": adapter.NewMockAdapter().Named("A"),
			"B": adapter.NewMockAdapter().Named("B"),
			"L": adapter.NewMockAdapter().Named("L"),
		}
		e, err := New(reg, adapters, WithStore(store, 16))
		require.NoError(t, err)
		require.NoError(t, e.Start(context.Background()))
		return e
	}

	first := open()
	for i := 0; i < 3; i++ {
		_, err := first.DecideAndExecute(context.Background(), Request{Text: "write a golang function"})
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())

	second := open()
	defer second.Close()
	found := false
	for _, e := range second.Stats() {
		if e.Key == (confidence.Key{Backend: "A", Category: task.Coding}) {
			found = true
			assert.Equal(t, confidence.Stats{Successes: 3, Total: 3}, e.Stats)
		}
	}
	assert.True(t, found)

	require.NoError(t, second.ResetStats(context.Background()))
	assert.Empty(t, second.Stats())
}

func TestFromConfigWithMockBackends(t *testing.T) {
	rc, err := config.ParseRoutingConfig([]byte(`
backends:
  - id: primary
    adapter: mock
    model: m1
    specialization: [general]
    priority: 1
    max_payload_bytes: 1000
  - id: fallback
    adapter: mock
    model: m2
    specialization: [unlimited]
    priority: 2
    unlimited: true
policy:
  large_payload_bytes: 1000
stats:
  store: memory
`))
	require.NoError(t, err)
	require.NoError(t, rc.Validate())

	cfg := &config.Config{RoutingConfig: rc, Aliases: config.DefaultAliases(), ConfigDir: t.TempDir()}
	e, err := FromConfig(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Close()

	ids := make([]string, 0)
	for _, b := range e.Backends() {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []string{"primary", "fallback"}, ids)

	resp, err := e.DecideAndExecute(context.Background(), Request{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.BackendUsed)

	d, err := e.Route(Request{Text: "hello", SizeBytes: 5000})
	require.NoError(t, err)
	assert.Equal(t, router.RuleSizeOverride, d.Rule)
	assert.Equal(t, []string{"fallback"}, d.Chain)
}

func TestFromConfigWarnsAboutUnlistedModels(t *testing.T) {
	rc, err := config.ParseRoutingConfig([]byte(`
backends:
  - id: primary
    adapter: mock
    model: m1
    priority: 1
  - id: fallback
    adapter: mock
    model: retired
    specialization: [unlimited]
    priority: 2
    unlimited: true
`))
	require.NoError(t, err)

	aliases := &config.ModelAliases{Providers: map[string][]string{"mock": {"m1"}}}
	cfg := &config.Config{RoutingConfig: rc, Aliases: aliases, ConfigDir: t.TempDir()}
	var buf bytes.Buffer
	e, err := FromConfig(cfg, zerolog.New(&buf))
	require.NoError(t, err)
	defer e.Close()

	out := buf.String()
	assert.Contains(t, out, "backend model not in provider list")
	assert.Contains(t, out, `backend \"fallback\"`)
	assert.NotContains(t, out, `backend \"primary\"`)
}

func TestProbeAllMarksFailingBackends(t *testing.T) {
	f := newFixture(t)
	f.mocks["B"].SetProbeError(errors.New("unreachable"))

	f.engine.ProbeAll(context.Background())

	h := f.engine.Health()
	assert.True(t, h["A"].Eligible)
	assert.False(t, h["B"].Eligible)
	assert.Equal(t, 1, h["B"].ConsecutiveFailures)
}

// gateStore is an in-memory store whose writes wait until release is closed.
type gateStore struct {
	mu      sync.Mutex
	release chan struct{}
	closed  bool
}

func newGateStore() *gateStore {
	return &gateStore{release: make(chan struct{})}
}

func (s *gateStore) Load(context.Context) (map[confidence.Key]confidence.Stats, error) {
	return map[confidence.Key]confidence.Stats{}, nil
}

func (s *gateStore) Increment(ctx context.Context, _ confidence.Key, _ bool) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *gateStore) Reset(context.Context) error { return nil }

func (s *gateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *gateStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type closingPublisher struct {
	mu     sync.Mutex
	closed bool
}

func (p *closingPublisher) Publish(events.Event) error { return nil }

func (p *closingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestNewClosesStoreAndPublisherOnError(t *testing.T) {
	reg, err := backend.NewRegistry(testBackends())
	require.NoError(t, err)
	store := newGateStore()
	pub := &closingPublisher{}

	// B and L have no adapter
	_, err = New(reg, map[string]adapter.Adapter{"A": adapter.NewMockAdapter()},
		WithStore(store, 4), WithPublisher(pub))
	require.Error(t, err)

	assert.True(t, store.isClosed())
	assert.True(t, pub.closed)
}

func TestMetricsReportPersistDrops(t *testing.T) {
	store := newGateStore()
	f := newFixture(t, WithStore(store, 1))
	defer close(store.release)

	for range 4 {
		_, err := f.engine.DecideAndExecute(context.Background(), Request{Text: "hello", ExplicitPreference: "B"})
		require.NoError(t, err)
	}

	// one write is blocked, one is queued, the rest are dropped
	dropped := f.engine.Metrics().PersistDropped
	assert.GreaterOrEqual(t, dropped, uint64(2))

	n, err := testutil.GatherAndCount(f.engine.Recorder().Registry(), "routegate_stats_persist_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCachedResponsesShowInMetrics(t *testing.T) {
	f := newFixture(t, WithCache(16, time.Minute))
	req := Request{Text: "hello", ExplicitPreference: "B"}

	first, err := f.engine.DecideAndExecute(context.Background(), req)
	require.NoError(t, err)
	second, err := f.engine.DecideAndExecute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, executor.CacheHit, second.Attempts[0].Cache)
	assert.Equal(t, 1, f.mocks["B"].Calls())

	f.engine.Recorder().Flush()
	snap := f.engine.Metrics()
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheMisses)
	assert.Equal(t, uint64(2), snap.TotalRequests)
}

func TestCoalescedRequestsShareOneExecution(t *testing.T) {
	f := newFixture(t, WithCoalescing())
	f.mocks["A"].WithDelay(200 * time.Millisecond)
	req := Request{Text: "hello", ExplicitPreference: "A"}

	const callers = 5
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*Response, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.engine.DecideAndExecute(context.Background(), req)
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "A", results[i].BackendUsed)
		assert.Equal(t, results[0].DecisionID, results[i].DecisionID)
	}
	assert.Equal(t, 1, f.mocks["A"].Calls())

	f.engine.Recorder().Flush()
	assert.Equal(t, uint64(1), f.engine.Metrics().TotalRequests)
}

func TestCoalescedCallerOutlivesCanceledLeader(t *testing.T) {
	f := newFixture(t, WithCoalescing())
	f.mocks["A"].WithDelay(300 * time.Millisecond)
	req := Request{Text: "hello", ExplicitPreference: "A"}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.engine.DecideAndExecute(leaderCtx, req)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return f.mocks["A"].Calls() == 1 }, time.Second, time.Millisecond)

	followerDone := make(chan struct{})
	var resp *Response
	var err error
	go func() {
		defer close(followerDone)
		resp, err = f.engine.DecideAndExecute(context.Background(), req)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	var ex *executor.ExhaustedError
	require.ErrorAs(t, <-leaderErr, &ex)
	assert.True(t, ex.Canceled)

	<-followerDone
	require.NoError(t, err)
	assert.Equal(t, "A", resp.BackendUsed)
}
