package router

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/routegate/pkg/backend"
	"github.com/zen-systems/routegate/pkg/confidence"
	"github.com/zen-systems/routegate/pkg/health"
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
	reg    *backend.Registry
	mon    *health.Monitor
	scorer *confidence.Scorer
	clock  *fakeClock
	policy *Policy
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg, err := backend.NewRegistry([]backend.Backend{
		{ID: "A", Specialization: []task.Category{task.Coding}, Priority: 10, MaxPayloadBytes: 100_000},
		{ID: "B", Specialization: []task.Category{task.General}, Priority: 20, MaxPayloadBytes: 100_000},
		{ID: "L", Specialization: []task.Category{task.Unlimited}, Priority: 30, Unlimited: true},
	})
	require.NoError(t, err)

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	mon := health.NewMonitor(reg.IDs(), health.WithClock(clock.Now))
	scorer := confidence.NewScorer()
	cls, err := task.NewKeywordClassifier(task.DefaultRules())
	require.NoError(t, err)

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{
		reg:    reg,
		mon:    mon,
		scorer: scorer,
		clock:  clock,
		policy: NewPolicy(reg, mon, scorer, cls, opts...),
	}
}

func (f *fixture) record(id string, cat task.Category, successes, total int) {
	for i := 0; i < total; i++ {
		f.scorer.RecordOutcome(id, cat, i < successes)
	}
}

func assertChainValid(t *testing.T, chain []string) {
	t.Helper()
	require.NotEmpty(t, chain)
	seen := make(map[string]bool)
	for _, id := range chain {
		require.False(t, seen[id], "duplicate %s in %v", id, chain)
		seen[id] = true
	}
}

func TestCodingRequestPrefersSpecialistWithGoodRecord(t *testing.T) {
	f := newFixture(t)
	f.record("A", task.Coding, 190, 200) // wilson ~0.91

	d, err := f.policy.Decide(Request{
		Text:      "Write a Python function to sort a list",
		SizeBytes: 500,
		TaskHint:  "coding",
	})
	require.NoError(t, err)

	assert.Equal(t, "A", d.Primary())
	assert.Equal(t, RuleConsensus, d.Rule)
	assert.GreaterOrEqual(t, d.Confidence, 0.85)
	assert.Equal(t, task.Coding, d.Category)
	assert.Equal(t, "L", d.Chain[len(d.Chain)-1])
	assert.NotEmpty(t, d.ID)
	assertChainValid(t, d.Chain)
}

func TestSizeOverrideBeatsPreference(t *testing.T) {
	f := newFixture(t)

	d, err := f.policy.Decide(Request{Text: "big", SizeBytes: 200_000, ExplicitPreference: "A"})
	require.NoError(t, err)

	assert.Equal(t, RuleSizeOverride, d.Rule)
	assert.Equal(t, []string{"L"}, d.Chain, "size-limited backends must not appear")
	assert.InDelta(t, 0.95, d.Confidence, 1e-9)
	assert.True(t, d.Oversize)
}

func TestSizeOverrideKeepsBackendsThatFit(t *testing.T) {
	f := newFixture(t, WithThresholds(Thresholds{
		LargePayloadBytes:       1_000_000,
		LargePayloadTokens:      10,
		OverrideThreshold:       0.85,
		SpecializationWeight:    0.9,
		SpecializationThreshold: 0.7,
		ConsensusBoost:          0.1,
	}))

	d, err := f.policy.Decide(Request{Text: strings.Repeat("word ", 20)})
	require.NoError(t, err)

	assert.Equal(t, RuleSizeOverride, d.Rule)
	assert.Equal(t, "L", d.Primary())
	assert.ElementsMatch(t, []string{"L", "A", "B"}, d.Chain)
}

func TestSizeDerivedFromTextWhenZero(t *testing.T) {
	f := newFixture(t)

	d, err := f.policy.Decide(Request{Text: strings.Repeat("x", 100_001)})
	require.NoError(t, err)
	assert.Equal(t, int64(100_001), d.SizeBytes)
	assert.Equal(t, "L", d.Primary())
}

func TestUnderstatedSizeStillExcludesSmallBackends(t *testing.T) {
	f := newFixture(t)

	d, err := f.policy.Decide(Request{Text: strings.Repeat("x", 120_000), SizeBytes: 500})
	require.NoError(t, err)

	assert.Equal(t, RuleSizeOverride, d.Rule)
	assert.Equal(t, int64(120_000), d.SizeBytes)
	assert.Equal(t, []string{"L"}, d.Chain)
	assert.Contains(t, d.Reason, "120000 bytes")
}

func TestExplicitPreference(t *testing.T) {
	f := newFixture(t)
	f.record("A", task.Coding, 190, 200)

	d, err := f.policy.Decide(Request{Text: "implement a function", ExplicitPreference: "B"})
	require.NoError(t, err)

	assert.Equal(t, RulePreference, d.Rule)
	assert.Equal(t, []string{"B", "A", "L"}, d.Chain)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestUnknownPreferenceIsInvalidBackend(t *testing.T) {
	f := newFixture(t)

	_, err := f.policy.Decide(Request{Text: "hi", ExplicitPreference: "nope"})
	require.ErrorIs(t, err, backend.ErrInvalidBackend)
}

func TestPreferenceForExcludedBackendIsIgnored(t *testing.T) {
	reg, err := backend.NewRegistry([]backend.Backend{
		{ID: "A", Specialization: []task.Category{task.Coding}, Priority: 10, MaxPayloadBytes: 1_000},
		{ID: "B", Priority: 20},
		{ID: "L", Priority: 30, Unlimited: true},
	})
	require.NoError(t, err)
	cls, err := task.NewKeywordClassifier(task.DefaultRules())
	require.NoError(t, err)
	p := NewPolicy(reg, health.NewMonitor(reg.IDs()), confidence.NewScorer(), cls)

	d, err := p.Decide(Request{Text: "hello", SizeBytes: 5_000, ExplicitPreference: "A"})
	require.NoError(t, err)

	assert.NotContains(t, d.Chain, "A")
	assert.Equal(t, RulePriority, d.Rule)
	assert.Contains(t, d.Reason, "cannot accept")
}

func TestGlobalOutagePicksMostRecentlyHealthy(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Second)
	f.mon.ReportOutcome("B", true)
	f.clock.Advance(time.Second)
	for _, id := range []string{"A", "B", "L"} {
		f.mon.ReportOutcome(id, false)
	}

	d, err := f.policy.Decide(Request{Text: "hello"})
	require.NoError(t, err)

	assert.Equal(t, RuleGlobalOutage, d.Rule)
	assert.True(t, d.Degraded)
	assert.Equal(t, []string{"B", "L"}, d.Chain)
	assert.InDelta(t, 0.1, d.Confidence, 1e-9)
}

func TestStatisticsOverrideSpecialization(t *testing.T) {
	f := newFixture(t)
	f.record("A", task.Coding, 20, 100)
	f.record("B", task.Coding, 190, 200)

	d, err := f.policy.Decide(Request{Text: "debug this python script"})
	require.NoError(t, err)

	assert.Equal(t, RuleStatistics, d.Rule)
	assert.Equal(t, "B", d.Primary())
	assert.InDelta(t, f.scorer.Score("B", task.Coding), d.Confidence, 1e-9)
}

func newTwoSpecialistPolicy(t *testing.T) (*Policy, *confidence.Scorer) {
	t.Helper()
	reg, err := backend.NewRegistry([]backend.Backend{
		{ID: "A", Specialization: []task.Category{task.Coding}, Priority: 10, MaxPayloadBytes: 100_000},
		{ID: "C", Specialization: []task.Category{task.Coding}, Priority: 15, MaxPayloadBytes: 100_000},
		{ID: "B", Specialization: []task.Category{task.General}, Priority: 20, MaxPayloadBytes: 100_000},
		{ID: "L", Specialization: []task.Category{task.Unlimited}, Priority: 30, Unlimited: true},
	})
	require.NoError(t, err)
	cls, err := task.NewKeywordClassifier(task.DefaultRules())
	require.NoError(t, err)
	scorer := confidence.NewScorer()
	return NewPolicy(reg, health.NewMonitor(reg.IDs()), scorer, cls), scorer
}

func recordOutcomes(s *confidence.Scorer, id string, cat task.Category, successes, total int) {
	for i := 0; i < total; i++ {
		s.RecordOutcome(id, cat, i < successes)
	}
}

func TestBestSpecialistWinsOverHigherPrioritySpecialist(t *testing.T) {
	p, scorer := newTwoSpecialistPolicy(t)
	recordOutcomes(scorer, "A", task.Coding, 100, 200)
	recordOutcomes(scorer, "C", task.Coding, 170, 200)

	d, err := p.Decide(Request{Text: "x", TaskHint: "coding"})
	require.NoError(t, err)

	assert.Equal(t, RuleConsensus, d.Rule)
	assert.Equal(t, []string{"C", "A", "B", "L"}, d.Chain)
	assert.GreaterOrEqual(t, d.Confidence, scorer.Score("C", task.Coding))
}

func TestSpecializationSkipsProvenPoorSpecialist(t *testing.T) {
	p, scorer := newTwoSpecialistPolicy(t)
	recordOutcomes(scorer, "A", task.Coding, 100, 200) // wilson ~0.43
	recordOutcomes(scorer, "B", task.Coding, 150, 200) // wilson ~0.69, below override

	d, err := p.Decide(Request{Text: "x", TaskHint: "coding"})
	require.NoError(t, err)

	assert.Equal(t, RuleSpecialization, d.Rule)
	assert.Equal(t, "C", d.Primary())
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
}

func TestAllSpecialistsProvenPoorFallsBackToPriority(t *testing.T) {
	p, scorer := newTwoSpecialistPolicy(t)
	recordOutcomes(scorer, "A", task.Coding, 100, 200)
	recordOutcomes(scorer, "C", task.Coding, 90, 200)
	recordOutcomes(scorer, "B", task.Coding, 150, 200)

	d, err := p.Decide(Request{Text: "x", TaskHint: "coding"})
	require.NoError(t, err)

	// B has the best record but is neither specialized nor above the
	// override threshold.
	assert.Equal(t, RulePriority, d.Rule)
	assert.Equal(t, "A", d.Primary())
}

func TestInsignificantStatsAreAdvisoryOnly(t *testing.T) {
	f := newFixture(t)
	f.record("B", task.Coding, 10, 10) // perfect but below significance

	d, err := f.policy.Decide(Request{Text: "x", TaskHint: "coding"})
	require.NoError(t, err)

	assert.Equal(t, RuleSpecialization, d.Rule)
	assert.Equal(t, "A", d.Primary())
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	// B still ranks ahead of L in the fallbacks on its score.
	assert.Equal(t, []string{"A", "B", "L"}, d.Chain)
}

func TestPriorityFallback(t *testing.T) {
	f := newFixture(t)

	d, err := f.policy.Decide(Request{Text: "tell me a story about a lighthouse"})
	require.NoError(t, err)

	assert.Equal(t, task.General, d.Category)
	assert.Equal(t, RulePriority, d.Rule)
	assert.Equal(t, "A", d.Primary())
	assert.Equal(t, 0.5, d.Confidence)
}

func TestFallbackOrderByWilsonThenPriority(t *testing.T) {
	f := newFixture(t)
	f.record("L", task.General, 90, 100)
	f.record("B", task.General, 50, 100)

	d, err := f.policy.Decide(Request{Text: "hello", ExplicitPreference: "A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "L", "B"}, d.Chain)
}

func TestUnhealthyBackendLeavesChainUntilCooldown(t *testing.T) {
	f := newFixture(t)
	f.mon.ReportOutcome("A", false)

	d, err := f.policy.Decide(Request{Text: "x", TaskHint: "coding"})
	require.NoError(t, err)
	assert.NotContains(t, d.Chain, "A")

	f.clock.Advance(health.DefaultCooldown + time.Second)
	d, err = f.policy.Decide(Request{Text: "x", TaskHint: "coding"})
	require.NoError(t, err)
	assert.Equal(t, "A", d.Primary(), "backend must be eligible again after cooldown")
}

// The unlimited backend is appended only when absent, so it lands last
// when it is ineligible and scores nothing.
func TestUnhealthyUnlimitedAppendedLast(t *testing.T) {
	f := newFixture(t)
	f.mon.ReportOutcome("L", false)

	d, err := f.policy.Decide(Request{Text: "x", TaskHint: "coding"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "L"}, d.Chain)
}

type panickyClassifier struct{}

func (panickyClassifier) Classify(string, string) task.Result { panic("classifier exploded") }

func TestInternalFaultDegradesToUnlimited(t *testing.T) {
	f := newFixture(t)
	p := NewPolicy(f.reg, f.mon, f.scorer, panickyClassifier{})

	d, err := p.Decide(Request{Text: "anything", ExplicitPreference: "A"})
	require.NoError(t, err)

	assert.Equal(t, []string{"L"}, d.Chain)
	assert.True(t, d.Degraded)
	assert.Equal(t, RuleDegraded, d.Rule)
	assert.Zero(t, d.Confidence)
	assert.True(t, errors.Is(d.Err, ErrRoutingDegraded))
	assert.Contains(t, d.ErrorText(), "classifier exploded")
}

func TestConsensusConfidenceDominatesInputs(t *testing.T) {
	for _, tc := range []struct{ s, n int }{{31, 31}, {25, 40}, {60, 100}, {199, 200}} {
		t.Run(fmt.Sprintf("%d_of_%d", tc.s, tc.n), func(t *testing.T) {
			f := newFixture(t)
			f.record("A", task.Coding, tc.s, tc.n)

			d, err := f.policy.Decide(Request{Text: "x", TaskHint: "coding"})
			require.NoError(t, err)
			require.Equal(t, RuleConsensus, d.Rule)

			wilson := f.scorer.Score("A", task.Coding)
			specConf := 0.9
			assert.GreaterOrEqual(t, d.Confidence, wilson)
			assert.GreaterOrEqual(t, d.Confidence, specConf)
			assert.LessOrEqual(t, d.Confidence, 1.0)
		})
	}
}

func TestChainPropertiesRandomised(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(7))
	ids := []string{"A", "B", "L"}
	hints := []string{"", "coding", "analysis", "general", "bogus"}
	prefs := []string{"", "A", "B", "L"}

	for i := 0; i < 500; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(4) {
		case 0:
			f.mon.ReportOutcome(id, false)
		case 1:
			f.mon.ReportOutcome(id, true)
		case 2:
			f.scorer.RecordOutcome(id, task.Category(hints[rng.Intn(4)+1]), rng.Intn(2) == 0)
		default:
			f.clock.Advance(time.Duration(rng.Intn(40)) * time.Second)
		}

		size := int64(rng.Intn(250_000))
		d, err := f.policy.Decide(Request{
			Text:               "sample text",
			SizeBytes:          size,
			TaskHint:           hints[rng.Intn(len(hints))],
			ExplicitPreference: prefs[rng.Intn(len(prefs))],
		})
		require.NoError(t, err)
		assertChainValid(t, d.Chain)
		assert.GreaterOrEqual(t, d.Confidence, 0.0)
		assert.LessOrEqual(t, d.Confidence, 1.0)
		if size > 100_000 {
			assert.Equal(t, "L", d.Primary())
			assert.Equal(t, []string{"L"}, d.Chain)
		}
		assert.Contains(t, d.Chain, "L")
	}
}

func TestDecideConcurrent(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				f.scorer.RecordOutcome("A", task.Coding, j%3 != 0)
				f.mon.ReportOutcome("B", j%2 == 0)
				d, err := f.policy.Decide(Request{Text: "implement a function", SizeBytes: int64(i * j)})
				if err != nil || len(d.Chain) == 0 {
					t.Errorf("bad decision: %v %v", d, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
