// Package router turns a request and the live health and outcome statistics
// into a ranked fallback chain of backends.
package router

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/zen-systems/routegate/pkg/backend"
	"github.com/zen-systems/routegate/pkg/confidence"
	"github.com/zen-systems/routegate/pkg/health"
	"github.com/zen-systems/routegate/pkg/task"
)

// ErrRoutingDegraded marks a decision produced after an internal routing
// fault. It is recorded on the Decision and never returned from Decide.
var ErrRoutingDegraded = errors.New("routing degraded")

// Fixed confidences for rules that do not derive one from data.
const (
	sizeOverrideConfidence = 0.95
	preferenceConfidence   = 1.0
	outageConfidence       = 0.1
	priorityConfidence     = 0.5
)

// bytesPerToken approximates tokens from text length.
const bytesPerToken = 4

// Request is the routing input.
type Request struct {
	Text               string
	SizeBytes          int64
	TaskHint           string
	ExplicitPreference string
}

// Thresholds tunes the policy.
type Thresholds struct {
	LargePayloadBytes       int64
	LargePayloadTokens      int
	OverrideThreshold       float64
	SpecializationWeight    float64
	SpecializationThreshold float64
	ConsensusBoost          float64
}

// DefaultThresholds returns the stock policy thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LargePayloadBytes:       100_000,
		LargePayloadTokens:      25_000,
		OverrideThreshold:       0.85,
		SpecializationWeight:    0.9,
		SpecializationThreshold: 0.7,
		ConsensusBoost:          0.1,
	}
}

// HealthView is the read side of the health monitor.
type HealthView interface {
	Snapshot() map[string]health.State
}

// ScoreView is the read side of the confidence scorer.
type ScoreView interface {
	Stats(backendID string, category task.Category) confidence.Stats
	Score(backendID string, category task.Category) float64
	IsSignificant(backendID string, category task.Category) bool
}

// Policy decides routing chains. It is safe for concurrent use; Decide only
// reads shared state through snapshots.
type Policy struct {
	registry   *backend.Registry
	health     HealthView
	scores     ScoreView
	classifier task.Classifier
	th         Thresholds
	logger     zerolog.Logger
	now        func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithThresholds overrides the default thresholds.
func WithThresholds(th Thresholds) Option {
	return func(p *Policy) { p.th = th }
}

// WithLogger sets the policy logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// WithClock overrides the clock used for latency and timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPolicy creates a routing policy.
func NewPolicy(reg *backend.Registry, h HealthView, s ScoreView, c task.Classifier, opts ...Option) *Policy {
	p := &Policy{
		registry:   reg,
		health:     h,
		scores:     s,
		classifier: c,
		th:         DefaultThresholds(),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Thresholds returns the active thresholds.
func (p *Policy) Thresholds() Thresholds {
	return p.th
}

// Decide produces a routing decision. The only error it returns is
// backend.ErrInvalidBackend for an unregistered explicit preference; any
// internal fault yields a degraded decision routed to the unlimited backend.
func (p *Policy) Decide(req Request) (*Decision, error) {
	start := p.now()

	if req.ExplicitPreference != "" && !p.registry.Has(req.ExplicitPreference) {
		return nil, fmt.Errorf("explicit preference: %w: %q", backend.ErrInvalidBackend, req.ExplicitPreference)
	}

	d := p.decideSafely(req)
	d.ID = ulid.Make().String()
	d.CreatedAt = start
	d.Latency = p.now().Sub(start)
	d.Confidence = clamp01(d.Confidence)

	p.logger.Debug().
		Str("decision", d.ID).
		Strs("chain", d.Chain).
		Str("rule", string(d.Rule)).
		Str("category", string(d.Category)).
		Float64("confidence", d.Confidence).
		Dur("latency", d.Latency).
		Msg(d.Reason)
	return d, nil
}

func (p *Policy) decideSafely(req Request) (d *Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = p.degraded(req, fmt.Errorf("%w: %v", ErrRoutingDegraded, r))
		}
	}()
	return p.decide(req)
}

func (p *Policy) degraded(req Request, err error) *Decision {
	u := p.registry.Unlimited()
	p.logger.Warn().Err(err).Str("backend", u.ID).Msg("routing fault, falling back to unlimited backend")
	return &Decision{
		Chain:      []string{u.ID},
		Reason:     fmt.Sprintf("routing fault (%v); using unlimited backend %s", err, u.ID),
		Confidence: 0,
		Rule:       RuleDegraded,
		Category:   task.General,
		SizeBytes:  effectiveSize(req),
		Degraded:   true,
		Err:        err,
	}
}

// view is the per-decision snapshot of every input the rules consult.
type view struct {
	backends   []backend.Backend
	snapshot   map[string]health.State
	category   task.Category
	candidates []Candidate
	byID       map[string]int
}

func (v *view) candidate(id string) Candidate {
	return v.candidates[v.byID[id]]
}

func (p *Policy) decide(req Request) *Decision {
	size := effectiveSize(req)
	oversize := p.oversize(req.Text, size)
	cls := p.classifier.Classify(req.Text, req.TaskHint)

	v := &view{
		backends: p.registry.List(),
		snapshot: p.health.Snapshot(),
		category: cls.Category,
		byID:     make(map[string]int),
	}
	for i, b := range v.backends {
		st, known := v.snapshot[b.ID]
		v.candidates = append(v.candidates, Candidate{
			Backend:     b.ID,
			Priority:    b.Priority,
			Specialized: b.Specializes(cls.Category),
			Eligible:    !known || st.Eligible,
			Excluded:    !b.Accepts(size),
			Wilson:      p.scores.Score(b.ID, cls.Category),
			Total:       p.scores.Stats(b.ID, cls.Category).Total,
			Significant: p.scores.IsSignificant(b.ID, cls.Category),
		})
		v.byID[b.ID] = i
	}

	d := &Decision{
		Category:             cls.Category,
		ClassificationReason: cls.Reason,
		SizeBytes:            size,
		Oversize:             oversize,
		Candidates:           v.candidates,
	}

	unlimited := p.registry.Unlimited()

	// Rule 1: size override.
	if oversize {
		d.Rule = RuleSizeOverride
		d.Confidence = sizeOverrideConfidence
		d.Chain = p.chain(v, unlimited.ID)
		d.Reason = fmt.Sprintf("payload of %d bytes exceeds large-payload threshold; routing to unlimited backend %s", size, unlimited.ID)
		return d
	}

	// Rule 2: explicit preference.
	var ignored string
	if pref := req.ExplicitPreference; pref != "" {
		if c := v.candidate(pref); !c.Excluded {
			d.Rule = RulePreference
			d.Confidence = preferenceConfidence
			d.Chain = p.chain(v, pref)
			d.Reason = fmt.Sprintf("explicit preference for %s", pref)
			return d
		}
		ignored = fmt.Sprintf("preferred %s cannot accept %d bytes; ", pref, size)
	}

	eligible := eligibleCandidates(v)

	// Rule 3: global outage.
	if len(eligible) == 0 {
		primary := mostRecentlyHealthy(v)
		d.Rule = RuleGlobalOutage
		d.Confidence = outageConfidence
		d.Degraded = true
		d.Chain = p.chain(v, primary)
		d.Reason = ignored + fmt.Sprintf("no eligible backends; emergency choice %s was most recently healthy", primary)
		return d
	}

	// Rule 4: specialization and statistics blend.
	primary, rule, conf, reason := p.blend(eligible, cls)
	d.Rule = rule
	d.Confidence = conf
	d.Chain = p.chain(v, primary)
	d.Reason = ignored + reason
	return d
}

func (p *Policy) blend(eligible []Candidate, cls task.Result) (string, Rule, float64, string) {
	specConf := p.th.SpecializationWeight * cls.Confidence

	// eligible is in priority order, so a strict comparison keeps the
	// higher-priority backend on ties.
	var top *Candidate
	for i := range eligible {
		c := &eligible[i]
		if !c.Significant {
			continue
		}
		if top == nil || c.Wilson > top.Wilson {
			top = c
		}
	}

	// A specialist with a significant record below the specialization
	// threshold is never chosen on specialization alone.
	var spec *Candidate
	for i := range eligible {
		c := &eligible[i]
		if c.Specialized && !(c.Significant && c.Wilson < p.th.SpecializationThreshold) {
			spec = c
			break
		}
	}

	switch {
	case top != nil && top.Specialized:
		conf := math.Min(1, math.Max(top.Wilson, specConf)+p.th.ConsensusBoost)
		return top.Backend, RuleConsensus, conf, fmt.Sprintf(
			"%s is specialized for %s and has the best record (wilson %.3f over %d calls)",
			top.Backend, cls.Category, top.Wilson, top.Total)
	case top != nil && top.Wilson >= p.th.OverrideThreshold:
		return top.Backend, RuleStatistics, top.Wilson, fmt.Sprintf(
			"%s has the best record for %s (wilson %.3f over %d calls)",
			top.Backend, cls.Category, top.Wilson, top.Total)
	case spec != nil && specConf >= p.th.SpecializationThreshold:
		return spec.Backend, RuleSpecialization, specConf, fmt.Sprintf(
			"%s is specialized for %s", spec.Backend, cls.Category)
	default:
		return eligible[0].Backend, RulePriority, priorityConfidence, fmt.Sprintf(
			"no strong signal for %s; using highest-priority eligible backend %s", cls.Category, eligible[0].Backend)
	}
}

// chain builds the fallback chain: the primary, then eligible backends by
// descending Wilson score with priority breaking ties, then the unlimited
// backend. Size-excluded backends never appear.
func (p *Policy) chain(v *view, primary string) []string {
	out := []string{primary}
	seen := map[string]bool{primary: true}

	rest := eligibleCandidates(v)
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].Wilson > rest[j].Wilson
	})
	for _, c := range rest {
		if !seen[c.Backend] {
			out = append(out, c.Backend)
			seen[c.Backend] = true
		}
	}

	if u := p.registry.Unlimited().ID; !seen[u] {
		out = append(out, u)
	}
	return out
}

// eligibleCandidates returns healthy or probationary backends that accept the
// payload, in priority order.
func eligibleCandidates(v *view) []Candidate {
	var out []Candidate
	for _, c := range v.candidates {
		if c.Eligible && !c.Excluded {
			out = append(out, c)
		}
	}
	return out
}

// mostRecentlyHealthy picks the non-excluded backend with the latest
// healthy timestamp. Priority order breaks ties.
func mostRecentlyHealthy(v *view) string {
	best := ""
	var bestAt time.Time
	for _, c := range v.candidates {
		if c.Excluded {
			continue
		}
		at := v.snapshot[c.Backend].LastHealthyAt
		if best == "" || at.After(bestAt) {
			best, bestAt = c.Backend, at
		}
	}
	return best
}

func (p *Policy) oversize(text string, size int64) bool {
	if p.th.LargePayloadBytes > 0 && size > p.th.LargePayloadBytes {
		return true
	}
	return p.th.LargePayloadTokens > 0 && len(text)/bytesPerToken > p.th.LargePayloadTokens
}

// effectiveSize is the larger of the declared size and the text length, so
// an understated size cannot slip a payload past a backend's ceiling.
func effectiveSize(req Request) int64 {
	return max(req.SizeBytes, int64(len(req.Text)))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
