package router

import (
	"time"

	"github.com/zen-systems/routegate/pkg/task"
)

// Rule names the policy rule that produced a decision.
type Rule string

const (
	RuleSizeOverride   Rule = "size_override"
	RulePreference     Rule = "explicit_preference"
	RuleGlobalOutage   Rule = "global_outage"
	RuleConsensus      Rule = "consensus"
	RuleStatistics     Rule = "statistics"
	RuleSpecialization Rule = "specialization"
	RulePriority       Rule = "priority"
	RuleDegraded       Rule = "degraded"
)

// Candidate captures how one backend looked when the decision was made.
type Candidate struct {
	Backend     string  `json:"backend"`
	Priority    int     `json:"priority"`
	Specialized bool    `json:"specialized"`
	Eligible    bool    `json:"eligible"`
	Excluded    bool    `json:"excluded,omitempty"`
	Wilson      float64 `json:"wilson"`
	Total       uint64  `json:"total"`
	Significant bool    `json:"significant"`
}

// Decision is the routing outcome for one request. It is built once by
// Policy.Decide and must not be modified afterwards.
type Decision struct {
	ID                   string        `json:"id"`
	Chain                []string      `json:"chain"`
	Reason               string        `json:"reason"`
	Confidence           float64       `json:"confidence"`
	Rule                 Rule          `json:"rule"`
	Category             task.Category `json:"category"`
	ClassificationReason string        `json:"classification_reason,omitempty"`
	SizeBytes            int64         `json:"size_bytes"`
	Oversize             bool          `json:"oversize,omitempty"`
	Degraded             bool          `json:"degraded,omitempty"`
	Err                  error         `json:"-"`
	Latency              time.Duration `json:"latency_ns"`
	CreatedAt            time.Time     `json:"created_at"`
	Candidates           []Candidate   `json:"candidates,omitempty"`
}

// Primary returns the first backend of the chain.
func (d *Decision) Primary() string {
	if d == nil || len(d.Chain) == 0 {
		return ""
	}
	return d.Chain[0]
}

// ErrorText returns the degradation error, if any, as a string.
func (d *Decision) ErrorText() string {
	if d == nil || d.Err == nil {
		return ""
	}
	return d.Err.Error()
}
