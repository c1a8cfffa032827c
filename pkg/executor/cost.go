package executor

import (
	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/backend"
)

func normalizeUsage(u *adapter.Usage) adapter.Usage {
	if u == nil {
		return adapter.Usage{}
	}
	return u.Normalize()
}

// estimateCost prices usage at the backend's per-1k rates. Backends without
// pricing (local, free tiers) cost nothing.
func estimateCost(p backend.Pricing, usage adapter.Usage) adapter.Cost {
	if p.PromptPer1K == 0 && p.CompletionPer1K == 0 {
		return adapter.Cost{Currency: "USD"}
	}
	promptCost := (float64(usage.PromptTokens) / 1000.0) * p.PromptPer1K
	completionCost := (float64(usage.CompletionTokens) / 1000.0) * p.CompletionPer1K
	return adapter.Cost{
		Currency:   "USD",
		Amount:     promptCost + completionCost,
		IsEstimate: true,
	}
}
