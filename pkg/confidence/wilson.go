// Package confidence keeps per (backend, task category) success counts and
// turns them into a Wilson score lower bound.
package confidence

import "math"

// DefaultZ is the normal quantile for a 95% confidence interval.
const DefaultZ = 1.96

// Wilson returns the lower bound of the Wilson score interval for
// successes out of total trials. total == 0 yields 0: no evidence means no
// confidence. The result is clamped to [0, 1].
func Wilson(successes, total uint64, z float64) float64 {
	if total == 0 {
		return 0
	}
	if successes > total {
		successes = total
	}
	n := float64(total)
	p := float64(successes) / n
	z2 := z * z

	denom := 1 + z2/n
	center := p + z2/(2*n)
	margin := z * math.Sqrt((p*(1-p)+z2/(4*n))/n)

	score := (center - margin) / denom
	return math.Max(0, math.Min(1, score))
}
