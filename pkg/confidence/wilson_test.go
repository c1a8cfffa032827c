package confidence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWilsonZeroTotal(t *testing.T) {
	assert.Equal(t, 0.0, Wilson(0, 0, DefaultZ))
}

func TestWilsonKnownValues(t *testing.T) {
	tests := []struct {
		name      string
		successes uint64
		total     uint64
		want      float64
	}{
		{"one of one", 1, 1, 0.2065},
		{"half", 50, 100, 0.4038},
		{"95 of 100", 95, 100, 0.8882},
		{"190 of 200", 190, 200, 0.9104},
		{"all failures", 0, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Wilson(tt.successes, tt.total, DefaultZ), 0.001)
		})
	}
}

func TestWilsonBoundsAndMonotonic(t *testing.T) {
	for total := uint64(0); total <= 60; total++ {
		prev := -1.0
		for s := uint64(0); s <= total; s++ {
			w := Wilson(s, total, DefaultZ)
			if w < 0 || w > 1 || math.IsNaN(w) {
				t.Fatalf("Wilson(%d, %d) = %v out of range", s, total, w)
			}
			if w < prev {
				t.Fatalf("Wilson not monotonic at %d/%d: %v < %v", s, total, w, prev)
			}
			prev = w
		}
	}
}

func TestWilsonDiscountsSmallSamples(t *testing.T) {
	small := Wilson(3, 3, DefaultZ)
	large := Wilson(300, 300, DefaultZ)
	assert.Less(t, small, large)
}

func TestWilsonClampsSuccesses(t *testing.T) {
	assert.Equal(t, Wilson(10, 10, DefaultZ), Wilson(12, 10, DefaultZ))
}
