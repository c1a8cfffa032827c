package confidence

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zen-systems/routegate/pkg/task"
)

// DefaultSignificance is the sample size from which a score is authoritative.
const DefaultSignificance = 30

// Key identifies one (backend, category) counter.
type Key struct {
	Backend  string        `json:"backend"`
	Category task.Category `json:"category"`
}

// Stats is a consistent pair of counters.
type Stats struct {
	Successes uint64 `json:"successes"`
	Total     uint64 `json:"total"`
}

// Each counter packs total into the high 32 bits and successes into the low
// 32 bits, so one atomic add moves both and one load reads a consistent pair.
const (
	totalShift  = 32
	lowMask     = 1<<totalShift - 1
	successStep = 1<<totalShift | 1
	failureStep = 1 << totalShift
)

func pack(s Stats) uint64 {
	return (s.Total&lowMask)<<totalShift | (s.Successes & lowMask)
}

func unpack(v uint64) Stats {
	return Stats{Successes: v & lowMask, Total: v >> totalShift}
}

// Sink receives every recorded outcome after the in-memory counter moved.
type Sink interface {
	Enqueue(k Key, success bool) bool
}

// Scorer is an arena of atomic counters indexed by Key.
type Scorer struct {
	mu           sync.RWMutex
	counters     map[Key]*atomic.Uint64
	z            float64
	significance uint64
	sink         Sink
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithZ sets the normal quantile used by Score.
func WithZ(z float64) Option {
	return func(s *Scorer) {
		if z > 0 {
			s.z = z
		}
	}
}

// WithSignificance sets the sample size threshold for IsSignificant.
func WithSignificance(n uint64) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.significance = n
		}
	}
}

// WithSink forwards outcomes to a persistence sink.
func WithSink(sink Sink) Option {
	return func(s *Scorer) {
		s.sink = sink
	}
}

// NewScorer creates an empty scorer.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		counters:     make(map[Key]*atomic.Uint64),
		z:            DefaultZ,
		significance: DefaultSignificance,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scorer) counter(k Key) *atomic.Uint64 {
	s.mu.RLock()
	c, ok := s.counters[k]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.counters[k]; ok {
		return c
	}
	c = new(atomic.Uint64)
	s.counters[k] = c
	return c
}

// RecordOutcome counts one call result for (backendID, category).
func (s *Scorer) RecordOutcome(backendID string, category task.Category, success bool) {
	k := Key{Backend: backendID, Category: category}
	step := uint64(failureStep)
	if success {
		step = successStep
	}
	s.counter(k).Add(step)
	if s.sink != nil {
		s.sink.Enqueue(k, success)
	}
}

// Stats returns the counters for (backendID, category).
func (s *Scorer) Stats(backendID string, category task.Category) Stats {
	s.mu.RLock()
	c, ok := s.counters[Key{Backend: backendID, Category: category}]
	s.mu.RUnlock()
	if !ok {
		return Stats{}
	}
	return unpack(c.Load())
}

// Score returns the Wilson lower bound for (backendID, category).
func (s *Scorer) Score(backendID string, category task.Category) float64 {
	st := s.Stats(backendID, category)
	return Wilson(st.Successes, st.Total, s.z)
}

// IsSignificant reports whether enough samples exist for the score to be
// treated as authoritative.
func (s *Scorer) IsSignificant(backendID string, category task.Category) bool {
	return s.Stats(backendID, category).Total >= s.significance
}

// Significance returns the configured sample-size threshold.
func (s *Scorer) Significance() uint64 {
	return s.significance
}

// Snapshot copies every counter.
func (s *Scorer) Snapshot() map[Key]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Key]Stats, len(s.counters))
	for k, c := range s.counters {
		out[k] = unpack(c.Load())
	}
	return out
}

// Restore replaces counters with previously persisted values. Entries with
// successes above total are clamped.
func (s *Scorer) Restore(stats map[Key]Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, st := range stats {
		if st.Successes > st.Total {
			st.Successes = st.Total
		}
		c := new(atomic.Uint64)
		c.Store(pack(st))
		s.counters[k] = c
	}
}

// Reset clears every counter. This is an administrative operation.
func (s *Scorer) Reset() {
	s.mu.Lock()
	s.counters = make(map[Key]*atomic.Uint64)
	s.mu.Unlock()
}

// Entry is one row of SortedSnapshot.
type Entry struct {
	Key
	Stats
	Score float64 `json:"score"`
}

// SortedSnapshot returns every counter with its score, ordered by backend
// then category.
func (s *Scorer) SortedSnapshot() []Entry {
	snap := s.Snapshot()
	out := make([]Entry, 0, len(snap))
	for k, st := range snap {
		out = append(out, Entry{Key: k, Stats: st, Score: Wilson(st.Successes, st.Total, s.z)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Backend == out[j].Backend {
			return out[i].Category < out[j].Category
		}
		return out[i].Backend < out[j].Backend
	})
	return out
}
