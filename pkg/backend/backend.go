// Package backend holds the static table of inference backends known to the
// router. The table is built once at startup and is read-only afterwards.
package backend

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zen-systems/routegate/pkg/task"
)

// ErrInvalidBackend is returned when a backend id is not registered.
var ErrInvalidBackend = errors.New("invalid backend")

// Profile shapes requests sent to one backend: token limits, sampling and
// provider-specific extra body fields.
type Profile struct {
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Extra       map[string]any
}

// Pricing is a per-1k-token price used for cost estimates.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Backend describes a named inference endpoint.
type Backend struct {
	ID              string
	Adapter         string
	Model           string
	Specialization  []task.Category
	Priority        int
	MaxPayloadBytes int64
	Unlimited       bool
	Timeout         time.Duration
	RatePerMinute   int
	Profile         Profile
	Pricing         Pricing
}

// Specializes reports whether the backend is optimized for the category.
func (b Backend) Specializes(c task.Category) bool {
	for _, s := range b.Specialization {
		if s == c {
			return true
		}
	}
	return false
}

// Accepts reports whether a payload of sizeBytes may be routed here. The
// unlimited backend accepts any size.
func (b Backend) Accepts(sizeBytes int64) bool {
	if b.Unlimited || b.MaxPayloadBytes <= 0 {
		return true
	}
	return sizeBytes <= b.MaxPayloadBytes
}

// Registry is an immutable, priority-ordered set of backends.
type Registry struct {
	ordered   []Backend
	byID      map[string]int
	unlimited string
}

// NewRegistry validates the backends and builds a registry. Ids must be
// unique and non-empty and exactly one backend must be marked unlimited.
func NewRegistry(backends []Backend) (*Registry, error) {
	if len(backends) == 0 {
		return nil, errors.New("no backends configured")
	}

	ordered := make([]Backend, len(backends))
	copy(ordered, backends)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority == ordered[j].Priority {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].Priority < ordered[j].Priority
	})

	r := &Registry{ordered: ordered, byID: make(map[string]int, len(ordered))}
	for i, b := range ordered {
		if b.ID == "" {
			return nil, errors.New("backend id is required")
		}
		if _, dup := r.byID[b.ID]; dup {
			return nil, fmt.Errorf("duplicate backend id %q", b.ID)
		}
		r.byID[b.ID] = i
		if b.Unlimited {
			if r.unlimited != "" {
				return nil, fmt.Errorf("backends %q and %q are both marked unlimited", r.unlimited, b.ID)
			}
			r.unlimited = b.ID
		}
	}
	if r.unlimited == "" {
		return nil, errors.New("one backend must be marked unlimited")
	}
	return r, nil
}

// List returns all backends in priority order. The slice is a copy.
func (r *Registry) List() []Backend {
	out := make([]Backend, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IDs returns backend ids in priority order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.ordered))
	for i, b := range r.ordered {
		ids[i] = b.ID
	}
	return ids
}

// Get returns the backend with the given id or ErrInvalidBackend.
func (r *Registry) Get(id string) (Backend, error) {
	i, ok := r.byID[id]
	if !ok {
		return Backend{}, fmt.Errorf("%w: %q", ErrInvalidBackend, id)
	}
	return r.ordered[i], nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// Unlimited returns the designated backend with no payload ceiling.
func (r *Registry) Unlimited() Backend {
	return r.ordered[r.byID[r.unlimited]]
}

