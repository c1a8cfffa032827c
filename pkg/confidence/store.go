package confidence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/routegate/pkg/task"
)

// Store persists outcome counters across restarts or replicas.
type Store interface {
	// Load returns every persisted counter.
	Load(ctx context.Context) (map[Key]Stats, error)
	// Increment adds one outcome atomically.
	Increment(ctx context.Context, k Key, success bool) error
	// Reset removes every persisted counter.
	Reset(ctx context.Context) error
	Close() error
}

// OpenStore opens a store by kind: "memory" (or empty) returns nil, "sqlite"
// takes a file path and "redis" an address or redis:// URL.
func OpenStore(kind, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "memory":
		return nil, nil
	case "sqlite":
		s, err := NewSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := NewRedisStore(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown stats store %q", kind)
	}
}

type outcome struct {
	key     Key
	success bool
}

// Persister writes outcomes behind the in-memory scorer through a bounded
// queue. Enqueue never blocks; when the queue is full the outcome is
// dropped from persistence only and counted.
type Persister struct {
	store   Store
	queue   chan outcome
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

// NewPersister creates a persister with the given queue size.
func NewPersister(store Store, size int, logger zerolog.Logger) *Persister {
	if size <= 0 {
		size = 1024
	}
	return &Persister{
		store:   store,
		queue:   make(chan outcome, size),
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (p *Persister) Start() {
	go p.loop()
}

func (p *Persister) loop() {
	defer close(p.done)
	for o := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.store.Increment(ctx, o.key, o.success)
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).Str("backend", o.key.Backend).
				Str("category", string(o.key.Category)).Msg("persist outcome failed")
		}
	}
}

// Enqueue implements Sink.
func (p *Persister) Enqueue(k Key, success bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- outcome{key: k, success: success}:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Dropped returns how many outcomes were not persisted due to a full queue.
func (p *Persister) Dropped() uint64 {
	return p.dropped.Load()
}


// Close stops accepting outcomes, drains the queue and waits for the writer.
// It does not close the store.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

func keyString(k Key) string {
	return k.Backend + "|" + string(k.Category)
}

func parseKeyString(s string) (Key, bool) {
	backend, category, ok := strings.Cut(s, "|")
	if !ok || backend == "" {
		return Key{}, false
	}
	return Key{Backend: backend, Category: task.Category(category)}, true
}
