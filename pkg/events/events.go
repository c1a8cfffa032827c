// Package events publishes routing outcomes to NATS so other services can
// follow decisions as they happen.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Event describes one routed request.
type Event struct {
	DecisionID        string    `json:"decision_id"`
	Time              time.Time `json:"time"`
	Chain             []string  `json:"chain"`
	Rule              string    `json:"rule"`
	Category          string    `json:"category"`
	Confidence        float64   `json:"confidence"`
	Degraded          bool      `json:"degraded,omitempty"`
	Backend           string    `json:"backend,omitempty"`
	Position          int       `json:"position"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	Attempts          []string  `json:"attempts,omitempty"`
	DecisionLatencyMs float64   `json:"decision_latency_ms"`
	DurationMs        float64   `json:"duration_ms"`
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ev Event) error
	Close() error
}

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	Flush() error
	Close()
}

// NATSPublisher publishes events as JSON on <prefix>.decision.
type NATSPublisher struct {
	nc      conn
	subject string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("routegate"),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return newPublisher(nc, prefix), nil
}

func newPublisher(nc conn, prefix string) *NATSPublisher {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "routegate"
	}
	return &NATSPublisher{nc: nc, subject: prefix + ".decision"}
}

// Subject returns the subject events are published on.
func (p *NATSPublisher) Subject() string {
	return p.subject
}

// Publish encodes and sends one event. NATS buffers the write, so this does
// not wait on the network.
func (p *NATSPublisher) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	err := p.nc.Flush()
	p.nc.Close()
	return err
}
