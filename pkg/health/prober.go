package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Probe checks one backend. A nil error means the backend answered.
type Probe func(ctx context.Context) error

// Prober periodically runs probes and feeds the results into a Monitor.
type Prober struct {
	monitor  *Monitor
	probes   map[string]Probe
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewProber creates a prober. Backends without a probe are skipped.
func NewProber(m *Monitor, probes map[string]Probe, interval, timeout time.Duration, logger zerolog.Logger) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		monitor:  m,
		probes:   probes,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run probes every interval until ctx is done. It returns immediately when
// the interval is not positive or there is nothing to probe.
func (p *Prober) Run(ctx context.Context) {
	if p.interval <= 0 || len(p.probes) == 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs every probe once, sequentially.
func (p *Prober) ProbeAll(ctx context.Context) {
	for id, probe := range p.probes {
		if ctx.Err() != nil {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Debug().Str("backend", id).Err(err).Msg("probe failed")
		}
		p.monitor.ReportOutcome(id, err == nil)
	}
}
