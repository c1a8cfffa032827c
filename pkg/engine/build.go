package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/backend"
	"github.com/zen-systems/routegate/pkg/confidence"
	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/events"
	"github.com/zen-systems/routegate/pkg/executor"
	"github.com/zen-systems/routegate/pkg/metrics"
	"github.com/zen-systems/routegate/pkg/router"
	"github.com/zen-systems/routegate/pkg/task"
)

// FromConfig builds an engine from loaded configuration. Backends whose
// provider has no API key are skipped with a warning. The returned engine
// is not started.
func FromConfig(cfg *config.Config, logger zerolog.Logger, extra ...Option) (*Engine, error) {
	rc := cfg.RoutingConfig
	if rc == nil {
		rc = config.DefaultRoutingConfig()
	}

	active, skipped := cfg.ActiveBackends()
	for _, id := range skipped {
		logger.Warn().Str("backend", id).Msg("backend skipped: no API key configured")
	}
	for _, verr := range cfg.Aliases.ValidateBackends(active) {
		logger.Warn().Err(verr).Msg("backend model not in provider list")
	}

	backends := make([]backend.Backend, 0, len(active))
	adapters := make(map[string]adapter.Adapter, len(active))
	for _, bc := range active {
		b, err := bc.ToBackend(cfg.Aliases)
		if err != nil {
			return nil, err
		}
		a, err := adapter.New(adapter.Spec{
			Kind:    bc.Adapter,
			APIKey:  cfg.APIKeyFor(bc.Adapter),
			BaseURL: cfg.BaseURLFor(bc),
		})
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", bc.ID, err)
		}
		backends = append(backends, b)
		adapters[b.ID] = a
	}

	reg, err := backend.NewRegistry(backends)
	if err != nil {
		return nil, err
	}

	rules, err := rc.ClassifierRules()
	if err != nil {
		return nil, err
	}
	cls, err := task.NewKeywordClassifier(rules)
	if err != nil {
		return nil, err
	}

	p := rc.Policy
	opts := []Option{
		WithLogger(logger),
		WithClassifier(cls),
		WithThresholds(router.Thresholds{
			LargePayloadBytes:       p.LargePayloadBytes,
			LargePayloadTokens:      p.LargePayloadTokens,
			OverrideThreshold:       p.OverrideThreshold,
			SpecializationWeight:    p.SpecializationWeight,
			SpecializationThreshold: p.SpecializationThreshold,
			ConsensusBoost:          p.ConsensusBoost,
		}),
		WithZ(p.Z),
		WithCooldown(rc.Health.Cooldown()),
		WithProbe(rc.Health.ProbeInterval(), rc.Health.ProbeTimeout()),
		WithRetry(executor.RetryPolicy{
			MaxRetries:  rc.Retry.MaxRetries,
			BaseBackoff: time.Duration(rc.Retry.BaseBackoffMs) * time.Millisecond,
			MaxBackoff:  time.Duration(rc.Retry.MaxBackoffMs) * time.Millisecond,
		}),
		WithMetrics(
			metrics.WithBufferSize(rc.Metrics.BufferSize),
			metrics.WithRingSize(rc.Metrics.DecisionRing),
			metrics.WithLatencyWindow(rc.Metrics.LatencyWindow),
		),
	}
	if p.Significance > 0 {
		opts = append(opts, WithSignificance(uint64(p.Significance)))
	}
	if rc.Cache.Enabled {
		opts = append(opts, WithCache(rc.Cache.MaxEntries, rc.Cache.TTL()))
	}
	if rc.Cache.Coalesce {
		opts = append(opts, WithCoalescing())
	}

	store, err := openStore(cfg, rc.Stats)
	if err != nil {
		return nil, err
	}
	if store != nil {
		opts = append(opts, WithStore(store, rc.Stats.QueueSize))
	}

	if url := strings.TrimSpace(rc.Events.NATSURL); url != "" {
		pub, perr := events.NewNATSPublisher(url, rc.Events.SubjectPrefix)
		if perr != nil {
			logger.Warn().Err(perr).Str("url", url).Msg("decision events disabled")
		} else {
			opts = append(opts, WithPublisher(pub))
		}
	}

	e, err := New(reg, adapters, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	logger.Debug().Strs("backends", reg.IDs()).Str("stats_store", rc.Stats.Store).Msg("engine configured")
	return e, nil
}

func openStore(cfg *config.Config, sc config.StatsConfig) (confidence.Store, error) {
	dsn := sc.DSN
	if strings.EqualFold(sc.Store, "sqlite") && dsn == "" {
		dsn = filepath.Join(cfg.ConfigDir, "stats.db")
	}
	store, err := confidence.OpenStore(sc.Store, dsn)
	if err != nil {
		return nil, fmt.Errorf("open stats store: %w", err)
	}
	return store, nil
}
