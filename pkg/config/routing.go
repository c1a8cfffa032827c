package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/backend"
	"github.com/zen-systems/routegate/pkg/task"
)

// RoutingConfig holds the backend table and routing policy configuration.
type RoutingConfig struct {
	Backends   []BackendConfig   `yaml:"backends"`
	Policy     PolicyConfig      `yaml:"policy,omitempty"`
	Classifier ClassifierConfig  `yaml:"classifier,omitempty"`
	Health     HealthConfig      `yaml:"health,omitempty"`
	Stats      StatsConfig       `yaml:"stats,omitempty"`
	Retry      RetryConfig       `yaml:"retry,omitempty"`
	Metrics    MetricsConfig     `yaml:"metrics,omitempty"`
	Events     EventsConfig      `yaml:"events,omitempty"`
	Cache      CacheConfig       `yaml:"cache,omitempty"`
	Aliases    map[string]string `yaml:"aliases,omitempty"`
}

// BackendConfig defines one inference backend.
type BackendConfig struct {
	ID                 string         `yaml:"id"`
	Adapter            string         `yaml:"adapter"`
	Model              string         `yaml:"model"`
	BaseURL            string         `yaml:"base_url,omitempty"`
	Specialization     []string       `yaml:"specialization,omitempty"`
	Priority           int            `yaml:"priority"`
	MaxPayloadBytes    int64          `yaml:"max_payload_bytes,omitempty"`
	Unlimited          bool           `yaml:"unlimited,omitempty"`
	TimeoutMs          int            `yaml:"timeout_ms,omitempty"`
	RateLimitPerMinute int            `yaml:"rate_limit_per_minute,omitempty"`
	MaxTokens          int            `yaml:"max_tokens,omitempty"`
	Temperature        *float64       `yaml:"temperature,omitempty"`
	TopP               *float64       `yaml:"top_p,omitempty"`
	Extra              map[string]any `yaml:"extra,omitempty"`
	Pricing            ModelPricing   `yaml:"pricing,omitempty"`
}

// ModelPricing defines per-1k token pricing.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty"`
}

// PolicyConfig holds routing thresholds.
type PolicyConfig struct {
	LargePayloadBytes       int64   `yaml:"large_payload_bytes,omitempty"`
	LargePayloadTokens      int     `yaml:"large_payload_tokens,omitempty"`
	Significance            int     `yaml:"significance,omitempty"`
	OverrideThreshold       float64 `yaml:"override_threshold,omitempty"`
	SpecializationWeight    float64 `yaml:"specialization_weight,omitempty"`
	SpecializationThreshold float64 `yaml:"specialization_threshold,omitempty"`
	ConsensusBoost          float64 `yaml:"consensus_boost,omitempty"`
	Z                       float64 `yaml:"z,omitempty"`
}

// ClassifierConfig lists classification rules in evaluation order.
type ClassifierConfig struct {
	Rules []RuleConfig `yaml:"rules,omitempty"`
}

// RuleConfig is one ordered classification rule.
type RuleConfig struct {
	Category string   `yaml:"category"`
	Triggers []string `yaml:"triggers,omitempty"`
	Patterns []string `yaml:"patterns,omitempty"`
}

// HealthConfig controls the health monitor.
type HealthConfig struct {
	CooldownMs      int `yaml:"cooldown_ms,omitempty"`
	ProbeIntervalMs int `yaml:"probe_interval_ms,omitempty"`
	ProbeTimeoutMs  int `yaml:"probe_timeout_ms,omitempty"`
}

// StatsConfig selects where outcome counters persist.
type StatsConfig struct {
	Store     string `yaml:"store,omitempty"`
	DSN       string `yaml:"dsn,omitempty"`
	QueueSize int    `yaml:"queue_size,omitempty"`
}

// RetryConfig defines retry and backoff behavior within one backend.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
}

// MetricsConfig sizes the metrics recorder.
type MetricsConfig struct {
	DecisionRing  int `yaml:"decision_ring,omitempty"`
	BufferSize    int `yaml:"buffer_size,omitempty"`
	LatencyWindow int `yaml:"latency_window,omitempty"`
}

// EventsConfig enables decision events on NATS.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// CacheConfig controls the response cache and in-flight request coalescing.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled,omitempty"`
	TTLSeconds int  `yaml:"ttl_seconds,omitempty"`
	MaxEntries int  `yaml:"max_entries,omitempty"`
	// Coalesce shares one execution between identical concurrent requests.
	Coalesce bool `yaml:"coalesce,omitempty"`
}

// LoadRoutingConfig reads routing configuration from a YAML file.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRoutingConfig(data)
}

// ParseRoutingConfig decodes routing YAML and applies defaults.
func ParseRoutingConfig(data []byte) (*RoutingConfig, error) {
	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = defaultBackends()
	}

	applyRoutingDefaults(&cfg)
	return &cfg, nil
}

// DefaultRoutingConfig returns the default routing configuration: a local
// unlimited model server and two NVIDIA hosted models, plus cloud backends
// that activate when their API key is present.
func DefaultRoutingConfig() *RoutingConfig {
	cfg := &RoutingConfig{Backends: defaultBackends()}
	applyRoutingDefaults(cfg)
	return cfg
}

func defaultBackends() []BackendConfig {
	temp := 0.2
	topP := 0.7
	return []BackendConfig{
		{
			ID:             "local",
			Adapter:        "local",
			Model:          "local-model",
			Specialization: []string{"unlimited", "general"},
			Priority:       30,
			Unlimited:      true,
			TimeoutMs:      300_000,
			MaxTokens:      4096,
		},
		{
			ID:                 "nvidia-deepseek",
			Adapter:            "nvidia",
			Model:              "deepseek-ai/deepseek-v3.1",
			Specialization:     []string{"analysis"},
			Priority:           10,
			MaxPayloadBytes:    100_000,
			TimeoutMs:          60_000,
			RateLimitPerMinute: 40,
			MaxTokens:          8192,
			Temperature:        &temp,
			TopP:               &topP,
			Extra: map[string]any{
				"chat_template_kwargs": map[string]any{"thinking": true},
			},
		},
		{
			ID:                 "nvidia-qwen",
			Adapter:            "nvidia",
			Model:              "qwen/qwen3-coder-480b-a35b-instruct",
			Specialization:     []string{"coding"},
			Priority:           20,
			MaxPayloadBytes:    100_000,
			TimeoutMs:          60_000,
			RateLimitPerMinute: 40,
			MaxTokens:          8192,
			Temperature:        &temp,
			TopP:               &topP,
		},
		{
			ID:              "anthropic",
			Adapter:         "anthropic",
			Model:           "quality",
			Specialization:  []string{"coding", "analysis"},
			Priority:        40,
			MaxPayloadBytes: 400_000,
			TimeoutMs:       90_000,
			MaxTokens:       4096,
			Pricing:         ModelPricing{PromptPer1K: 0.003, CompletionPer1K: 0.015},
		},
		{
			ID:              "openai",
			Adapter:         "openai",
			Model:           "fast",
			Specialization:  []string{"general"},
			Priority:        50,
			MaxPayloadBytes: 200_000,
			TimeoutMs:       60_000,
			MaxTokens:       4096,
		},
		{
			ID:              "google",
			Adapter:         "google",
			Model:           "research",
			Specialization:  []string{"analysis", "general"},
			Priority:        60,
			MaxPayloadBytes: 400_000,
			TimeoutMs:       60_000,
			MaxTokens:       4096,
		},
		{
			ID:              "deepseek",
			Adapter:         "deepseek",
			Model:           "cheap",
			Specialization:  []string{"coding"},
			Priority:        70,
			MaxPayloadBytes: 100_000,
			TimeoutMs:       60_000,
			MaxTokens:       4096,
			Pricing:         ModelPricing{PromptPer1K: 0.00027, CompletionPer1K: 0.0011},
		},
	}
}

func applyRoutingDefaults(cfg *RoutingConfig) {
	if cfg == nil {
		return
	}
	p := &cfg.Policy
	if p.LargePayloadBytes == 0 {
		p.LargePayloadBytes = 100_000
	}
	if p.LargePayloadTokens == 0 {
		p.LargePayloadTokens = 25_000
	}
	if p.Significance == 0 {
		p.Significance = 30
	}
	if p.OverrideThreshold == 0 {
		p.OverrideThreshold = 0.85
	}
	if p.SpecializationWeight == 0 {
		p.SpecializationWeight = 0.9
	}
	if p.SpecializationThreshold == 0 {
		p.SpecializationThreshold = 0.7
	}
	if p.ConsensusBoost == 0 {
		p.ConsensusBoost = 0.1
	}
	if p.Z == 0 {
		p.Z = 1.96
	}

	if cfg.Health.CooldownMs == 0 {
		cfg.Health.CooldownMs = 30_000
	}
	if cfg.Health.ProbeTimeoutMs == 0 {
		cfg.Health.ProbeTimeoutMs = 5_000
	}

	if cfg.Stats.Store == "" {
		cfg.Stats.Store = "memory"
	}
	if cfg.Stats.QueueSize == 0 {
		cfg.Stats.QueueSize = 1024
	}

	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 200
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 2000
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}

	if cfg.Metrics.DecisionRing == 0 {
		cfg.Metrics.DecisionRing = 128
	}
	if cfg.Metrics.BufferSize == 0 {
		cfg.Metrics.BufferSize = 1024
	}
	if cfg.Metrics.LatencyWindow == 0 {
		cfg.Metrics.LatencyWindow = 100
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "routegate"
	}

	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 300
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}

	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.TimeoutMs == 0 {
			if b.Unlimited {
				b.TimeoutMs = 300_000
			} else {
				b.TimeoutMs = 60_000
			}
		}
	}
}

// Validate checks the routing config for structural errors.
func (cfg *RoutingConfig) Validate() error {
	if cfg == nil {
		return errors.New("routing config is nil")
	}
	if len(cfg.Backends) == 0 {
		return errors.New("no backends configured")
	}

	kinds := make(map[string]bool)
	for _, k := range adapter.Kinds() {
		kinds[k] = true
	}

	var errs []error
	seen := make(map[string]bool, len(cfg.Backends))
	unlimited := 0
	for i, b := range cfg.Backends {
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("backend #%d: id is required", i))
			continue
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("backend %q: duplicate id", b.ID))
		}
		seen[b.ID] = true
		if !kinds[strings.ToLower(b.Adapter)] {
			errs = append(errs, fmt.Errorf("backend %q: unknown adapter %q", b.ID, b.Adapter))
		}
		for _, s := range b.Specialization {
			if _, ok := task.ParseCategory(s); !ok {
				errs = append(errs, fmt.Errorf("backend %q: unknown specialization %q", b.ID, s))
			}
		}
		if b.Temperature != nil && (*b.Temperature < 0 || *b.Temperature > 2) {
			errs = append(errs, fmt.Errorf("backend %q: temperature must be between 0 and 2", b.ID))
		}
		if b.Unlimited {
			unlimited++
		}
	}
	if unlimited != 1 {
		errs = append(errs, fmt.Errorf("exactly one backend must be unlimited, found %d", unlimited))
	}

	for _, r := range cfg.Classifier.Rules {
		if _, ok := task.ParseCategory(r.Category); !ok {
			errs = append(errs, fmt.Errorf("classifier rule: unknown category %q", r.Category))
		}
	}

	p := cfg.Policy
	for name, v := range map[string]float64{
		"override_threshold":       p.OverrideThreshold,
		"specialization_weight":    p.SpecializationWeight,
		"specialization_threshold": p.SpecializationThreshold,
		"consensus_boost":          p.ConsensusBoost,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("policy %s must be within [0,1], got %v", name, v))
		}
	}
	return errors.Join(errs...)
}

// ToBackend converts the config entry into a registry backend, resolving
// model aliases.
func (b BackendConfig) ToBackend(aliases *ModelAliases) (backend.Backend, error) {
	specs := make([]task.Category, 0, len(b.Specialization))
	for _, s := range b.Specialization {
		c, ok := task.ParseCategory(s)
		if !ok {
			return backend.Backend{}, fmt.Errorf("backend %q: unknown specialization %q", b.ID, s)
		}
		specs = append(specs, c)
	}
	var extra map[string]any
	if len(b.Extra) > 0 {
		extra = make(map[string]any, len(b.Extra))
		for k, v := range b.Extra {
			extra[k] = v
		}
	}
	return backend.Backend{
		ID:              b.ID,
		Adapter:         strings.ToLower(b.Adapter),
		Model:           aliases.Resolve(b.Model),
		Specialization:  specs,
		Priority:        b.Priority,
		MaxPayloadBytes: b.MaxPayloadBytes,
		Unlimited:       b.Unlimited,
		Timeout:         time.Duration(b.TimeoutMs) * time.Millisecond,
		RatePerMinute:   b.RateLimitPerMinute,
		Profile: backend.Profile{
			MaxTokens:   b.MaxTokens,
			Temperature: b.Temperature,
			TopP:        b.TopP,
			Extra:       extra,
		},
		Pricing: backend.Pricing{
			PromptPer1K:     b.Pricing.PromptPer1K,
			CompletionPer1K: b.Pricing.CompletionPer1K,
		},
	}, nil
}

// ClassifierRules returns the configured rules, or the built-in rules when
// none are configured.
func (cfg *RoutingConfig) ClassifierRules() ([]task.Rule, error) {
	if len(cfg.Classifier.Rules) == 0 {
		return task.DefaultRules(), nil
	}
	rules := make([]task.Rule, 0, len(cfg.Classifier.Rules))
	for _, r := range cfg.Classifier.Rules {
		c, ok := task.ParseCategory(r.Category)
		if !ok {
			return nil, fmt.Errorf("classifier rule: unknown category %q", r.Category)
		}
		rules = append(rules, task.Rule{Category: c, Triggers: r.Triggers, Patterns: r.Patterns})
	}
	return rules, nil
}

// Cooldown returns the health cooldown window.
func (h HealthConfig) Cooldown() time.Duration {
	return time.Duration(h.CooldownMs) * time.Millisecond
}

// ProbeInterval returns the active probe interval; zero disables probing.
func (h HealthConfig) ProbeInterval() time.Duration {
	return time.Duration(h.ProbeIntervalMs) * time.Millisecond
}

// TTL returns how long a cached response stays valid.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ProbeTimeout returns the timeout for one probe.
func (h HealthConfig) ProbeTimeout() time.Duration {
	return time.Duration(h.ProbeTimeoutMs) * time.Millisecond
}
