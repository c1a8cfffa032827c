package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DeepSeekAPIKey  string
	NVIDIAAPIKey    string
	LocalURL        string
	LogLevel        string
	LogFormat       string
	RoutingConfig   *RoutingConfig
	Aliases         *ModelAliases
	ConfigDir       string
}

// FileConfig represents the structure of ~/.routegate/config.yaml
type FileConfig struct {
	APIKeys   APIKeysConfig `yaml:"api_keys"`
	LocalURL  string        `yaml:"local_url"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
}

// APIKeysConfig holds API key configuration from file.
type APIKeysConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
	DeepSeek  string `yaml:"deepseek"`
	NVIDIA    string `yaml:"nvidia"`
}

// Load reads configuration from config files and environment variables.
// Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	return LoadWithRoutingFile("")
}

// LoadWithRoutingFile loads config with a specific routing file. An empty
// path uses routing.yaml in the config directory, or the defaults when it
// does not exist.
func LoadWithRoutingFile(routingPath string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return loadFromDir(configDir, routingPath)
}

func loadFromDir(configDir, routingPath string) (*Config, error) {
	fileConfig := loadFileConfig(filepath.Join(configDir, "config.yaml"))

	// Build config with env vars taking precedence over file
	cfg := &Config{
		AnthropicAPIKey: getEnvOrDefault("ANTHROPIC_API_KEY", fileConfig.APIKeys.Anthropic),
		OpenAIAPIKey:    getEnvOrDefault("OPENAI_API_KEY", fileConfig.APIKeys.OpenAI),
		GoogleAPIKey:    getEnvOrDefault("GOOGLE_API_KEY", fileConfig.APIKeys.Google),
		DeepSeekAPIKey:  getEnvOrDefault("DEEPSEEK_API_KEY", fileConfig.APIKeys.DeepSeek),
		NVIDIAAPIKey:    getEnvOrDefault("NVIDIA_API_KEY", fileConfig.APIKeys.NVIDIA),
		LocalURL:        getEnvOrDefault("LOCAL_LLM_URL", fileConfig.LocalURL),
		LogLevel:        getEnvOrDefault("ROUTEGATE_LOG_LEVEL", fileConfig.LogLevel),
		LogFormat:       getEnvOrDefault("ROUTEGATE_LOG_FORMAT", fileConfig.LogFormat),
		ConfigDir:       configDir,
	}

	explicit := routingPath != ""
	if !explicit {
		routingPath = filepath.Join(configDir, "routing.yaml")
	}
	if _, err := os.Stat(routingPath); err == nil || explicit {
		routing, err := LoadRoutingConfig(routingPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load routing config from %s: %w", routingPath, err)
		}
		cfg.RoutingConfig = routing
	} else {
		cfg.RoutingConfig = DefaultRoutingConfig()
	}

	aliases, err := LoadAliasesWithFallback(filepath.Join(configDir, "models.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load model aliases: %w", err)
	}
	cfg.Aliases = aliases.Merge(cfg.RoutingConfig.Aliases)

	if err := cfg.RoutingConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing config: %w", err)
	}
	return cfg, nil
}

// APIKeyFor returns the key configured for an adapter kind.
func (c *Config) APIKeyFor(kind string) string {
	switch strings.ToLower(kind) {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "google":
		return c.GoogleAPIKey
	case "deepseek":
		return c.DeepSeekAPIKey
	case "nvidia":
		return c.NVIDIAAPIKey
	default:
		return ""
	}
}

// HasAdapter returns true if the adapter kind can be constructed with the
// current credentials. Local and mock adapters need none.
func (c *Config) HasAdapter(kind string) bool {
	switch strings.ToLower(kind) {
	case "local", "mock", "compat":
		return true
	default:
		return c.APIKeyFor(kind) != ""
	}
}

// BaseURLFor returns the endpoint for a backend, applying LOCAL_LLM_URL to
// local backends that do not set one.
func (c *Config) BaseURLFor(b BackendConfig) string {
	if b.BaseURL != "" {
		return b.BaseURL
	}
	if strings.EqualFold(b.Adapter, "local") {
		return c.LocalURL
	}
	return ""
}

// ActiveBackends returns the configured backends whose credentials are
// available, and the ids of those skipped. The unlimited backend is never
// skipped.
func (c *Config) ActiveBackends() (active []BackendConfig, skipped []string) {
	for _, b := range c.RoutingConfig.Backends {
		if b.Unlimited || c.HasAdapter(b.Adapter) {
			active = append(active, b)
			continue
		}
		skipped = append(skipped, b.ID)
	}
	return active, skipped
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) *FileConfig {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg // Return empty config if file doesn't exist
	}

	_ = yaml.Unmarshal(data, cfg) // Ignore parse errors, use defaults
	return cfg
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	if dir := os.Getenv("ROUTEGATE_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".routegate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
