// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Models     map[string]string `yaml:"models"` // model name -> provider name overrides
	Completion CompletionConfig `yaml:"completion"`
	Stream     StreamConfig     `yaml:"stream"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// AllowedOrigins lists client origins permitted to connect.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig selects and parameterizes the storage backend
type DatabaseConfig struct {
	// Backend is "sqlite" (default) or "postgres"
	Backend string `yaml:"backend"`

	// Path is the database file path (sqlite)
	Path string `yaml:"path"`

	// DSN is the connection string (postgres)
	DSN string `yaml:"dsn"`

	// MaxOpenConns caps the postgres connection pool
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns caps idle postgres connections
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// ProvidersConfig holds credentials and endpoints per provider
type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

// OpenAIConfig configures the OpenAI-compatible adapter
type OpenAIConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AnthropicConfig configures the Anthropic adapter
type AnthropicConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Version string `yaml:"version"`
}

// CompletionConfig tunes context assembly and retry behavior
type CompletionConfig struct {
	// TokenBudget caps estimated context size; oldest non-system messages
	// are dropped past it. 0 disables truncation.
	TokenBudget int `yaml:"token_budget"`

	// ContextTurns caps how many complete turns enter provider context
	ContextTurns int `yaml:"context_turns"`

	// SummarizeThreshold is the turn count above which older history is
	// summarized into a leading system message. 0 disables summarization.
	SummarizeThreshold int `yaml:"summarize_threshold"`

	// SummaryModel generates history summaries. Empty means the
	// conversation's own model.
	SummaryModel string `yaml:"summary_model"`

	// MaxRetries caps retries after the first attempt
	MaxRetries int `yaml:"max_retries"`

	RetryBaseDelay time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RetryBaseDelayRaw string `yaml:"retry_base_delay"`
}

// StreamConfig tunes the in-memory stream multiplexer
type StreamConfig struct {
	// WindowSize is the replay window capacity in chunks
	WindowSize int `yaml:"window_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// FindConfigFile returns the first config file that exists, checking the
// PARLEY_CONFIG environment variable, the working directory, then the
// user's config directory.
func FindConfigFile() (string, error) {
	if path := os.Getenv("PARLEY_CONFIG"); path != "" {
		return path, nil
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}
	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".config", "parley", "gateway.yaml")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found (set PARLEY_CONFIG or create config.yaml)")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Backend {
	case "", "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend must be sqlite or postgres, got %q", c.Database.Backend)
	}

	if !c.Providers.OpenAI.Enabled && !c.Providers.Anthropic.Enabled {
		return fmt.Errorf("at least one provider must be enabled")
	}
	if c.Providers.OpenAI.Enabled && c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("providers.openai.api_key is required when openai is enabled")
	}
	if c.Providers.Anthropic.Enabled && c.Providers.Anthropic.APIKey == "" {
		return fmt.Errorf("providers.anthropic.api_key is required when anthropic is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Completion.RetryBaseDelayRaw != "" {
		cfg.Completion.RetryBaseDelay, err = time.ParseDuration(cfg.Completion.RetryBaseDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_base_delay %q: %w", cfg.Completion.RetryBaseDelayRaw, err)
		}
	}

	return nil
}
