// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                    `toml:"default_provider"`
	Providers       map[string]ProviderConfig `toml:"providers"`
	Cache           CacheConfig               `toml:"cache"`
	UI              UIConfig                  `toml:"ui"`
	Agent           AgentConfig               `toml:"-"`
}

// AgentConfig holds the Run Loop / Protocol Engine runtime policy knobs
// spec.md §6 names as `QX_*` environment variables — these are read-only
// process environment, not TOML fields, since they tune behavior per
// invocation rather than describe persistent provider setup.
type AgentConfig struct {
	ModelName              string
	EnableStreaming        bool
	RequestTimeout         time.Duration
	NumRetries             int
	FallbackModels         []string
	ContextWindowFallbacks []string
	FallbackTimeout        time.Duration
	FallbackCooldown       time.Duration
	RetryDelay             time.Duration
	MaxRetryDelay          time.Duration
	BackoffFactor          float64
	ShowThinking           bool
	ShowStdout             bool
	ShowStderr             bool
	LogLevel               string
	UserContext            string
	ProjectContext         string
	ProjectFiles           []string
}

// LoadAgentConfig reads the QX_* environment variables into an AgentConfig,
// applying spec.md §6's documented defaults for anything unset.
func LoadAgentConfig() AgentConfig {
	cfg := AgentConfig{
		EnableStreaming:  true,
		RequestTimeout:   120 * time.Second,
		NumRetries:       3,
		FallbackTimeout:  45 * time.Second,
		FallbackCooldown: 60 * time.Second,
		RetryDelay:       500 * time.Millisecond,
		MaxRetryDelay:    8 * time.Second,
		BackoffFactor:    2.0,
		ShowStdout:       true,
		ShowStderr:       true,
		LogLevel:         "info",
	}

	cfg.ModelName = os.Getenv("QX_MODEL_NAME")
	cfg.EnableStreaming = envBoolOrDefault("QX_ENABLE_STREAMING", cfg.EnableStreaming)
	cfg.RequestTimeout = envSecondsOrDefault("QX_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.NumRetries = envIntOrDefault("QX_NUM_RETRIES", cfg.NumRetries)
	cfg.FallbackModels = envCSV("QX_FALLBACK_MODELS")
	cfg.ContextWindowFallbacks = envCSV("QX_CONTEXT_WINDOW_FALLBACKS")
	cfg.FallbackTimeout = envSecondsOrDefault("QX_FALLBACK_TIMEOUT", cfg.FallbackTimeout)
	cfg.FallbackCooldown = envSecondsOrDefault("QX_FALLBACK_COOLDOWN", cfg.FallbackCooldown)
	cfg.RetryDelay = envMillisOrDefault("QX_RETRY_DELAY", cfg.RetryDelay)
	cfg.MaxRetryDelay = envMillisOrDefault("QX_MAX_RETRY_DELAY", cfg.MaxRetryDelay)
	cfg.BackoffFactor = envFloatOrDefault("QX_BACKOFF_FACTOR", cfg.BackoffFactor)
	cfg.ShowThinking = envBoolOrDefault("QX_SHOW_THINKING", cfg.ShowThinking)
	cfg.ShowStdout = envBoolOrDefault("QX_SHOW_STDOUT", cfg.ShowStdout)
	cfg.ShowStderr = envBoolOrDefault("QX_SHOW_STDERR", cfg.ShowStderr)
	if v := os.Getenv("QX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.UserContext = os.Getenv("QX_USER_CONTEXT")
	cfg.ProjectContext = os.Getenv("QX_PROJECT_CONTEXT")
	cfg.ProjectFiles = envCSV("QX_PROJECT_FILES")

	return cfg
}

func envBoolOrDefault(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntOrDefault(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envSecondsOrDefault(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

func envMillisOrDefault(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envCSV(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UIConfig holds user-interface settings.
type UIConfig struct {
	// SyntaxTheme names a Chroma syntax highlighting theme.
	// Defaults to "vulcan" if unset.
	SyntaxTheme string `toml:"syntax_theme"`
}

// SyntaxThemeOrDefault returns the configured syntax theme or "vulcan" if unset.
func (u UIConfig) SyntaxThemeOrDefault() string {
	if u.SyntaxTheme == "" {
		return "vulcan"
	}
	return u.SyntaxTheme
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
}

// Load reads configuration from a TOML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	// Config file is required
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	// File must exist
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Load from file
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Agent = LoadAgentConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	// Validate default provider if specified
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if err := validateEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// DataDir returns the path to the Qx data directory (~/.config/qx).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "qx"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
