package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "raaf-gateway/internal/errors"
	"raaf-gateway/internal/models"
	"raaf-gateway/internal/retry"
)

const (
	apiStyleChat      = "chat"
	apiStyleResponses = "responses"
	apiStyleMixed     = "mixed"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Retry     RetryConfig      `yaml:"retry"`
	Handoff   HandoffConfig    `yaml:"handoff"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
	// RateLimit is the sustained requests per second allowed per client IP.
	// Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RetryConfig overrides the default retry policy. Zero values keep the default.
type RetryConfig struct {
	MaxAttempts          int      `yaml:"max_attempts"`
	BaseDelay            Duration `yaml:"base_delay"`
	MaxDelay             Duration `yaml:"max_delay"`
	Multiplier           float64  `yaml:"multiplier"`
	Jitter               *float64 `yaml:"jitter"`
	RetryableStatusCodes []int    `yaml:"retryable_status_codes"`
	RetryableKinds       []string `yaml:"retryable_kinds"`
}

// HandoffConfig configures handoff detection.
type HandoffConfig struct {
	Roster []string     `yaml:"roster"`
	Redis  *RedisConfig `yaml:"redis"`
}

// RedisConfig points the detection statistics at a shared Redis hash.
type RedisConfig struct {
	Address   string   `yaml:"address"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
	Timeout   Duration `yaml:"timeout"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	Name         string            `yaml:"name"`
	APIStyle     string            `yaml:"api_style"`
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	Timeout      Duration          `yaml:"timeout"`
	LiveProbe    bool              `yaml:"live_probe"`
	Capabilities *CapabilityConfig `yaml:"capabilities"`
	Models       []ModelConfig     `yaml:"models"`
	Headers      Headers           `yaml:"headers"`
	Aliases      map[string]string `yaml:"aliases"`
}

// CapabilityConfig is a static capability declaration. When present it is
// used as-is instead of inferring capabilities from the provider.
type CapabilityConfig struct {
	Streaming       bool `yaml:"streaming"`
	FunctionCalling bool `yaml:"function_calling"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by a provider.
type ModelConfig struct {
	ID       string `yaml:"id"`
	APIStyle string `yaml:"api_style"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML accepts "1.5s" style strings and plain integers as seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		seconds, numErr := strconv.ParseFloat(raw, 64)
		if numErr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		parsed = time.Duration(seconds * float64(time.Second))
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML, expands ${ENV} references in API keys, applies
// defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Server.RateLimit > 0 && c.Server.Burst <= 0 {
		c.Server.Burst = int(c.Server.RateLimit) + 1
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.APIStyle = strings.ToLower(strings.TrimSpace(p.APIStyle))
		for j := range p.Models {
			style := strings.ToLower(strings.TrimSpace(p.Models[j].APIStyle))
			if style == "" && p.APIStyle != apiStyleMixed {
				style = p.APIStyle
			}
			p.Models[j].APIStyle = style
		}
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative, got %g", c.Server.RateLimit)
	}
	if err := c.Retry.validate(); err != nil {
		return err
	}
	if c.Handoff.Redis != nil && strings.TrimSpace(c.Handoff.Redis.Address) == "" {
		return fmt.Errorf("handoff.redis.address must be provided when redis is configured")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for _, provider := range c.Providers {
		if _, dup := seen[provider.Name]; dup {
			return fmt.Errorf("provider %s: configured more than once", provider.Name)
		}
		seen[provider.Name] = struct{}{}
		if err := validateProvider(provider); err != nil {
			return err
		}
	}

	return nil
}

func (r RetryConfig) validate() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative, got %d", r.MaxAttempts)
	}
	if r.Multiplier < 0 {
		return fmt.Errorf("retry.multiplier must not be negative, got %g", r.Multiplier)
	}
	if r.Jitter != nil && (*r.Jitter < 0 || *r.Jitter > 1) {
		return fmt.Errorf("retry.jitter must be within [0, 1], got %g", *r.Jitter)
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	for _, kind := range r.RetryableKinds {
		if !xerrors.Registered(xerrors.Kind(kind)) {
			return fmt.Errorf("retry.retryable_kinds: unknown error kind %q", kind)
		}
	}
	policy := r.Policy()
	if policy.BaseDelay > policy.MaxDelay {
		return fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s", policy.BaseDelay, policy.MaxDelay)
	}
	return nil
}

// Policy merges the configured overrides onto retry.DefaultPolicy.
func (r RetryConfig) Policy() retry.Policy {
	policy := retry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelay > 0 {
		policy.BaseDelay = r.BaseDelay.Std()
	}
	if r.MaxDelay > 0 {
		policy.MaxDelay = r.MaxDelay.Std()
	}
	if r.Multiplier > 0 {
		policy.Multiplier = r.Multiplier
	}
	if r.Jitter != nil {
		policy.JitterFraction = *r.Jitter
	}
	if len(r.RetryableStatusCodes) > 0 {
		policy.RetryableStatusCodes = append([]int(nil), r.RetryableStatusCodes...)
	}
	if len(r.RetryableKinds) > 0 {
		policy.RetryableKinds = make([]xerrors.Kind, 0, len(r.RetryableKinds))
		for _, kind := range r.RetryableKinds {
			policy.RetryableKinds = append(policy.RetryableKinds, xerrors.Kind(kind))
		}
	}
	return policy
}

// Declared converts a capability declaration for a provider of the given
// API style into a CapabilitySet.
func (c CapabilityConfig) Declared(apiStyle string) models.CapabilitySet {
	set := models.CapabilitySet{
		FunctionCalling: c.FunctionCalling,
	}
	switch apiStyle {
	case apiStyleChat:
		set.ChatCompletion = true
	case apiStyleResponses:
		set.ResponsesAPI = true
		set.Streaming = c.Streaming
	}
	return set.Normalize()
}

func validateProvider(provider ProviderConfig) error {
	name := provider.Name
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	switch provider.APIStyle {
	case apiStyleChat, apiStyleResponses, apiStyleMixed:
	default:
		return fmt.Errorf("provider %s: api_style %q must be one of %q, %q or %q", name, provider.APIStyle, apiStyleChat, apiStyleResponses, apiStyleMixed)
	}
	if strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if provider.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must not be negative", name)
	}
	if len(provider.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}

	for _, model := range provider.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
		if err := validateModelStyle(provider, model); err != nil {
			return err
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}

	return nil
}

func validateModelStyle(provider ProviderConfig, model ModelConfig) error {
	switch model.APIStyle {
	case apiStyleChat, apiStyleResponses:
	default:
		return fmt.Errorf("provider %s: model %s api_style %q must be %q or %q", provider.Name, model.ID, model.APIStyle, apiStyleChat, apiStyleResponses)
	}
	if provider.APIStyle != apiStyleMixed && model.APIStyle != provider.APIStyle {
		return fmt.Errorf("provider %s: model %s api_style %q conflicts with provider api_style %q", provider.Name, model.ID, model.APIStyle, provider.APIStyle)
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
