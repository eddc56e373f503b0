// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/logging"
	"github.com/jeranaias/rigrun-ollama/internal/mock"
	"github.com/jeranaias/rigrun-ollama/internal/ollama"
	"github.com/jeranaias/rigrun-ollama/internal/ratelimit"
	"github.com/jeranaias/rigrun-ollama/internal/transport"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun-ollama configuration.
type Config struct {
	// BaseURL is the Ollama server address
	BaseURL string `toml:"base_url" json:"base_url"`

	// DefaultModel fills requests that name no model
	DefaultModel string `toml:"default_model" json:"default_model"`

	// Mock answers every call from the in-memory backend
	Mock bool `toml:"mock" json:"mock"`

	// TimeoutSecs bounds a single attempt
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`

	// MaxInFlight bounds concurrent non-blocking operations
	MaxInFlight int `toml:"max_in_flight" json:"max_in_flight"`

	Retry  RetryConfig          `toml:"retry" json:"retry"`
	Limits ratelimit.Limits     `toml:"limits" json:"limits"`
	Pool   transport.PoolConfig `toml:"pool" json:"pool"`
	Log    LogConfig            `toml:"log" json:"log"`
	Server ServerConfig         `toml:"server" json:"server"`
}

// RetryConfig controls retries of transient failures.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt. Zero
	// disables retries.
	MaxRetries   int     `toml:"max_retries" json:"max_retries"`
	DelaySecs    float64 `toml:"delay_secs" json:"delay_secs"`
	MaxDelaySecs float64 `toml:"max_delay_secs" json:"max_delay_secs"`
	Multiplier   float64 `toml:"multiplier" json:"multiplier"`
	Jitter       float64 `toml:"jitter" json:"jitter"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// ServerConfig configures the standalone mock server.
type ServerConfig struct {
	Addr        string `toml:"addr" json:"addr"`
	WordDelayMS int    `toml:"word_delay_ms" json:"word_delay_ms"`
	StepDelayMS int    `toml:"step_delay_ms" json:"step_delay_ms"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BaseURL:     ollama.DefaultBaseURL,
		TimeoutSecs: 60,
		MaxInFlight: 64,
		Retry: RetryConfig{
			MaxRetries:   3,
			DelaySecs:    1,
			MaxDelaySecs: 30,
			Multiplier:   2,
		},
		Limits: ratelimit.DefaultLimits(),
		Pool:   transport.DefaultPoolConfig(),
		Log: LogConfig{
			Level:  logging.DefaultLevel,
			Format: string(logging.FormatText),
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:11435",
			WordDelayMS: 100,
			StepDelayMS: 500,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-ollama"), nil
}

// DefaultPath returns the path to the TOML config file.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load builds the configuration from defaults, the TOML file at path, a
// .env file in the working directory and the environment, in increasing
// order of precedence. An empty path selects DefaultPath, which may be
// absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err == nil {
			path = p
		}
	}
	if path != "" {
		err := LoadTOML(cfg, path)
		switch {
		case err == nil:
		case !explicit && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes the TOML file at path over cfg. Keys absent from the
// file keep their current values.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to load TOML config from %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg to path with owner-only permissions, creating the
// parent directory.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# rigrun-ollama configuration file\n")
	buf.WriteString("# Environment variables (OLLAMA_API_URL, USE_MOCK_OLLAMA, LOG_LEVEL, ...) take precedence.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeFileAtomic(path, buf.Bytes(), 0600)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - OLLAMA_API_URL: overrides base_url
//   - OLLAMA_MODEL: overrides default_model
//   - USE_MOCK_OLLAMA: overrides mock
//   - LOG_LEVEL: overrides log.level
//   - OLLAMA_TIMEOUT: overrides timeout_secs
//   - OLLAMA_MAX_RETRIES: overrides retry.max_retries
//   - OLLAMA_RETRY_DELAY: overrides retry.delay_secs
//   - MOCK_OLLAMA_ADDR: overrides server.addr
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidateErrors

	if v := env("OLLAMA_API_URL"); v != "" {
		c.BaseURL = v
	}
	if v := env("OLLAMA_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := env("USE_MOCK_OLLAMA"); v != "" {
		c.Mock = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	if v := env("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := env("OLLAMA_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: "OLLAMA_TIMEOUT", Message: fmt.Sprintf("not an integer: %q", v)})
		} else {
			c.TimeoutSecs = n
		}
	}
	if v := env("OLLAMA_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: "OLLAMA_MAX_RETRIES", Message: fmt.Sprintf("not an integer: %q", v)})
		} else {
			c.Retry.MaxRetries = n
		}
	}
	if v := env("OLLAMA_RETRY_DELAY"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: "OLLAMA_RETRY_DELAY", Message: fmt.Sprintf("not a number: %q", v)})
		} else {
			c.Retry.DelaySecs = f
		}
	}
	if v := env("MOCK_OLLAMA_ADDR"); v != "" {
		c.Server.Addr = v
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !c.Mock {
		u, err := url.Parse(c.BaseURL)
		switch {
		case err != nil:
			add("base_url", "invalid URL: %v", err)
		case u.Scheme != "http" && u.Scheme != "https":
			add("base_url", "scheme must be http or https, got %q", u.Scheme)
		case u.Host == "":
			add("base_url", "missing host in %q", c.BaseURL)
		}
	}

	if c.TimeoutSecs <= 0 {
		add("timeout_secs", "must be positive, got %d", c.TimeoutSecs)
	}
	if c.MaxInFlight < 0 {
		add("max_in_flight", "must not be negative, got %d", c.MaxInFlight)
	}

	// Retry
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries", "must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.DelaySecs < 0 {
		add("retry.delay_secs", "must not be negative, got %g", c.Retry.DelaySecs)
	}
	if c.Retry.MaxDelaySecs < 0 {
		add("retry.max_delay_secs", "must not be negative, got %g", c.Retry.MaxDelaySecs)
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		add("retry.multiplier", "must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		add("retry.jitter", "must be between 0 and 1, got %g", c.Retry.Jitter)
	}

	// Limits
	checkLimit := func(field string, l ratelimit.Limit) {
		if l.Rate < 0 || math.IsNaN(l.Rate) || math.IsInf(l.Rate, 0) {
			add(field+".rate", "must be a finite, non-negative number, got %g", l.Rate)
		}
		if l.Capacity < 0 {
			add(field+".capacity", "must not be negative, got %d", l.Capacity)
		}
	}
	checkLimit("limits.heavy", c.Limits.Heavy)
	checkLimit("limits.light", c.Limits.Light)
	for key, l := range c.Limits.Endpoints {
		field := "limits.endpoints." + key
		if _, ok := api.Endpoints[api.Endpoint(key)]; !ok {
			add(field, "unknown endpoint key")
			continue
		}
		checkLimit(field, l)
	}

	// Pool
	if c.Pool.MaxIdleConns < 0 || c.Pool.MaxIdleConnsPerHost < 0 || c.Pool.MaxConnsPerHost < 0 {
		add("pool", "connection counts must not be negative")
	}

	// Log
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "invalid level %q", c.Log.Level)
	}
	switch logging.Format(strings.ToLower(c.Log.Format)) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		add("log.format", "must be text or json, got %q", c.Log.Format)
	}

	// Server
	if c.Server.WordDelayMS < 0 || c.Server.StepDelayMS < 0 {
		add("server", "delays must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// Timeout returns the per-attempt timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() ollama.RetryPolicy {
	maxAttempts := c.Retry.MaxRetries
	if maxAttempts == 0 {
		maxAttempts = -1
	}
	return ollama.RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   seconds(c.Retry.DelaySecs),
		MaxDelay:    seconds(c.Retry.MaxDelaySecs),
		Multiplier:  c.Retry.Multiplier,
		Jitter:      c.Retry.Jitter,
	}
}

// Logger builds the logger described by the log section, writing to stderr.
func (c *Config) Logger() *logrus.Logger {
	return c.LoggerTo(nil)
}

// LoggerTo is Logger writing to out.
func (c *Config) LoggerTo(out io.Writer) *logrus.Logger {
	return logging.NewWithFormat(c.Log.Level, logging.Format(strings.ToLower(c.Log.Format)), out)
}

// MockOptions returns the backend options for the mock delays.
func (c *Config) MockOptions() []mock.Option {
	return []mock.Option{
		mock.WithWordDelay(time.Duration(c.Server.WordDelayMS) * time.Millisecond),
		mock.WithStepDelay(time.Duration(c.Server.StepDelayMS) * time.Millisecond),
	}
}

// ClientConfig converts the configuration into client settings. A nil
// logger selects Logger().
func (c *Config) ClientConfig(logger logrus.FieldLogger) *ollama.ClientConfig {
	if logger == nil {
		logger = c.Logger()
	}
	cc := &ollama.ClientConfig{
		BaseURL:      c.BaseURL,
		Timeout:      c.Timeout(),
		DefaultModel: c.DefaultModel,
		Retry:        c.RetryPolicy(),
		Limits:       c.Limits,
		Pool:         c.Pool,
		Mock:         c.Mock,
		MaxInFlight:  c.MaxInFlight,
		Logger:       logger,
	}
	if c.Mock {
		cc.MockOptions = c.MockOptions()
	}
	return cc
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// String returns the configuration as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
