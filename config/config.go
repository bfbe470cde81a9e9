// Package config loads the optional YAML configuration file for a run.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for run configuration.
const (
	DefaultWarmUp      = 2 * time.Second
	DefaultPacing      = 1 * time.Second
	DefaultTimeout     = 30 * time.Second
	DefaultGracePeriod = 3 * time.Second
	DefaultFatalMarker = "Fatal error:"
	DefaultDebugEnv    = "coolify:*"

	DefaultBaseURLEnv = "COOLIFY_BASE_URL"
	DefaultTokenEnv   = "COOLIFY_ACCESS_TOKEN"
)

// Error response policies.
const (
	ErrorResponsesComplete = "complete"
	ErrorResponsesFatal    = "fatal"
)

// Config holds the parsed configuration. All fields are optional; zero values represent defaults.
type Config struct {
	Command        []string          `yaml:"command"` // executable followed by its arguments
	Dir            string            `yaml:"dir"`
	Env            map[string]string `yaml:"env"`    // added to the inherited environment
	Script         string            `yaml:"script"` // path to a .yaml, .toml or .json script
	RawWarmUp      string            `yaml:"warmup"` // e.g. "2s"
	RawPacing      string            `yaml:"pacing"`
	RawTimeout     string            `yaml:"timeout"`
	RawGracePeriod string            `yaml:"grace"`
	FatalMarkers   []string          `yaml:"fatal_markers"`
	ErrorResponses string            `yaml:"error_responses"` // "complete" or "fatal"
	RequireEnv     []string          `yaml:"require_env"`
	RequireFiles   []string          `yaml:"require_files"`
	Preflight      PreflightConfig   `yaml:"preflight"`
}

// PreflightConfig controls the optional HTTP probe of the backend API.
type PreflightConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	BaseURLEnv string `yaml:"base_url_env"` // default COOLIFY_BASE_URL
	TokenEnv   string `yaml:"token_env"`    // default COOLIFY_ACCESS_TOKEN
	Path       string `yaml:"path"`
}

func durationOr(raw string, def time.Duration) time.Duration {
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil && d > 0 {
			return d
		}
	}
	return def
}

// WarmUp returns the delay between spawning the child and sending the first request.
func (c *Config) WarmUp() time.Duration { return durationOr(c.RawWarmUp, DefaultWarmUp) }

// Pacing returns the delay between consecutive requests.
func (c *Config) Pacing() time.Duration { return durationOr(c.RawPacing, DefaultPacing) }

// Timeout returns the run-wide deadline, measured from the first request.
func (c *Config) Timeout() time.Duration { return durationOr(c.RawTimeout, DefaultTimeout) }

// GracePeriod returns the time allowed for the child to exit before it is killed.
func (c *Config) GracePeriod() time.Duration {
	return durationOr(c.RawGracePeriod, DefaultGracePeriod)
}

// Markers returns the configured fatal stderr markers, falling back to the default.
func (c *Config) Markers() []string {
	if len(c.FatalMarkers) > 0 {
		return c.FatalMarkers
	}
	return []string{DefaultFatalMarker}
}

// ChildEnv returns the environment overrides for the child process. DEBUG is set to
// DefaultDebugEnv unless the configuration gives it a value, including an empty one.
func (c *Config) ChildEnv() map[string]string {
	ret := map[string]string{"DEBUG": DefaultDebugEnv}
	for k, v := range c.Env {
		ret[k] = v
	}
	return ret
}

// FatalOnErrorResponse returns true if a JSON-RPC error response should end the run.
func (c *Config) FatalOnErrorResponse() bool {
	return c.ErrorResponses == ErrorResponsesFatal
}

// ResolveBaseURL returns the configured base URL, or the value of the environment variable.
func (p PreflightConfig) ResolveBaseURL(lookup func(string) (string, bool)) string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	name := p.BaseURLEnv
	if name == "" {
		name = DefaultBaseURLEnv
	}
	v, _ := lookup(name)
	return v
}

// ResolveToken returns the configured token, or the value of the environment variable.
func (p PreflightConfig) ResolveToken(lookup func(string) (string, bool)) string {
	if p.Token != "" {
		return p.Token
	}
	name := p.TokenEnv
	if name == "" {
		name = DefaultTokenEnv
	}
	v, _ := lookup(name)
	return v
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	switch c.ErrorResponses {
	case "", ErrorResponsesComplete, ErrorResponsesFatal:
	default:
		return fmt.Errorf("error_responses must be %q or %q, not %q",
			ErrorResponsesComplete, ErrorResponsesFatal, c.ErrorResponses)
	}
	for name, raw := range map[string]string{
		"warmup": c.RawWarmUp, "pacing": c.RawPacing, "timeout": c.RawTimeout, "grace": c.RawGracePeriod,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, not %q", name, raw)
		}
	}
	return nil
}

// Load reads the configuration file at path. An empty path returns a default Config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s does not exist", path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
