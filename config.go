package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration validation errors
var (
	ErrMissingHeadlinesURL = errors.New("headlines_url is required")
	ErrInvalidFetchTimeout = errors.New("fetch_timeout must be positive")
	ErrInvalidProbeTimeout = errors.New("probe_timeout must be positive")
	ErrMissingFeedTitle    = errors.New("feed titles must not be empty")
)

// Config holds the tunables that can be set from a YAML file
type Config struct {
	HeadlinesURL string        `yaml:"headlines_url"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	UserAgent    string        `yaml:"user_agent"`
	Feeds        FeedConfig    `yaml:"feeds"`
	Schedule     string        `yaml:"schedule"` // cron spec for scraping while serving
}

// FeedConfig controls how the served feeds describe themselves
type FeedConfig struct {
	AllTitle  string `yaml:"all_title"`
	FreeTitle string `yaml:"free_title"`
	// BaseURL is the public URL the feeds are reachable at, used for self links.
	// Derived from the request when empty.
	BaseURL string `yaml:"base_url"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		HeadlinesURL: DefaultHeadlinesURL,
		FetchTimeout: defaultFetchTimeout,
		ProbeTimeout: defaultProbeTimeout,
		UserAgent:    defaultUserAgent,
		Feeds: FeedConfig{
			AllTitle:  "LWN Articles",
			FreeTitle: "LWN Free Articles",
		},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		slog.Debug("Loading config from local file", "path", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for unusable values
func (c *Config) Validate() error {
	if c.HeadlinesURL == "" {
		return ErrMissingHeadlinesURL
	}
	if c.FetchTimeout <= 0 {
		return ErrInvalidFetchTimeout
	}
	if c.ProbeTimeout <= 0 {
		return ErrInvalidProbeTimeout
	}
	if c.Feeds.AllTitle == "" || c.Feeds.FreeTitle == "" {
		return ErrMissingFeedTitle
	}
	return nil
}
