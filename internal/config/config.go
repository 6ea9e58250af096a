// SPDX-License-Identifier: MIT

// Package config loads engine configuration from environment variables and
// an optional YAML file. Environment variables win over file values.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the scan engine.
type Config struct {
	// BaseURL is the recognition service origin, e.g. "https://api.shelfscan.app".
	BaseURL string
	// DeviceID is the stable per-install identifier sent as X-Device-ID.
	DeviceID string
	// DataDir holds the durable offline queue.
	DataDir string

	// MaxConcurrentStreams bounds simultaneously open job streams.
	MaxConcurrentStreams int
	// StreamAttempts is the total connection attempts per stream (1 initial + retries).
	StreamAttempts int
	// BackoffBase is the first reconnect delay; it doubles per attempt.
	BackoffBase time.Duration
	// ConnectTimeout bounds connection establishment for all HTTP calls.
	ConnectTimeout time.Duration

	// DrainRatePerSec paces durable-queue resubmissions to avoid walking
	// straight back into a rate limit.
	DrainRatePerSec float64

	LogLevel      string
	EnableTracing bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BaseURL:              "",
		DeviceID:             "",
		DataDir:              "",
		MaxConcurrentStreams: 5,
		StreamAttempts:       3,
		BackoffBase:          2 * time.Second,
		ConnectTimeout:       30 * time.Second,
		DrainRatePerSec:      1,
		LogLevel:             "info",
		EnableTracing:        false,
	}
}

// FromEnv builds a Config from defaults overridden by SHELFSCAN_* environment
// variables.
func FromEnv() Config {
	cfg := Default()
	cfg.BaseURL = ParseString("SHELFSCAN_BASE_URL", cfg.BaseURL)
	cfg.DeviceID = ParseString("SHELFSCAN_DEVICE_ID", cfg.DeviceID)
	cfg.DataDir = ParseString("SHELFSCAN_DATA_DIR", cfg.DataDir)
	cfg.MaxConcurrentStreams = ParseInt("SHELFSCAN_MAX_STREAMS", cfg.MaxConcurrentStreams)
	cfg.StreamAttempts = ParseInt("SHELFSCAN_STREAM_ATTEMPTS", cfg.StreamAttempts)
	cfg.BackoffBase = ParseDuration("SHELFSCAN_BACKOFF_BASE", cfg.BackoffBase)
	cfg.ConnectTimeout = ParseDuration("SHELFSCAN_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.LogLevel = ParseString("SHELFSCAN_LOG_LEVEL", cfg.LogLevel)
	cfg.EnableTracing = ParseBool("SHELFSCAN_TRACING", cfg.EnableTracing)
	if v := ParseInt("SHELFSCAN_DRAIN_RATE", 0); v > 0 {
		cfg.DrainRatePerSec = float64(v)
	}
	return cfg
}

// fileConfig mirrors Config for YAML decoding. Durations are strings in the
// file ("30s", "2m") and parsed here; pointer fields distinguish "absent" from
// "zero" so the overlay never clobbers values the file does not mention.
type fileConfig struct {
	BaseURL              *string  `yaml:"baseUrl"`
	DeviceID             *string  `yaml:"deviceId"`
	DataDir              *string  `yaml:"dataDir"`
	MaxConcurrentStreams *int     `yaml:"maxConcurrentStreams"`
	StreamAttempts       *int     `yaml:"streamAttempts"`
	BackoffBase          *string  `yaml:"backoffBase"`
	ConnectTimeout       *string  `yaml:"connectTimeout"`
	DrainRatePerSec      *float64 `yaml:"drainRatePerSec"`
	LogLevel             *string  `yaml:"logLevel"`
	EnableTracing        *bool    `yaml:"enableTracing"`
}

// LoadFile overlays values from a YAML file onto cfg. Unset file fields keep
// their current values.
func LoadFile(cfg Config, path string) (Config, error) {
	buf, err := os.ReadFile(path) // #nosec G304 -- path comes from operator input
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(buf, &fc); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.BaseURL != nil {
		cfg.BaseURL = *fc.BaseURL
	}
	if fc.DeviceID != nil {
		cfg.DeviceID = *fc.DeviceID
	}
	if fc.DataDir != nil {
		cfg.DataDir = *fc.DataDir
	}
	if fc.MaxConcurrentStreams != nil {
		cfg.MaxConcurrentStreams = *fc.MaxConcurrentStreams
	}
	if fc.StreamAttempts != nil {
		cfg.StreamAttempts = *fc.StreamAttempts
	}
	if fc.BackoffBase != nil {
		d, perr := time.ParseDuration(*fc.BackoffBase)
		if perr != nil {
			return cfg, fmt.Errorf("parse config file %s: backoffBase: %w", path, perr)
		}
		cfg.BackoffBase = d
	}
	if fc.ConnectTimeout != nil {
		d, perr := time.ParseDuration(*fc.ConnectTimeout)
		if perr != nil {
			return cfg, fmt.Errorf("parse config file %s: connectTimeout: %w", path, perr)
		}
		cfg.ConnectTimeout = d
	}
	if fc.DrainRatePerSec != nil {
		cfg.DrainRatePerSec = *fc.DrainRatePerSec
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.EnableTracing != nil {
		cfg.EnableTracing = *fc.EnableTracing
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("config: baseUrl is required")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: baseUrl %q is not an absolute URL", c.BaseURL)
	}
	if c.DeviceID == "" {
		return fmt.Errorf("config: deviceId is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir is required")
	}
	if c.MaxConcurrentStreams < 1 {
		return fmt.Errorf("config: maxConcurrentStreams must be >= 1, got %d", c.MaxConcurrentStreams)
	}
	if c.StreamAttempts < 1 {
		return fmt.Errorf("config: streamAttempts must be >= 1, got %d", c.StreamAttempts)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("config: backoffBase must be positive, got %s", c.BackoffBase)
	}
	if c.DrainRatePerSec <= 0 {
		return fmt.Errorf("config: drainRatePerSec must be positive, got %v", c.DrainRatePerSec)
	}
	return nil
}
