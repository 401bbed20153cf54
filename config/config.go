// Package config loads peerlink client configuration from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds relay and transport tuning. The reconnect backoff schedule is
// deliberately not configurable; its constants live in the signaling package.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Log       LogConfig       `yaml:"log"`
}

type RelayConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	PollTimeout    time.Duration `yaml:"pollTimeout"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			BaseURL:        "http://localhost:8787",
			RequestTimeout: 15 * time.Second,
			PollTimeout:    65 * time.Second,
		},
		Heartbeat: HeartbeatConfig{Interval: 30 * time.Second},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads configuration from path, falling back to defaults when the file
// is absent, then applies environment overrides. A present-but-invalid file
// is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Debug("Config file not found, using defaults")
		} else {
			var parsed Config
			if err := yaml.Unmarshal(data, &parsed); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
			merge(&cfg, parsed)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(dst *Config, src Config) {
	if src.Relay.BaseURL != "" {
		dst.Relay.BaseURL = src.Relay.BaseURL
	}
	if src.Relay.RequestTimeout > 0 {
		dst.Relay.RequestTimeout = src.Relay.RequestTimeout
	}
	if src.Relay.PollTimeout > 0 {
		dst.Relay.PollTimeout = src.Relay.PollTimeout
	}
	if src.Heartbeat.Interval > 0 {
		dst.Heartbeat.Interval = src.Heartbeat.Interval
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("PEERLINK_RELAY_URL")); v != "" {
		cfg.Relay.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PEERLINK_RELAY_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Relay.RequestTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("PEERLINK_POLL_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Relay.PollTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("PEERLINK_HEARTBEAT_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Heartbeat.Interval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("PEERLINK_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

func (c Config) validate() error {
	if !strings.HasPrefix(c.Relay.BaseURL, "http://") && !strings.HasPrefix(c.Relay.BaseURL, "https://") {
		return fmt.Errorf("relay baseUrl %q must be an http(s) URL", c.Relay.BaseURL)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return nil
}
