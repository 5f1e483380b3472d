// Package config loads the iconsub daemon's YAML configuration, the way
// the teacher simulator loads chains.yaml: gopkg.in/yaml.v3 struct tags,
// a Load/Save pair, and defaulting filled in after unmarshal
// rather than through struct tag defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/icon-project/iconsub/internal/backoff"
)

// BackoffConfig mirrors backoff.Config with yaml tags.
type BackoffConfig struct {
	MaxRetries int `yaml:"max_retries"`
	SlotSize   int `yaml:"slot_size"`
}

func (b BackoffConfig) toBackoff() backoff.Config {
	return backoff.Config{MaxRetries: b.MaxRetries, SlotSize: b.SlotSize}
}

// SubscriptionConfig describes one subscription to start at daemon
// startup.
type SubscriptionConfig struct {
	Channel       string   `yaml:"channel"`
	Source        string   `yaml:"source"` // "block" or "event"
	ResumeHeight  string   `yaml:"resume_height"` // "latest" or a decimal height
	MaxBufferSize int      `yaml:"max_buffer_size"`
	Filters       []Filter `yaml:"filters"`
}

// Filter is one event filter in wire-friendly form.
type Filter struct {
	Event   string        `yaml:"event"`
	Address string        `yaml:"address,omitempty"`
	Indexed []interface{} `yaml:"indexed,omitempty"`
	Data    []interface{} `yaml:"data,omitempty"`
}

// Config is the root of the daemon's YAML configuration file.
type Config struct {
	Endpoint      string               `yaml:"endpoint"`
	WSEndpoint    string               `yaml:"ws_endpoint"`
	Backoff       BackoffConfig        `yaml:"backoff"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	MetricsAddr   string               `yaml:"metrics_addr"`
	RequestTimeout time.Duration       `yaml:"request_timeout"`
}

const (
	defaultMetricsAddr    = ":9090"
	defaultRequestTimeout = 10 * time.Second
	defaultMaxBufferSize  = 1000
)

func (c *Config) applyDefaults() {
	if c.Backoff.MaxRetries <= 0 {
		c.Backoff.MaxRetries = backoff.DefaultMaxRetries
	}
	if c.Backoff.SlotSize <= 0 {
		c.Backoff.SlotSize = backoff.DefaultSlotSize
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = defaultMetricsAddr
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	for i := range c.Subscriptions {
		if c.Subscriptions[i].MaxBufferSize <= 0 {
			c.Subscriptions[i].MaxBufferSize = defaultMaxBufferSize
		}
		if c.Subscriptions[i].Source == "" {
			c.Subscriptions[i].Source = "block"
		}
	}
}

// BackoffTuning returns the backoff.Config equivalent of c.Backoff.
func (c *Config) BackoffTuning() backoff.Config {
	return c.Backoff.toBackoff()
}

// Load reads and parses the YAML configuration at path, filling in
// defaults for any unset tunable.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
