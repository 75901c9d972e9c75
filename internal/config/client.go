package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig tunes the presence client. Zero values in a YAML file keep
// the defaults.
type ClientConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	SocketPath string `yaml:"socket_path"`
	LogLevel   string `yaml:"log_level"`

	Presence   PresenceConfig   `yaml:"presence"`
	Connection ConnectionConfig `yaml:"connection"`
}

type PresenceConfig struct {
	ActivityThrottle  time.Duration `yaml:"activity_throttle"`
	IdleAfter         time.Duration `yaml:"idle_after"`
	PromoteDebounce   time.Duration `yaml:"promote_debounce"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PublishCooldown   time.Duration `yaml:"publish_cooldown"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

type ConnectionConfig struct {
	Transports           []string      `yaml:"transports"`
	Upgrade              *bool         `yaml:"upgrade"`
	ReconnectionAttempts int           `yaml:"reconnection_attempts"`
	ReconnectionDelay    time.Duration `yaml:"reconnection_delay"`
	ReconnectionDelayMax time.Duration `yaml:"reconnection_delay_max"`
	BackoffFactor        float64       `yaml:"backoff_factor"`
	Timeout              time.Duration `yaml:"timeout"`
	ProbeInterval        time.Duration `yaml:"probe_interval"`
}

func DefaultClientConfig() *ClientConfig {
	upgrade := true
	return &ClientConfig{
		BaseURL:    "http://localhost:8080",
		SocketPath: "/api/socket/io",
		LogLevel:   "info",
		Presence: PresenceConfig{
			ActivityThrottle:  5 * time.Second,
			IdleAfter:         5 * time.Minute,
			PromoteDebounce:   time.Second,
			HeartbeatInterval: 2 * time.Minute,
			PublishCooldown:   10 * time.Second,
			RequestTimeout:    10 * time.Second,
		},
		Connection: ConnectionConfig{
			Transports:           []string{"polling", "websocket"},
			Upgrade:              &upgrade,
			ReconnectionAttempts: 10,
			ReconnectionDelay:    time.Second,
			ReconnectionDelayMax: 5 * time.Second,
			BackoffFactor:        2,
			Timeout:              20 * time.Second,
			ProbeInterval:        5 * time.Second,
		},
	}
}

// LoadClient reads path over the defaults. An empty path returns the defaults.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse client config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("client config: base_url is required")
	}
	if len(c.Connection.Transports) == 0 {
		return fmt.Errorf("client config: at least one transport is required")
	}
	for _, t := range c.Connection.Transports {
		if t != "polling" && t != "websocket" {
			return fmt.Errorf("client config: unknown transport %q", t)
		}
	}
	if c.Connection.ReconnectionAttempts < 0 {
		return fmt.Errorf("client config: reconnection_attempts must not be negative")
	}
	return nil
}
