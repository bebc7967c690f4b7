// Copyright 2023 The fleetsync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config provides configuration management for fleetsync clients:
// the broker connection, the topics a session synchronises, the metrics
// endpoint and the development broker.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/fleetsync/pkg/broker"
	"github.com/turtacn/fleetsync/pkg/mqttsync"
	"github.com/turtacn/fleetsync/pkg/topic"
	"github.com/turtacn/fleetsync/pkg/transport"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "30s" in every format.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ClientConfig is the broker connection of a session.
type ClientConfig struct {
	BrokerURL string `yaml:"broker_url" json:"broker_url" toml:"broker_url"`
	// Protocol is the MQTT protocol level: 4 for 3.1.1, 5 for MQTT 5.
	Protocol       int      `yaml:"protocol" json:"protocol" toml:"protocol"`
	ClientID       string   `yaml:"client_id,omitempty" json:"client_id,omitempty" toml:"client_id,omitempty"`
	Username       string   `yaml:"username,omitempty" json:"username,omitempty" toml:"username,omitempty"`
	Password       string   `yaml:"password,omitempty" json:"password,omitempty" toml:"password,omitempty"`
	KeepAlive      Duration `yaml:"keepalive" json:"keepalive" toml:"keepalive"`
	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout" toml:"connect_timeout"`
}

// PublishConfig is one publish pattern of a session.
type PublishConfig struct {
	Pattern  string   `yaml:"pattern" json:"pattern" toml:"pattern"`
	Atomic   bool     `yaml:"atomic,omitempty" json:"atomic,omitempty" toml:"atomic,omitempty"`
	Throttle Duration `yaml:"throttle,omitempty" json:"throttle,omitempty" toml:"throttle,omitempty"`
}

// SyncConfig lists what a session synchronises.
type SyncConfig struct {
	HeartbeatTopic string          `yaml:"heartbeat_topic" json:"heartbeat_topic" toml:"heartbeat_topic"`
	CallTimeout    Duration        `yaml:"call_timeout" json:"call_timeout" toml:"call_timeout"`
	Subscribe      []string        `yaml:"subscribe" json:"subscribe" toml:"subscribe"`
	Publish        []PublishConfig `yaml:"publish" json:"publish" toml:"publish"`
}

// MetricsConfig is the HTTP endpoint serving /metrics and /health.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	Listen  string `yaml:"listen" json:"listen" toml:"listen"`
}

// BrokerConfig configures the development broker.
type BrokerConfig struct {
	TCP       string `yaml:"tcp" json:"tcp" toml:"tcp"`
	WebSocket string `yaml:"websocket,omitempty" json:"websocket,omitempty" toml:"websocket,omitempty"`
	// SysInterval is how often $SYS topics, the heartbeat among them, are
	// refreshed.
	SysInterval Duration `yaml:"sys_interval" json:"sys_interval" toml:"sys_interval"`
	// Users maps usernames to passwords; anyone may connect when empty.
	Users map[string]string `yaml:"users,omitempty" json:"users,omitempty" toml:"users,omitempty"`
}

// Config holds the complete configuration
type Config struct {
	Client  ClientConfig  `yaml:"client" json:"client" toml:"client"`
	Sync    SyncConfig    `yaml:"sync" json:"sync" toml:"sync"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" toml:"metrics"`
	Broker  BrokerConfig  `yaml:"broker" json:"broker" toml:"broker"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			BrokerURL:      "tcp://localhost:1883",
			Protocol:       5,
			KeepAlive:      Duration(30 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
		},
		Sync: SyncConfig{
			HeartbeatTopic: mqttsync.DefaultHeartbeatTopic,
			CallTimeout:    Duration(mqttsync.DefaultCallTimeout),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":8082",
		},
		Broker: BrokerConfig{
			TCP:         ":1883",
			SysInterval: Duration(time.Second),
		},
	}
}

// LoadConfig loads configuration from a file. Fields missing from the file
// keep their default values.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), config)
	case ".toml":
		err = toml.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json, .jsonc, .toml)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json", ".jsonc":
		data, err = json.MarshalIndent(config, "", "  ")
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(config)
		data = buf.Bytes()
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json, .jsonc, .toml)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	c := config.Client
	if c.BrokerURL == "" {
		return invalid("client.broker_url cannot be empty")
	}
	if c.Protocol != 4 && c.Protocol != 5 {
		return invalid("client.protocol must be 4 or 5, got %d", c.Protocol)
	}
	if c.KeepAlive < 0 || c.ConnectTimeout < 0 {
		return invalid("client timeouts cannot be negative")
	}

	s := config.Sync
	if s.HeartbeatTopic == "" {
		return invalid("sync.heartbeat_topic cannot be empty")
	}
	if s.CallTimeout < 0 {
		return invalid("sync.call_timeout cannot be negative")
	}
	for _, pattern := range s.Subscribe {
		if !topic.ValidPattern(pattern) {
			return invalid("sync.subscribe: malformed pattern %q", pattern)
		}
	}
	patterns := make(map[string]bool)
	for i, p := range s.Publish {
		if !topic.ValidPattern(p.Pattern) {
			return invalid("sync.publish %d: malformed pattern %q", i, p.Pattern)
		}
		if patterns[p.Pattern] {
			return invalid("duplicate publish pattern: %s", p.Pattern)
		}
		patterns[p.Pattern] = true
		if p.Throttle < 0 {
			return invalid("sync.publish %s: throttle cannot be negative", p.Pattern)
		}
	}

	if config.Metrics.Enabled && config.Metrics.Listen == "" {
		return invalid("metrics.listen cannot be empty when metrics are enabled")
	}
	return nil
}

// BrokerOptions returns the development broker configuration.
func (c *Config) BrokerOptions(nodeID string) broker.Config {
	return broker.Config{
		NodeID:      nodeID,
		TCP:         c.Broker.TCP,
		WebSocket:   c.Broker.WebSocket,
		SysInterval: time.Duration(c.Broker.SysInterval),
		Users:       c.Broker.Users,
	}
}

// TransportOptions returns the connection options of the client section.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		BrokerURL:      c.Client.BrokerURL,
		ClientID:       c.Client.ClientID,
		Username:       c.Client.Username,
		Password:       c.Client.Password,
		KeepAlive:      time.Duration(c.Client.KeepAlive),
		ConnectTimeout: time.Duration(c.Client.ConnectTimeout),
	}
}

// NewTransport creates the transport for the configured protocol level.
func (c *Config) NewTransport() transport.Transport {
	if c.Client.Protocol == 4 {
		return transport.NewV311(c.TransportOptions())
	}
	return transport.NewV5(c.TransportOptions())
}

// SessionOptions returns the session options for a transport. The client id
// doubles as the session id.
func (c *Config) SessionOptions(tr transport.Transport) mqttsync.Options {
	return mqttsync.Options{
		Transport:      tr,
		ID:             c.Client.ClientID,
		HeartbeatTopic: c.Sync.HeartbeatTopic,
		CallTimeout:    time.Duration(c.Sync.CallTimeout),
	}
}

// ConfigureSession registers the configured subscriptions and publications
// on a session.
func (c *Config) ConfigureSession(s *mqttsync.Session) error {
	for _, pattern := range c.Sync.Subscribe {
		if err := s.Subscribe(pattern); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", pattern, err)
		}
	}
	for _, p := range c.Sync.Publish {
		var opts []mqttsync.PublishOption
		if p.Atomic {
			opts = append(opts, mqttsync.Atomic())
		}
		if p.Throttle > 0 {
			opts = append(opts, mqttsync.Throttle(time.Duration(p.Throttle)))
		}
		if err := s.Publish(p.Pattern, opts...); err != nil {
			return fmt.Errorf("failed to publish %s: %w", p.Pattern, err)
		}
		log.Printf("[INFO] Configured publication: %s (atomic: %t, throttle: %s)",
			p.Pattern, p.Atomic, time.Duration(p.Throttle))
	}
	log.Printf("[INFO] Session configured with %d subscriptions and %d publications",
		len(c.Sync.Subscribe), len(c.Sync.Publish))
	return nil
}
