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


package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/fleetsync/pkg/bus"
	"github.com/turtacn/fleetsync/pkg/mqttsync"
	"github.com/turtacn/fleetsync/pkg/transport"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "tcp://localhost:1883", cfg.Client.BrokerURL)
	assert.Equal(t, 5, cfg.Client.Protocol)
	assert.Equal(t, Duration(30*time.Second), cfg.Client.KeepAlive)
	assert.Equal(t, mqttsync.DefaultHeartbeatTopic, cfg.Sync.HeartbeatTopic)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":8082", cfg.Metrics.Listen)
	assert.Equal(t, ":1883", cfg.Broker.TCP)
	assert.NoError(t, validateConfig(cfg))
}

func TestLoadConfigYAML(t *testing.T) {
	yamlContent := `
client:
  broker_url: tcp://broker:1883
  protocol: 4
  client_id: robot-1
  keepalive: 15s
sync:
  call_timeout: 2s
  subscribe:
  - /+org/+device/status
  publish:
  - pattern: /acme/robot-1/#
  - pattern: /acme/robot-1/+cap/config
    atomic: true
    throttle: 500ms
metrics:
  enabled: false
`

	tmpFile := createTempFile(t, "config.yaml", yamlContent)
	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "tcp://broker:1883", cfg.Client.BrokerURL)
	assert.Equal(t, 4, cfg.Client.Protocol)
	assert.Equal(t, "robot-1", cfg.Client.ClientID)
	assert.Equal(t, Duration(15*time.Second), cfg.Client.KeepAlive)
	// missing fields keep their defaults
	assert.Equal(t, Duration(10*time.Second), cfg.Client.ConnectTimeout)
	assert.Equal(t, mqttsync.DefaultHeartbeatTopic, cfg.Sync.HeartbeatTopic)
	assert.Equal(t, Duration(2*time.Second), cfg.Sync.CallTimeout)
	assert.Equal(t, []string{"/+org/+device/status"}, cfg.Sync.Subscribe)
	require.Len(t, cfg.Sync.Publish, 2)
	assert.False(t, cfg.Sync.Publish[0].Atomic)
	assert.True(t, cfg.Sync.Publish[1].Atomic)
	assert.Equal(t, Duration(500*time.Millisecond), cfg.Sync.Publish[1].Throttle)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfigJSONC(t *testing.T) {
	jsonContent := `{
  // the cloud broker
  "client": {
    "broker_url": "ws://cloud:8080/mqtt",
    "protocol": 5,
    "username": "agent",
    "password": "secret",
  },
  "sync": {
    "heartbeat_topic": "$SYS/broker/uptime",
    "subscribe": ["/acme/#"], /* everything */
  },
}`

	tmpFile := createTempFile(t, "config.jsonc", jsonContent)
	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "ws://cloud:8080/mqtt", cfg.Client.BrokerURL)
	assert.Equal(t, "agent", cfg.Client.Username)
	assert.Equal(t, "secret", cfg.Client.Password)
	assert.Equal(t, []string{"/acme/#"}, cfg.Sync.Subscribe)
}

func TestLoadConfigTOML(t *testing.T) {
	tomlContent := `
[client]
broker_url = "tcp://edge:1883"
protocol = 5

[sync]
subscribe = ["/acme/+device/status"]

[[sync.publish]]
pattern = "/acme/edge/#"
throttle = "1s"

[broker]
tcp = ":2883"
websocket = ":8080"

[broker.users]
robot = "secret"
`

	tmpFile := createTempFile(t, "config.toml", tomlContent)
	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "tcp://edge:1883", cfg.Client.BrokerURL)
	require.Len(t, cfg.Sync.Publish, 1)
	assert.Equal(t, "/acme/edge/#", cfg.Sync.Publish[0].Pattern)
	assert.Equal(t, Duration(time.Second), cfg.Sync.Publish[0].Throttle)
	assert.Equal(t, ":2883", cfg.Broker.TCP)
	assert.Equal(t, ":8080", cfg.Broker.WebSocket)
	assert.Equal(t, map[string]string{"robot": "secret"}, cfg.Broker.Users)

	bc := cfg.BrokerOptions("dev")
	assert.Equal(t, "dev", bc.NodeID)
	assert.Equal(t, ":2883", bc.TCP)
	assert.Equal(t, time.Second, bc.SysInterval)
	assert.Equal(t, "secret", bc.Users["robot"])
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigNonExistent(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigUnsupported(t *testing.T) {
	tmpFile := createTempFile(t, "config.ini", "[client]")
	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestLoadConfigInvalid(t *testing.T) {
	tmpFile := createTempFile(t, "invalid.yaml", "client: [unclosed")
	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")

	tmpFile = createTempFile(t, "bad-duration.json", `{"client": {"keepalive": "soon"}}`)
	_, err = LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty broker url", func(c *Config) { c.Client.BrokerURL = "" }},
		{"bad protocol", func(c *Config) { c.Client.Protocol = 3 }},
		{"negative keepalive", func(c *Config) { c.Client.KeepAlive = -1 }},
		{"empty heartbeat", func(c *Config) { c.Sync.HeartbeatTopic = "" }},
		{"negative call timeout", func(c *Config) { c.Sync.CallTimeout = -1 }},
		{"bad subscribe", func(c *Config) { c.Sync.Subscribe = []string{"no/slash"} }},
		{"bad publish", func(c *Config) { c.Sync.Publish = []PublishConfig{{Pattern: "/a/#/b"}} }},
		{"duplicate publish", func(c *Config) {
			c.Sync.Publish = []PublishConfig{{Pattern: "/a/#"}, {Pattern: "/a/#"}}
		}},
		{"negative throttle", func(c *Config) {
			c.Sync.Publish = []PublishConfig{{Pattern: "/a/#", Throttle: -1}}
		}},
		{"metrics without listen", func(c *Config) { c.Metrics.Listen = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, validateConfig(cfg), ErrInvalid)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Client.ClientID = "robot-7"
	cfg.Sync.Subscribe = []string{"/acme/#"}
	cfg.Sync.Publish = []PublishConfig{{Pattern: "/acme/robot-7/#", Atomic: true, Throttle: Duration(time.Second)}}

	for _, name := range []string{"out.yaml", "out.json", "out.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}

	err := SaveConfig(cfg, filepath.Join(t.TempDir(), "out.txt"))
	assert.Error(t, err)
}

func TestTransportOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Client.ClientID = "robot-1"
	cfg.Client.Username = "u"

	opts := cfg.TransportOptions()
	assert.Equal(t, "tcp://localhost:1883", opts.BrokerURL)
	assert.Equal(t, "robot-1", opts.ClientID)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, 30*time.Second, opts.KeepAlive)

	assert.True(t, cfg.NewTransport().CarriesOrigin())
	cfg.Client.Protocol = 4
	assert.False(t, cfg.NewTransport().CarriesOrigin())
}

func TestConfigureSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Client.ClientID = "robot-1"
	cfg.Sync.CallTimeout = Duration(time.Second)
	cfg.Sync.Subscribe = []string{"/fleet/+device/status"}
	cfg.Sync.Publish = []PublishConfig{
		{Pattern: "/fleet/robot-1/status"},
		{Pattern: "/fleet/robot-1/config", Atomic: true, Throttle: Duration(10 * time.Millisecond)},
	}

	b := bus.New()
	opts := cfg.SessionOptions(b.Client("robot-1"))
	assert.Equal(t, "robot-1", opts.ID)
	assert.Equal(t, time.Second, opts.CallTimeout)

	s, err := mqttsync.New(opts)
	require.NoError(t, err)
	defer s.Close(context.Background())
	require.NoError(t, cfg.ConfigureSession(s))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitForHeartbeatOnce(ctx))

	peer := b.Client("peer")
	require.NoError(t, peer.Start(ctx, nopHandler{}))
	defer peer.Close(ctx)
	require.NoError(t, peer.Publish(ctx, &transport.Message{
		Topic: "/fleet/robot-2/status", Payload: []byte(`"ok"`), Retain: true, Origin: "peer",
	}))
	require.Eventually(t, func() bool {
		v, err := s.Get(ctx, "/fleet/robot-2/status")
		return err == nil && v == "ok"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Update(ctx, "/fleet/robot-1/status", "idle"))
	require.Eventually(t, func() bool {
		return len(b.Retained().Get("/fleet/robot-1/status")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	bad := DefaultConfig()
	bad.Sync.Subscribe = []string{"nope"}
	assert.Error(t, bad.ConfigureSession(s))
}

type nopHandler struct{}

func (nopHandler) OnConnect()                   {}
func (nopHandler) OnConnectionLost(error)       {}
func (nopHandler) OnMessage(*transport.Message) {}

func createTempFile(t *testing.T, filename, content string) string {
	t.Helper()
	tmpFile := filepath.Join(t.TempDir(), filename)
	err := os.WriteFile(tmpFile, []byte(content), 0644)
	require.NoError(t, err)
	return tmpFile
}
