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


// Package broker runs an embedded MQTT broker for development and tests. It
// is a mochi-mqtt server with TCP and optional websocket listeners, retained
// messages and the $SYS topics sync sessions use as their heartbeat.
package broker

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Config configures the broker.
type Config struct {
	NodeID string
	// TCP is the address of the MQTT listener, such as ":1883".
	TCP string
	// WebSocket is the address of the MQTT-over-websocket listener; empty
	// disables it.
	WebSocket string
	// SysInterval is how often $SYS topics are republished, at least once
	// a second.
	SysInterval time.Duration
	// Users restricts access to these username/password pairs. Everyone is
	// allowed when empty.
	Users map[string]string
}

// Broker is the embedded MQTT broker.
type Broker struct {
	cfg     Config
	server  *mqtt.Server
	started atomic.Bool
}

// New creates a broker. Listeners are bound by Start.
func New(cfg Config) (*Broker, error) {
	if cfg.TCP == "" && cfg.WebSocket == "" {
		return nil, fmt.Errorf("broker %s: no listener configured", cfg.NodeID)
	}
	interval := int64(cfg.SysInterval / time.Second)
	if interval < 1 {
		interval = 1
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient:           true,
		SysTopicResendInterval: interval,
		Logger:                 slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})

	var err error
	if len(cfg.Users) > 0 {
		rules := make(auth.AuthRules, 0, len(cfg.Users))
		for user, pass := range cfg.Users {
			rules = append(rules, auth.AuthRule{Username: auth.RString(user), Password: auth.RString(pass), Allow: true})
		}
		err = server.AddHook(new(auth.Hook), &auth.Options{Ledger: &auth.Ledger{Auth: rules}})
	} else {
		err = server.AddHook(new(auth.AllowHook), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}

	b := &Broker{cfg: cfg, server: server}
	if err := server.AddHook(&connectionHook{node: cfg.NodeID}, nil); err != nil {
		return nil, fmt.Errorf("failed to add connection hook: %w", err)
	}

	if cfg.TCP != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: cfg.TCP})
		if err := server.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.TCP, err)
		}
	}
	if cfg.WebSocket != "" {
		ws := listeners.NewWebsocket(listeners.Config{ID: "ws", Address: cfg.WebSocket})
		if err := server.AddListener(ws); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.WebSocket, err)
		}
	}
	return b, nil
}

// Start serves the listeners in the background.
func (b *Broker) Start() error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("failed to start broker %s: %w", b.cfg.NodeID, err)
	}
	b.started.Store(true)
	log.Printf("[INFO] Broker %s listening on tcp %q, websocket %q", b.cfg.NodeID, b.cfg.TCP, b.cfg.WebSocket)
	return nil
}

// StartServer serves until ctx is done, then closes the broker.
func (b *Broker) StartServer(ctx context.Context) error {
	if err := b.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	log.Printf("[INFO] Broker %s is shutting down", b.cfg.NodeID)
	return b.Close()
}

// Close stops the listeners and disconnects all clients.
func (b *Broker) Close() error {
	if !b.started.Swap(false) {
		return nil
	}
	return b.server.Close()
}

// Publish sends a message from the broker itself.
func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, 1)
}

// Retained returns the retained payloads matching filter, by topic.
func (b *Broker) Retained(filter string) map[string][]byte {
	out := make(map[string][]byte)
	for _, pk := range b.server.Topics.Messages(filter) {
		out[pk.TopicName] = pk.Payload
	}
	return out
}

// connectionHook logs client sessions.
type connectionHook struct {
	mqtt.HookBase
	node string
}

func (h *connectionHook) ID() string {
	return "fleetsync-connections"
}

func (h *connectionHook) Provides(b byte) bool {
	return b == mqtt.OnSessionEstablished || b == mqtt.OnDisconnect
}

func (h *connectionHook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	log.Printf("[INFO] Broker %s: client %s connected (protocol %d)", h.node, cl.ID, pk.ProtocolVersion)
}

func (h *connectionHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	if err != nil {
		log.Printf("[INFO] Broker %s: client %s disconnected: %v", h.node, cl.ID, err)
		return
	}
	log.Printf("[INFO] Broker %s: client %s disconnected", h.node, cl.ID)
}
