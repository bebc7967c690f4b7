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

// Package transport abstracts the broker connection used by a sync session.
// Implementations reconnect on their own and report connection changes and
// inbound messages through a Handler.
package transport

import (
	"context"
	"errors"
	"time"
)

// OriginProperty is the MQTT v5 user property carrying the id of the session
// that published a message.
const OriginProperty = "origin"

// ErrNotConnected is returned by operations attempted while the broker
// connection is down.
var ErrNotConnected = errors.New("transport not connected")

// Message is a broker message.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	// Origin is the publishing session id; empty when the transport cannot
	// carry it or the publisher did not set it.
	Origin string
}

// Handler receives connection events and inbound messages. Calls for one
// connection are made sequentially and in broker delivery order.
type Handler interface {
	// OnConnect is called after every successful (re)connection.
	OnConnect()
	// OnConnectionLost is called when an established connection drops.
	OnConnectionLost(err error)
	// OnMessage is called for every inbound message.
	OnMessage(msg *Message)
}

// Transport is a broker connection.
type Transport interface {
	// Start begins connecting in the background and keeps reconnecting until
	// Close or until ctx is done.
	Start(ctx context.Context, h Handler) error
	// Subscribe registers MQTT topic filters.
	Subscribe(ctx context.Context, filters ...string) error
	// Unsubscribe removes MQTT topic filters.
	Unsubscribe(ctx context.Context, filters ...string) error
	// Publish sends a message.
	Publish(ctx context.Context, msg *Message) error
	// Close disconnects and stops reconnecting.
	Close(ctx context.Context) error
	// CarriesOrigin reports whether Message.Origin survives the round trip
	// through the broker.
	CarriesOrigin() bool
}

// Options configure the MQTT transports.
type Options struct {
	// BrokerURL such as "tcp://localhost:1883" or "ws://host:8080/mqtt".
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// KeepAlive defaults to 30s.
	KeepAlive time.Duration
	// ConnectTimeout defaults to 10s.
	ConnectTimeout time.Duration
	// QoS used for subscriptions and publications, default 1.
	QoS *byte
}

func (o Options) keepAlive() time.Duration {
	if o.KeepAlive <= 0 {
		return 30 * time.Second
	}
	return o.KeepAlive
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return o.ConnectTimeout
}

func (o Options) qos() byte {
	if o.QoS == nil {
		return 1
	}
	return *o.QoS
}
