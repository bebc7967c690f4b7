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

package transport

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// V5 is an MQTT v5 transport built on autopaho. Subscriptions request
// retain-as-published so replays of retained state can be told apart from
// live updates, and the publishing session travels as a user property.
type V5 struct {
	opts Options

	mu      sync.RWMutex
	cm      *autopaho.ConnectionManager
	cancel  context.CancelFunc
	handler Handler
}

// NewV5 creates an MQTT v5 transport.
func NewV5(opts Options) *V5 {
	return &V5{opts: opts}
}

// Start implements Transport.
func (t *V5) Start(ctx context.Context, h Handler) error {
	brokerURL, err := url.Parse(t.opts.BrokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker url %q: %w", t.opts.BrokerURL, err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(t.opts.keepAlive().Seconds()),
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		ConnectTimeout:                t.opts.connectTimeout(),
		ConnectUsername:               t.opts.Username,
		ConnectPassword:               []byte(t.opts.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			log.Printf("[INFO] MQTT v5 client %s connected to %s", t.opts.ClientID, t.opts.BrokerURL)
			h.OnConnect()
		},
		OnConnectError: func(err error) {
			log.Printf("[WARN] MQTT v5 client %s failed to connect to %s: %v", t.opts.ClientID, t.opts.BrokerURL, err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID:          t.opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){t.onPublishReceived},
			OnClientError: func(err error) {
				h.OnConnectionLost(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				h.OnConnectionLost(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
			},
		},
	}

	connCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.handler = h
	t.cancel = cancel
	t.mu.Unlock()

	cm, err := autopaho.NewConnection(connCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start MQTT v5 connection: %w", err)
	}
	t.mu.Lock()
	t.cm = cm
	t.mu.Unlock()
	return nil
}

func (t *V5) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()

	p := pr.Packet
	msg := &Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
	}
	if p.Properties != nil {
		msg.Origin = p.Properties.User.Get(OriginProperty)
	}
	h.OnMessage(msg)
	return true, nil
}

func (t *V5) conn() (*autopaho.ConnectionManager, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cm == nil {
		return nil, ErrNotConnected
	}
	return t.cm, nil
}

// Subscribe implements Transport.
func (t *V5) Subscribe(ctx context.Context, filters ...string) error {
	cm, err := t.conn()
	if err != nil {
		return err
	}
	sub := &paho.Subscribe{}
	for _, f := range filters {
		sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{
			Topic:             f,
			QoS:               t.opts.qos(),
			RetainAsPublished: true,
		})
	}
	if _, err := cm.Subscribe(ctx, sub); err != nil {
		return fmt.Errorf("subscribe %v: %w", filters, err)
	}
	return nil
}

// Unsubscribe implements Transport.
func (t *V5) Unsubscribe(ctx context.Context, filters ...string) error {
	cm, err := t.conn()
	if err != nil {
		return err
	}
	if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: filters}); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", filters, err)
	}
	return nil
}

// Publish implements Transport.
func (t *V5) Publish(ctx context.Context, msg *Message) error {
	cm, err := t.conn()
	if err != nil {
		return err
	}
	pub := &paho.Publish{
		Topic:   msg.Topic,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
		Payload: msg.Payload,
	}
	if msg.Origin != "" {
		pub.Properties = &paho.PublishProperties{
			User: paho.UserProperties{{Key: OriginProperty, Value: msg.Origin}},
		}
	}
	if _, err := cm.Publish(ctx, pub); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Close implements Transport.
func (t *V5) Close(ctx context.Context) error {
	t.mu.Lock()
	cm, cancel := t.cm, t.cancel
	t.cm = nil
	t.mu.Unlock()

	if cm == nil {
		return nil
	}
	err := cm.Disconnect(ctx)
	cancel()
	return err
}

// CarriesOrigin implements Transport.
func (t *V5) CarriesOrigin() bool {
	return true
}

var _ Transport = (*V5)(nil)
