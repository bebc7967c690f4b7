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
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// V311 is an MQTT 3.1.1 transport built on the Paho client. The protocol has
// no user properties, so messages arrive with an empty Origin and callers
// must filter their own echoes some other way.
type V311 struct {
	opts Options

	mu      sync.RWMutex
	client  mqtt.Client
	handler Handler
}

// NewV311 creates an MQTT 3.1.1 transport.
func NewV311(opts Options) *V311 {
	return &V311{opts: opts}
}

// Start implements Transport.
func (t *V311) Start(ctx context.Context, h Handler) error {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(t.opts.BrokerURL).
		SetClientID(t.opts.ClientID).
		SetUsername(t.opts.Username).
		SetPassword(t.opts.Password).
		SetKeepAlive(t.opts.keepAlive()).
		SetConnectTimeout(t.opts.connectTimeout()).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetOrderMatters(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("[INFO] MQTT 3.1.1 client %s connected to %s", t.opts.ClientID, t.opts.BrokerURL)
		h.OnConnect()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[WARN] MQTT 3.1.1 client %s lost connection: %v", t.opts.ClientID, err)
		h.OnConnectionLost(err)
	})
	opts.SetDefaultPublishHandler(t.onMessage)

	client := mqtt.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	// With connect retry enabled the token only completes once connected, so
	// it is not waited on here.
	client.Connect()

	go func() {
		<-ctx.Done()
		t.Close(context.Background())
	}()
	return nil
}

func (t *V311) onMessage(_ mqtt.Client, m mqtt.Message) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return
	}
	h.OnMessage(&Message{
		Topic:   m.Topic(),
		Payload: m.Payload(),
		QoS:     m.Qos(),
		Retain:  m.Retained(),
	})
}

func (t *V311) conn() (mqtt.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

// waitToken waits for a Paho token to complete or ctx to be done.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements Transport.
func (t *V311) Subscribe(ctx context.Context, filters ...string) error {
	c, err := t.conn()
	if err != nil {
		return err
	}
	req := make(map[string]byte, len(filters))
	for _, f := range filters {
		req[f] = t.opts.qos()
	}
	if err := waitToken(ctx, c.SubscribeMultiple(req, nil)); err != nil {
		return fmt.Errorf("subscribe %v: %w", filters, err)
	}
	return nil
}

// Unsubscribe implements Transport.
func (t *V311) Unsubscribe(ctx context.Context, filters ...string) error {
	c, err := t.conn()
	if err != nil {
		return err
	}
	if err := waitToken(ctx, c.Unsubscribe(filters...)); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", filters, err)
	}
	return nil
}

// Publish implements Transport. Message.Origin is not transmitted.
func (t *V311) Publish(ctx context.Context, msg *Message) error {
	c, err := t.conn()
	if err != nil {
		return err
	}
	if err := waitToken(ctx, c.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Close implements Transport.
func (t *V311) Close(context.Context) error {
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()
	if c != nil {
		c.Disconnect(250)
	}
	return nil
}

// CarriesOrigin implements Transport.
func (t *V311) CarriesOrigin() bool {
	return false
}

var _ Transport = (*V311)(nil)
