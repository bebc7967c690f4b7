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

// Package bus is an in-process message bus with MQTT semantics: wildcard
// routing, retained messages replayed on subscribe, retain-as-published
// delivery and a "$SYS/broker/uptime" heartbeat. Its clients implement
// transport.Transport, so sync sessions in one process can share state
// without a broker.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/turtacn/fleetsync/pkg/topic"
	"github.com/turtacn/fleetsync/pkg/transport"
)

// UptimeTopic is the heartbeat topic served by the bus.
const UptimeTopic = "$SYS/broker/uptime"

// ErrClientClosed is returned by operations on a closed client.
var ErrClientClosed = errors.New("bus client closed")

// Bus routes messages between its clients.
type Bus struct {
	subs     *topic.Store[*Client]
	retained *Retainer
	started  time.Time

	mu      sync.Mutex
	clients map[string]*Client
}

// New creates a bus with the default retained store limits.
func New() *Bus {
	return NewWithConfig(DefaultRetainerConfig())
}

// NewWithConfig creates a bus with the given retained store limits.
func NewWithConfig(cfg RetainerConfig) *Bus {
	return &Bus{
		subs:     topic.NewStore[*Client](),
		retained: NewRetainer(cfg),
		started:  time.Now(),
		clients:  make(map[string]*Client),
	}
}

// Retained returns the bus's retained store.
func (b *Bus) Retained() *Retainer {
	return b.retained
}

// Client creates a client. It connects when started.
func (b *Bus) Client(id string) *Client {
	return b.newClient(id, false)
}

// LegacyClient creates a client that sees the bus like an MQTT 3.1.1
// connection: messages arrive without origin, and live forwards have the
// retain flag cleared. Only replays on subscribe are marked retained.
func (b *Bus) LegacyClient(id string) *Client {
	return b.newClient(id, true)
}

func (b *Bus) newClient(id string, legacy bool) *Client {
	c := &Client{bus: b, id: id, legacy: legacy}
	c.cond = sync.NewCond(&c.mu)
	b.mu.Lock()
	b.clients[id] = c
	b.mu.Unlock()
	return c
}

// Clients returns the number of clients that have not been closed.
func (b *Bus) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Heartbeat publishes the current uptime to subscribers of UptimeTopic.
func (b *Bus) Heartbeat() {
	b.publish(b.uptime(false))
}

func (b *Bus) uptime(retain bool) *transport.Message {
	secs := int64(time.Since(b.started).Seconds())
	return &transport.Message{
		Topic:   UptimeTopic,
		Payload: []byte(strconv.FormatInt(secs, 10)),
		Retain:  retain,
	}
}

func (b *Bus) publish(msg *transport.Message) error {
	if msg.Retain {
		err := b.retained.Store(RetainedMessage{
			Topic:   msg.Topic,
			Payload: msg.Payload,
			QoS:     msg.QoS,
			Origin:  msg.Origin,
		})
		if err != nil {
			return fmt.Errorf("retain %s: %w", msg.Topic, err)
		}
	}
	for _, sub := range b.subs.GetSubscribers(msg.Topic) {
		out := *msg
		out.Payload = append([]byte(nil), msg.Payload...)
		if sub.QoS < out.QoS {
			out.QoS = sub.QoS
		}
		if sub.Subscriber.legacy {
			out.Retain = false
			out.Origin = ""
		}
		sub.Subscriber.deliver(&out)
	}
	return nil
}

func (b *Bus) subscribe(c *Client, filter string, qos byte) {
	b.subs.Subscribe(filter, c, qos)
	if topic.MatchesFilter(UptimeTopic, filter) {
		c.deliver(b.uptime(true))
	}
	for _, rm := range b.retained.Get(filter) {
		msg := &transport.Message{
			Topic:   rm.Topic,
			Payload: append([]byte(nil), rm.Payload...),
			QoS:     min(rm.QoS, qos),
			Retain:  true,
			Origin:  rm.Origin,
		}
		if c.legacy {
			msg.Origin = ""
		}
		c.deliver(msg)
	}
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventLost
	eventMessage
	eventBarrier
)

type event struct {
	kind    eventKind
	msg     *transport.Message
	err     error
	reached chan struct{}
}

// Client is a bus participant implementing transport.Transport. Events are
// delivered to its handler in order on a dedicated goroutine.
type Client struct {
	bus    *Bus
	id     string
	legacy bool

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []event
	handler   transport.Handler
	connected bool
	started   bool
	closed    bool
}

// ID returns the client id.
func (c *Client) ID() string {
	return c.id
}

// Start implements transport.Transport. The client connects immediately.
func (c *Client) Start(ctx context.Context, h transport.Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("bus client %s already started", c.id)
	}
	c.started = true
	c.handler = h
	c.connected = true
	c.queue = append(c.queue, event{kind: eventConnect})
	c.cond.Signal()
	c.mu.Unlock()

	go c.run()
	go func() {
		<-ctx.Done()
		c.Close(context.Background())
	}()
	return nil
}

func (c *Client) run() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		ev := c.queue[0]
		c.queue[0] = event{}
		c.queue = c.queue[1:]
		h := c.handler
		c.mu.Unlock()

		switch ev.kind {
		case eventConnect:
			h.OnConnect()
		case eventLost:
			h.OnConnectionLost(ev.err)
		case eventMessage:
			h.OnMessage(ev.msg)
		case eventBarrier:
			close(ev.reached)
		}
	}
}

func (c *Client) enqueue(ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, ev)
	c.cond.Signal()
}

// barrier waits until every event queued so far was handed to the handler,
// as a network client has processed all packets read before an ack.
func (c *Client) barrier(ctx context.Context) error {
	reached := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.queue = append(c.queue, event{kind: eventBarrier, reached: reached})
	c.cond.Signal()
	c.mu.Unlock()

	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) deliver(msg *transport.Message) {
	c.enqueue(event{kind: eventMessage, msg: msg})
}

func (c *Client) isConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClientClosed
	case !c.connected:
		return transport.ErrNotConnected
	}
	return nil
}

// Subscribe implements transport.Transport. It returns once the events
// queued before the subscription were delivered; retained messages for the
// new filters follow.
func (c *Client) Subscribe(ctx context.Context, filters ...string) error {
	if err := c.isConnected(); err != nil {
		return err
	}
	if err := c.barrier(ctx); err != nil {
		return err
	}
	for _, f := range filters {
		c.bus.subscribe(c, f, 1)
	}
	return nil
}

// Unsubscribe implements transport.Transport.
func (c *Client) Unsubscribe(_ context.Context, filters ...string) error {
	if err := c.isConnected(); err != nil {
		return err
	}
	for _, f := range filters {
		c.bus.subs.Unsubscribe(f, c)
	}
	return nil
}

// Publish implements transport.Transport.
func (c *Client) Publish(_ context.Context, msg *transport.Message) error {
	if err := c.isConnected(); err != nil {
		return err
	}
	return c.bus.publish(msg)
}

// Drop simulates a lost connection: subscriptions are discarded, the handler
// is told the connection was lost and operations fail until Reconnect.
func (c *Client) Drop(err error) {
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	c.bus.subs.RemoveAllSubscriptions(c)
	if err == nil {
		err = errors.New("connection dropped")
	}
	log.Printf("[INFO] Bus client %s dropped: %v", c.id, err)
	c.enqueue(event{kind: eventLost, err: err})
}

// Reconnect restores a dropped connection with a clean session.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.queue = append(c.queue, event{kind: eventConnect})
	c.cond.Signal()
	c.mu.Unlock()
}

// Close implements transport.Transport.
func (c *Client) Close(context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	for _, ev := range c.queue {
		if ev.kind == eventBarrier {
			close(ev.reached)
		}
	}
	c.queue = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	c.bus.subs.RemoveAllSubscriptions(c)
	c.bus.mu.Lock()
	delete(c.bus.clients, c.id)
	c.bus.mu.Unlock()
	return nil
}

// CarriesOrigin implements transport.Transport.
func (c *Client) CarriesOrigin() bool {
	return !c.legacy
}

// Filters returns the filters the client is subscribed to.
func (c *Client) Filters() []string {
	return c.bus.subs.Filters(c)
}

var _ transport.Transport = (*Client)(nil)
