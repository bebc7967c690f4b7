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

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/fleetsync/pkg/transport"
)

type recorder struct {
	mu       sync.Mutex
	connects int
	lost     int
	msgs     []*transport.Message
}

func (r *recorder) OnConnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
}

func (r *recorder) OnConnectionLost(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost++
}

func (r *recorder) OnMessage(msg *transport.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) messages() []*transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*transport.Message(nil), r.msgs...)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.lost
}

func startClient(t *testing.T, b *Bus, id string) (*Client, *recorder) {
	t.Helper()
	c := b.Client(id)
	r := &recorder{}
	require.NoError(t, c.Start(context.Background(), r))
	t.Cleanup(func() { c.Close(context.Background()) })
	require.Eventually(t, func() bool {
		n, _ := r.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	return c, r
}

func TestBusRouting(t *testing.T) {
	b := New()
	pub, _ := startClient(t, b, "pub")
	sub, rec := startClient(t, b, "sub")
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "/a/+/c"))
	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/a/b/c", Payload: []byte("1"), Origin: "pub"}))
	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/a/b/d", Payload: []byte("2")}))

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := rec.messages()[0]
	assert.Equal(t, "/a/b/c", msg.Topic)
	assert.Equal(t, []byte("1"), msg.Payload)
	assert.Equal(t, "pub", msg.Origin)
	assert.False(t, msg.Retain)
}

func TestBusRetainedReplay(t *testing.T) {
	b := New()
	pub, _ := startClient(t, b, "pub")
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/x/2", Payload: []byte("b"), Retain: true, Origin: "pub"}))
	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/x/1", Payload: []byte("a"), Retain: true}))
	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/x/3", Payload: []byte("c"), Retain: true}))
	// an empty retained payload clears the topic
	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/x/3", Retain: true}))
	assert.Equal(t, 2, b.Retained().Count())

	sub, rec := startClient(t, b, "sub")
	require.NoError(t, sub.Subscribe(ctx, "/x/#"))

	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := rec.messages()
	assert.Equal(t, "/x/1", msgs[0].Topic)
	assert.Equal(t, "/x/2", msgs[1].Topic)
	assert.True(t, msgs[0].Retain)
	assert.Equal(t, "pub", msgs[1].Origin)
}

func TestBusRetainAsPublished(t *testing.T) {
	b := New()
	pub, _ := startClient(t, b, "pub")
	sub, rec := startClient(t, b, "sub")
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "/r"))
	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/r", Payload: []byte("v"), Retain: true}))
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, rec.messages()[0].Retain)
}

func TestBusLegacyClient(t *testing.T) {
	b := New()
	pub, _ := startClient(t, b, "pub")
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/l/old", Payload: []byte("1"), Retain: true, Origin: "pub"}))

	sub := b.LegacyClient("legacy")
	rec := &recorder{}
	require.NoError(t, sub.Start(ctx, rec))
	t.Cleanup(func() { sub.Close(ctx) })
	assert.False(t, sub.CarriesOrigin())
	require.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Subscribe(ctx, "/l/#"))
	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/l/new", Payload: []byte("2"), Retain: true, Origin: "pub"}))

	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := rec.messages()
	assert.Equal(t, "/l/old", msgs[0].Topic)
	assert.True(t, msgs[0].Retain)
	assert.Equal(t, "/l/new", msgs[1].Topic)
	assert.False(t, msgs[1].Retain)
	for _, m := range msgs {
		assert.Empty(t, m.Origin)
	}
	// the retained store is unaffected by how it was forwarded
	assert.Equal(t, 2, b.Retained().Count())
}

func TestBusHeartbeatAfterReplay(t *testing.T) {
	b := New()
	pub, _ := startClient(t, b, "pub")
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/s/1", Payload: []byte("1"), Retain: true}))

	sub, rec := startClient(t, b, "sub")
	require.NoError(t, sub.Subscribe(ctx, "/s/#"))
	require.NoError(t, sub.Subscribe(ctx, UptimeTopic))

	require.Eventually(t, func() bool { return len(rec.messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := rec.messages()
	assert.Equal(t, "/s/1", msgs[0].Topic)
	assert.Equal(t, UptimeTopic, msgs[1].Topic)
	assert.True(t, msgs[1].Retain)

	b.Heartbeat()
	require.Eventually(t, func() bool { return len(rec.messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, rec.messages()[2].Retain)
}

func TestBusWildcardDoesNotMatchSys(t *testing.T) {
	b := New()
	sub, rec := startClient(t, b, "sub")
	require.NoError(t, sub.Subscribe(context.Background(), "#"))
	b.Heartbeat()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.messages())
}

func TestBusDropAndReconnect(t *testing.T) {
	b := New()
	pub, _ := startClient(t, b, "pub")
	sub, rec := startClient(t, b, "sub")
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "/d"))
	assert.Equal(t, []string{"/d"}, sub.Filters())

	sub.Drop(nil)
	require.Eventually(t, func() bool {
		_, lost := rec.counts()
		return lost == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sub.Filters())
	assert.ErrorIs(t, sub.Publish(ctx, &transport.Message{Topic: "/d"}), transport.ErrNotConnected)

	require.NoError(t, pub.Publish(ctx, &transport.Message{Topic: "/d", Payload: []byte("missed")}))

	sub.Reconnect()
	require.Eventually(t, func() bool {
		connects, _ := rec.counts()
		return connects == 2
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.messages())
	require.NoError(t, sub.Subscribe(ctx, "/d"))
}

func TestBusClose(t *testing.T) {
	b := New()
	c, _ := startClient(t, b, "c")
	assert.Equal(t, 1, b.Clients())
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, 0, b.Clients())
	assert.ErrorIs(t, c.Subscribe(context.Background(), "/a"), ErrClientClosed)
	assert.ErrorIs(t, c.Start(context.Background(), &recorder{}), ErrClientClosed)
}

func TestRetainerLimits(t *testing.T) {
	r := NewRetainer(RetainerConfig{MaxPayloadSize: 4, MaxRetainedMessages: 1})
	require.NoError(t, r.Store(RetainedMessage{Topic: "/a", Payload: []byte("1")}))
	assert.Error(t, r.Store(RetainedMessage{Topic: "/a", Payload: []byte("12345")}))
	assert.Error(t, r.Store(RetainedMessage{Topic: "/b", Payload: []byte("1")}))
	// replacing an existing topic is allowed at the cap
	require.NoError(t, r.Store(RetainedMessage{Topic: "/a", Payload: []byte("2")}))
	assert.Equal(t, []byte("2"), r.Get("/a")[0].Payload)
	r.Delete("/a")
	assert.Equal(t, 0, r.Count())
}
