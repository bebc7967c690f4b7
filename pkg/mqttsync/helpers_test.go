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

package mqttsync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turtacn/fleetsync/pkg/bus"
	"github.com/turtacn/fleetsync/pkg/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// spy is a plain bus participant recording what it receives.
type spy struct {
	mu   sync.Mutex
	msgs []*transport.Message
}

func (s *spy) OnConnect()             {}
func (s *spy) OnConnectionLost(error) {}
func (s *spy) OnMessage(msg *transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *spy) on(t string) []*transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*transport.Message
	for _, m := range s.msgs {
		if m.Topic == t {
			out = append(out, m)
		}
	}
	return out
}

func startSpy(t *testing.T, b *bus.Bus, filters ...string) (*bus.Client, *spy) {
	t.Helper()
	c := b.Client(t.Name() + "-spy")
	s := &spy{}
	require.NoError(t, c.Start(context.Background(), s))
	t.Cleanup(func() { c.Close(context.Background()) })
	if len(filters) > 0 {
		require.NoError(t, c.Subscribe(context.Background(), filters...))
	}
	return c, s
}

func publish(t *testing.T, c *bus.Client, topic, payload string, retain bool) {
	t.Helper()
	require.NoError(t, c.Publish(context.Background(), &transport.Message{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     1,
		Retain:  retain,
		Origin:  c.ID(),
	}))
}

func sessionID(t *testing.T, suffix string) string {
	return strings.ReplaceAll(t.Name(), "/", "_") + "-" + suffix
}

func newSessionOn(t *testing.T, tr transport.Transport, id string) *Session {
	t.Helper()
	s, err := New(Options{
		Transport:   tr,
		ID:          id,
		CallTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func newSession(t *testing.T, b *bus.Bus, suffix string) (*Session, *bus.Client) {
	t.Helper()
	id := sessionID(t, suffix)
	c := b.Client(id)
	return newSessionOn(t, c, id), c
}

// newLegacySession connects a session the way an MQTT 3.1.1 connection
// sees the bus.
func newLegacySession(t *testing.T, b *bus.Bus, suffix string) *Session {
	t.Helper()
	id := sessionID(t, suffix)
	return newSessionOn(t, b.LegacyClient(id), id)
}

func waitReady(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.WaitForHeartbeatOnce(ctx))
}

func get(t *testing.T, s *Session, topic string) any {
	t.Helper()
	v, err := s.Get(context.Background(), topic)
	require.NoError(t, err)
	return v
}

func retained(b *bus.Bus, topic string) (string, bool) {
	msgs := b.Retained().Get(topic)
	if len(msgs) == 0 {
		return "", false
	}
	return string(msgs[0].Payload), true
}
