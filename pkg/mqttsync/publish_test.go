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
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/fleetsync/pkg/bus"
	"github.com/turtacn/fleetsync/pkg/datacache"
	"github.com/turtacn/fleetsync/pkg/metrics"
	"github.com/turtacn/fleetsync/pkg/topic"
)

func TestNewPublication(t *testing.T) {
	tests := []struct {
		pattern string
		opts    []PublishOption
		filter  string
		base    []string
	}{
		{"/a/+k", nil, "/a/+/#", []string{"a"}},
		{"/a/#", nil, "/a/#", []string{"a"}},
		{"/+org/+dev/config/#", []PublishOption{Atomic()}, "/+/+/config", []string{"+org", "+dev", "config"}},
		{"/a/+k", []PublishOption{Atomic()}, "/a", []string{"a"}},
	}
	for _, tt := range tests {
		p := newPublication(tt.pattern, tt.opts)
		assert.Equal(t, tt.filter, p.filter, tt.pattern)
		assert.Equal(t, tt.base, p.base, tt.pattern)
	}

	p := newPublication("/+org/+dev/config/#", []PublishOption{Atomic()})
	out, ok := p.target([]string{"o1", "d1", "config", "x", "y"})
	assert.True(t, ok)
	assert.Equal(t, "/o1/d1/config", out)
	_, ok = p.target([]string{"o1", "d1", "status"})
	assert.False(t, ok)

	// "#" in the broker filter also matches the parent level, which the
	// publication never sends to
	p = newPublication("/p/#", nil)
	assert.True(t, p.covers("/p/x"))
	assert.True(t, p.covers("/p/x/y"))
	assert.False(t, p.covers("/p"))
	assert.False(t, p.covers("/q/x"))
	p = newPublication("/p", nil)
	assert.True(t, p.covers("/p"))
}

func TestReassertLeavesParentTopic(t *testing.T) {
	b := bus.New()
	pub, _ := startSpy(t, b)
	publish(t, pub, "/p", `"parent"`, true)
	publish(t, pub, "/p/stale", `1`, true)

	s, _ := newSession(t, b, "a")
	require.NoError(t, s.Publish("/p/#"))
	waitReady(t, s)

	require.Eventually(t, func() bool {
		_, ok := retained(b, "/p/stale")
		return !ok
	}, waitFor, tick)
	v, ok := retained(b, "/p")
	assert.True(t, ok)
	assert.Equal(t, `"parent"`, v)
}

func TestPublishLeaves(t *testing.T) {
	b := bus.New()
	_, sp := startSpy(t, b, "/o1/#")
	s, _ := newSession(t, b, "a")
	require.NoError(t, s.Publish("/o1/d1/#"))
	waitReady(t, s)

	require.NoError(t, s.UpdateFromModifier(context.Background(), datacache.Modifier{
		"/o1/d1/a": 1,
		"/o1/d1/b": map[string]any{"c": 2},
		"/o1/d2/a": 3,
	}))

	require.Eventually(t, func() bool { return len(b.Retained().Get("/o1/#")) == 2 }, waitFor, tick)
	v, _ := retained(b, "/o1/d1/a")
	assert.Equal(t, "1", v)
	v, _ = retained(b, "/o1/d1/b/c")
	assert.Equal(t, "2", v)
	assert.Empty(t, sp.on("/o1/d2/a"))

	// a removed leaf is cleared on the broker
	require.NoError(t, s.Update(context.Background(), "/o1/d1/a", nil))
	require.Eventually(t, func() bool { return len(b.Retained().Get("/o1/#")) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(sp.on("/o1/d1/a")) == 2 }, waitFor, tick)
	assert.Empty(t, sp.on("/o1/d1/a")[1].Payload)
}

func TestAtomicPublishSingleMessage(t *testing.T) {
	b := bus.New()
	_, sp := startSpy(t, b, "/a/#")
	s, _ := newSession(t, b, "a")
	require.NoError(t, s.Publish("/a/+k", Atomic()))
	waitReady(t, s)

	require.NoError(t, s.UpdateFromModifier(context.Background(), datacache.Modifier{
		"/a/x": 1,
		"/a/y": 2,
		"/a/z": 3,
	}))

	require.Eventually(t, func() bool { return len(sp.on("/a")) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	msgs := sp.on("/a")
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"x":1,"y":2,"z":3}`, string(msgs[0].Payload))
	assert.Empty(t, sp.on("/a/x"))

	// removing everything clears the atomic topic
	require.NoError(t, s.Update(context.Background(), "/a", nil))
	require.Eventually(t, func() bool { return len(sp.on("/a")) == 2 }, waitFor, tick)
	_, ok := retained(b, "/a")
	assert.False(t, ok)
}

func TestAtomicIngestReplacesSubtree(t *testing.T) {
	b := bus.New()
	writer, _ := newSession(t, b, "writer")
	reader, _ := newSession(t, b, "reader")
	require.NoError(t, writer.Publish("/cfg/+dev", Atomic()))
	require.NoError(t, reader.Subscribe("/cfg"))
	waitReady(t, writer)
	waitReady(t, reader)

	require.NoError(t, writer.UpdateFromModifier(context.Background(), datacache.Modifier{"/cfg/a": 1, "/cfg/b": 2}))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(map[string]any{"a": 1.0, "b": 2.0}, get(t, reader, "/cfg"))
	}, waitFor, tick)

	require.NoError(t, writer.Update(context.Background(), "/cfg/a", nil))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(map[string]any{"b": 2.0}, get(t, reader, "/cfg"))
	}, waitFor, tick)
}

func countFlat(t *testing.T, s *Session, pattern string) *atomic.Int32 {
	t.Helper()
	var fired atomic.Int32
	require.NoError(t, s.Exec(context.Background(), func(data *datacache.DataCache) error {
		data.SubscribePathFlat(pattern, func(any, string, topic.Captures, datacache.Tags) {
			fired.Add(1)
		})
		return nil
	}))
	return &fired
}

func TestLoopPrevention(t *testing.T) {
	b := bus.New()
	_, sp := startSpy(t, b, "/p/#")
	s, _ := newSession(t, b, "a")
	require.NoError(t, s.Publish("/p/#"))
	require.NoError(t, s.Subscribe("/p/#"))
	waitReady(t, s)
	fired := countFlat(t, s, "/p/#")

	require.NoError(t, s.Update(context.Background(), "/p/x", 1))
	require.Eventually(t, func() bool { return len(sp.on("/p/x")) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.MessagesDroppedTotal.WithLabelValues(s.ID(), metrics.ReasonEcho)) == 1
	}, waitFor, tick)
	assert.Equal(t, int32(1), fired.Load())
	assert.Len(t, sp.on("/p/x"), 1)
}

func TestLoopPreventionWithoutOrigin(t *testing.T) {
	b := bus.New()
	pub, sp := startSpy(t, b, "/e/#")
	s := newLegacySession(t, b, "a")
	require.NoError(t, s.Publish("/e/#"))
	require.NoError(t, s.Subscribe("/e/#"))
	waitReady(t, s)
	fired := countFlat(t, s, "/e/#")

	require.NoError(t, s.Update(context.Background(), "/e/x", 1))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.MessagesDroppedTotal.WithLabelValues(s.ID(), metrics.ReasonEcho)) == 1
	}, waitFor, tick)
	assert.Equal(t, int32(1), fired.Load())

	// an older payload written by someone else is not taken for an echo
	require.NoError(t, s.Update(context.Background(), "/e/x", 2))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.MessagesDroppedTotal.WithLabelValues(s.ID(), metrics.ReasonEcho)) == 2
	}, waitFor, tick)
	publish(t, pub, "/e/x", `1`, true)
	require.Eventually(t, func() bool { return get(t, s, "/e/x") == 1.0 }, waitFor, tick)
	assert.Equal(t, int32(3), fired.Load())
	assert.Len(t, sp.on("/e/x"), 3)
}

func TestLoopPreventionWithoutOriginBackToBack(t *testing.T) {
	b := bus.New()
	s := newLegacySession(t, b, "a")
	require.NoError(t, s.Publish("/e/#"))
	require.NoError(t, s.Subscribe("/e/#"))
	waitReady(t, s)

	require.NoError(t, s.Exec(context.Background(), func(data *datacache.DataCache) error {
		if _, err := data.Update("/e/x", 1); err != nil {
			return err
		}
		_, err := data.Update("/e/x", 2)
		return err
	}))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.MessagesDroppedTotal.WithLabelValues(s.ID(), metrics.ReasonEcho)) == 2
	}, waitFor, tick)

	v, _ := retained(b, "/e/x")
	assert.Equal(t, "2", v)
	assert.Equal(t, 2.0, get(t, s, "/e/x"))
}

func TestForeignLiveWriteWithoutRetainFlag(t *testing.T) {
	b := bus.New()
	pub, _ := startSpy(t, b)
	s := newLegacySession(t, b, "a")
	require.NoError(t, s.Publish("/m/#"))
	require.NoError(t, s.Subscribe("/m/#"))
	waitReady(t, s)

	require.NoError(t, s.Update(context.Background(), "/m/x", 1))
	require.Eventually(t, func() bool {
		v, _ := retained(b, "/m/x")
		return v == "1"
	}, waitFor, tick)

	// forwarded live, so the session sees it without the retain flag
	publish(t, pub, "/m/x", `5`, true)
	require.Eventually(t, func() bool { return get(t, s, "/m/x") == 5.0 }, waitFor, tick)

	require.NoError(t, s.Update(context.Background(), "/m/x", 1))
	require.Eventually(t, func() bool {
		v, _ := retained(b, "/m/x")
		return v == "1"
	}, waitFor, tick)
	assert.Equal(t, 1.0, get(t, s, "/m/x"))
}

func TestForeignLiveWriteApplied(t *testing.T) {
	b := bus.New()
	pub, sp := startSpy(t, b, "/f/#")
	s, _ := newSession(t, b, "a")
	require.NoError(t, s.Publish("/f/#"))
	waitReady(t, s)

	require.NoError(t, s.Update(context.Background(), "/f/x", 1))
	require.Eventually(t, func() bool { return len(sp.on("/f/x")) == 1 }, waitFor, tick)

	publish(t, pub, "/f/x", `5`, true)
	require.Eventually(t, func() bool { return get(t, s, "/f/x") == 5.0 }, waitFor, tick)

	// not republished
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sp.on("/f/x"), 2)
	v, _ := retained(b, "/f/x")
	assert.Equal(t, "5", v)
}

func TestRetainedReplayDoesNotOverrideLocal(t *testing.T) {
	b := bus.New()
	pub, _ := startSpy(t, b)
	publish(t, pub, "/own/x", `"stale"`, true)
	publish(t, pub, "/own/gone", `1`, true)

	cache := datacache.New()
	_, err := cache.Update("/own/x", "fresh")
	require.NoError(t, err)
	id := sessionID(t, "a")
	s, err := New(Options{Transport: b.Client(id), ID: id, Cache: cache})
	require.NoError(t, err)
	defer s.Close(context.Background())
	require.NoError(t, s.Publish("/own/#"))
	waitReady(t, s)

	require.Eventually(t, func() bool {
		v, _ := retained(b, "/own/x")
		_, gone := retained(b, "/own/gone")
		return v == `"fresh"` && !gone
	}, waitFor, tick)
	assert.Equal(t, "fresh", get(t, s, "/own/x"))
	assert.Nil(t, get(t, s, "/own/gone"))
}

func TestPublishAfterReadyKeepsLocalState(t *testing.T) {
	b := bus.New()
	pub, _ := startSpy(t, b)
	publish(t, pub, "/late/x", `"stale"`, true)

	s, _ := newSession(t, b, "a")
	waitReady(t, s)
	require.NoError(t, s.Update(context.Background(), "/late/x", "fresh"))
	require.NoError(t, s.Publish("/late/#"))

	require.Eventually(t, func() bool {
		v, _ := retained(b, "/late/x")
		return v == `"fresh"`
	}, waitFor, tick)
	assert.Never(t, func() bool {
		return get(t, s, "/late/x") != "fresh"
	}, 100*time.Millisecond, tick)
}

func TestReconnectReassertsState(t *testing.T) {
	b := bus.New()
	pub, _ := startSpy(t, b)
	s, c := newSession(t, b, "a")
	require.NoError(t, s.Publish("/r/#"))
	waitReady(t, s)

	require.NoError(t, s.Update(context.Background(), "/r/x", 1))
	require.Eventually(t, func() bool {
		_, ok := retained(b, "/r/x")
		return ok
	}, waitFor, tick)

	// the broker loses its state while the session is away and someone
	// leaves a stale value behind
	c.Drop(nil)
	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, waitFor, tick)
	b.Retained().Delete("/r/x")
	publish(t, pub, "/r/stale", `7`, true)

	c.Reconnect()
	waitReady(t, s)
	require.Eventually(t, func() bool {
		v, _ := retained(b, "/r/x")
		_, stale := retained(b, "/r/stale")
		return v == "1" && !stale
	}, waitFor, tick)
	assert.Nil(t, get(t, s, "/r/stale"))
}

func TestLocalChangesWhileDisconnected(t *testing.T) {
	b := bus.New()
	s, c := newSession(t, b, "a")
	require.NoError(t, s.Publish("/w/#"))
	waitReady(t, s)

	c.Drop(nil)
	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, waitFor, tick)
	require.NoError(t, s.Update(context.Background(), "/w/x", "offline"))
	_, ok := retained(b, "/w/x")
	assert.False(t, ok)

	c.Reconnect()
	require.Eventually(t, func() bool {
		v, _ := retained(b, "/w/x")
		return v == `"offline"`
	}, waitFor, tick)
}

func TestThrottleCoalesces(t *testing.T) {
	b := bus.New()
	_, sp := startSpy(t, b, "/t/#")
	s, _ := newSession(t, b, "a")
	require.NoError(t, s.Publish("/t/#", Throttle(200*time.Millisecond)))
	waitReady(t, s)

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.Update(context.Background(), "/t/v", i))
	}

	require.Eventually(t, func() bool { return len(sp.on("/t/v")) >= 1 }, waitFor, tick)
	assert.Equal(t, "1", string(sp.on("/t/v")[0].Payload))

	require.Eventually(t, func() bool { return len(sp.on("/t/v")) == 2 }, waitFor, tick)
	assert.Equal(t, "4", string(sp.on("/t/v")[1].Payload))

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, sp.on("/t/v"), 2)
}

func TestExternalChangesNotPublished(t *testing.T) {
	b := bus.New()
	_, sp := startSpy(t, b, "/x/#")
	s, _ := newSession(t, b, "a")
	require.NoError(t, s.Publish("/x/#"))
	waitReady(t, s)

	require.NoError(t, s.Exec(context.Background(), func(data *datacache.DataCache) error {
		_, err := data.UpdateWithTags("/x/ext", 1, datacache.Tags{External: true})
		return err
	}))
	require.NoError(t, s.Update(context.Background(), "/x/local", 1))
	require.Eventually(t, func() bool { return len(sp.on("/x/local")) == 1 }, waitFor, tick)
	assert.Empty(t, sp.on("/x/ext"))
}
