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
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/fleetsync/pkg/bus"
)

func registered(t *testing.T, c *bus.Client, topic string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return slices.Contains(c.Filters(), topic)
	}, waitFor, tick)
}

func TestResponseTopic(t *testing.T) {
	assert.Equal(t, "$response/svc/add/42", responseTopic("/svc/add", "42"))
}

func TestParseResponse(t *testing.T) {
	r := parseResponse([]byte(`{"result":{"sum":3}}`))
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"sum":3}`, string(r.result))

	r = parseResponse([]byte(`{"error":"boom"}`))
	assert.ErrorIs(t, r.err, ErrRemote)
	assert.Contains(t, r.err.Error(), "boom")

	r = parseResponse([]byte(`not json`))
	assert.Error(t, r.err)
}

func TestCallRoundTrip(t *testing.T) {
	b := bus.New()
	server, sc := newSession(t, b, "server")
	client, _ := newSession(t, b, "client")
	waitReady(t, server)
	waitReady(t, client)

	unregister, err := server.Register("/svc/add", func(args json.RawMessage) (any, error) {
		var in []float64
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		sum := 0.0
		for _, v := range in {
			sum += v
		}
		return map[string]any{"sum": sum}, nil
	})
	require.NoError(t, err)
	defer unregister()
	registered(t, sc, "/svc/add")

	out, err := client.Call(context.Background(), "/svc/add", []int{1, 2, 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":6}`, string(out))
}

func TestCallRemoteError(t *testing.T) {
	b := bus.New()
	server, sc := newSession(t, b, "server")
	client, _ := newSession(t, b, "client")
	waitReady(t, server)

	_, err := server.Register("/svc/fail", func(json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)
	_, err = server.Register("/svc/panic", func(json.RawMessage) (any, error) {
		panic("kaput")
	})
	require.NoError(t, err)
	registered(t, sc, "/svc/fail")
	registered(t, sc, "/svc/panic")

	_, err = client.Call(context.Background(), "/svc/fail", nil)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "boom")

	_, err = client.Call(context.Background(), "/svc/panic", nil)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "kaput")

	// the server survives a panicking handler
	_, err = server.Get(context.Background(), "/")
	assert.NoError(t, err)
}

func TestCallTimeout(t *testing.T) {
	b := bus.New()
	client, cc := newSession(t, b, "client")
	waitReady(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "/nobody/home", 1)
	assert.ErrorIs(t, err, ErrCallTimeout)

	// the response subscription is removed
	require.Eventually(t, func() bool {
		for _, f := range cc.Filters() {
			if strings.HasPrefix(f, ResponsePrefix) {
				return false
			}
		}
		return true
	}, waitFor, tick)
}

func TestCallDefaultTimeout(t *testing.T) {
	b := bus.New()
	client, _ := newSession(t, b, "client")
	waitReady(t, client)

	start := time.Now()
	_, err := client.Call(context.Background(), "/nobody/home", nil)
	assert.ErrorIs(t, err, ErrCallTimeout)
	// newSession configures a one second call timeout
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestCallInvalid(t *testing.T) {
	b := bus.New()
	client, _ := newSession(t, b, "client")

	_, err := client.Call(context.Background(), "/svc/+", nil)
	assert.Error(t, err)
	_, err = client.Call(context.Background(), "/svc", func() {})
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	b := bus.New()
	server, sc := newSession(t, b, "server")
	client, _ := newSession(t, b, "client")
	waitReady(t, server)

	h := func(json.RawMessage) (any, error) { return "pong", nil }
	unregister, err := server.Register("/svc/ping", h)
	require.NoError(t, err)
	_, err = server.Register("/svc/ping", h)
	assert.Error(t, err, "duplicate handler")
	_, err = server.Register("ping", h)
	assert.Error(t, err)
	registered(t, sc, "/svc/ping")

	out, err := client.Call(context.Background(), "/svc/ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(out))

	unregister()
	require.Eventually(t, func() bool {
		return !slices.Contains(sc.Filters(), "/svc/ping")
	}, waitFor, tick)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = client.Call(ctx, "/svc/ping", nil)
	assert.ErrorIs(t, err, ErrCallTimeout)

	// the topic can be registered again
	_, err = server.Register("/svc/ping", h)
	assert.NoError(t, err)
}

func TestHandlerSurvivesReconnect(t *testing.T) {
	b := bus.New()
	server, sc := newSession(t, b, "server")
	client, _ := newSession(t, b, "client")
	waitReady(t, server)

	_, err := server.Register("/svc/echo", func(args json.RawMessage) (any, error) {
		return args, nil
	})
	require.NoError(t, err)
	registered(t, sc, "/svc/echo")

	sc.Drop(errors.New("network"))
	sc.Reconnect()
	registered(t, sc, "/svc/echo")

	out, err := client.Call(context.Background(), "/svc/echo", "hi")
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(out))
}
