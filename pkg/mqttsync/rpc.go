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
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/turtacn/fleetsync/pkg/datacache"
	"github.com/turtacn/fleetsync/pkg/metrics"
	"github.com/turtacn/fleetsync/pkg/topic"
	"github.com/turtacn/fleetsync/pkg/transport"
)

// ResponsePrefix starts the topics calls are answered on: a call to /a/b
// with id X is answered on $response/a/b/X.
const ResponsePrefix = "$response"

// Handler serves calls to a topic. It runs on the dispatch goroutine.
type Handler func(args json.RawMessage) (any, error)

type request struct {
	ID   string          `json:"id"`
	Args json.RawMessage `json:"args,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

func responseTopic(t, id string) string {
	return ResponsePrefix + topic.Join(t, id)
}

func parseResponse(payload []byte) callResult {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return callResult{err: fmt.Errorf("malformed response: %w", err)}
	}
	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		var msg string
		if err := json.Unmarshal(resp.Error, &msg); err != nil {
			msg = string(resp.Error)
		}
		return callResult{err: fmt.Errorf("%w: %s", ErrRemote, msg)}
	}
	return callResult{result: resp.Result}
}

// Call sends args as a request to topic t and waits for the response. Without
// a deadline on ctx the session's call timeout applies. The response
// subscription is always removed.
func (s *Session) Call(ctx context.Context, t string, args any) (json.RawMessage, error) {
	if !topic.Valid(t) {
		return nil, fmt.Errorf("%w: %q", datacache.ErrInvalidTopic, t)
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datacache.ErrInvalidValue, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	respTopic := responseTopic(t, id)
	payload, err := json.Marshal(request{ID: id, Args: rawArgs})
	if err != nil {
		return nil, err
	}

	results := make(chan callResult, 1)
	err = s.do(ctx, func() {
		s.pending[respTopic] = results
		s.out.subscribe(respTopic)
		s.publishMessage(&transport.Message{Topic: t, Payload: payload, QoS: publishQoS})
	})
	if err != nil {
		return nil, s.callError(t, err)
	}
	defer s.out.unsubscribe(respTopic)

	select {
	case r := <-results:
		if r.err != nil {
			metrics.RPCCallsTotal.WithLabelValues(s.id, metrics.OutcomeError).Inc()
		} else {
			metrics.RPCCallsTotal.WithLabelValues(s.id, metrics.OutcomeOK).Inc()
		}
		return r.result, r.err
	case <-ctx.Done():
		go s.send(context.Background(), execEvent{fn: func() { delete(s.pending, respTopic) }})
		return nil, s.callError(t, ctx.Err())
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *Session) callError(t string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.RPCCallsTotal.WithLabelValues(s.id, metrics.OutcomeTimeout).Inc()
		return fmt.Errorf("%w: %s", ErrCallTimeout, t)
	}
	metrics.RPCCallsTotal.WithLabelValues(s.id, metrics.OutcomeError).Inc()
	return err
}

// Register serves calls to topic t with h until the returned function is
// called.
func (s *Session) Register(t string, h Handler) (func(), error) {
	if !topic.Valid(t) {
		return nil, fmt.Errorf("%w: %q", datacache.ErrInvalidTopic, t)
	}
	s.mu.Lock()
	if _, exists := s.handlers[t]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("handler for %s already registered", t)
	}
	s.handlers[t] = h
	connected := s.State() == StateConnected
	s.mu.Unlock()

	if connected {
		s.out.subscribe(t)
	}
	return func() {
		s.mu.Lock()
		delete(s.handlers, t)
		s.mu.Unlock()
		s.out.unsubscribe(t)
	}, nil
}

// serve answers one request. A panicking handler is answered with an error.
func (s *Session) serve(t string, h Handler, payload []byte) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		log.Printf("[WARN] Session %s: dropping malformed request on %s", s.id, t)
		metrics.MessagesDroppedTotal.WithLabelValues(s.id, metrics.ReasonMalformed).Inc()
		return
	}

	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[ERROR] Session %s: handler for %s panicked: %v", s.id, t, r)
				metrics.MessagesDroppedTotal.WithLabelValues(s.id, metrics.ReasonPanic).Inc()
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return h(req.Args)
	}()

	var body []byte
	if err == nil {
		body, err = json.Marshal(map[string]any{"result": result})
	}
	if err != nil {
		body, _ = json.Marshal(map[string]any{"error": err.Error()})
	}
	s.publishMessage(&transport.Message{Topic: responseTopic(t, req.ID), Payload: body, QoS: publishQoS})
}
