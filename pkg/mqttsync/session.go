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

// Package mqttsync keeps a DataCache synchronised with an MQTT broker.
//
// A Session subscribes to topic patterns and writes what it receives into the
// cache, and mirrors local changes under its publish patterns to the broker
// as retained messages. All cache access, callbacks and inbound messages run
// on one dispatch goroutine; broker I/O runs on a second one.
package mqttsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/turtacn/fleetsync/pkg/actor"
	"github.com/turtacn/fleetsync/pkg/datacache"
	"github.com/turtacn/fleetsync/pkg/metrics"
	"github.com/turtacn/fleetsync/pkg/topic"
	"github.com/turtacn/fleetsync/pkg/transport"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("sync session closed")
	// ErrCallTimeout is returned when a call gets no response in time.
	ErrCallTimeout = errors.New("call timed out")
	// ErrRemote wraps the error reported by the handler of a call.
	ErrRemote = errors.New("remote error")
)

// State is the connection state of a session.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// dispatch events
type (
	connectEvent struct{}
	lostEvent    struct{ err error }
	messageEvent struct{ msg *transport.Message }
	execEvent    struct {
		fn   func()
		done chan struct{}
	}
	flushEvent struct {
		pub   *publication
		topic string
	}
	armedEvent    struct{ c *collector }
	pubArmedEvent struct{ pubs []*publication }
)

// Session synchronises a DataCache with a broker.
type Session struct {
	id    string
	opts  Options
	tr    transport.Transport
	cache *datacache.DataCache
	mb    *actor.Mailbox
	out   *outbox

	ctx       context.Context
	cancel    context.CancelFunc
	outCtx    context.Context
	outCancel context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	state atomic.Int32
	ready atomic.Bool

	// guarded by mu
	mu             sync.Mutex
	subscriptions  []string
	publications   []*publication
	handlers       map[string]Handler
	readyCallbacks []func()

	// owned by the dispatch goroutine
	heartbeat  bool
	mirror     map[string][]byte
	echoes     *lru.Cache[string, []string]
	pending    map[string]chan<- callResult
	collectors []*collector
	waiters    []chan struct{}

	unlisten  func()
	received  prometheus.Counter
	published prometheus.Counter
}

// New creates a session and starts connecting.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("mqttsync: transport is required")
	}
	opts.setDefaults()
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if !topic.ValidPattern("/" + opts.HeartbeatTopic) {
		return nil, fmt.Errorf("mqttsync: invalid heartbeat topic %q", opts.HeartbeatTopic)
	}
	echoes, err := lru.New[string, []string](opts.EchoCapacity)
	if err != nil {
		return nil, fmt.Errorf("mqttsync: %w", err)
	}

	s := &Session{
		id:        opts.ID,
		opts:      opts,
		tr:        opts.Transport,
		cache:     opts.Cache,
		mb:        actor.NewMailbox(opts.MailboxSize),
		done:      make(chan struct{}),
		handlers:  make(map[string]Handler),
		mirror:    make(map[string][]byte),
		echoes:    echoes,
		pending:   make(map[string]chan<- callResult),
		received:  metrics.MessagesReceivedTotal.WithLabelValues(opts.ID),
		published: metrics.MessagesPublishedTotal.WithLabelValues(opts.ID),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.outCtx, s.outCancel = context.WithCancel(context.Background())
	s.out = newOutbox(s.tr, s.id, opts.OpTimeout)
	s.unlisten = s.cache.Subscribe(s.onLocalChanges)

	go func() {
		defer close(s.done)
		if err := s.Start(s.ctx, s.mb); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ERROR] Session %s: dispatch stopped: %v", s.id, err)
		}
	}()
	go s.out.run(s.outCtx)

	if err := s.tr.Start(context.Background(), connHandler{s}); err != nil {
		s.Close(context.Background())
		return nil, fmt.Errorf("mqttsync: failed to start transport: %w", err)
	}
	log.Printf("[INFO] Session %s: started", s.id)
	return s, nil
}

// Start implements actor.Actor: it runs the dispatch loop until ctx is done.
func (s *Session) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return err
		}
		s.dispatch(msg)
	}
}

var _ actor.Actor = (*Session)(nil)

func (s *Session) dispatch(msg any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] Session %s: recovered from panic while handling %T: %v", s.id, msg, r)
			metrics.MessagesDroppedTotal.WithLabelValues(s.id, metrics.ReasonPanic).Inc()
		}
	}()

	switch m := msg.(type) {
	case connectEvent:
		s.onConnect()
	case lostEvent:
		s.onConnectionLost(m.err)
	case messageEvent:
		s.onMessage(m.msg)
	case execEvent:
		if m.done != nil {
			defer close(m.done)
		}
		m.fn()
	case flushEvent:
		s.flush(m.pub, m.topic)
	case armedEvent:
		m.c.armed = true
	case pubArmedEvent:
		for _, p := range m.pubs {
			p.armed = true
		}
	default:
		log.Printf("[WARN] Session %s: unexpected dispatch message %T", s.id, msg)
	}
}

// connHandler forwards transport events to the dispatch goroutine.
type connHandler struct {
	s *Session
}

func (h connHandler) OnConnect() {
	h.s.post(connectEvent{})
}

func (h connHandler) OnConnectionLost(err error) {
	h.s.post(lostEvent{err: err})
}

func (h connHandler) OnMessage(msg *transport.Message) {
	h.s.received.Inc()
	h.s.post(messageEvent{msg: msg})
}

// post queues an event without waiting for it to be handled. It must not be
// called from the dispatch goroutine.
func (s *Session) post(ev any) {
	_ = s.mb.SendContext(s.ctx, ev)
}

// send queues an event, giving up when ctx is done or the session closes.
func (s *Session) send(ctx context.Context, ev any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.mb.SendContext(ctx, ev); err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}
	return nil
}

// do runs fn on the dispatch goroutine and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	done := make(chan struct{})
	if err := s.send(ctx, execEvent{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) onConnect() {
	metrics.ConnectionsTotal.WithLabelValues(s.id).Inc()
	metrics.Connected.WithLabelValues(s.id).Set(1)

	// Retained replays rebuild the mirror on every connection.
	s.mirror = make(map[string][]byte)
	s.setUnready()

	s.mu.Lock()
	s.state.Store(int32(StateConnected))
	filters := s.filtersLocked()
	pubs := append([]*publication(nil), s.publications...)
	s.mu.Unlock()
	for _, p := range pubs {
		p.armed = false
		p.synced = false
	}

	for respTopic := range s.pending {
		filters = append(filters, respTopic)
	}
	collectors := append([]*collector(nil), s.collectors...)
	for _, c := range collectors {
		c.armed = false
		filters = append(filters, c.filters...)
	}

	log.Printf("[INFO] Session %s: connected, subscribing to %d filters", s.id, len(filters))
	if len(filters) > 0 {
		s.out.subscribeThen(dedupe(filters), func(err error) {
			if err != nil {
				return
			}
			for _, c := range collectors {
				s.post(armedEvent{c: c})
			}
			s.post(pubArmedEvent{pubs: pubs})
		})
	}
	s.out.subscribe(s.opts.HeartbeatTopic)
}

func (s *Session) onConnectionLost(err error) {
	s.mu.Lock()
	if s.State() != StateClosed {
		s.state.Store(int32(StateDisconnected))
	}
	s.mu.Unlock()
	s.setUnready()
	metrics.Connected.WithLabelValues(s.id).Set(0)
	log.Printf("[WARN] Session %s: connection lost: %v", s.id, err)
}

func (s *Session) setUnready() {
	s.heartbeat = false
	s.ready.Store(false)
	metrics.Ready.WithLabelValues(s.id).Set(0)
}

func (s *Session) onHeartbeat() {
	for _, c := range append([]*collector(nil), s.collectors...) {
		if c.armed {
			s.finishCollector(c)
		}
	}

	metrics.CacheLeaves.WithLabelValues(s.id).Set(float64(s.cache.Size()))
	if s.heartbeat {
		s.syncPublications()
		return
	}

	s.heartbeat = true
	s.mu.Lock()
	s.ready.Store(true)
	callbacks := append([]func(){}, s.readyCallbacks...)
	s.mu.Unlock()
	metrics.Ready.WithLabelValues(s.id).Set(1)

	log.Printf("[INFO] Session %s: heartbeat received, session ready", s.id)
	s.syncPublications()

	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
	for _, cb := range callbacks {
		cb()
	}
}

// filtersLocked returns the broker filters of all registrations.
func (s *Session) filtersLocked() []string {
	var filters []string
	for _, pattern := range s.subscriptions {
		filters = append(filters, topic.ToFilter(pattern))
	}
	for _, p := range s.publications {
		filters = append(filters, p.filter)
	}
	for t := range s.handlers {
		filters = append(filters, t)
	}
	return dedupe(filters)
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subscribe mirrors broker messages matching pattern into the cache. Named
// wildcards are allowed and ignored on the broker side.
func (s *Session) Subscribe(pattern string) error {
	if !topic.ValidPattern(pattern) {
		return fmt.Errorf("%w: %q", datacache.ErrInvalidTopic, pattern)
	}
	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, pattern)
	connected := s.State() == StateConnected
	s.mu.Unlock()

	if connected {
		s.out.subscribe(topic.ToFilter(pattern))
	}
	log.Printf("[DEBUG] Session %s: subscribed to %s", s.id, pattern)
	return nil
}

// WaitForHeartbeatOnce blocks until the session received the heartbeat on
// its current connection, returning immediately when it already has.
func (s *Session) WaitForHeartbeatOnce(ctx context.Context) error {
	ch := make(chan struct{})
	err := s.do(ctx, func() {
		if s.heartbeat {
			close(ch)
			return
		}
		s.waiters = append(s.waiters, ch)
	})
	if err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// OnReady registers cb to run on the dispatch goroutine every time the
// session becomes ready. It also runs soon after registration when the
// session is ready already.
func (s *Session) OnReady(cb func()) {
	s.mu.Lock()
	s.readyCallbacks = append(s.readyCallbacks, cb)
	ready := s.ready.Load()
	s.mu.Unlock()
	if ready {
		go s.send(context.Background(), execEvent{fn: cb})
	}
}

// Exec runs fn on the dispatch goroutine with the session's cache. It must
// not be called from a callback, which already runs there and can use Data.
func (s *Session) Exec(ctx context.Context, fn func(data *datacache.DataCache) error) error {
	var err error
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("mqttsync: exec panicked: %v", r)
			}
		}()
		err = fn(s.cache)
	}
	if e := s.do(ctx, run); e != nil {
		return e
	}
	return err
}

// Update sets topic t to value as a local change.
func (s *Session) Update(ctx context.Context, t string, value any) error {
	return s.Exec(ctx, func(data *datacache.DataCache) error {
		_, err := data.Update(t, value)
		return err
	})
}

// UpdateFromModifier applies mod as one local batch.
func (s *Session) UpdateFromModifier(ctx context.Context, mod datacache.Modifier) error {
	return s.Exec(ctx, func(data *datacache.DataCache) error {
		_, err := data.UpdateFromModifier(mod)
		return err
	})
}

// Get returns a copy of the value at topic t.
func (s *Session) Get(ctx context.Context, t string) (any, error) {
	var value any
	err := s.Exec(ctx, func(data *datacache.DataCache) error {
		value = data.GetByTopic(t)
		return nil
	})
	return value, err
}

// Data returns the session's cache. Only use it on the dispatch goroutine,
// that is from callbacks or inside Exec.
func (s *Session) Data() *datacache.DataCache {
	return s.cache
}

// ID returns the session id used as message origin.
func (s *Session) ID() string {
	return s.id
}

// State returns the connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ready reports whether the heartbeat was received on the current
// connection.
func (s *Session) Ready() bool {
	return s.ready.Load()
}

// Close stops dispatching, sends the queued broker operations and
// disconnects. Pending calls fail with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateClosed))
		s.mu.Unlock()

		s.cancel()
		<-s.done

		s.out.stop()
		select {
		case <-s.out.finished:
		case <-ctx.Done():
			s.outCancel()
			<-s.out.finished
		}
		s.outCancel()
		s.unlisten()

		for respTopic, ch := range s.pending {
			select {
			case ch <- callResult{err: ErrClosed}:
			default:
			}
			delete(s.pending, respTopic)
		}

		err = s.tr.Close(ctx)
		s.ready.Store(false)
		metrics.Forget(s.id)
		log.Printf("[INFO] Session %s: closed", s.id)
	})
	return err
}
