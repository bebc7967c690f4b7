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
	"errors"
	"log"
	"sync"
	"time"

	"github.com/turtacn/fleetsync/pkg/transport"
)

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
	opPublish
)

func (k opKind) String() string {
	switch k {
	case opSubscribe:
		return "subscribe"
	case opUnsubscribe:
		return "unsubscribe"
	default:
		return "publish"
	}
}

type op struct {
	kind    opKind
	filters []string
	msg     *transport.Message
	// done, if set, is called on the outbox goroutine with the result.
	done func(error)
}

// outbox executes broker operations in order on its own goroutine so that
// the dispatch goroutine never waits on the network.
type outbox struct {
	tr      transport.Transport
	session string
	timeout time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []op
	stopping bool
	finished chan struct{}
}

func newOutbox(tr transport.Transport, session string, timeout time.Duration) *outbox {
	o := &outbox{
		tr:       tr,
		session:  session,
		timeout:  timeout,
		finished: make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbox) enqueue(op op) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return
	}
	o.queue = append(o.queue, op)
	o.cond.Signal()
}

func (o *outbox) subscribe(filters ...string) {
	o.enqueue(op{kind: opSubscribe, filters: filters})
}

func (o *outbox) subscribeThen(filters []string, done func(error)) {
	o.enqueue(op{kind: opSubscribe, filters: filters, done: done})
}

func (o *outbox) unsubscribe(filters ...string) {
	if len(filters) == 0 {
		return
	}
	o.enqueue(op{kind: opUnsubscribe, filters: filters})
}

func (o *outbox) publish(msg *transport.Message) {
	o.enqueue(op{kind: opPublish, msg: msg})
}

// run executes queued operations until stop is called and the queue is
// drained, or ctx is done.
func (o *outbox) run(ctx context.Context) {
	defer close(o.finished)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.stopping {
			o.cond.Wait()
		}
		if len(o.queue) == 0 || ctx.Err() != nil {
			o.mu.Unlock()
			return
		}
		next := o.queue[0]
		o.queue[0] = op{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		o.exec(ctx, next)
	}
}

func (o *outbox) exec(ctx context.Context, next op) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var err error
	switch next.kind {
	case opSubscribe:
		err = o.tr.Subscribe(ctx, next.filters...)
	case opUnsubscribe:
		err = o.tr.Unsubscribe(ctx, next.filters...)
	case opPublish:
		err = o.tr.Publish(ctx, next.msg)
	}
	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			log.Printf("[DEBUG] Session %s: %s skipped while disconnected", o.session, next.kind)
		} else {
			log.Printf("[WARN] Session %s: %s failed: %v", o.session, next.kind, err)
		}
	}
	if next.done != nil {
		next.done(err)
	}
}

// stop makes run return once the queued operations are done. Later
// operations are discarded.
func (o *outbox) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopping = true
	o.cond.Broadcast()
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}
