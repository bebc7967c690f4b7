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
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/turtacn/fleetsync/pkg/datacache"
	"github.com/turtacn/fleetsync/pkg/topic"
	"github.com/turtacn/fleetsync/pkg/transport"
)

const (
	// publishQoS is used for all outgoing messages.
	publishQoS = 1
	// maxPendingEchoes bounds the unechoed payloads remembered per topic.
	maxPendingEchoes = 32
)

// publication is a registered publish pattern.
type publication struct {
	pattern string
	path    []string
	// base is the pattern without its trailing wildcard segments. Atomic
	// publications send one message per distinct base prefix.
	base     []string
	filter   string
	atomic   bool
	throttle time.Duration

	// owned by the dispatch goroutine. A publication is armed once the
	// broker acknowledged its filter on the current connection and synced
	// at the heartbeat that follows; until then retained messages under it
	// are replays.
	armed     bool
	synced    bool
	throttled map[string]*throttleState
}

type throttleState struct {
	limiter *rate.Limiter
	pending bool
}

func newPublication(pattern string, opts []PublishOption) *publication {
	p := &publication{
		pattern:   pattern,
		path:      topic.ToPath(pattern),
		throttled: make(map[string]*throttleState),
	}
	for _, opt := range opts {
		opt(p)
	}

	base := p.path
	for len(base) > 0 && topic.IsWildcard(base[len(base)-1]) {
		base = base[:len(base)-1]
	}
	p.base = base

	if p.atomic {
		p.filter = topic.ToFilter(topic.ToTopic(base))
	} else {
		prefix := p.path
		if n := len(prefix); n > 0 && prefix[n-1] == topic.MultiLevel {
			prefix = prefix[:n-1]
		}
		p.filter = topic.ToFilter(topic.Join(topic.ToTopic(prefix), topic.MultiLevel))
	}
	return p
}

// covers reports whether a broker topic belongs to this publication: it is
// under the broker filter and is a topic the publication would send to.
func (p *publication) covers(t string) bool {
	if !topic.MatchesFilter(t, p.filter) {
		return false
	}
	if p.atomic {
		return true
	}
	_, ok := p.target(topic.ToPath(t))
	return ok
}

// target returns the outgoing topic for a changed leaf, if the publication
// covers it.
func (p *publication) target(path []string) (string, bool) {
	if p.atomic {
		if _, n, ok := topic.MatchPrefix(p.base, path); ok {
			return topic.ToTopic(path[:n]), true
		}
		return "", false
	}
	if _, _, ok := topic.MatchPrefix(p.path, path); ok {
		return topic.ToTopic(path), true
	}
	return "", false
}

// Publish mirrors local changes below pattern to the broker as retained
// messages. By default every changed leaf is sent to its own topic.
func (s *Session) Publish(pattern string, opts ...PublishOption) error {
	if !topic.ValidPattern(pattern) {
		return fmt.Errorf("%w: %q", datacache.ErrInvalidTopic, pattern)
	}
	p := newPublication(pattern, opts)

	s.mu.Lock()
	s.publications = append(s.publications, p)
	connected := s.State() == StateConnected
	s.mu.Unlock()

	if connected {
		s.out.subscribeThen([]string{p.filter}, func(err error) {
			if err == nil {
				s.post(pubArmedEvent{pubs: []*publication{p}})
			}
		})
		s.out.subscribe(s.opts.HeartbeatTopic)
	}
	log.Printf("[DEBUG] Session %s: publishing %s (atomic=%t, throttle=%s)", s.id, pattern, p.atomic, p.throttle)
	return nil
}

func (s *Session) publicationsSnapshot() []*publication {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*publication(nil), s.publications...)
}

// covering returns the publications a broker topic falls under.
func covering(pubs []*publication, t string) []*publication {
	var out []*publication
	for _, p := range pubs {
		if p.covers(t) {
			out = append(out, p)
		}
	}
	return out
}

// syncPublications marks the armed publications synced and re-asserts the
// local state under them.
func (s *Session) syncPublications() {
	var syncing []*publication
	for _, p := range s.publicationsSnapshot() {
		if p.armed && !p.synced {
			p.synced = true
			syncing = append(syncing, p)
		}
	}
	if len(syncing) > 0 {
		s.reassert(syncing)
	}
}

// onLocalChanges is the cache listener. Changes received from the broker
// are never published back.
func (s *Session) onLocalChanges(changes datacache.Changes, tags datacache.Tags) {
	if tags.External {
		return
	}
	topics := changes.Topics()
	for _, p := range s.publicationsSnapshot() {
		seen := make(map[string]bool)
		for _, t := range topics {
			out, ok := p.target(topic.ToPath(t))
			if !ok || seen[out] {
				continue
			}
			seen[out] = true
			s.schedule(p, out)
		}
	}
}

func (s *Session) schedule(p *publication, out string) {
	if p.throttle <= 0 {
		s.publishCurrent(p, out)
		return
	}

	st := p.throttled[out]
	if st == nil {
		st = &throttleState{limiter: rate.NewLimiter(rate.Every(p.throttle), 1)}
		p.throttled[out] = st
	}
	if st.pending {
		return
	}
	if st.limiter.Allow() {
		s.publishCurrent(p, out)
		return
	}
	st.pending = true
	delay := st.limiter.Reserve().Delay()
	time.AfterFunc(delay, func() {
		s.post(flushEvent{pub: p, topic: out})
	})
}

func (s *Session) flush(p *publication, out string) {
	if st := p.throttled[out]; st != nil {
		st.pending = false
	}
	s.publishCurrent(p, out)
}

// publishCurrent sends the current local value of an outgoing topic unless
// the broker is known to hold it already.
func (s *Session) publishCurrent(p *publication, out string) {
	var value any
	if p.atomic {
		value = s.cache.GetByTopic(out)
	} else {
		value = s.cache.Leaf(out)
	}
	payload, err := encode(value)
	if err != nil {
		log.Printf("[ERROR] Session %s: cannot encode %s: %v", s.id, out, err)
		return
	}
	if bytes.Equal(s.mirror[out], payload) {
		return
	}
	s.publishRetained(out, payload)
}

// publishRetained sends a retained message and records it in the mirror of
// the broker's retained state. An empty payload clears the topic.
func (s *Session) publishRetained(t string, payload []byte) {
	if len(payload) == 0 {
		delete(s.mirror, t)
	} else {
		s.mirror[t] = payload
	}
	if !s.tr.CarriesOrigin() {
		sent, _ := s.echoes.Peek(t)
		sent = append(sent, string(payload))
		if len(sent) > maxPendingEchoes {
			sent = sent[len(sent)-maxPendingEchoes:]
		}
		s.echoes.Add(t, sent)
	}
	s.publishMessage(&transport.Message{Topic: t, Payload: payload, QoS: publishQoS, Retain: true})
}

func (s *Session) publishMessage(msg *transport.Message) {
	msg.Origin = s.id
	s.out.publish(msg)
	s.published.Inc()
}

// reassert brings the broker's retained state under the given publications
// in line with the local state: topics that differ are republished and
// topics the session no longer holds are cleared.
func (s *Session) reassert(syncing []*publication) {
	pubs := s.publicationsSnapshot()
	desired := make(map[string][]byte)
	add := func(t string, value any) {
		payload, err := encode(value)
		if err != nil {
			log.Printf("[ERROR] Session %s: cannot encode %s: %v", s.id, t, err)
			return
		}
		desired[t] = payload
	}
	for _, p := range pubs {
		if p.atomic {
			for m := range s.cache.Matches(topic.ToTopic(p.base)) {
				add(m.Topic, m.Value)
			}
			continue
		}
		s.cache.Leaves(p.pattern, func(value any, t string, _ topic.Captures) {
			add(t, value)
		})
	}

	republished, cleared := 0, 0
	for _, t := range sortedKeys(desired) {
		if len(covering(syncing, t)) > 0 && !bytes.Equal(s.mirror[t], desired[t]) {
			s.publishRetained(t, desired[t])
			republished++
		}
	}
	for _, t := range sortedKeys(s.mirror) {
		if _, ok := desired[t]; ok || len(covering(syncing, t)) == 0 {
			continue
		}
		s.publishRetained(t, nil)
		cleared++
	}
	if republished > 0 || cleared > 0 {
		log.Printf("[INFO] Session %s: re-asserted state, %d topics published, %d cleared", s.id, republished, cleared)
	}
}

// encode serialises a cache value; nil becomes the empty payload.
func encode(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}
