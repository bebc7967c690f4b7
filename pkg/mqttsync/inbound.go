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
	"log"
	"slices"

	"github.com/turtacn/fleetsync/pkg/datacache"
	"github.com/turtacn/fleetsync/pkg/metrics"
	"github.com/turtacn/fleetsync/pkg/topic"
	"github.com/turtacn/fleetsync/pkg/transport"
)

// onMessage routes an inbound message. Responses to pending calls come
// first, then call requests, the heartbeat and running collectors, and
// finally the cache.
func (s *Session) onMessage(msg *transport.Message) {
	if ch, ok := s.pending[msg.Topic]; ok {
		delete(s.pending, msg.Topic)
		ch <- parseResponse(msg.Payload)
		return
	}

	s.mu.Lock()
	h, isRequest := s.handlers[msg.Topic]
	s.mu.Unlock()
	if isRequest {
		if !msg.Retain {
			s.serve(msg.Topic, h, msg.Payload)
		}
		return
	}

	if msg.Topic == s.opts.HeartbeatTopic {
		s.onHeartbeat()
		return
	}

	for _, c := range s.collectors {
		if c.matches(msg.Topic) {
			c.collect(msg)
		}
	}
	s.ingest(msg)
}

// ingest applies a broker message to the cache. Messages on topics this
// session publishes are special: its own echoes are dropped and retained
// replays from other writers only update the mirror, since the local state
// is authoritative there. Live writes from others are applied.
func (s *Session) ingest(msg *transport.Message) {
	pubs := covering(s.publicationsSnapshot(), msg.Topic)
	published := len(pubs) > 0
	if !published && !s.isSubscribed(msg.Topic) {
		return
	}
	if !topic.Valid(msg.Topic) {
		log.Printf("[WARN] Session %s: dropping message on malformed topic %q", s.id, msg.Topic)
		metrics.MessagesDroppedTotal.WithLabelValues(s.id, metrics.ReasonMalformed).Inc()
		return
	}

	echo := s.isEcho(msg)
	if published {
		// Without retain-as-published a live forward has lost its retain
		// flag, so any foreign write on a published topic is taken as the
		// broker's new retained value.
		if msg.Retain || (!echo && !s.tr.CarriesOrigin()) {
			if len(msg.Payload) == 0 {
				delete(s.mirror, msg.Topic)
			} else {
				s.mirror[msg.Topic] = append([]byte(nil), msg.Payload...)
			}
		}
		if !echo && msg.Retain && !allSynced(pubs) {
			log.Printf("[DEBUG] Session %s: retained %s from %q kept out of local state", s.id, msg.Topic, msg.Origin)
			return
		}
	}
	if echo {
		metrics.MessagesDroppedTotal.WithLabelValues(s.id, metrics.ReasonEcho).Inc()
		return
	}

	value, err := datacache.Decode(msg.Payload)
	if err != nil {
		log.Printf("[WARN] Session %s: dropping unparseable payload on %s: %v", s.id, msg.Topic, err)
		metrics.MessagesDroppedTotal.WithLabelValues(s.id, metrics.ReasonMalformed).Inc()
		return
	}
	tags := datacache.Tags{External: true, Retained: msg.Retain, Origin: msg.Origin}
	if _, err := s.cache.UpdateWithTags(msg.Topic, value, tags); err != nil {
		log.Printf("[WARN] Session %s: dropping message on %s: %v", s.id, msg.Topic, err)
		metrics.MessagesDroppedTotal.WithLabelValues(s.id, metrics.ReasonMalformed).Inc()
	}
}

func (s *Session) isSubscribed(t string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pattern := range s.subscriptions {
		if topic.MatchesFilter(t, topic.ToFilter(pattern)) {
			return true
		}
	}
	return false
}

// isEcho reports whether msg is one of this session's own publications
// coming back. Without origin support the payloads sent per topic are kept
// in order until their echo arrives; a match consumes it and every payload
// sent before it.
func (s *Session) isEcho(msg *transport.Message) bool {
	if s.tr.CarriesOrigin() {
		return msg.Origin == s.id
	}
	sent, ok := s.echoes.Peek(msg.Topic)
	if !ok {
		return false
	}
	i := slices.Index(sent, string(msg.Payload))
	if i < 0 {
		return false
	}
	if rest := sent[i+1:]; len(rest) > 0 {
		s.echoes.Add(msg.Topic, rest)
	} else {
		s.echoes.Remove(msg.Topic)
	}
	return true
}

func allSynced(pubs []*publication) bool {
	for _, p := range pubs {
		if !p.synced {
			return false
		}
	}
	return true
}
