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

package topic

import (
	"sort"
	"sync"
)

// Subscription represents a single filter subscription with its QoS level.
type Subscription[S comparable] struct {
	Subscriber S
	QoS        byte
}

// Store provides a thread-safe mapping of MQTT topic filters to the
// subscribers registered on them. It is the routing table of the in-process
// bus.
type Store[S comparable] struct {
	subscriptions map[string][]*Subscription[S]
	mu            sync.RWMutex
}

// NewStore creates and initializes a new, empty Store.
func NewStore[S comparable]() *Store[S] {
	return &Store[S]{
		subscriptions: make(map[string][]*Subscription[S]),
	}
}

// Subscribe adds a subscriber to the given filter. Subscribing twice to the
// same filter only updates the QoS.
func (s *Store[S]) Subscribe(filter string, subscriber S, qos byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.subscriptions[filter] {
		if existing.Subscriber == subscriber {
			existing.QoS = qos
			return
		}
	}
	s.subscriptions[filter] = append(s.subscriptions[filter], &Subscription[S]{
		Subscriber: subscriber,
		QoS:        qos,
	})
}

// Unsubscribe removes a subscriber from a filter. If it was the last
// subscriber the filter entry is removed.
func (s *Store[S]) Unsubscribe(filter string, subscriber S) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(filter, subscriber)
}

func (s *Store[S]) removeLocked(filter string, subscriber S) bool {
	subscribers, ok := s.subscriptions[filter]
	if !ok {
		return false
	}
	removed := false
	var kept []*Subscription[S]
	for _, sub := range subscribers {
		if sub.Subscriber == subscriber {
			removed = true
			continue
		}
		kept = append(kept, sub)
	}
	if len(kept) > 0 {
		s.subscriptions[filter] = kept
	} else {
		delete(s.subscriptions, filter)
	}
	return removed
}

// GetSubscribers returns the subscribers whose filters match topic. A
// subscriber matched by several filters is returned once, with the highest
// QoS of its matching filters.
func (s *Store[S]) GetSubscribers(topic string) []*Subscription[S] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[S]*Subscription[S])
	var order []S
	for filter, subs := range s.subscriptions {
		if !MatchesFilter(topic, filter) {
			continue
		}
		for _, sub := range subs {
			if prev, ok := seen[sub.Subscriber]; ok {
				if sub.QoS > prev.QoS {
					prev.QoS = sub.QoS
				}
				continue
			}
			seen[sub.Subscriber] = &Subscription[S]{Subscriber: sub.Subscriber, QoS: sub.QoS}
			order = append(order, sub.Subscriber)
		}
	}

	result := make([]*Subscription[S], 0, len(order))
	for _, subscriber := range order {
		result = append(result, seen[subscriber])
	}
	return result
}

// RemoveAllSubscriptions removes every subscription of the given subscriber
// and returns the filters it was removed from, sorted.
func (s *Store[S]) RemoveAllSubscriptions(subscriber S) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for filter := range s.subscriptions {
		if s.removeLocked(filter, subscriber) {
			removed = append(removed, filter)
		}
	}
	sort.Strings(removed)
	return removed
}

// Filters returns the filters the subscriber is currently registered on.
func (s *Store[S]) Filters(subscriber S) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filters []string
	for filter, subs := range s.subscriptions {
		for _, sub := range subs {
			if sub.Subscriber == subscriber {
				filters = append(filters, filter)
				break
			}
		}
	}
	sort.Strings(filters)
	return filters
}
