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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/fleetsync/pkg/topic"
)

// RetainedMessage is a message kept for replay to future subscribers.
type RetainedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Origin    string
	Timestamp time.Time
}

// RetainerConfig limits the retained store.
type RetainerConfig struct {
	// MaxPayloadSize rejects larger retained payloads, 0 for no limit.
	MaxPayloadSize int
	// MaxRetainedMessages caps the number of retained topics, 0 for no limit.
	MaxRetainedMessages int
}

// DefaultRetainerConfig returns the default retained store limits.
func DefaultRetainerConfig() RetainerConfig {
	return RetainerConfig{
		MaxPayloadSize:      1024 * 1024,
		MaxRetainedMessages: 100000,
	}
}

// Retainer is an in-memory retained message store.
type Retainer struct {
	config   RetainerConfig
	mu       sync.RWMutex
	messages map[string]*RetainedMessage
}

// NewRetainer creates an empty retained store.
func NewRetainer(config RetainerConfig) *Retainer {
	return &Retainer{
		config:   config,
		messages: make(map[string]*RetainedMessage),
	}
}

// Store keeps msg as the retained message of its topic. An empty payload
// deletes the retained message instead.
func (r *Retainer) Store(msg RetainedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(msg.Payload) == 0 {
		delete(r.messages, msg.Topic)
		return nil
	}
	if r.config.MaxPayloadSize > 0 && len(msg.Payload) > r.config.MaxPayloadSize {
		return fmt.Errorf("payload size %d exceeds maximum %d", len(msg.Payload), r.config.MaxPayloadSize)
	}
	if _, exists := r.messages[msg.Topic]; !exists && r.config.MaxRetainedMessages > 0 && len(r.messages) >= r.config.MaxRetainedMessages {
		return fmt.Errorf("maximum retained messages limit (%d) reached", r.config.MaxRetainedMessages)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	r.messages[msg.Topic] = &msg
	return nil
}

// Get returns the retained messages matching filter, sorted by topic.
func (r *Retainer) Get(filter string) []RetainedMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []RetainedMessage
	for t, msg := range r.messages {
		if topic.MatchesFilter(t, filter) {
			result = append(result, *msg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

// Delete removes the retained message of a topic.
func (r *Retainer) Delete(t string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, t)
}

// Count returns the number of retained topics.
func (r *Retainer) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}
