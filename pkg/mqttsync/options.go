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
	"time"

	"github.com/turtacn/fleetsync/pkg/datacache"
	"github.com/turtacn/fleetsync/pkg/transport"
)

const (
	// DefaultHeartbeatTopic is the retained broker topic awaited after every
	// connection.
	DefaultHeartbeatTopic = "$SYS/broker/uptime"
	// DefaultCallTimeout bounds Call when the context has no deadline.
	DefaultCallTimeout = 10 * time.Second
	// DefaultOpTimeout bounds a single broker operation.
	DefaultOpTimeout    = 10 * time.Second
	DefaultMailboxSize  = 1024
	DefaultEchoCapacity = 4096
)

// Options configure a Session.
type Options struct {
	// Transport is the broker connection. Required.
	Transport transport.Transport
	// ID identifies the session as the origin of its messages. A random id
	// is generated when empty.
	ID string
	// HeartbeatTopic is subscribed last on every connection; its first
	// message marks the session ready.
	HeartbeatTopic string
	CallTimeout    time.Duration
	OpTimeout      time.Duration
	MailboxSize    int
	// EchoCapacity sizes the sent-payload cache used to recognise echoes on
	// transports that cannot carry the origin.
	EchoCapacity int
	// Cache to synchronise. A new one is created when nil. It must only be
	// accessed through the session once the session is created.
	Cache *datacache.DataCache
}

func (o *Options) setDefaults() {
	if o.HeartbeatTopic == "" {
		o.HeartbeatTopic = DefaultHeartbeatTopic
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = DefaultMailboxSize
	}
	if o.EchoCapacity <= 0 {
		o.EchoCapacity = DefaultEchoCapacity
	}
	if o.Cache == nil {
		o.Cache = datacache.New()
	}
}

// PublishOption configures a publication.
type PublishOption func(*publication)

// Atomic publishes the whole subtree at the pattern's topic as one message
// instead of one message per leaf.
func Atomic() PublishOption {
	return func(p *publication) {
		p.atomic = true
	}
}

// Throttle limits how often each outgoing topic is published. Changes
// within the interval are coalesced and the latest value is sent when it
// ends.
func Throttle(d time.Duration) PublishOption {
	return func(p *publication) {
		p.throttle = d
	}
}

type clearOptions struct {
	filter func(topic string) bool
}

// ClearOption configures Clear.
type ClearOption func(*clearOptions)

// ClearFilter restricts Clear to the topics for which match returns true.
func ClearFilter(match func(topic string) bool) ClearOption {
	return func(o *clearOptions) {
		o.filter = match
	}
}
