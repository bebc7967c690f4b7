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
	"fmt"
	"log"
	"strings"

	"github.com/turtacn/fleetsync/pkg/datacache"
	"github.com/turtacn/fleetsync/pkg/topic"
	"github.com/turtacn/fleetsync/pkg/transport"
	"github.com/turtacn/fleetsync/pkg/version"
)

// collector records the retained messages of a set of temporary filters
// until the heartbeat that follows their replay.
type collector struct {
	filters  []string
	entries  map[string][]byte
	armed    bool
	complete func(entries map[string][]byte)
}

func (c *collector) matches(t string) bool {
	for _, f := range c.filters {
		if topic.MatchesFilter(t, f) {
			return true
		}
	}
	return false
}

func (c *collector) collect(msg *transport.Message) {
	if !msg.Retain {
		return
	}
	if len(msg.Payload) == 0 {
		delete(c.entries, msg.Topic)
		return
	}
	c.entries[msg.Topic] = append([]byte(nil), msg.Payload...)
}

// startCollector subscribes the filters and arms the collector once the
// broker acknowledged them; the next heartbeat completes it.
func (s *Session) startCollector(filters []string, complete func(map[string][]byte)) *collector {
	c := &collector{
		filters:  filters,
		entries:  make(map[string][]byte),
		complete: complete,
	}
	s.collectors = append(s.collectors, c)
	s.out.subscribeThen(filters, func(err error) {
		if err == nil {
			s.post(armedEvent{c: c})
		}
	})
	s.out.subscribe(s.opts.HeartbeatTopic)
	return c
}

func (s *Session) removeCollector(c *collector) bool {
	for i, other := range s.collectors {
		if other == c {
			s.collectors = append(s.collectors[:i:i], s.collectors[i+1:]...)
			s.unsubscribeTemporary(c.filters)
			return true
		}
	}
	return false
}

// unsubscribeTemporary drops filters that no registration still needs.
func (s *Session) unsubscribeTemporary(filters []string) {
	s.mu.Lock()
	keep := map[string]bool{s.opts.HeartbeatTopic: true}
	for _, f := range s.filtersLocked() {
		keep[f] = true
	}
	s.mu.Unlock()
	for t := range s.pending {
		keep[t] = true
	}
	for _, c := range s.collectors {
		for _, f := range c.filters {
			keep[f] = true
		}
	}

	var drop []string
	for _, f := range filters {
		if !keep[f] {
			drop = append(drop, f)
		}
	}
	s.out.unsubscribe(drop...)
}

func (s *Session) finishCollector(c *collector) {
	if s.removeCollector(c) {
		c.complete(c.entries)
	}
}

// abandon removes a collector whose caller gave up. It reports false when the
// collector already completed, and fails with ErrClosed when the session
// closed first.
func (s *Session) abandon(c *collector) (bool, error) {
	removed := false
	if err := s.do(context.Background(), func() { removed = s.removeCollector(c) }); err != nil {
		return false, err
	}
	return removed, nil
}

// Sync waits until the broker has handled every operation the session issued
// before the call, including the retained replays of its subscriptions.
func (s *Session) Sync(ctx context.Context) error {
	done := make(chan struct{})
	var c *collector
	err := s.do(ctx, func() {
		c = s.startCollector([]string{s.opts.HeartbeatTopic}, func(map[string][]byte) { close(done) })
	})
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		removed, err := s.abandon(c)
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// Clear erases the retained broker state under the given topic prefixes and
// removes the prefixes from the local cache. It returns the number of broker
// topics cleared. Clearing again is harmless.
func (s *Session) Clear(ctx context.Context, prefixes []string, opts ...ClearOption) (int, error) {
	var o clearOptions
	for _, opt := range opts {
		opt(&o)
	}

	var filters []string
	for _, p := range prefixes {
		if !topic.Valid(p) {
			return 0, fmt.Errorf("%w: %q", datacache.ErrInvalidTopic, p)
		}
		filters = append(filters, p, topic.Join(p, topic.MultiLevel))
	}
	if len(filters) == 0 {
		return 0, nil
	}

	result := make(chan int, 1)
	var c *collector
	err := s.do(ctx, func() {
		c = s.startCollector(dedupe(filters), func(entries map[string][]byte) {
			mod := datacache.Modifier{}
			cleared := 0
			for _, t := range sortedKeys(entries) {
				if o.filter != nil && !o.filter(t) {
					continue
				}
				s.publishRetained(t, nil)
				cleared++
				if o.filter != nil {
					mod[t] = nil
				}
			}
			if o.filter == nil {
				for _, p := range prefixes {
					mod[p] = nil
				}
			}
			if _, err := s.cache.UpdateFromModifierWithTags(mod, datacache.Tags{External: true}); err != nil {
				log.Printf("[WARN] Session %s: clearing local data failed: %v", s.id, err)
			}
			result <- cleared
		})
	})
	if err != nil {
		return 0, err
	}

	select {
	case n := <-result:
		log.Printf("[INFO] Session %s: cleared %d topics under %v", s.id, n, prefixes)
		return n, nil
	case <-ctx.Done():
		removed, err := s.abandon(c)
		if err != nil {
			return 0, err
		}
		if !removed {
			return <-result, nil
		}
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrClosed
	}
}

// Migration moves data stored under a version namespace to a new version.
type Migration struct {
	// Topic is the pattern of the data, for example
	// "/+org/+device/@acme/agent/+version/config". The segment at Level is
	// the version namespace and must be a wildcard; segments after it must
	// be concrete, except for a trailing "#".
	Topic string
	Level int
	// NewVersion is the destination version.
	NewVersion string
	// Namespace, when set, truncates NewVersion to that level.
	Namespace version.Level
	// Flat publishes the migrated value one leaf per message instead of as
	// a single message.
	Flat bool
	// Transform, when set, rewrites the merged old data before it is
	// stored.
	Transform func(value any) any
}

type migrationPlan struct {
	m       Migration
	prefix  []string
	suffix  []string
	version string
}

func planMigration(m Migration) (*migrationPlan, error) {
	path := topic.ToPath(m.Topic)
	if !topic.ValidPattern(m.Topic) || m.Level < 0 || m.Level >= len(path) {
		return nil, fmt.Errorf("migration %q: level %d out of range", m.Topic, m.Level)
	}
	if !strings.HasPrefix(path[m.Level], topic.SingleLevel) {
		return nil, fmt.Errorf("migration %q: segment %d must be a wildcard", m.Topic, m.Level)
	}
	suffix := path[m.Level+1:]
	if n := len(suffix); n > 0 && suffix[n-1] == topic.MultiLevel {
		suffix = suffix[:n-1]
	}
	for _, seg := range suffix {
		if topic.IsWildcard(seg) {
			return nil, fmt.Errorf("migration %q: wildcard after the version segment", m.Topic)
		}
	}

	v := m.NewVersion
	if m.Namespace != "" {
		ns, err := version.Namespace(v, m.Namespace)
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", m.Topic, err)
		}
		v = ns
	}
	if !version.Valid(v) {
		return nil, fmt.Errorf("migration %q: invalid version %q", m.Topic, v)
	}
	return &migrationPlan{m: m, prefix: path[:m.Level], suffix: suffix, version: v}, nil
}

func (p *migrationPlan) filters() []string {
	pattern := make([]string, 0, len(p.prefix)+1+len(p.suffix))
	pattern = append(pattern, p.prefix...)
	pattern = append(pattern, topic.SingleLevel)
	pattern = append(pattern, p.suffix...)
	exact := topic.ToFilter(topic.ToTopic(pattern))
	return []string{exact, topic.Join(exact, topic.MultiLevel)}
}

// Migrate runs the migrations in order. For every instance matched by a
// migration, the data of all older versions is merged in ascending version
// order, transformed, overlaid with whatever the new version already holds,
// published under the new version, and the old versions are cleared. It
// returns the number of migrated instances; running it again migrates none.
func (s *Session) Migrate(ctx context.Context, migrations []Migration) (int, error) {
	plans := make([]*migrationPlan, 0, len(migrations))
	for _, m := range migrations {
		p, err := planMigration(m)
		if err != nil {
			return 0, err
		}
		plans = append(plans, p)
	}

	total := 0
	for _, p := range plans {
		n, err := s.migrate(ctx, p)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Session) migrate(ctx context.Context, p *migrationPlan) (int, error) {
	result := make(chan int, 1)
	var c *collector
	err := s.do(ctx, func() {
		c = s.startCollector(p.filters(), func(entries map[string][]byte) {
			result <- s.applyMigration(p, entries)
		})
	})
	if err != nil {
		return 0, err
	}

	select {
	case n := <-result:
		log.Printf("[INFO] Session %s: migrated %d instances of %s to %s", s.id, n, p.m.Topic, p.version)
		return n, nil
	case <-ctx.Done():
		removed, err := s.abandon(c)
		if err != nil {
			return 0, err
		}
		if !removed {
			return <-result, nil
		}
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrClosed
	}
}

// applyMigration runs on the dispatch goroutine with the collected retained
// messages.
func (s *Session) applyMigration(p *migrationPlan, entries map[string][]byte) int {
	collected := datacache.New()
	mod := datacache.Modifier{}
	for t, payload := range entries {
		value, err := datacache.Decode(payload)
		if err != nil {
			log.Printf("[WARN] Session %s: skipping unparseable %s during migration: %v", s.id, t, err)
			continue
		}
		mod[t] = value
	}
	if _, err := collected.UpdateFromModifier(mod); err != nil {
		log.Printf("[WARN] Session %s: migration data rejected: %v", s.id, err)
		return 0
	}

	type instance struct {
		versions map[string]any
		topics   []string
	}
	instances := make(map[string]*instance)
	level := len(p.prefix)
	versionPattern := topic.ToTopic(append(append([]string(nil), p.prefix...), topic.SingleLevel))
	for m := range collected.Matches(versionPattern) {
		path := topic.ToPath(m.Topic)
		v := path[level]
		if !version.Valid(v) {
			continue
		}
		value := collected.Get(append(path, p.suffix...))
		if value == nil {
			continue
		}
		key := topic.ToTopic(path[:level])
		inst := instances[key]
		if inst == nil {
			inst = &instance{versions: make(map[string]any)}
			instances[key] = inst
		}
		inst.versions[v] = value
	}
	for t := range entries {
		path := topic.ToPath(t)
		if inst := instances[topic.ToTopic(path[:level])]; inst != nil {
			inst.topics = append(inst.topics, t)
		}
	}

	migrated := 0
	for _, key := range sortedKeys(instances) {
		inst := instances[key]
		old := make(map[string]any)
		for v, value := range inst.versions {
			if version.Compare(v, p.version) < 0 {
				old[v] = value
			}
		}
		if len(old) == 0 {
			continue
		}

		merged := version.Merge(old, version.MergeOptions{MaxVersion: p.version})
		if p.m.Transform != nil {
			merged = p.m.Transform(merged)
		}
		value := version.Overlay(merged, inst.versions[p.version])
		dest := topic.Join(key, append([]string{p.version}, p.suffix...)...)

		if p.m.Flat {
			flat := datacache.Flatten(dest, value)
			for _, t := range sortedKeys(flat) {
				payload, err := encode(flat[t])
				if err != nil {
					log.Printf("[ERROR] Session %s: cannot encode %s: %v", s.id, t, err)
					continue
				}
				s.publishRetained(t, payload)
			}
		} else {
			payload, err := encode(value)
			if err != nil {
				log.Printf("[ERROR] Session %s: cannot encode %s: %v", s.id, dest, err)
				continue
			}
			s.publishRetained(dest, payload)
		}

		cleanup := datacache.Modifier{dest: value}
		for _, t := range inst.topics {
			v := topic.ToPath(t)[level]
			if _, isOld := old[v]; !isOld {
				continue
			}
			s.publishRetained(t, nil)
			cleanup[t] = nil
		}
		if _, err := s.cache.UpdateFromModifierWithTags(cleanup, datacache.Tags{External: true}); err != nil {
			log.Printf("[WARN] Session %s: applying migration of %s locally failed: %v", s.id, key, err)
		}
		migrated++
	}
	return migrated
}
