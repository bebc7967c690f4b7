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

// Package datacache is an in-memory JSON document addressed by slash
// delimited paths, with change notification.
//
// All mutation goes through modifiers: flat maps from topic to value, where
// a nil value removes the path. Applying a modifier mutates the tree for all
// entries first, computes the leaf-level changes, and then fires the
// subscriptions whose pattern matches a changed leaf, inline and in
// registration order.
//
// A DataCache has no internal locking. It is owned by a single goroutine;
// callbacks run on that goroutine and may read and update the cache.
package datacache

import (
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/turtacn/fleetsync/pkg/topic"
)

// Modifier maps topics to new values. A nil value deletes the topic and
// collapses empty ancestors.
type Modifier map[string]any

// Changes maps the topic of every leaf that changed to its new value, nil
// for removed leaves.
type Changes map[string]any

// Topics returns the changed topics in lexical order.
func (c Changes) Topics() []string {
	topics := make([]string, 0, len(c))
	for t := range c {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Tags describe where a modifier came from.
type Tags struct {
	// External is set for changes received from the broker.
	External bool
	// Retained is set for broker replays of retained state.
	Retained bool
	// Origin is the session id of the writer, when known.
	Origin string
}

// Callback receives matched data. For SubscribePath, value is the aggregate
// of the changes below topic; for SubscribePathFlat it is a single leaf.
type Callback func(value any, topic string, captures topic.Captures, tags Tags)

// Listener receives every non-empty set of changes.
type Listener func(changes Changes, tags Tags)

type subscription struct {
	pattern  []string
	flat     bool
	callback Callback
	listener Listener
	removed  bool
}

// DataCache is a hierarchical JSON document with path subscriptions.
type DataCache struct {
	tree          *tree
	subscriptions []*subscription
}

// New creates an empty DataCache.
func New() *DataCache {
	return &DataCache{tree: newTree()}
}

// Get returns a copy of the value at path: the leaf value, the nested object
// of an interior node, or nil when nothing is stored there.
func (c *DataCache) Get(path []string) any {
	return c.tree.get(path).toValue()
}

// GetByTopic is Get for a topic string.
func (c *DataCache) GetByTopic(t string) any {
	return c.Get(topic.ToPath(t))
}

// Leaf returns a copy of the leaf value stored at topic t, or nil when t is
// missing or an interior node.
func (c *DataCache) Leaf(t string) any {
	return clone(c.tree.leafValue(topic.ToPath(t)))
}

// Update sets a single topic and notifies subscribers.
func (c *DataCache) Update(t string, value any) (Changes, error) {
	return c.UpdateFromModifierWithTags(Modifier{t: value}, Tags{})
}

// UpdateWithTags is Update with explicit tags.
func (c *DataCache) UpdateWithTags(t string, value any, tags Tags) (Changes, error) {
	return c.UpdateFromModifierWithTags(Modifier{t: value}, tags)
}

// UpdateFromModifier applies all entries of mod as one batch.
func (c *DataCache) UpdateFromModifier(mod Modifier) (Changes, error) {
	return c.UpdateFromModifierWithTags(mod, Tags{})
}

// UpdateFromModifierWithTags validates mod, applies its entries in topic
// order (parents before children), and fires subscriptions once for the
// whole batch. Nothing is mutated when validation fails.
func (c *DataCache) UpdateFromModifierWithTags(mod Modifier, tags Tags) (Changes, error) {
	type entry struct {
		path []string
		node *node
	}

	topics := make([]string, 0, len(mod))
	for t := range mod {
		if !topic.Valid(t) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, t)
		}
		topics = append(topics, t)
	}
	sort.Strings(topics)

	entries := make([]entry, 0, len(topics))
	for _, t := range topics {
		value, err := Normalize(mod[t])
		if err != nil {
			return nil, fmt.Errorf("topic %s: %w", t, err)
		}
		path := topic.ToPath(t)
		n := build(value)
		if len(path) == 0 && n != nil && n.isLeaf() {
			return nil, fmt.Errorf("%w: root must be an object", ErrInvalidValue)
		}
		entries = append(entries, entry{path: path, node: n})
	}

	// before holds the value each touched leaf topic had before the batch.
	before := make(map[string]any)
	touch := func(t string, old any) {
		if _, ok := before[t]; !ok {
			before[t] = old
		}
	}

	for _, e := range entries {
		old := c.tree.get(e.path)
		for t, v := range old.flatten(e.path) {
			touch(t, v)
		}
		if e.node == nil {
			if old != nil {
				c.tree.unset(e.path)
			}
			continue
		}
		for t := range e.node.flatten(e.path) {
			touch(t, nil)
		}
		for _, d := range c.tree.set(e.path, e.node) {
			touch(d.topic, d.value)
		}
	}

	changes := Changes{}
	for t, old := range before {
		now := c.tree.leafValue(topic.ToPath(t))
		if !Equal(old, now) {
			changes[t] = clone(now)
		}
	}

	if len(changes) > 0 {
		c.notify(changes, tags)
	}
	return changes, nil
}

// SubscribePath registers cb for changes below pattern. The callback fires
// once per batch for each distinct prefix matched by the non-"#" part of the
// pattern, with the aggregate of the changes below that prefix.
func (c *DataCache) SubscribePath(pattern string, cb Callback) func() {
	return c.add(&subscription{pattern: topic.ToPath(pattern), callback: cb})
}

// SubscribePathFlat registers cb for changes below pattern. The callback
// fires once per changed leaf; a trailing "#" captures the remainder.
func (c *DataCache) SubscribePathFlat(pattern string, cb Callback) func() {
	return c.add(&subscription{pattern: topic.ToPath(pattern), flat: true, callback: cb})
}

// Subscribe registers a listener for every batch of changes.
func (c *DataCache) Subscribe(listener Listener) func() {
	return c.add(&subscription{listener: listener})
}

func (c *DataCache) add(sub *subscription) func() {
	c.subscriptions = append(c.subscriptions, sub)
	return func() {
		if sub.removed {
			return
		}
		sub.removed = true
		for i, s := range c.subscriptions {
			if s == sub {
				c.subscriptions = append(c.subscriptions[:i:i], c.subscriptions[i+1:]...)
				break
			}
		}
	}
}

type group struct {
	topic    string
	captures topic.Captures
	changes  map[string]any
}

func (c *DataCache) notify(changes Changes, tags Tags) {
	topics := changes.Topics()
	paths := make([][]string, len(topics))
	for i, t := range topics {
		paths[i] = topic.ToPath(t)
	}

	// Subscriptions added by a callback only see later batches.
	subs := append([]*subscription(nil), c.subscriptions...)
	for _, sub := range subs {
		if sub.removed {
			continue
		}
		switch {
		case sub.listener != nil:
			sub.listener(changes, tags)
		case sub.flat:
			for i, path := range paths {
				captures, n, ok := topic.MatchPrefix(sub.pattern, path)
				if !ok {
					continue
				}
				if n < len(sub.pattern) {
					captures[topic.MultiLevel] = strings.Join(path[n:], topic.Separator)
				}
				sub.callback(changes[topics[i]], topics[i], captures, tags)
				if sub.removed {
					break
				}
			}
		default:
			var groups []*group
			byTopic := make(map[string]*group)
			for i, path := range paths {
				captures, n, ok := topic.MatchPrefix(sub.pattern, path)
				if !ok {
					continue
				}
				prefix := topic.ToTopic(path[:n])
				g := byTopic[prefix]
				if g == nil {
					g = &group{topic: prefix, captures: captures, changes: make(map[string]any)}
					byTopic[prefix] = g
					groups = append(groups, g)
				}
				g.changes[topic.ToTopic(path[n:])] = changes[topics[i]]
			}
			for _, g := range groups {
				sub.callback(aggregate(g.changes), g.topic, g.captures, tags)
				if sub.removed {
					break
				}
			}
		}
	}
}

// aggregate folds changes keyed by topics relative to a matched prefix into
// one value. A non-nil change of the prefix itself is returned as is.
func aggregate(changes map[string]any) any {
	if v, ok := changes[topic.Separator]; ok && v != nil {
		return v
	}
	delete(changes, topic.Separator)
	return Unflatten(changes)
}

// Filter returns a nested object containing only the data stored under the
// given prefix topics, or nil when none of them hold data.
func (c *DataCache) Filter(prefixes ...string) any {
	filtered := newTree()
	found := false
	for _, prefix := range prefixes {
		path := topic.ToPath(prefix)
		n := c.tree.get(path)
		if n == nil {
			continue
		}
		found = true
		if len(path) == 0 {
			return c.Get(nil)
		}
		filtered.set(path, build(n.toValue()))
	}
	if !found {
		return nil
	}
	return filtered.root.toValue()
}

// Match is a stored entry matched by a pattern.
type Match struct {
	Topic    string
	Value    any
	Captures topic.Captures
}

// Matches iterates, in lexical order, over the stored nodes whose path
// matches pattern exactly. Interior nodes yield their nested object; a
// trailing "#" yields every leaf below.
func (c *DataCache) Matches(pattern string) iter.Seq[Match] {
	pat := topic.ToPath(pattern)
	return func(yield func(Match) bool) {
		var walk func(n *node, depth int, path []string, captures topic.Captures) bool
		walk = func(n *node, depth int, path []string, captures topic.Captures) bool {
			if depth == len(pat) {
				return yield(Match{Topic: topic.ToTopic(path), Value: n.toValue(), Captures: copyCaptures(captures)})
			}
			if n.isLeaf() {
				return true
			}
			seg := pat[depth]
			switch {
			case seg == topic.MultiLevel:
				for _, key := range n.sortedKeys() {
					cont := true
					n.children[key].walkLeaves(appendPath(path, key), func(p []string, value any) {
						if !cont {
							return
						}
						cp := copyCaptures(captures)
						cp[topic.MultiLevel] = strings.Join(p[depth:], topic.Separator)
						cont = yield(Match{Topic: topic.ToTopic(p), Value: clone(value), Captures: cp})
					})
					if !cont {
						return false
					}
				}
				return true
			case strings.HasPrefix(seg, topic.SingleLevel):
				for _, key := range n.sortedKeys() {
					cp := copyCaptures(captures)
					if name := seg[1:]; name != "" {
						cp[name] = key
					}
					if !walk(n.children[key], depth+1, appendPath(path, key), cp) {
						return false
					}
				}
				return true
			default:
				child := n.children[seg]
				if child == nil {
					return true
				}
				return walk(child, depth+1, appendPath(path, seg), captures)
			}
		}
		walk(c.tree.root, 0, nil, topic.Captures{})
	}
}

// ForPathMatch calls fn for every stored node matching pattern exactly.
func (c *DataCache) ForPathMatch(pattern string, fn func(value any, topic string, captures topic.Captures)) {
	for m := range c.Matches(pattern) {
		fn(m.Value, m.Topic, m.Captures)
	}
}

// Leaves calls fn for every stored leaf below a prefix matched by pattern.
func (c *DataCache) Leaves(pattern string, fn func(value any, topic string, captures topic.Captures)) {
	pat := topic.ToPath(pattern)
	c.tree.root.walkLeaves(nil, func(path []string, value any) {
		if captures, _, ok := topic.MatchPrefix(pat, path); ok {
			fn(clone(value), topic.ToTopic(path), captures)
		}
	})
}

// Size returns the number of stored leaves.
func (c *DataCache) Size() int {
	count := 0
	c.tree.root.walkLeaves(nil, func([]string, any) { count++ })
	return count
}

func appendPath(path []string, seg string) []string {
	return append(append(make([]string, 0, len(path)+1), path...), seg)
}

func copyCaptures(c topic.Captures) topic.Captures {
	out := make(topic.Captures, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
