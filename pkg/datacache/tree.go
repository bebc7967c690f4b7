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

package datacache

import (
	"sort"

	"github.com/turtacn/fleetsync/pkg/topic"
)

// node is a position in the tree. A node with children is interior and never
// carries a value; a node without children is a leaf holding value.
type node struct {
	value    any
	children map[string]*node
}

func newInterior() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) isLeaf() bool {
	return n.children == nil
}

// build turns a normalized value into a subtree. Non-empty objects become
// interior nodes; nil members are skipped; an empty object stays a leaf.
// It returns nil when nothing remains to be stored.
func build(value any) *node {
	if value == nil {
		return nil
	}
	obj, ok := value.(map[string]any)
	if !ok || len(obj) == 0 {
		return &node{value: value}
	}
	n := newInterior()
	for key, child := range obj {
		if c := build(child); c != nil {
			n.children[key] = c
		}
	}
	if len(n.children) == 0 {
		return nil
	}
	return n
}

// toValue reconstructs the nested plain value of a subtree.
func (n *node) toValue() any {
	if n == nil {
		return nil
	}
	if n.isLeaf() {
		return clone(n.value)
	}
	out := make(map[string]any, len(n.children))
	for key, child := range n.children {
		out[key] = child.toValue()
	}
	return out
}

// sortedKeys returns the child keys of an interior node in lexical order.
func (n *node) sortedKeys() []string {
	keys := make([]string, 0, len(n.children))
	for key := range n.children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// walkLeaves calls fn for every leaf below n, in lexical order.
func (n *node) walkLeaves(path []string, fn func(path []string, value any)) {
	if n == nil {
		return
	}
	if n.isLeaf() {
		fn(path, n.value)
		return
	}
	for _, key := range n.sortedKeys() {
		n.children[key].walkLeaves(append(append([]string(nil), path...), key), fn)
	}
}

// flatten returns the leaves of n keyed by topic.
func (n *node) flatten(path []string) map[string]any {
	out := make(map[string]any)
	n.walkLeaves(path, func(p []string, value any) {
		out[topic.ToTopic(p)] = value
	})
	return out
}

// tree is the mutable document. The root is always interior.
type tree struct {
	root *node
}

func newTree() *tree {
	return &tree{root: newInterior()}
}

// get returns the node at path, or nil.
func (t *tree) get(path []string) *node {
	cur := t.root
	for _, seg := range path {
		if cur.isLeaf() {
			return nil
		}
		cur = cur.children[seg]
		if cur == nil {
			return nil
		}
	}
	return cur
}

// displacedLeaf is a leaf ancestor that set had to turn into an interior node.
type displacedLeaf struct {
	topic string
	value any
}

// set stores n at path, replacing whatever was there. Leaf ancestors that
// have to become interior nodes are replaced and returned.
func (t *tree) set(path []string, n *node) []displacedLeaf {
	if len(path) == 0 {
		if n.isLeaf() {
			t.root = newInterior()
		} else {
			t.root = n
		}
		return nil
	}

	var displaced []displacedLeaf
	cur := t.root
	for i, seg := range path[:len(path)-1] {
		child := cur.children[seg]
		if child == nil || child.isLeaf() {
			if child != nil {
				displaced = append(displaced, displacedLeaf{topic: topic.ToTopic(path[:i+1]), value: child.value})
			}
			child = newInterior()
			cur.children[seg] = child
		}
		cur = child
	}
	cur.children[path[len(path)-1]] = n
	return displaced
}

// unset removes the node at path and prunes ancestors left without children.
func (t *tree) unset(path []string) {
	if len(path) == 0 {
		t.root = newInterior()
		return
	}

	stack := []*node{t.root}
	cur := t.root
	for _, seg := range path[:len(path)-1] {
		if cur.isLeaf() {
			return
		}
		cur = cur.children[seg]
		if cur == nil || cur.isLeaf() {
			return
		}
		stack = append(stack, cur)
	}
	delete(cur.children, path[len(path)-1])

	for i := len(stack) - 1; i > 0; i-- {
		if len(stack[i].children) > 0 {
			break
		}
		delete(stack[i-1].children, path[i-1])
	}
}

// leafValue returns the value of the leaf at path; interior or missing nodes
// yield nil.
func (t *tree) leafValue(path []string) any {
	n := t.get(path)
	if n == nil || !n.isLeaf() {
		return nil
	}
	return n.value
}
