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
	"github.com/turtacn/fleetsync/pkg/topic"
)

// Flatten turns a nested object into a modifier of its leaves, keyed by
// topics below prefix. Non-object values flatten to the prefix itself.
func Flatten(prefix string, value any) Modifier {
	out := Modifier{}
	var walk func(path []string, v any)
	walk = func(path []string, v any) {
		obj, ok := v.(map[string]any)
		if !ok || len(obj) == 0 {
			out[topic.ToTopic(path)] = v
			return
		}
		for key, child := range obj {
			walk(appendPath(path, key), child)
		}
	}
	walk(topic.ToPath(prefix), value)
	return out
}

// Unflatten turns a flat topic map back into a nested object. Entries are
// applied in topic order, so a deeper topic overrides a scalar set on one of
// its ancestors. A nil entry stays an explicit nil member.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for _, t := range Changes(flat).Topics() {
		path := topic.ToPath(t)
		if len(path) == 0 {
			if obj, ok := flat[t].(map[string]any); ok {
				for k, v := range obj {
					out[k] = v
				}
			}
			continue
		}
		cur := out
		for _, seg := range path[:len(path)-1] {
			next, ok := cur[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[seg] = next
			}
			cur = next
		}
		cur[path[len(path)-1]] = flat[t]
	}
	return out
}
