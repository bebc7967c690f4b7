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

// Package topic maps between MQTT topic strings and the path arrays used by
// the data cache, and implements the wildcard matching shared by the cache,
// the sync engine and the in-process bus.
//
// A topic always starts with a slash: the path ["org","device","status"] is
// the topic "/org/device/status". Patterns may additionally contain the
// single-level wildcard "+" (optionally named, "+device", which captures the
// matched segment) and the multi-level wildcard "#", which must be last.
package topic

import (
	"strings"
)

const (
	// Separator delimits topic segments.
	Separator = "/"
	// SingleLevel is the single-segment wildcard prefix.
	SingleLevel = "+"
	// MultiLevel matches all remaining segments and must be the last segment.
	MultiLevel = "#"
)

// Captures holds the segments bound by named "+name" wildcards. A "#"
// wildcard binds the joined remainder under the key "#" when matched by Match.
type Captures map[string]string

// ToPath splits a topic into its segments. The leading empty segment produced
// by the leading slash and a trailing empty segment are dropped.
func ToPath(topic string) []string {
	if topic == "" || topic == Separator {
		return []string{}
	}
	path := strings.Split(topic, Separator)
	if len(path) > 0 && path[0] == "" {
		path = path[1:]
	}
	if len(path) > 0 && path[len(path)-1] == "" {
		path = path[:len(path)-1]
	}
	return path
}

// ToTopic joins path segments into a topic with a leading slash.
func ToTopic(path []string) string {
	return Separator + strings.Join(path, Separator)
}

// Join appends segments to a topic.
func Join(base string, segments ...string) string {
	return ToTopic(append(ToPath(base), segments...))
}

// IsWildcard reports whether a pattern segment is "+", "+name" or "#".
func IsWildcard(segment string) bool {
	return segment == MultiLevel || strings.HasPrefix(segment, SingleLevel)
}

// Valid reports whether topic is a concrete topic: a leading slash, no empty
// segments and no wildcard characters.
func Valid(topic string) bool {
	if !strings.HasPrefix(topic, Separator) {
		return false
	}
	if topic == Separator {
		return true
	}
	for _, seg := range strings.Split(topic[1:], Separator) {
		if seg == "" || strings.ContainsAny(seg, "+#") {
			return false
		}
	}
	return true
}

// ValidPattern reports whether pattern is a well-formed subscription pattern.
func ValidPattern(pattern string) bool {
	if !strings.HasPrefix(pattern, Separator) {
		return false
	}
	if pattern == Separator {
		return true
	}
	segs := strings.Split(pattern[1:], Separator)
	for i, seg := range segs {
		switch {
		case seg == "":
			return false
		case seg == MultiLevel:
			if i != len(segs)-1 {
				return false
			}
		case strings.HasPrefix(seg, SingleLevel):
			if strings.ContainsAny(seg[1:], "+#") {
				return false
			}
		case strings.ContainsAny(seg, "+#"):
			return false
		}
	}
	return true
}

// Match matches a concrete path against a pattern segment by segment. Both
// must have the same structure: "+" consumes exactly one segment and "#"
// consumes one or more trailing segments.
func Match(pattern, path []string) (Captures, bool) {
	captures := Captures{}
	for i, seg := range pattern {
		if seg == MultiLevel {
			if i != len(pattern)-1 || i >= len(path) {
				return nil, false
			}
			captures[MultiLevel] = strings.Join(path[i:], Separator)
			return captures, true
		}
		if i >= len(path) {
			return nil, false
		}
		if strings.HasPrefix(seg, SingleLevel) {
			if name := seg[1:]; name != "" {
				captures[name] = path[i]
			}
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	if len(path) != len(pattern) {
		return nil, false
	}
	return captures, true
}

// MatchPrefix matches pattern against the beginning of path, so that a
// pattern selects a whole subtree. It returns the captures and the number of
// leading path segments the non-"#" part of the pattern consumed.
func MatchPrefix(pattern, path []string) (Captures, int, bool) {
	captures := Captures{}
	for i, seg := range pattern {
		if seg == MultiLevel {
			if i != len(pattern)-1 || i >= len(path) {
				return nil, 0, false
			}
			return captures, i, true
		}
		if i >= len(path) {
			return nil, 0, false
		}
		if strings.HasPrefix(seg, SingleLevel) {
			if name := seg[1:]; name != "" {
				captures[name] = path[i]
			}
			continue
		}
		if seg != path[i] {
			return nil, 0, false
		}
	}
	return captures, len(pattern), true
}

// ToFilter converts a path pattern into an MQTT topic filter by dropping
// wildcard names.
func ToFilter(pattern string) string {
	path := ToPath(pattern)
	for i, seg := range path {
		if strings.HasPrefix(seg, SingleLevel) {
			path[i] = SingleLevel
		}
	}
	return ToTopic(path)
}

// Resolve substitutes named captures into the wildcard segments of pattern.
// Segments without a binding are left as they are.
func Resolve(pattern []string, captures Captures) []string {
	out := make([]string, len(pattern))
	for i, seg := range pattern {
		out[i] = seg
		if name, ok := strings.CutPrefix(seg, SingleLevel); ok && name != "" {
			if v, bound := captures[name]; bound {
				out[i] = v
			}
		}
	}
	return out
}

// MatchesFilter checks if a published topic matches an MQTT topic filter,
// following MQTT 3.1.1 section 4.7: "#" also matches the parent level and
// filters starting with a wildcard do not match topics starting with "$".
func MatchesFilter(topic, filter string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, SingleLevel) || strings.HasPrefix(filter, MultiLevel)) {
		return false
	}

	topicSegments := strings.Split(topic, Separator)
	filterSegments := strings.Split(filter, Separator)

	topicLen := len(topicSegments)
	filterLen := len(filterSegments)

	for i := 0; i < filterLen; i++ {
		if i >= topicLen {
			// If filter has more segments but the last one is not '#', no match
			return filterSegments[i] == MultiLevel && i == filterLen-1
		}

		filterSegment := filterSegments[i]
		if filterSegment == MultiLevel {
			return i == filterLen-1
		}
		if filterSegment != SingleLevel && filterSegment != topicSegments[i] {
			return false
		}
	}

	return topicLen == filterLen
}
