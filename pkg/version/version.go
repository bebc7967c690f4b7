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

// Package version orders the version segments of the topic namespace and
// merges data published by several versions of the same participant.
package version

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// Level is the precision at which a participant qualifies its namespace.
type Level string

const (
	Major Level = "major"
	Minor Level = "minor"
	Patch Level = "patch"
)

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Valid reports whether v is a semantic version, with or without a leading "v".
// Truncated forms such as "1" and "1.2" are accepted.
func Valid(v string) bool {
	return semver.IsValid(canonical(v))
}

// Compare returns -1, 0 or 1 following semantic version precedence, so
// "1.9.0" < "1.10.0". Strings that are not versions sort before versions and
// compare lexically among themselves.
func Compare(a, b string) int {
	va, vb := Valid(a), Valid(b)
	switch {
	case va && vb:
		return semver.Compare(canonical(a), canonical(b))
	case va:
		return 1
	case vb:
		return -1
	default:
		return strings.Compare(a, b)
	}
}

// Sort orders versions ascending, in place.
func Sort(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return Compare(versions[i], versions[j]) < 0
	})
}

// Latest returns the highest version, or "" for an empty list.
func Latest(versions []string) string {
	latest := ""
	for i, v := range versions {
		if i == 0 || Compare(v, latest) > 0 {
			latest = v
		}
	}
	return latest
}

// Namespace truncates v to the given level: Namespace("1.2.3", Minor) is "1.2".
func Namespace(v string, level Level) (string, error) {
	if !Valid(v) {
		return "", fmt.Errorf("invalid version %q", v)
	}
	c := canonical(v)
	switch level {
	case Major:
		return strings.TrimPrefix(semver.Major(c), "v"), nil
	case Minor:
		return strings.TrimPrefix(semver.MajorMinor(c), "v"), nil
	case Patch, "":
		core := strings.TrimPrefix(semver.Canonical(c), "v")
		if i := strings.IndexAny(core, "-+"); i >= 0 {
			core = core[:i]
		}
		return core, nil
	default:
		return "", fmt.Errorf("unknown version level %q", level)
	}
}

// MergeOptions bound which versions Merge considers.
type MergeOptions struct {
	// MaxVersion excludes versions above it when set.
	MaxVersion string
}

// Merge deep merges per-version values in ascending version order; for a
// field present in several versions the latest version wins. Non-object
// values are replaced wholesale.
func Merge(versions map[string]any, opts MergeOptions) any {
	keys := make([]string, 0, len(versions))
	for v := range versions {
		if opts.MaxVersion != "" && Compare(v, opts.MaxVersion) > 0 {
			continue
		}
		keys = append(keys, v)
	}
	Sort(keys)

	var merged any
	for _, v := range keys {
		merged = mergeValue(merged, versions[v])
	}
	return merged
}

// Overlay deep merges src over dst without modifying either: fields of src
// win, objects are merged key by key.
func Overlay(dst, src any) any {
	if src == nil {
		return mergeValue(nil, dst)
	}
	return mergeValue(dst, src)
}

// mergeValue overlays src on dst. Objects are merged key by key.
func mergeValue(dst, src any) any {
	srcObj, ok := src.(map[string]any)
	if !ok {
		return src
	}
	dstObj, ok := dst.(map[string]any)
	if !ok {
		dstObj = make(map[string]any, len(srcObj))
	} else {
		copied := make(map[string]any, len(dstObj))
		for k, v := range dstObj {
			copied[k] = v
		}
		dstObj = copied
	}
	for k, v := range srcObj {
		dstObj[k] = mergeValue(dstObj[k], v)
	}
	return dstObj
}
