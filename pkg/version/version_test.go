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

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	assert.Less(t, Compare("1.9.0", "1.10.0"), 0)
	assert.Greater(t, Compare("2.0.0", "1.99.99"), 0)
	assert.Equal(t, 0, Compare("1.2.3", "v1.2.3"))
	assert.Less(t, Compare("1.2", "1.10"), 0)
	assert.Less(t, Compare("1.0.0-rc.1", "1.0.0"), 0)
	assert.Less(t, Compare("latest", "0.0.1"), 0)
	assert.Less(t, Compare("alpha", "beta"), 0)
}

func TestSortAndLatest(t *testing.T) {
	versions := []string{"1.10.0", "1.2.0", "0.9.1", "1.9.0"}
	Sort(versions)
	assert.Equal(t, []string{"0.9.1", "1.2.0", "1.9.0", "1.10.0"}, versions)
	assert.Equal(t, "1.10.0", Latest([]string{"1.9.0", "1.10.0", "1.2.0"}))
	assert.Equal(t, "", Latest(nil))
}

func TestNamespace(t *testing.T) {
	ns, err := Namespace("1.2.3", Major)
	require.NoError(t, err)
	assert.Equal(t, "1", ns)

	ns, err = Namespace("1.2.3", Minor)
	require.NoError(t, err)
	assert.Equal(t, "1.2", ns)

	ns, err = Namespace("1.2.3-beta.1", Patch)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", ns)

	_, err = Namespace("nope", Minor)
	assert.Error(t, err)
	_, err = Namespace("1.2.3", Level("build"))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	versions := map[string]any{
		"1.10.0": map[string]any{"a": 3, "nested": map[string]any{"y": 2}},
		"1.2.0":  map[string]any{"a": 1, "b": 1, "nested": map[string]any{"x": 1}},
		"1.9.0":  map[string]any{"a": 2},
	}
	merged := Merge(versions, MergeOptions{})
	assert.Equal(t, map[string]any{
		"a":      3,
		"b":      1,
		"nested": map[string]any{"x": 1, "y": 2},
	}, merged)

	merged = Merge(versions, MergeOptions{MaxVersion: "1.9.0"})
	assert.Equal(t, map[string]any{"a": 2, "b": 1, "nested": map[string]any{"x": 1}}, merged)

	// inputs are not modified
	assert.Equal(t, map[string]any{"a": 2}, versions["1.9.0"])
	assert.Nil(t, Merge(nil, MergeOptions{}))
}

func TestOverlay(t *testing.T) {
	dst := map[string]any{"a": 1.0, "nested": map[string]any{"x": 1.0, "y": 2.0}}
	src := map[string]any{"b": 2.0, "nested": map[string]any{"y": 3.0}}

	out := Overlay(dst, src)
	assert.Equal(t, map[string]any{
		"a":      1.0,
		"b":      2.0,
		"nested": map[string]any{"x": 1.0, "y": 3.0},
	}, out)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, dst["nested"])

	assert.Equal(t, dst, Overlay(dst, nil))
	assert.Equal(t, "v", Overlay(dst, "v"))
}
