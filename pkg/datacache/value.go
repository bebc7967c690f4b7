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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
)

var (
	// ErrInvalidTopic is returned for modifier keys that are not concrete topics.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrInvalidValue is returned for values that cannot be represented as JSON.
	ErrInvalidValue = errors.New("invalid value")
)

// Normalize converts v into the JSON data model used by the cache: nil, bool,
// float64, string, []any and map[string]any. Maps and slices are copied.
// Other Go values are converted through their JSON encoding.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, x)
		}
		return x, nil
	case float32:
		return Normalize(float64(x))
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return f, nil
	case json.RawMessage:
		return Decode(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, child := range x {
			n, err := Normalize(child)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, child := range x {
			n, err := Normalize(child)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return Decode(data)
}

// Decode parses a JSON document into the cache data model. An empty
// document decodes to nil.
func Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return out, nil
}

// Equal reports whether two normalized values are deeply equal.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// clone returns a deep copy of a normalized value.
func clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, child := range x {
			out[k] = clone(child)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, child := range x {
			out[i] = clone(child)
		}
		return out
	default:
		return x
	}
}
