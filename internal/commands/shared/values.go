// Copyright 2025 Tom Barlow
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

package shared

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tombee/tickflow/pkg/errors"
)

// ParseInput decodes a JSON workflow input given on the command line.
func ParseInput(raw string) (any, error) {
	var input any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, &errors.ValidationError{Field: "input", Message: "not valid JSON: " + err.Error()}
	}
	return input, nil
}

// ParseSet turns key=value pairs into world values. Values are decoded as
// JSON when possible and kept as strings otherwise.
func ParseSet(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, &errors.ValidationError{Field: "set", Message: fmt.Sprintf("%q is not key=value", pair)}
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			parsed = v
		}
		// Whole numbers stay ints so expressions compare them naturally.
		if f, isFloat := parsed.(float64); isFloat {
			if n, err := strconv.Atoi(v); err == nil && float64(n) == f {
				parsed = n
			}
		}
		values[k] = parsed
	}
	return values, nil
}
