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

package script

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultQueryTimeout bounds a single jq evaluation.
const DefaultQueryTimeout = time.Second

// query is a compiled jq program. It is run against the stage input with
// $tick and $poll bound.
type query struct {
	source string
	code   *gojq.Code
}

func compileQuery(source string) (*query, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	parsed, err := gojq.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$tick", "$poll"}))
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}
	return &query{source: source, code: code}, nil
}

// run returns the single result of the query, or an array when it yields
// several.
func (q *query) run(ctx context.Context, input any, tick uint64, poll int) (any, error) {
	data, err := normalize(input)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	iter := q.code.RunWithContext(ctx, data, int(tick), poll)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq %q: %w", q.source, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalize converts arbitrary Go values into the JSON-shaped values gojq
// accepts.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, int:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jq input is not JSON-encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
