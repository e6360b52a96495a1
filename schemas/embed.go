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

// Package schemas embeds the JSON Schema for workflow script documents.
package schemas

import (
	_ "embed"
)

//go:embed script.schema.json
var scriptSchema []byte

// ScriptSchema returns the embedded script JSON Schema as raw bytes.
// Editors use it for completion and validation of workflow YAML.
func ScriptSchema() []byte {
	return scriptSchema
}
