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

// Package examples ships the built-in workflow scripts.
package examples

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tombee/tickflow/internal/script"
)

//go:embed *.yaml
var embeddedFS embed.FS

// Example describes an embedded workflow script.
type Example struct {
	Name        string
	Description string
	FilePath    string
}

// List returns the embedded examples sorted by name.
func List() ([]Example, error) {
	entries, err := embeddedFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded examples: %w", err)
	}

	var examples []Example
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".yaml")
		docs, err := parse(name)
		if err != nil {
			return nil, err
		}
		desc := ""
		if len(docs) > 0 {
			desc = docs[0].Description
		}
		examples = append(examples, Example{Name: name, Description: desc, FilePath: entry.Name()})
	}
	sort.Slice(examples, func(i, j int) bool { return examples[i].Name < examples[j].Name })
	return examples, nil
}

// Get returns the raw YAML of an example.
func Get(name string) ([]byte, error) {
	content, err := embeddedFS.ReadFile(name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("example %q not found: %w", name, err)
	}
	return content, nil
}

// Exists reports whether an example is embedded.
func Exists(name string) bool {
	_, err := embeddedFS.ReadFile(name + ".yaml")
	return err == nil
}

// Documents parses every embedded example.
func Documents() ([]*script.Document, error) {
	list, err := List()
	if err != nil {
		return nil, err
	}
	var docs []*script.Document
	for _, ex := range list {
		parsed, err := parse(ex.Name)
		if err != nil {
			return nil, err
		}
		docs = append(docs, parsed...)
	}
	return docs, nil
}

// CopyTo writes an example to destPath, creating parent directories.
func CopyTo(name string, destPath string) error {
	content, err := Get(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := os.WriteFile(destPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write example file: %w", err)
	}
	return nil
}

func parse(name string) ([]*script.Document, error) {
	content, err := Get(name)
	if err != nil {
		return nil, err
	}
	return script.Parse(content, "examples/"+name+".yaml")
}
