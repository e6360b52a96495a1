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
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

// LoadGlob loads every file matching the doublestar patterns, in sorted
// path order. A file matched by several patterns is loaded once.
func LoadGlob(patterns ...string) ([]*Document, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "scripts.paths",
				Message: "invalid glob " + pattern + ": " + err.Error(),
			}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	var docs []*Document
	for _, p := range paths {
		loaded, err := Load(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	return docs, nil
}

// Catalog is a set of built scripted workflow types.
type Catalog struct {
	docs map[workflow.Key]*Document
	defs []*workflow.Definition
}

// BuildAll compiles docs into a Catalog.
func BuildAll(docs []*Document) (*Catalog, error) {
	c := &Catalog{docs: make(map[workflow.Key]*Document, len(docs))}
	for _, doc := range docs {
		def, err := Build(doc)
		if err != nil {
			return nil, err
		}
		key := def.Key()
		if prev, dup := c.docs[key]; dup {
			return nil, &errors.ValidationError{
				Field:   doc.Source,
				Message: key.String() + " is already defined in " + prev.Source,
			}
		}
		c.docs[key] = doc
		c.defs = append(c.defs, def)
	}
	return c, nil
}

// Definitions returns the built workflow types in load order.
func (c *Catalog) Definitions() []*workflow.Definition { return c.defs }

// Document returns the source document of key.
func (c *Catalog) Document(key workflow.Key) (*Document, bool) {
	doc, ok := c.docs[key]
	return doc, ok
}

// Registrar accepts workflow types. Both *workflow.Registry and
// *workflow.Scheduler implement it.
type Registrar interface {
	Register(*workflow.Definition) error
}

// Register adds every definition to r.
func (c *Catalog) Register(r Registrar) error {
	for _, def := range c.defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
