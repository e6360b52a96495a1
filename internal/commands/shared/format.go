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
	"bytes"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
)

// FormatMarkdown renders markdown for a terminal. Plain content is returned
// when tty is false or rendering fails.
func FormatMarkdown(content string, tty bool, width int) string {
	if !tty {
		return content
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// HighlightYAML applies terminal syntax highlighting to YAML source.
func HighlightYAML(content string, tty bool) string {
	if !tty {
		return content
	}
	var buf bytes.Buffer
	if err := quick.Highlight(&buf, content, "yaml", "terminal256", "monokai"); err != nil {
		return content
	}
	return buf.String()
}
