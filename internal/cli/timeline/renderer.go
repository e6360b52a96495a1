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

package timeline

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	// MinWidth is the narrowest timeline that can be drawn.
	MinWidth = 60
	// DefaultBarWidth is the bar width used when the width is unknown.
	DefaultBarWidth = 40
	// StatusIconOK marks a completed stage.
	StatusIconOK = "✓"
	// StatusIconError marks a failed stage.
	StatusIconError = "✗"
	// StatusIconOpen marks a stage that never finished.
	StatusIconOpen = "…"

	nameWidth = 16
	kindWidth = 15
	// Columns used by everything except the bar.
	fixedWidth = 2 + nameWidth + 1 + kindWidth + 1 + 1 + 6 + 1 + 1 + 2
)

// Renderer draws traces as ASCII timelines.
type Renderer struct {
	BarWidth int
}

// NewRenderer sizes the bar to fit width columns, capped at 60.
func NewRenderer(width int) (*Renderer, error) {
	if width < MinWidth {
		return nil, fmt.Errorf("terminal width %d is too narrow (minimum %d columns)", width, MinWidth)
	}
	bar := width - fixedWidth
	if bar > 60 {
		bar = 60
	}
	if bar < 10 {
		bar = 10
	}
	return &Renderer{BarWidth: bar}, nil
}

// Render draws one trace.
func (r *Renderer) Render(tr Trace) string {
	inner := fixedWidth + r.BarWidth - 2
	border := strings.Repeat("─", inner)
	total := tr.EndTick - tr.StartTick + 1

	var sb strings.Builder
	sb.WriteString("┌" + border + "┐\n")

	status := string(tr.Status)
	if status == "" {
		status = "live"
	}
	right := truncate(fmt.Sprintf("ticks %d-%d  %s", tr.StartTick, tr.EndTick, status), inner-2)
	left := truncate(tr.Key.String()+" "+shortID(tr.InstanceID), inner-2-lipgloss.Width(right)-1)
	pad := max(inner-2-lipgloss.Width(left)-lipgloss.Width(right), 0)
	sb.WriteString("│ " + left + strings.Repeat(" ", pad) + right + " │\n")
	sb.WriteString("├" + border + "┤\n")

	if len(tr.Spans) == 0 {
		sb.WriteString("│ " + fmt.Sprintf("%-*s", inner-2, "no stage started") + " │\n")
	}
	for _, span := range tr.Spans {
		sb.WriteString(r.renderSpan(span, tr.StartTick, total))
	}
	sb.WriteString("└" + border + "┘\n")
	return sb.String()
}

func (r *Renderer) renderSpan(span Span, start, total uint64) string {
	startPos := int(float64(span.StartTick-start) / float64(total) * float64(r.BarWidth))
	length := int(float64(span.Ticks()) / float64(total) * float64(r.BarWidth))
	if length < 1 {
		length = 1
	}
	if startPos >= r.BarWidth {
		startPos = r.BarWidth - 1
	}
	if startPos+length > r.BarWidth {
		length = r.BarWidth - startPos
	}

	bar := []rune(strings.Repeat("░", r.BarWidth))
	for i := startPos; i < startPos+length; i++ {
		bar[i] = '█'
	}

	icon := StatusIconOK
	switch {
	case span.Failed:
		icon = StatusIconError
	case !span.Done:
		icon = StatusIconOpen
	}

	ticks := fmt.Sprintf("%dt", span.Ticks())
	if span.Kind.Polls() && span.Polls > 0 {
		ticks = fmt.Sprintf("%dp", span.Polls)
	}

	return fmt.Sprintf("│ %s %s %s %6s %s │\n",
		padRight(truncate(span.Name, nameWidth), nameWidth),
		padRight(span.Kind.String(), kindWidth),
		string(bar), truncate(ticks, 6), icon)
}

// shortID keeps the first block of a UUID.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return "(" + id[:i] + ")"
	}
	return "(" + id + ")"
}

// truncate shortens s to at most width terminal cells, ending in an
// ellipsis when there is room for one.
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	ellipsis := "..."
	if width <= len(ellipsis) {
		ellipsis = ""
	}
	limit := width - len(ellipsis)

	var sb strings.Builder
	used := 0
	for _, r := range s {
		w := lipgloss.Width(string(r))
		if used+w > limit {
			break
		}
		sb.WriteRune(r)
		used += w
	}
	return sb.String() + ellipsis
}

// padRight pads s with spaces to width terminal cells.
func padRight(s string, width int) string {
	if gap := width - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}
