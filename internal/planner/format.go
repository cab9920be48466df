package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/convokit/agendad/internal/store"
)

// Formatter defaults.
const (
	DefaultMaxGoals = 3
	DefaultMaxChars = 600

	goalTextTruncateAt   = 110
	nextActionTruncateAt = 90
)

// FormatOptions bounds the rendered agenda block.
type FormatOptions struct {
	MaxGoals int
	MaxChars int
}

// FormatAgendaForPrompt renders the top goals into a character-budgeted
// text block for prompt injection. Active goals only, ordered by
// (priority desc, updatedAt desc), at most MaxGoals numbered entries.
// Rendering stops before any line would push the total over MaxChars.
// Returns "" when no goal line fits — never a bare header.
func FormatAgendaForPrompt(goals []store.Goal, opts FormatOptions) string {
	maxGoals := opts.MaxGoals
	if maxGoals <= 0 {
		maxGoals = DefaultMaxGoals
	}
	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	var active []store.Goal
	for _, g := range goals {
		if g.Status == store.StatusActive {
			active = append(active, g)
		}
	}
	if len(active) == 0 {
		return ""
	}

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].UpdatedAt > active[j].UpdatedAt
	})
	if len(active) > maxGoals {
		active = active[:maxGoals]
	}

	header := "Current conversation goals:"
	var b strings.Builder
	total := len(header) + 1 // header plus its newline
	b.WriteString(header)
	b.WriteString("\n")

	appended := 0
	for i, g := range active {
		line := fmt.Sprintf("%d. [%s/p%d] %s", i+1, g.GoalType, g.Priority, truncate(g.GoalText, goalTextTruncateAt))
		if g.ParentGoalID != "" {
			line += " parent:" + g.ParentGoalID
		}
		if total+len(line)+1 > maxChars {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
		total += len(line) + 1
		appended++

		if g.NextAction != "" {
			next := "   next: " + truncate(g.NextAction, nextActionTruncateAt)
			if total+len(next)+1 > maxChars {
				break
			}
			b.WriteString(next)
			b.WriteString("\n")
			total += len(next) + 1
		}
	}

	if appended == 0 {
		return ""
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncate shortens s to at most n runes, ending with an ellipsis when
// cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
