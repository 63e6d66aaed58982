// Package streamjson decodes the agent CLI's `--output-format stream-json`
// output into typed events.
package streamjson

import (
	"fmt"
	"sort"
	"strings"
)

// Kind tags an Event variant.
type Kind string

const (
	KindSessionInit    Kind = "session_init"
	KindAssistantText  Kind = "assistant_text"
	KindToolInvocation Kind = "tool_invocation"
	KindToolResult     Kind = "tool_result"
	KindFinalResult    Kind = "final_result"
	KindRawText        Kind = "raw_text"
)

// Event is one classified stream record. Which fields are set depends on Kind.
type Event struct {
	Kind      Kind
	SessionID string
	Text      string
	ToolName  string
	ToolInput map[string]any
	IsError   bool
}

// summaryKeys are tried in order when describing a tool invocation.
var summaryKeys = []string{"command", "file_path", "path", "pattern", "url", "query", "description", "input"}

const maxToolSummary = 200

// ToolSummary renders a one-line description of a tool invocation, for
// example "Bash: go test ./...".
func (e Event) ToolSummary() string {
	name := strings.TrimSpace(e.ToolName)
	if name == "" {
		name = "tool"
	}
	detail := ""
	for _, key := range summaryKeys {
		if value, ok := e.ToolInput[key]; ok {
			detail = strings.TrimSpace(fmt.Sprint(value))
			if detail != "" {
				break
			}
		}
	}
	if detail == "" && len(e.ToolInput) > 0 {
		keys := make([]string, 0, len(e.ToolInput))
		for key := range e.ToolInput {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		detail = strings.Join(keys, ", ")
	}
	detail = strings.Join(strings.Fields(detail), " ")
	if len(detail) > maxToolSummary {
		detail = detail[:maxToolSummary] + "..."
	}
	if detail == "" {
		return name
	}
	return name + ": " + detail
}
