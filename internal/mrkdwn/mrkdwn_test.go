package mrkdwn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvert(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain text", input: "All 42 tests passed.", want: "All 42 tests passed."},
		{name: "blank", input: "  ", want: "  "},
		{name: "soft breaks kept", input: "line one\nline two", want: "line one\nline two"},
		{name: "bold and italic", input: "**bold** and *italic* and _under_", want: "*bold* and _italic_ and _under_"},
		{name: "strikethrough", input: "~~gone~~", want: "~gone~"},
		{name: "heading", input: "## Results\n\nok", want: "*Results*\n\nok"},
		{name: "inline code", input: "run `go test ./...`", want: "run `go test ./...`"},
		{name: "link", input: "[docs](https://example.com/docs)", want: "<https://example.com/docs|docs>"},
		{name: "bare url", input: "see https://example.com", want: "see <https://example.com>"},
		{name: "escapes control characters", input: "a < b && <@U123>", want: "a &lt; b &amp;&amp; &lt;@U123&gt;"},
		{name: "fenced code", input: "```go\nif a < b {}\n```", want: "```\nif a &lt; b {}\n```"},
		{name: "bullet list", input: "- one\n- two", want: "• one\n• two"},
		{name: "ordered list", input: "3. three\n4. four", want: "3. three\n4. four"},
		{name: "nested list", input: "- one\n  - inner", want: "• one\n    • inner"},
		{name: "task list", input: "- [x] done\n- [ ] todo", want: "• ☑ done\n• ☐ todo"},
		{name: "blockquote", input: "> quoted\n> text", want: "> quoted\n> text"},
		{name: "table", input: "| a | b |\n|---|---|\n| 1 | 2 |", want: "*a* | *b*\n1 | 2"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Convert(tc.input))
		})
	}
}
