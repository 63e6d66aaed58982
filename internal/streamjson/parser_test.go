package streamjson

import (
	"reflect"
	"strings"
	"testing"
)

const sampleStream = `{"type":"system","subtype":"init","session_id":"sess-123","tools":["Bash"]}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Running the backend tests now."},{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"go test ./backend/..."}}]}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"ok  \tbackend/api\t0.41s"}]}}
npm WARN deprecated héllo - ünicode
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"All 42 tests passed ✅"}]}}
{"type":"result","subtype":"success","is_error":false,"result":"All 42 tests passed ✅","session_id":"sess-123"}
`

func TestParseLineClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want []Event
	}{
		{
			name: "session init",
			line: `{"type":"system","subtype":"init","session_id":"abc"}`,
			want: []Event{{Kind: KindSessionInit, SessionID: "abc"}},
		},
		{
			name: "system without init subtype",
			line: `{"type":"system","subtype":"compact_boundary","session_id":"abc"}`,
			want: nil,
		},
		{
			name: "assistant text",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`,
			want: []Event{{Kind: KindAssistantText, Text: "hello"}},
		},
		{
			name: "tool use",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"a.go"}}]}}`,
			want: []Event{{Kind: KindToolInvocation, ToolName: "Read", ToolInput: map[string]any{"file_path": "a.go"}}},
		},
		{
			name: "tool result string",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","content":"done"}]}}`,
			want: []Event{{Kind: KindToolResult, Text: "done"}},
		},
		{
			name: "tool result blocks",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","is_error":true,"content":[{"type":"text","text":"a"},{"type":"image"},{"type":"text","text":"b"}]}]}}`,
			want: []Event{{Kind: KindToolResult, Text: "a\nb", IsError: true}},
		},
		{
			name: "final result",
			line: `{"type":"result","subtype":"success","result":"bye","session_id":"s"}`,
			want: []Event{{Kind: KindFinalResult, Text: "bye", SessionID: "s"}},
		},
		{
			name: "unknown type is ignored",
			line: `{"type":"stream_event","event":{}}`,
			want: nil,
		},
		{
			name: "object without type is raw",
			line: `{"hello":"world"}`,
			want: []Event{{Kind: KindRawText, Text: `{"hello":"world"}`}},
		},
		{
			name: "non-string type is raw",
			line: `{"type":7}`,
			want: []Event{{Kind: KindRawText, Text: `{"type":7}`}},
		},
		{
			name: "plain text is raw",
			line: "Error: authentication failed\r",
			want: []Event{{Kind: KindRawText, Text: "Error: authentication failed"}},
		},
		{
			name: "user message with string content",
			line: `{"type":"user","message":{"role":"user","content":"replayed prompt"}}`,
			want: nil,
		},
		{
			name: "assistant string content",
			line: `{"type":"assistant","message":{"content":"plain reply"}}`,
			want: []Event{{Kind: KindAssistantText, Text: "plain reply"}},
		},
		{
			name: "tool use with string input",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":"ls"}]}}`,
			want: []Event{{Kind: KindToolInvocation, ToolName: "Bash", ToolInput: map[string]any{"input": "ls"}}},
		},
		{
			name: "malformed block is skipped",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":7},{"type":"text","text":"kept"}]}}`,
			want: []Event{{Kind: KindAssistantText, Text: "kept"}},
		},
		{
			name: "result with odd session id keeps text",
			line: `{"type":"result","result":"bye","session_id":42}`,
			want: []Event{{Kind: KindFinalResult, Text: "bye"}},
		},
		{
			name: "json array is raw",
			line: `[1,2,3]`,
			want: []Event{{Kind: KindRawText, Text: `[1,2,3]`}},
		},
		{
			name: "blank line",
			line: "   \r",
			want: nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseLine(tt.line)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseLine(%q) = %#v, want %#v", tt.line, got, tt.want)
			}
		})
	}
}

func TestFeedIsSplitInvariant(t *testing.T) {
	t.Parallel()

	whole := feedAll([][]byte{[]byte(sampleStream)})
	if len(whole) != 7 {
		t.Fatalf("whole-stream events = %d, want 7: %#v", len(whole), whole)
	}

	data := []byte(sampleStream)
	for split := 1; split < len(data); split++ {
		got := feedAll([][]byte{data[:split], data[split:]})
		if !reflect.DeepEqual(got, whole) {
			t.Fatalf("split at %d produced %#v, want %#v", split, got, whole)
		}
	}

	bytewise := make([][]byte, 0, len(data))
	for i := range data {
		bytewise = append(bytewise, data[i:i+1])
	}
	if got := feedAll(bytewise); !reflect.DeepEqual(got, whole) {
		t.Fatalf("byte-at-a-time feed produced %#v", got)
	}
}

func TestFlushReturnsTrailingFragment(t *testing.T) {
	t.Parallel()

	var p Parser
	if got := p.Feed([]byte(`{"type":"result","result":"partial"}`)); len(got) != 0 {
		t.Fatalf("incomplete line produced events: %#v", got)
	}
	got := p.Flush()
	if len(got) != 1 || got[0].Kind != KindFinalResult || got[0].Text != "partial" {
		t.Fatalf("flush = %#v", got)
	}
	if again := p.Flush(); again != nil {
		t.Fatalf("second flush = %#v, want nil", again)
	}
}

func TestIndependentParsersDoNotSplice(t *testing.T) {
	t.Parallel()

	var stdout, stderr Parser
	var events []Event
	events = append(events, stdout.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"text",`))...)
	events = append(events, stderr.Feed([]byte("warning: low disk\n"))...)
	events = append(events, stdout.Feed([]byte(`"text":"hi"}]}}`+"\n"))...)

	want := []Event{
		{Kind: KindRawText, Text: "warning: low disk"},
		{Kind: KindAssistantText, Text: "hi"},
	}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %#v, want %#v", events, want)
	}
}

func TestToolSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		event Event
		want  string
	}{
		{Event{ToolName: "Bash", ToolInput: map[string]any{"command": "go test ./...", "description": "run tests"}}, "Bash: go test ./..."},
		{Event{ToolName: "Grep", ToolInput: map[string]any{"pattern": "TODO"}}, "Grep: TODO"},
		{Event{ToolName: "Bash", ToolInput: map[string]any{"input": "ls"}}, "Bash: ls"},
		{Event{ToolName: "TodoWrite", ToolInput: map[string]any{"todos": []any{}, "merge": true}}, "TodoWrite: merge, todos"},
		{Event{ToolName: "Custom"}, "Custom"},
		{Event{}, "tool"},
	}
	for _, tt := range tests {
		if got := tt.event.ToolSummary(); got != tt.want {
			t.Fatalf("ToolSummary() = %q, want %q", got, tt.want)
		}
	}

	long := Event{ToolName: "Bash", ToolInput: map[string]any{"command": strings.Repeat("x", 500)}}
	if got := long.ToolSummary(); !strings.HasSuffix(got, "...") || len(got) > maxToolSummary+len("Bash: ...") {
		t.Fatalf("long summary not truncated: %d chars", len(got))
	}
}

func feedAll(chunks [][]byte) []Event {
	var p Parser
	var out []Event
	for _, chunk := range chunks {
		out = append(out, p.Feed(chunk)...)
	}
	return append(out, p.Flush()...)
}
