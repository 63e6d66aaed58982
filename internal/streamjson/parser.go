package streamjson

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	typeSystem    = "system"
	typeAssistant = "assistant"
	typeUser      = "user"
	typeResult    = "result"

	subtypeInit = "init"

	blockText       = "text"
	blockToolUse    = "tool_use"
	blockToolResult = "tool_result"
)

type messageBody struct {
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error"`
}

// Parser splits a byte stream into lines and classifies each one. A Parser
// holds the incomplete trailing line between Feed calls, so each stream
// (stdout, stderr) needs its own instance. It is not safe for concurrent use.
type Parser struct {
	pending []byte
}

// Feed appends chunk to the line buffer and returns events for every line
// completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	p.pending = append(p.pending, chunk...)

	var out []Event
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			break
		}
		line := p.pending[:idx]
		out = append(out, ParseLine(string(line))...)
		p.pending = p.pending[idx+1:]
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return out
}

// Flush classifies whatever is left in the buffer at end of stream.
func (p *Parser) Flush() []Event {
	if len(p.pending) == 0 {
		return nil
	}
	line := string(p.pending)
	p.pending = nil
	return ParseLine(line)
}

// ParseLine classifies one complete line. Lines that are not a JSON object
// with a string "type" become RawText; objects of an unknown type produce
// nothing. Fields of a typed record are read one at a time, so a field with
// an unexpected shape is skipped rather than discarding the record.
func ParseLine(line string) []Event {
	line = strings.TrimRight(line, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return []Event{{Kind: KindRawText, Text: line}}
	}
	rawType, ok := fields["type"]
	if !ok {
		return []Event{{Kind: KindRawText, Text: line}}
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return []Event{{Kind: KindRawText, Text: line}}
	}

	switch msgType {
	case typeSystem:
		if stringField(fields, "subtype") == subtypeInit {
			if id := stringField(fields, "session_id"); id != "" {
				return []Event{{Kind: KindSessionInit, SessionID: id}}
			}
		}
	case typeAssistant:
		return assistantEvents(contentBlocks(fields["message"]))
	case typeUser:
		return toolResultEvents(contentBlocks(fields["message"]))
	case typeResult:
		return []Event{{
			Kind:      KindFinalResult,
			Text:      resultText(fields["result"]),
			SessionID: stringField(fields, "session_id"),
			IsError:   boolField(fields, "is_error"),
		}}
	}
	return nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func boolField(fields map[string]json.RawMessage, key string) bool {
	var b bool
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &b)
	}
	return b
}

// contentBlocks decodes message.content. A plain string is one text block.
func contentBlocks(rawMessage json.RawMessage) []contentBlock {
	if len(rawMessage) == 0 {
		return nil
	}
	var body messageBody
	if err := json.Unmarshal(rawMessage, &body); err != nil || len(body.Content) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(body.Content, &text); err == nil {
		return []contentBlock{{Type: blockText, Text: text}}
	}
	return decodeBlocks(body.Content)
}

// decodeBlocks decodes a JSON array of blocks, dropping entries that do not
// decode as a block.
func decodeBlocks(raw json.RawMessage) []contentBlock {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	blocks := make([]contentBlock, 0, len(items))
	for _, item := range items {
		var block contentBlock
		if err := json.Unmarshal(item, &block); err != nil {
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// toolInput decodes a tool_use input object. A bare string is kept under
// the "input" key.
func toolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err == nil {
		return input
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return map[string]any{"input": s}
	}
	return nil
}

func assistantEvents(blocks []contentBlock) []Event {
	var out []Event
	for _, block := range blocks {
		switch block.Type {
		case blockText:
			if block.Text != "" {
				out = append(out, Event{Kind: KindAssistantText, Text: block.Text})
			}
		case blockToolUse:
			out = append(out, Event{Kind: KindToolInvocation, ToolName: block.Name, ToolInput: toolInput(block.Input)})
		}
	}
	return out
}

func toolResultEvents(blocks []contentBlock) []Event {
	var out []Event
	for _, block := range blocks {
		if block.Type != blockToolResult {
			continue
		}
		text := toolResultText(block.Content)
		if text == "" {
			continue
		}
		out = append(out, Event{Kind: KindToolResult, Text: text, IsError: block.IsError})
	}
	return out
}

// toolResultText accepts either a plain string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks := decodeBlocks(raw)
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type == blockText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var data struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &data); err == nil {
		return data.Text
	}
	return ""
}
