// Package mrkdwn rewrites agent Markdown into Slack's mrkdwn dialect.
package mrkdwn

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	gast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Convert renders CommonMark with GFM extensions as Slack mrkdwn. Slack
// control characters are escaped, so text like <@U123> from the agent cannot
// ping anyone.
func Convert(input string) string {
	if strings.TrimSpace(input) == "" {
		return input
	}
	source := []byte(input)
	doc := markdown.Parser().Parse(text.NewReader(source))
	r := renderer{source: source}
	return strings.TrimRight(r.blocks(doc, "\n\n"), "\n")
}

type renderer struct {
	source []byte
}

func (r renderer) blocks(parent gast.Node, sep string) string {
	parts := make([]string, 0, parent.ChildCount())
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		if rendered := r.block(child); rendered != "" {
			parts = append(parts, rendered)
		}
	}
	return strings.Join(parts, sep)
}

func (r renderer) block(node gast.Node) string {
	switch n := node.(type) {
	case *gast.Paragraph, *gast.TextBlock:
		return r.inlines(n)
	case *gast.Heading:
		return "*" + r.inlines(n) + "*"
	case *gast.ThematicBreak:
		return "---"
	case *gast.FencedCodeBlock, *gast.CodeBlock:
		return "```\n" + escaper.Replace(r.lines(n)) + "```"
	case *gast.HTMLBlock:
		raw := r.lines(n)
		if n.HasClosure() {
			raw += string(n.ClosureLine.Value(r.source))
		}
		return escaper.Replace(strings.TrimRight(raw, "\n"))
	case *gast.Blockquote:
		inner := strings.Split(r.blocks(n, "\n\n"), "\n")
		for i, line := range inner {
			inner[i] = "> " + line
		}
		return strings.Join(inner, "\n")
	case *gast.List:
		return r.list(n)
	case *extast.Table:
		return r.table(n)
	default:
		return r.blocks(node, "\n\n")
	}
}

func (r renderer) list(list *gast.List) string {
	items := make([]string, 0, list.ChildCount())
	index := list.Start
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "• "
		if list.IsOrdered() {
			marker = fmt.Sprintf("%d. ", index)
			index++
		}
		sep := "\n"
		if !list.IsTight {
			sep = "\n\n"
		}
		body := strings.Split(r.blocks(item, sep), "\n")
		for i := 1; i < len(body); i++ {
			if body[i] != "" {
				body[i] = strings.Repeat(" ", 4) + body[i]
			}
		}
		items = append(items, marker+strings.Join(body, "\n"))
	}
	return strings.Join(items, "\n")
}

func (r renderer) table(table *extast.Table) string {
	rows := make([]string, 0, table.ChildCount())
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		_, header := row.(*extast.TableHeader)
		cells := make([]string, 0, row.ChildCount())
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			content := r.inlines(cell)
			if header && content != "" {
				content = "*" + content + "*"
			}
			cells = append(cells, content)
		}
		rows = append(rows, strings.Join(cells, " | "))
	}
	return strings.Join(rows, "\n")
}

func (r renderer) inlines(parent gast.Node) string {
	var b strings.Builder
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		b.WriteString(r.inline(child))
	}
	return b.String()
}

func (r renderer) inline(node gast.Node) string {
	switch n := node.(type) {
	case *gast.Text:
		value := escaper.Replace(string(n.Segment.Value(r.source)))
		if n.SoftLineBreak() || n.HardLineBreak() {
			value += "\n"
		}
		return value
	case *gast.String:
		return escaper.Replace(string(n.Value))
	case *gast.CodeSpan:
		return "`" + r.inlines(n) + "`"
	case *gast.Emphasis:
		if n.Level >= 2 {
			return "*" + r.inlines(n) + "*"
		}
		return "_" + r.inlines(n) + "_"
	case *extast.Strikethrough:
		return "~" + r.inlines(n) + "~"
	case *gast.Link:
		return link(escaper.Replace(string(n.Destination)), r.inlines(n))
	case *gast.Image:
		return link(escaper.Replace(string(n.Destination)), r.inlines(n))
	case *gast.AutoLink:
		url := string(n.URL(r.source))
		if n.AutoLinkType == gast.AutoLinkEmail && !strings.HasPrefix(url, "mailto:") {
			url = "mailto:" + url
		}
		return link(escaper.Replace(url), escaper.Replace(string(n.Label(r.source))))
	case *gast.RawHTML:
		var b strings.Builder
		for i := 0; i < n.Segments.Len(); i++ {
			segment := n.Segments.At(i)
			b.Write(segment.Value(r.source))
		}
		return escaper.Replace(b.String())
	case *extast.TaskCheckBox:
		if n.IsChecked {
			return "☑ "
		}
		return "☐ "
	default:
		return r.inlines(node)
	}
}

func link(destination, label string) string {
	if label == "" || label == destination {
		return "<" + destination + ">"
	}
	return "<" + destination + "|" + strings.ReplaceAll(label, "|", "¦") + ">"
}

func (r renderer) lines(node gast.Node) string {
	var b strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		b.Write(segment.Value(r.source))
	}
	return b.String()
}
