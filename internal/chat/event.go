// Package chat defines the platform-neutral boundary between the bridge and a
// chat workspace.
package chat

import (
	"regexp"
	"strings"
)

// Kind classifies an inbound event.
type Kind string

const (
	KindMention        Kind = "mention"
	KindDirectMessage  Kind = "direct_message"
	KindChannelMessage Kind = "channel_message"
	KindMessageDeleted Kind = "message_deleted"
)

// Event is one inbound chat event. ThreadID is the timestamp of the thread's
// root message; for a top-level message it equals MessageTS.
type Event struct {
	Kind      Kind
	Text      string
	ThreadID  string
	ChannelID string
	EventID   string
	MessageTS string
	UserID    string
}

// ThreadKey is the registry key for the event's conversation thread.
func (e Event) ThreadKey() string {
	thread := e.ThreadID
	if thread == "" {
		thread = e.MessageTS
	}
	return e.ChannelID + ":" + thread
}

// ReplyTS is the thread timestamp replies are posted under.
func (e Event) ReplyTS() string {
	if e.ThreadID != "" {
		return e.ThreadID
	}
	return e.MessageTS
}

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+(\|[^>]*)?>`)

// StripMentions removes user mention tokens and collapses the surrounding space.
func StripMentions(text string) string {
	stripped := mentionPattern.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(stripped), " ")
}

var closeCommands = map[string]struct{}{
	"close":       {},
	"/close":      {},
	"reset":       {},
	"end session": {},
}

// IsCloseCommand reports whether text, with mentions removed, asks to end
// the thread's session.
func IsCloseCommand(text string) bool {
	_, ok := closeCommands[strings.ToLower(StripMentions(text))]
	return ok
}
