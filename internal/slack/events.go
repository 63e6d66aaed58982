package slack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ship-commander/threadbridge/internal/chat"
	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

var (
	// ErrBadSignature rejects a request whose signing headers are missing,
	// stale or do not match the body.
	ErrBadSignature = errors.New("slack request signature rejected")
	// ErrUnsupportedEvent marks a well-formed payload the bridge does not
	// model. Callers acknowledge and drop it.
	ErrUnsupportedEvent = errors.New("unsupported slack event")
)

// VerifyRequest checks the v0 signature Slack attaches to Events API
// requests, including the timestamp skew window.
func VerifyRequest(secret string, header http.Header, body []byte) error {
	verifier, err := slackgo.NewSecretsVerifier(header, secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if _, err := verifier.Write(body); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := verifier.Ensure(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// ParseEvent decodes an Events API request body. Invalid JSON is an error;
// valid JSON slack-go cannot map is reported as ErrUnsupportedEvent.
func ParseEvent(body []byte) (slackevents.EventsAPIEvent, error) {
	if !json.Valid(body) {
		return slackevents.EventsAPIEvent{}, errors.New("decode slack event: invalid json")
	}
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return slackevents.EventsAPIEvent{}, fmt.Errorf("%w: %v", ErrUnsupportedEvent, err)
	}
	return event, nil
}

// Challenge returns the url_verification challenge, if event is one.
func Challenge(event slackevents.EventsAPIEvent) (string, bool) {
	if event.Type != slackevents.URLVerification {
		return "", false
	}
	verification, ok := event.Data.(*slackevents.EventsAPIURLVerificationEvent)
	if !ok || verification == nil {
		return "", false
	}
	return verification.Challenge, true
}

// rawInner carries the inner-event fields read straight from the payload:
// bot markers and deletion details vary across slack-go releases.
type rawInner struct {
	BotID           string `json:"bot_id"`
	DeletedTS       string `json:"deleted_ts"`
	PreviousMessage *struct {
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"previous_message"`
}

// TranslateEvent maps a callback's inner event to a chat.Event. The second
// result is false for events the bridge ignores: bot traffic, edits, joins,
// deletions of thread replies and unknown event types.
func TranslateEvent(event slackevents.EventsAPIEvent) (chat.Event, bool) {
	if event.Type != slackevents.CallbackEvent {
		return chat.Event{}, false
	}
	callback, ok := event.Data.(*slackevents.EventsAPICallbackEvent)
	if !ok || callback == nil {
		return chat.Event{}, false
	}
	var raw rawInner
	if callback.InnerEvent != nil {
		if err := json.Unmarshal(*callback.InnerEvent, &raw); err != nil {
			return chat.Event{}, false
		}
	}

	switch inner := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		if raw.BotID != "" {
			return chat.Event{}, false
		}
		return chat.Event{
			Kind:      chat.KindMention,
			Text:      inner.Text,
			ThreadID:  inner.ThreadTimeStamp,
			ChannelID: inner.Channel,
			EventID:   callback.EventID,
			MessageTS: inner.TimeStamp,
			UserID:    inner.User,
		}, true
	case *slackevents.MessageEvent:
		return translateMessage(inner, raw, callback.EventID)
	default:
		return chat.Event{}, false
	}
}

func translateMessage(msg *slackevents.MessageEvent, raw rawInner, eventID string) (chat.Event, bool) {
	if msg.SubType == "message_deleted" {
		deleted := raw.DeletedTS
		if deleted == "" && raw.PreviousMessage != nil {
			deleted = raw.PreviousMessage.TS
		}
		if deleted == "" {
			return chat.Event{}, false
		}
		if prev := raw.PreviousMessage; prev != nil && prev.ThreadTS != "" && prev.ThreadTS != deleted {
			return chat.Event{}, false
		}
		return chat.Event{
			Kind:      chat.KindMessageDeleted,
			ThreadID:  deleted,
			ChannelID: msg.Channel,
			EventID:   eventID,
			MessageTS: deleted,
		}, true
	}
	if msg.SubType != "" || raw.BotID != "" || msg.User == "" {
		return chat.Event{}, false
	}
	event := chat.Event{
		Kind:      chat.KindChannelMessage,
		Text:      msg.Text,
		ThreadID:  msg.ThreadTimeStamp,
		ChannelID: msg.Channel,
		EventID:   eventID,
		MessageTS: msg.TimeStamp,
		UserID:    msg.User,
	}
	if msg.ChannelType == "im" {
		event.Kind = chat.KindDirectMessage
	}
	return event, true
}
