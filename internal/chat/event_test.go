package chat

import "testing"

func TestThreadKeyAndReplyTS(t *testing.T) {
	t.Parallel()

	top := Event{ChannelID: "C1", MessageTS: "171.1"}
	if got := top.ThreadKey(); got != "C1:171.1" {
		t.Fatalf("top-level thread key = %q", got)
	}
	if got := top.ReplyTS(); got != "171.1" {
		t.Fatalf("top-level reply ts = %q", got)
	}

	reply := Event{ChannelID: "C1", ThreadID: "171.1", MessageTS: "171.9"}
	if got := reply.ThreadKey(); got != "C1:171.1" {
		t.Fatalf("reply thread key = %q", got)
	}
	if got := reply.ReplyTS(); got != "171.1" {
		t.Fatalf("reply ts = %q", got)
	}
}

func TestStripMentions(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"<@U123ABC> run backend tests":      "run backend tests",
		"hey <@U1|bot>   what's   up":       "hey what's up",
		"no mention here":                   "no mention here",
		"<@U1><@U2>":                        "",
		"keep <!channel> and <#C1|general>": "keep <!channel> and <#C1|general>",
	}
	for input, want := range cases {
		if got := StripMentions(input); got != want {
			t.Fatalf("StripMentions(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestIsCloseCommand(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"close", "CLOSE", "/close", "<@U1> reset", " End Session "} {
		if !IsCloseCommand(text) {
			t.Fatalf("IsCloseCommand(%q) = false", text)
		}
	}
	for _, text := range []string{"close the file", "please reset the db", "", "ending"} {
		if IsCloseCommand(text) {
			t.Fatalf("IsCloseCommand(%q) = true", text)
		}
	}
}
