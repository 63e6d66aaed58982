package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ship-commander/threadbridge/internal/mrkdwn"
	"github.com/ship-commander/threadbridge/internal/output"
	"github.com/ship-commander/threadbridge/internal/session"
	"github.com/ship-commander/threadbridge/internal/state"
	"github.com/ship-commander/threadbridge/internal/streamjson"
)

var longTaskPattern = regexp.MustCompile(`(?i)\b(run|test|tests|build|deploy|analy[sz]e-all|scan|compile|install)\b`)

// Classify decides whether a message is answered inline (sync) or run in the
// background with streamed progress (async).
func Classify(text string) session.Kind {
	if longTaskPattern.MatchString(text) {
		return session.KindAsync
	}
	return session.KindSync
}

const (
	reactionWorking = "eyes"
	reactionQueued  = "hourglass_flowing_sand"
	reactionDone    = "white_check_mark"
	reactionFailed  = "x"

	busyMessage    = "a task is already running; send `close` to stop it"
	usageMessage   = "Send me a question, or a task such as `run backend tests`. Send `close` to end the session."
	closedMessage  = "Session closed. The next message starts a fresh conversation."
	stoppedMessage = "Stopped the running task. Session closed; the next message starts a fresh conversation."
	nothingMessage = "Nothing to clean up: this thread has no session."
	emptyResponse  = "(no output)"
)

func ackMessage(text string) string {
	return fmt.Sprintf(":hourglass_flowing_sand: Working on `%s`. Progress will be posted here.", truncate(text, 80))
}

func chunkMessage(c output.Chunk) string {
	if c.Heartbeat {
		return c.Text
	}
	return fmt.Sprintf("*[%d]* (%s)\n%s", c.Seq, c.Label(), mrkdwn.Convert(c.Text))
}

func toolMessage(ev streamjson.Event) string {
	summary := ev.ToolSummary()
	if summary == "" {
		return fmt.Sprintf(":wrench: `%s`", ev.ToolName)
	}
	return fmt.Sprintf(":wrench: `%s` %s", ev.ToolName, summary)
}

func summaryMessage(r result) string {
	icon := ":white_check_mark:"
	verb := "Done"
	switch r.outcome {
	case state.OutcomeFailure:
		icon, verb = ":x:", "Failed"
	case state.OutcomeTimeout:
		icon, verb = ":warning:", "Stopped"
	}
	return fmt.Sprintf("%s %s in %s · %d chunks · %d chars · exit code %d",
		icon, verb, output.FormatElapsed(r.elapsed), r.stats.Chunks, r.stats.Chars, r.exitCode)
}

func failureMessage(err error) string {
	return fmt.Sprintf("Task failed: %v", err)
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
