// Package doctor runs preflight checks for the bridge's runtime dependencies.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/ship-commander/threadbridge/internal/config"
	"github.com/ship-commander/threadbridge/internal/harness"
	"github.com/ship-commander/threadbridge/internal/slack"
)

// Status is the verdict of one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one named preflight result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// Report is the outcome of a doctor run.
type Report struct {
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether no check failed.
func (r Report) Healthy() bool {
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			return false
		}
	}
	return true
}

// Write renders the report as an aligned table. Status badges are coloured
// only when w is a terminal that supports it.
func (r Report) Write(w io.Writer) error {
	renderer := lipgloss.NewRenderer(w)
	nameWidth := 0
	for _, check := range r.Checks {
		nameWidth = max(nameWidth, lipgloss.Width(check.Name))
	}
	badge := renderer.NewStyle().Bold(true).Width(len("[fail]") + 2)
	name := renderer.NewStyle().Width(nameWidth + 2)

	for _, check := range r.Checks {
		line := badge.Foreground(statusColor(check.Status)).Render("["+string(check.Status)+"]") +
			name.Render(check.Name) +
			check.Detail
		if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
			return fmt.Errorf("write doctor report: %w", err)
		}
	}
	return nil
}

func statusColor(status Status) lipgloss.TerminalColor {
	switch status {
	case StatusOK:
		return lipgloss.CompleteColor{TrueColor: "#33FF33", ANSI256: "46", ANSI: "10"}
	case StatusWarn:
		return lipgloss.CompleteColor{TrueColor: "#FFCC00", ANSI256: "220", ANSI: "11"}
	default:
		return lipgloss.CompleteColor{TrueColor: "#FF3333", ANSI256: "203", ANSI: "9"}
	}
}

// AuthTester verifies the bot token against the workspace.
type AuthTester interface {
	AuthTest(ctx context.Context) (slack.AuthInfo, error)
}

// Options injects the environment checks.
type Options struct {
	LookPath func(file string) (string, error)
	Stat     func(name string) (os.FileInfo, error)
	// Auth enables the online token check when set.
	Auth AuthTester
	Now  func() time.Time
}

// Run checks cfg and the local environment.
func Run(ctx context.Context, cfg *config.Config, opts Options) (Report, error) {
	if cfg == nil {
		return Report{}, errors.New("config is nil")
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Stat == nil {
		opts.Stat = os.Stat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	report := Report{CheckedAt: opts.Now().UTC()}
	add := func(name string, status Status, detail string) {
		report.Checks = append(report.Checks, Check{Name: name, Status: status, Detail: detail})
	}

	availability, _, err := harness.CheckAvailabilityWith(cfg.Claude.Binary, opts.LookPath)
	if err != nil {
		add("agent", StatusFail, err.Error())
	} else {
		add("agent", StatusOK, availability.AgentPath)
	}
	if availability.Git {
		add("git", StatusOK, "found on PATH")
	} else {
		add("git", StatusWarn, "not found on PATH; agent tools that use git will fail")
	}

	workDir := strings.TrimSpace(cfg.Claude.WorkDir)
	if info, statErr := opts.Stat(workDir); statErr != nil {
		add("workdir", StatusFail, fmt.Sprintf("%s: %v", workDir, statErr))
	} else if !info.IsDir() {
		add("workdir", StatusFail, workDir+" is not a directory")
	} else {
		add("workdir", StatusOK, workDir)
	}

	checkToken(add, "slack.bot_token", cfg.Slack.BotToken, "xoxb-", StatusFail)
	switch cfg.Slack.Mode {
	case config.ModeSocket:
		checkToken(add, "slack.app_token", cfg.Slack.AppToken, "xapp-", StatusFail)
	case config.ModeHTTP:
		if strings.TrimSpace(cfg.Slack.SigningSecret) == "" {
			add("slack.signing_secret", StatusWarn, "not set; inbound requests will not be verified")
		} else {
			add("slack.signing_secret", StatusOK, "set")
		}
	}

	if len(cfg.Slack.AutoResponseChannels) == 0 {
		add("auto_response_channels", StatusOK, "none; mentions and direct messages only")
	} else {
		add("auto_response_channels", StatusOK, strings.Join(cfg.Slack.AutoResponseChannels, ", "))
	}

	if opts.Auth != nil && strings.TrimSpace(cfg.Slack.BotToken) != "" {
		info, authErr := opts.Auth.AuthTest(ctx)
		if authErr != nil {
			add("slack.auth", StatusFail, authErr.Error())
		} else {
			add("slack.auth", StatusOK, fmt.Sprintf("bot user %s on %s", info.UserID, info.Team))
		}
	}
	return report, nil
}

func checkToken(add func(string, Status, string), name, value, prefix string, missing Status) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		add(name, missing, "not set")
	case !strings.HasPrefix(value, prefix):
		add(name, StatusWarn, "does not start with "+prefix)
	default:
		add(name, StatusOK, "set")
	}
}
