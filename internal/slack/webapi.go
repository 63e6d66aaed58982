// Package slack adapts the Slack Web API, Socket Mode and Events API to the
// chat package's platform-neutral types.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/threadbridge/internal/chat"
	"github.com/ship-commander/threadbridge/internal/telemetry"
	slackgo "github.com/slack-go/slack"
)

// CodeRateLimited is reported by IsAPIError for HTTP 429 responses.
const CodeRateLimited = "ratelimited"

// IsAPIError reports whether err carries the given Slack error code.
func IsAPIError(err error, code string) bool {
	if err == nil {
		return false
	}
	var rateLimited *slackgo.RateLimitedError
	if errors.As(err, &rateLimited) {
		return code == CodeRateLimited
	}
	var response slackgo.SlackErrorResponse
	if errors.As(err, &response) {
		return response.Err == code
	}
	return false
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL overrides the Web API root. Tests point it at httptest.
	BaseURL    string
	BotToken   string
	AppToken   string
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client calls the handful of Web API methods the bridge needs.
type Client struct {
	api      *slackgo.Client
	appToken string
	logger   *log.Logger
}

var _ chat.Client = (*Client)(nil)

// AuthInfo is the auth.test result for the bot token.
type AuthInfo struct {
	UserID string
	BotID  string
	Team   string
	TeamID string
}

// NewClient builds a Web API client. A bot token is required.
func NewClient(cfg ClientConfig) (*Client, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("slack bot token is required")
	}
	appToken := strings.TrimSpace(cfg.AppToken)

	var options []slackgo.Option
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		options = append(options, slackgo.OptionAPIURL(baseURL))
	}
	if appToken != "" {
		options = append(options, slackgo.OptionAppLevelToken(appToken))
	}
	if cfg.HTTPClient != nil {
		options = append(options, slackgo.OptionHTTPClient(cfg.HTTPClient))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		api:      slackgo.New(token, options...),
		appToken: appToken,
		logger:   logger.With("component", "slack"),
	}, nil
}

// PostMessage implements chat.Client. An empty threadTS posts top-level.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) error {
	options := []slackgo.MsgOption{slackgo.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slackgo.MsgOptionTS(threadTS))
	}
	if _, _, err := c.api.PostMessageContext(ctx, channel, options...); err != nil {
		return c.failed("chat.postMessage", err)
	}
	return nil
}

// AddReaction implements chat.Client. An existing reaction is not an error.
func (c *Client) AddReaction(ctx context.Context, channel, ts, name string) error {
	err := c.api.AddReactionContext(ctx, name, slackgo.NewRefToMessage(channel, ts))
	if err == nil || IsAPIError(err, "already_reacted") {
		return nil
	}
	return c.failed("reactions.add", err)
}

// RemoveReaction implements chat.Client. A missing reaction is not an error.
func (c *Client) RemoveReaction(ctx context.Context, channel, ts, name string) error {
	err := c.api.RemoveReactionContext(ctx, name, slackgo.NewRefToMessage(channel, ts))
	if err == nil || IsAPIError(err, "no_reaction") {
		return nil
	}
	return c.failed("reactions.remove", err)
}

// AuthTest identifies the bot user behind the bot token.
func (c *Client) AuthTest(ctx context.Context) (AuthInfo, error) {
	response, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return AuthInfo{}, c.failed("auth.test", err)
	}
	return AuthInfo{
		UserID: response.UserID,
		BotID:  response.BotID,
		Team:   response.Team,
		TeamID: response.TeamID,
	}, nil
}

func (c *Client) failed(method string, err error) error {
	if !IsAPIError(err, CodeRateLimited) {
		c.logger.Warn("slack call failed", "method", method, "error", telemetry.RedactSecrets(err.Error()))
	}
	return fmt.Errorf("slack %s: %w", method, err)
}
