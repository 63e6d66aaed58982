package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// ModeSocket receives Slack events over a Socket Mode websocket.
	ModeSocket = "socket"
	// ModeHTTP receives Slack events on the Events API request URL.
	ModeHTTP = "http"

	configDirName = ".threadbridge"
)

const (
	defaultMode                = ModeSocket
	defaultListenAddr          = ":3000"
	defaultClaudeBinary        = "claude"
	defaultWorkDir             = "."
	defaultSyncTimeout         = 90 * time.Second
	defaultFlushInterval       = 15 * time.Second
	defaultChunkThreshold      = 2000
	defaultHeartbeatInterval   = 60 * time.Second
	defaultSendInterval        = time.Second
	defaultTerminationGrace    = 5 * time.Second
	defaultOrphanSweepInterval = 2 * time.Minute
	defaultOrphanThreshold     = 2 * time.Hour
	defaultContextTTL          = 30 * time.Minute
	defaultContextMaxExchanges = 10
)

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	Slack        SlackConfig
	Claude       ClaudeConfig
	Tasks        TaskConfig
	OTELEndpoint string
}

// SlackConfig stores chat platform credentials and transport selection.
type SlackConfig struct {
	Mode                 string
	BotToken             string
	AppToken             string
	SigningSecret        string
	AutoResponseChannels []string
	ListenAddr           string
}

// ClaudeConfig describes how the agent subprocess is launched.
type ClaudeConfig struct {
	Binary    string
	Model     string
	WorkDir   string
	ExtraArgs []string
}

// TaskConfig holds the orchestration timers and limits.
type TaskConfig struct {
	SyncTimeout         time.Duration
	FlushInterval       time.Duration
	ChunkThreshold      int
	HeartbeatInterval   time.Duration
	SendInterval        time.Duration
	TerminationGrace    time.Duration
	OrphanSweepInterval time.Duration
	OrphanThreshold     time.Duration
	ContextTTL          time.Duration
	ContextMaxExchanges int
}

type fileConfig struct {
	Slack  *slackFileConfig  `toml:"slack"`
	Claude *claudeFileConfig `toml:"claude"`
	Tasks  *tasksFileConfig  `toml:"tasks"`
	OTEL   *struct {
		Endpoint *string `toml:"endpoint"`
	} `toml:"otel"`
}

type slackFileConfig struct {
	Mode                 *string  `toml:"mode"`
	BotToken             *string  `toml:"bot_token"`
	AppToken             *string  `toml:"app_token"`
	SigningSecret        *string  `toml:"signing_secret"`
	AutoResponseChannels []string `toml:"auto_response_channels"`
	ListenAddr           *string  `toml:"listen_addr"`
}

type claudeFileConfig struct {
	Binary    *string  `toml:"binary"`
	Model     *string  `toml:"model"`
	WorkDir   *string  `toml:"workdir"`
	ExtraArgs []string `toml:"extra_args"`
}

type tasksFileConfig struct {
	SyncTimeout         *string `toml:"sync_timeout"`
	FlushInterval       *string `toml:"flush_interval"`
	ChunkThreshold      *int    `toml:"chunk_threshold"`
	HeartbeatInterval   *string `toml:"heartbeat_interval"`
	SendInterval        *string `toml:"send_interval"`
	TerminationGrace    *string `toml:"termination_grace"`
	OrphanSweepInterval *string `toml:"orphan_sweep_interval"`
	OrphanThreshold     *string `toml:"orphan_threshold"`
	ContextTTL          *string `toml:"context_ttl"`
	ContextMaxExchanges *int    `toml:"context_max_exchanges"`
}

// Load reads ~/.threadbridge/config.toml, overlays a project-local
// .threadbridge/config.toml and finally applies environment overrides.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(ctx,
		filepath.Join(homeDir, configDirName, "config.toml"),
		filepath.Join(workingDir, configDirName, "config.toml"),
	)
}

// LoadFiles overlays the given files in order on top of the defaults, then
// applies environment overrides. Missing files are skipped.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := defaults()
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		Slack: SlackConfig{
			Mode:       defaultMode,
			ListenAddr: defaultListenAddr,
		},
		Claude: ClaudeConfig{
			Binary:  defaultClaudeBinary,
			WorkDir: defaultWorkDir,
		},
		Tasks: TaskConfig{
			SyncTimeout:         defaultSyncTimeout,
			FlushInterval:       defaultFlushInterval,
			ChunkThreshold:      defaultChunkThreshold,
			HeartbeatInterval:   defaultHeartbeatInterval,
			SendInterval:        defaultSendInterval,
			TerminationGrace:    defaultTerminationGrace,
			OrphanSweepInterval: defaultOrphanSweepInterval,
			OrphanThreshold:     defaultOrphanThreshold,
			ContextTTL:          defaultContextTTL,
			ContextMaxExchanges: defaultContextMaxExchanges,
		},
	}
}

// Validate rejects settings the runtime cannot operate with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	switch c.Slack.Mode {
	case ModeSocket, ModeHTTP:
	default:
		return fmt.Errorf("slack.mode %q must be %q or %q", c.Slack.Mode, ModeSocket, ModeHTTP)
	}
	if strings.TrimSpace(c.Claude.Binary) == "" {
		return errors.New("claude.binary must not be empty")
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"tasks.sync_timeout", c.Tasks.SyncTimeout},
		{"tasks.flush_interval", c.Tasks.FlushInterval},
		{"tasks.heartbeat_interval", c.Tasks.HeartbeatInterval},
		{"tasks.send_interval", c.Tasks.SendInterval},
		{"tasks.termination_grace", c.Tasks.TerminationGrace},
		{"tasks.orphan_sweep_interval", c.Tasks.OrphanSweepInterval},
		{"tasks.orphan_threshold", c.Tasks.OrphanThreshold},
		{"tasks.context_ttl", c.Tasks.ContextTTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.key)
		}
	}
	if c.Tasks.ChunkThreshold <= 0 {
		return errors.New("tasks.chunk_threshold must be > 0")
	}
	if c.Tasks.ContextMaxExchanges <= 0 {
		return errors.New("tasks.context_max_exchanges must be > 0")
	}
	return nil
}

// AutoResponds reports whether the channel is on the mention-free allow-list.
func (c *Config) AutoResponds(channelID string) bool {
	if c == nil {
		return false
	}
	channelID = strings.TrimSpace(channelID)
	for _, allowed := range c.Slack.AutoResponseChannels {
		if allowed == channelID {
			return true
		}
	}
	return false
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applySlackOverrides(cfg, decoded.Slack)
	applyClaudeOverrides(cfg, decoded.Claude)
	if err := applyTaskOverrides(cfg, decoded.Tasks, path); err != nil {
		return err
	}
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
	return nil
}

func applySlackOverrides(cfg *Config, decoded *slackFileConfig) {
	if decoded == nil {
		return
	}
	if decoded.Mode != nil {
		cfg.Slack.Mode = normalizeKey(*decoded.Mode)
	}
	if decoded.BotToken != nil {
		cfg.Slack.BotToken = strings.TrimSpace(*decoded.BotToken)
	}
	if decoded.AppToken != nil {
		cfg.Slack.AppToken = strings.TrimSpace(*decoded.AppToken)
	}
	if decoded.SigningSecret != nil {
		cfg.Slack.SigningSecret = strings.TrimSpace(*decoded.SigningSecret)
	}
	if decoded.AutoResponseChannels != nil {
		cfg.Slack.AutoResponseChannels = normalizeList(decoded.AutoResponseChannels)
	}
	if decoded.ListenAddr != nil {
		cfg.Slack.ListenAddr = strings.TrimSpace(*decoded.ListenAddr)
	}
}

func applyClaudeOverrides(cfg *Config, decoded *claudeFileConfig) {
	if decoded == nil {
		return
	}
	if decoded.Binary != nil {
		cfg.Claude.Binary = strings.TrimSpace(*decoded.Binary)
	}
	if decoded.Model != nil {
		cfg.Claude.Model = strings.TrimSpace(*decoded.Model)
	}
	if decoded.WorkDir != nil {
		cfg.Claude.WorkDir = strings.TrimSpace(*decoded.WorkDir)
	}
	if decoded.ExtraArgs != nil {
		cfg.Claude.ExtraArgs = append([]string(nil), decoded.ExtraArgs...)
	}
}

func applyTaskOverrides(cfg *Config, decoded *tasksFileConfig, path string) error {
	if decoded == nil {
		return nil
	}

	durations := []struct {
		key    string
		raw    *string
		target *time.Duration
	}{
		{"sync_timeout", decoded.SyncTimeout, &cfg.Tasks.SyncTimeout},
		{"flush_interval", decoded.FlushInterval, &cfg.Tasks.FlushInterval},
		{"heartbeat_interval", decoded.HeartbeatInterval, &cfg.Tasks.HeartbeatInterval},
		{"send_interval", decoded.SendInterval, &cfg.Tasks.SendInterval},
		{"termination_grace", decoded.TerminationGrace, &cfg.Tasks.TerminationGrace},
		{"orphan_sweep_interval", decoded.OrphanSweepInterval, &cfg.Tasks.OrphanSweepInterval},
		{"orphan_threshold", decoded.OrphanThreshold, &cfg.Tasks.OrphanThreshold},
		{"context_ttl", decoded.ContextTTL, &cfg.Tasks.ContextTTL},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		value, err := parseDuration(*d.raw, "tasks."+d.key, path)
		if err != nil {
			return err
		}
		*d.target = value
	}

	if decoded.ChunkThreshold != nil {
		cfg.Tasks.ChunkThreshold = *decoded.ChunkThreshold
	}
	if decoded.ContextMaxExchanges != nil {
		cfg.Tasks.ContextMaxExchanges = *decoded.ContextMaxExchanges
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if value := strings.TrimSpace(getenv("SLACK_BOT_TOKEN")); value != "" {
		cfg.Slack.BotToken = value
	}
	if value := strings.TrimSpace(getenv("SLACK_APP_TOKEN")); value != "" {
		cfg.Slack.AppToken = value
	}
	if value := strings.TrimSpace(getenv("SLACK_SIGNING_SECRET")); value != "" {
		cfg.Slack.SigningSecret = value
	}
	if value := strings.TrimSpace(getenv("AUTO_RESPONSE_CHANNELS")); value != "" {
		cfg.Slack.AutoResponseChannels = normalizeList(strings.Split(value, ","))
	}
	if value := strings.TrimSpace(getenv("CLAUDE_BIN")); value != "" {
		cfg.Claude.Binary = value
	}
	if value := strings.TrimSpace(getenv("THREADBRIDGE_WORKDIR")); value != "" {
		cfg.Claude.WorkDir = value
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}
