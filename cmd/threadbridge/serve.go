package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/threadbridge/internal/api"
	"github.com/ship-commander/threadbridge/internal/chat"
	"github.com/ship-commander/threadbridge/internal/config"
	"github.com/ship-commander/threadbridge/internal/contextstore"
	"github.com/ship-commander/threadbridge/internal/dispatch"
	"github.com/ship-commander/threadbridge/internal/events"
	"github.com/ship-commander/threadbridge/internal/harness/claude"
	"github.com/ship-commander/threadbridge/internal/orchestrator"
	"github.com/ship-commander/threadbridge/internal/output"
	"github.com/ship-commander/threadbridge/internal/reaper"
	"github.com/ship-commander/threadbridge/internal/session"
	"github.com/ship-commander/threadbridge/internal/slack"
	"github.com/ship-commander/threadbridge/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 15 * time.Second

func newServeCommand(cfg *config.Config, logger *log.Logger, runID string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Slack and answer threads with Claude",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger.With("run_id", runID), runID)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *log.Logger, runID string) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:   cfg.OTELEndpoint,
		Version:    Version,
		InstanceID: runID,
		SlackMode:  cfg.Slack.Mode,
		Model:      cfg.Claude.Model,
		WorkDir:    cfg.Claude.WorkDir,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	bus := events.New(events.WithLogger(logger))
	defer bus.Close()
	bus.SubscribeAll(eventLogger(logger))

	slackClient, err := slack.NewClient(slack.ClientConfig{
		BotToken: cfg.Slack.BotToken,
		AppToken: cfg.Slack.AppToken,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	identity, err := slackClient.AuthTest(ctx)
	if err != nil {
		return fmt.Errorf("verify slack bot token: %w", err)
	}
	logger.Info("slack identity", "bot_user", identity.UserID, "team", identity.Team, "mode", cfg.Slack.Mode)

	dispatcher := dispatch.New(dispatch.Options{Interval: cfg.Tasks.SendInterval, Logger: logger, Bus: bus})
	defer dispatcher.Close()
	messenger, err := chat.NewMessenger(slackClient, dispatcher)
	if err != nil {
		return err
	}

	registry := session.NewRegistry(nil)
	contexts := contextstore.New(contextstore.Options{
		TTL:          cfg.Tasks.ContextTTL,
		MaxExchanges: cfg.Tasks.ContextMaxExchanges,
	})
	defer contexts.Close()
	terminator := reaper.NewTerminator(cfg.Tasks.TerminationGrace, logger)

	orch, err := orchestrator.New(orchestrator.Options{
		Messenger: messenger,
		Launcher: claude.New(claude.Config{
			Binary:    cfg.Claude.Binary,
			Model:     cfg.Claude.Model,
			WorkDir:   cfg.Claude.WorkDir,
			ExtraArgs: cfg.Claude.ExtraArgs,
			Logger:    logger,
		}),
		Registry:     registry,
		Contexts:     contexts,
		Terminator:   terminator,
		Bus:          bus,
		Logger:       logger,
		AutoResponds: cfg.AutoResponds,
		BotUserID:    identity.UserID,
		Model:        cfg.Claude.Model,
		SyncTimeout:  cfg.Tasks.SyncTimeout,
		Output: output.Options{
			FlushInterval:     cfg.Tasks.FlushInterval,
			Threshold:         cfg.Tasks.ChunkThreshold,
			HeartbeatInterval: cfg.Tasks.HeartbeatInterval,
		},
	})
	if err != nil {
		return err
	}

	sweeper, err := reaper.NewSweeper(registry, terminator, reaper.SweepConfig{
		Interval:  cfg.Tasks.OrphanSweepInterval,
		Threshold: cfg.Tasks.OrphanThreshold,
		Logger:    logger,
		Bus:       bus,
		OnReap:    orch.OnReap,
	})
	if err != nil {
		return err
	}

	var socket *slack.SocketMode
	if cfg.Slack.Mode == config.ModeSocket {
		socket, err = slack.NewSocketMode(slackClient, orch.HandleEvent, slack.SocketModeOptions{Logger: logger})
		if err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	routerOpts := api.Options{
		Sessions:    registry,
		BaseContext: groupCtx,
		Version:     Version,
		Logger:      logger,
	}
	if cfg.Slack.Mode == config.ModeHTTP {
		routerOpts.EventHandler = orch.HandleEvent
		routerOpts.SigningSecret = cfg.Slack.SigningSecret
	}
	router := api.NewRouter(routerOpts)

	group.Go(func() error { return sweeper.Start(groupCtx) })
	group.Go(func() error { return api.Serve(groupCtx, cfg.Slack.ListenAddr, router, logger) })
	if socket != nil {
		group.Go(func() error { return socket.Run(groupCtx) })
	}
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", "running_sessions", registry.Len())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return orch.Shutdown(shutdownCtx)
	})

	logger.Info("threadbridge serving", "listen_addr", cfg.Slack.ListenAddr, "workdir", cfg.Claude.WorkDir)
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("threadbridge stopped")
	return nil
}

// eventLogger mirrors bus events into the structured log at their severity.
func eventLogger(logger *log.Logger) events.Handler {
	logger = logger.With("component", "events")
	return func(event events.Event) {
		fields := []any{"type", event.Type, "entity_type", event.EntityType, "entity_id", event.EntityID, "payload", event.Payload}
		switch event.Severity {
		case events.SeverityError:
			logger.Error("event", fields...)
		case events.SeverityWarn:
			logger.Warn("event", fields...)
		default:
			logger.Debug("event", fields...)
		}
	}
}
