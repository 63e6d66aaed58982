package main

import (
	"errors"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/threadbridge/internal/config"
	"github.com/ship-commander/threadbridge/internal/doctor"
	"github.com/ship-commander/threadbridge/internal/slack"
	"github.com/spf13/cobra"
)

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var online bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the agent binary, work dir and Slack credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := doctor.Options{}
			if online && cfg.Slack.BotToken != "" {
				client, err := slack.NewClient(slack.ClientConfig{
					BotToken: cfg.Slack.BotToken,
					AppToken: cfg.Slack.AppToken,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				opts.Auth = client
			}
			report, err := doctor.Run(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			if err := report.Write(cmd.OutOrStdout()); err != nil {
				return err
			}
			if !report.Healthy() {
				logger.With("command", "doctor").Warn("preflight checks failed")
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "also verify the bot token with auth.test")
	return cmd
}
