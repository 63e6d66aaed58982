package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/threadbridge/internal/config"
	"github.com/ship-commander/threadbridge/internal/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	logger, err := logging.New(ctx,
		logging.WithRunID(runID),
		logging.WithStderr(resolveCommandName(args) == "serve"),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(cfg, logger.Logger, runID)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger, runID string) *cobra.Command {
	root := &cobra.Command{
		Use:           "threadbridge",
		Short:         "Bridge Slack threads to Claude CLI sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newServeCommand(cfg, logger, runID),
		newDoctorCommand(cfg, logger),
		newBugreportCommand(logger),
		newVersionCommand(),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name(), "args", redactArgs(args)).Debug("command invocation")
		return nil
	}
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

// resolveCommandName returns the first non-flag argument, or "root".
func resolveCommandName(args []string) string {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		return arg
	}
	return "root"
}

// redactArgs masks values of secret-looking flags in both "--flag value" and
// "--flag=value" forms.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		if maskNext {
			out[i] = "<redacted>"
			maskNext = false
			continue
		}
		out[i] = arg
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !isSensitiveToken(strings.ToLower(name)) {
			continue
		}
		if hasValue {
			out[i] = arg[:strings.Index(arg, "=")+1] + "<redacted>"
		} else {
			maskNext = true
		}
	}
	return out
}

func isSensitiveToken(key string) bool {
	for _, marker := range []string{"token", "secret", "password", "key", "authorization"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
