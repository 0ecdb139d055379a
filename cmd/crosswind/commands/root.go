package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/crosswindhq/crosswind-cli/internal/app"
	"github.com/crosswindhq/crosswind-cli/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "crosswind",
		Usage: "Crosswind Cloud authentication CLI",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "directory for credentials, caches and the relay registry",
			},
			&cli.StringFlag{
				Name:  "api--base-url",
				Usage: "Crosswind Cloud API base URL",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			verifyCommand(),
			authorizeCommand(),
			relayCommand(),
			configCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// setup loads the configuration and installs the logger. Every subcommand
// action calls it first.
func setup(cmd *cli.Command) (*app.Config, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat)); err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	return cfg, nil
}
