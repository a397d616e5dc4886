package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "campaign-service",
		Usage: "Email drip workflows and social keyword automations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Optional YAML config file",
				Sources: cli.EnvVars("CAMPAIGN_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newValidateCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("campaign-service failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

// configFlag reads the root --config flag from any subcommand.
func configFlag(command *cli.Command) string {
	return command.Root().String("config")
}

var errUsage = errors.New("usage: campaign-service validate <definition.json>")
