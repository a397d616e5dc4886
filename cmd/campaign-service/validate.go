package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/itsandyd/ppr-academy-sub023/internal/engine"
)

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check a workflow definition file without starting the service",
		ArgsUsage: "<definition.json>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return errUsage
			}
			path := command.Args().First()
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			g, err := engine.ParseDefinition(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			start, _ := g.StartNode()
			fmt.Fprintf(command.Root().Writer, "%s: ok (%d nodes, trigger %q, starts at %q)\n", path, g.Len(), g.TriggerType(), start)
			return nil
		},
	}
}
