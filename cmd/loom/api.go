package main

import (
	"context"

	cli "github.com/urfave/cli/v3"

	"github.com/loomlabs/loom/pkg/web"
)

const defaultPort = 9091

func apiCommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Serve the workflow API",
		Flags: append(commonFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			rt := newRuntime(ctx, command, "api")
			defer rt.close(ctx)

			rt.logger.InfoContext(ctx, "Starting Loom API", "port", command.Int("port"))

			return web.NewAPI(rt.engine, rt.persistence, rt.logger).Start(command.Int("port"))
		},
	}
}
