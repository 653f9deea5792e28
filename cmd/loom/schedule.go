package main

import (
	"context"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/loomlabs/loom/pkg/schedule"
)

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Run published workflows on their cron schedules",
		Flags: commonFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			rt := newRuntime(ctx, command, "scheduler")
			defer rt.close(ctx)

			scheduler := schedule.NewScheduler(
				rt.persistence.WorkflowRepository(),
				rt.engine,
				rt.logger,
			)

			if err := scheduler.Start(ctx); err != nil {
				return err
			}

			waitCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			<-waitCtx.Done()

			return scheduler.Stop(ctx)
		},
	}
}
