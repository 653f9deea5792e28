// Package main provides the loom command-line entrypoint.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/loomlabs/loom/pkg/cmd"
	"github.com/loomlabs/loom/pkg/engine"
	"github.com/loomlabs/loom/pkg/eventbus"
	"github.com/loomlabs/loom/pkg/log"
	"github.com/loomlabs/loom/pkg/persistence"
	"github.com/loomlabs/loom/pkg/tracer"
)

func main() {
	// Missing .env files are fine; the environment wins either way.
	_ = godotenv.Load()

	root := &cli.Command{
		Name:                  "loom",
		Usage:                 "Run block-based AI workflows",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			apiCommand(),
			runCommand(),
			validateCommand(),
			scheduleCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Storage URL (memory://, file://path, redis://host:port)",
			Value:   "memory://",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus provider (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export OTLP traces",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}

// runtime is the wiring shared by every command: store, bus and engine.
type runtime struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	engine      *engine.Engine
}

func newRuntime(ctx context.Context, command *cli.Command, service string) *runtime {
	log.Setup(command.String("log-level"))
	logger := log.WithModule(service)

	store := cmd.NewPersistence(command.String("database-url"), logger)
	bus := cmd.NewEventBus(command.String("event-bus"), logger)

	var otelTracer oteltrace.Tracer

	if command.Bool("otel-enabled") {
		t, err := tracer.NewTracer(ctx, "loom-"+service)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to initialize tracer, continuing without spans", "error", err)
		} else {
			otelTracer = t
		}
	}

	eng := engine.New(engine.Config{
		Persistence:  store,
		Registry:     cmd.NewRegistry(logger),
		Dependencies: cmd.NewDependencies(logger),
		EventBus:     bus,
		Tracer:       otelTracer,
		Logger:       logger,
	})

	return &runtime{
		logger:      logger,
		persistence: store,
		eventBus:    bus,
		engine:      eng,
	}
}

func (r *runtime) close(ctx context.Context) {
	if err := r.eventBus.Close(); err != nil {
		r.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}

	if err := r.persistence.Close(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}
