package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/loomlabs/loom/pkg/engine"
	"github.com/loomlabs/loom/pkg/models"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a workflow once and print its result",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:  "file",
				Usage: "Path to a workflow JSON file",
			},
			&cli.StringFlag{
				Name:  "workflow-id",
				Usage: "ID of a stored workflow",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Execution mode (manual, chat, api, schedule)",
				Value: string(models.ExecutionModeManual),
			},
			&cli.StringSliceFlag{
				Name:  "selected-output",
				Usage: "Block output path surfaced to the caller (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "stream",
				Usage: "Stream partial content to stdout as SSE records",
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			rt := newRuntime(ctx, command, "run")
			defer rt.close(ctx)

			workflow, err := loadWorkflow(ctx, rt, command)
			if err != nil {
				return err
			}

			req := engine.RunRequest{
				Workflow:        workflow,
				Mode:            models.ExecutionMode(command.String("mode")),
				SelectedOutputs: command.StringSlice("selected-output"),
				EnvVars:         environMap(),
			}

			if command.Bool("stream") {
				_, err := rt.engine.RunStream(ctx, req, os.Stdout)

				return err
			}

			result, err := rt.engine.Run(ctx, req)
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(encoded))

			if !result.Success {
				return fmt.Errorf("run failed: %s", result.Error)
			}

			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate and compile a workflow without running it",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:  "file",
				Usage: "Path to a workflow JSON file",
			},
			&cli.StringFlag{
				Name:  "workflow-id",
				Usage: "ID of a stored workflow",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Execution mode to compile for",
				Value: string(models.ExecutionModeManual),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			rt := newRuntime(ctx, command, "validate")
			defer rt.close(ctx)

			workflow, err := loadWorkflow(ctx, rt, command)
			if err != nil {
				return err
			}

			mode := models.ExecutionMode(command.String("mode"))
			if err := rt.engine.ValidateWorkflow(workflow, mode); err != nil {
				return err
			}

			rt.logger.InfoContext(ctx, "Workflow is valid", "workflow_id", workflow.ID)

			return nil
		},
	}
}

func loadWorkflow(ctx context.Context, rt *runtime, command *cli.Command) (*models.Workflow, error) {
	if path := command.String("file"); path != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow file: %w", err)
		}

		var workflow models.Workflow
		if err := json.Unmarshal(payload, &workflow); err != nil {
			return nil, fmt.Errorf("failed to parse workflow file: %w", err)
		}

		return &workflow, nil
	}

	if id := command.String("workflow-id"); id != "" {
		return rt.persistence.WorkflowRepository().GetByID(ctx, id)
	}

	return nil, fmt.Errorf("either --file or --workflow-id is required")
}

func environMap() map[string]string {
	env := make(map[string]string)

	for _, entry := range os.Environ() {
		for i := 0; i < len(entry); i++ {
			if entry[i] == '=' {
				env[entry[:i]] = entry[i+1:]

				break
			}
		}
	}

	return env
}
