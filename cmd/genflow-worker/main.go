// Package main runs genflow queue workers and the stalled-job recovery schedule.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/genflow/pkg/cmd"
	"github.com/dukex/genflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "genflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers to execute workflow nodes",
		Flags: append(cmd.CommonFlags(),
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringSliceFlag{
				Name:    "queues",
				Usage:   "Queues to consume (all queues if not provided)",
				Sources: cli.EnvVars("WORKER_QUEUES"),
			},
			&cli.StringFlag{
				Name:     "provider-token",
				Usage:    "Prediction API token",
				Required: true,
				Sources:  cli.EnvVars("REPLICATE_API_TOKEN"),
			},
			&cli.BoolFlag{
				Name:    "recovery",
				Usage:   "Run the stalled-job recovery schedule in this process",
				Value:   true,
				Sources: cli.EnvVars("WORKER_RECOVERY"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts, err := cmd.OptionsFromCommand(command, "genflow-worker")
			if err != nil {
				return err
			}

			if id := command.String("worker-id"); id != "" {
				opts.Config.Worker.ID = id
			}

			if queues := command.StringSlice("queues"); len(queues) > 0 {
				opts.Config.Worker.Queues = queues
			}

			opts.Config.Provider.Token = command.String("provider-token")

			logger := log.WithModule("genflow-worker")
			logger.InfoContext(ctx, "Initializing Genflow Worker")

			return run(ctx, logger, opts, command.Bool("recovery"), command.Bool("tracing"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
