package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dukex/genflow/pkg/cmd"
	"github.com/dukex/genflow/pkg/log"
	"github.com/dukex/genflow/pkg/services"
	cli "github.com/urfave/cli/v3"
)

var errMissingArgument = errors.New("missing argument")

// withExecutions builds the runtime for one command invocation and closes it afterwards.
func withExecutions(ctx context.Context, command *cli.Command, fn func(*services.Executions) error) error {
	opts, err := cmd.OptionsFromCommand(command, "genflow-cli")
	if err != nil {
		return err
	}

	runtime, err := cmd.NewRuntime(ctx, log.WithModule("genflow-cli"), opts)
	if err != nil {
		return err
	}

	return errors.Join(fn(runtime.Executions(nil)), runtime.Close(ctx))
}

func argument(command *cli.Command, name string) (string, error) {
	value := command.Args().First()
	if value == "" {
		return "", fmt.Errorf("%w: %s", errMissingArgument, name)
	}

	return value, nil
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}

func newExecutionsCommand() *cli.Command {
	byID := func(name, usage string, fn func(context.Context, *services.Executions, string) (any, error)) *cli.Command {
		return &cli.Command{
			Name:      name,
			Usage:     usage,
			ArgsUsage: "<execution-id>",
			Action: func(ctx context.Context, command *cli.Command) error {
				id, err := argument(command, "execution-id")
				if err != nil {
					return err
				}

				return withExecutions(ctx, command, func(svc *services.Executions) error {
					result, err := fn(ctx, svc, id)
					if err != nil {
						return err
					}

					return printJSON(command.Root().Writer, result)
				})
			},
		}
	}

	return &cli.Command{
		Name:    "executions",
		Aliases: []string{"exec"},
		Usage:   "Start and control workflow executions",
		Commands: []*cli.Command{
			{
				Name:      "start",
				Usage:     "Start an execution of a workflow",
				ArgsUsage: "<workflow-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "debug", Usage: "Record debug output for every node"},
					&cli.StringSliceFlag{Name: "node", Usage: "Run only the given nodes (repeatable)"},
					&cli.StringFlag{Name: "source", Usage: "Execution to copy completed results from for a partial run"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					workflowID, err := argument(command, "workflow-id")
					if err != nil {
						return err
					}

					return withExecutions(ctx, command, func(svc *services.Executions) error {
						nodes := command.StringSlice("node")

						if len(nodes) == 0 {
							execution, err := svc.Start(ctx, services.StartRequest{WorkflowID: workflowID, Debug: command.Bool("debug")})
							if err != nil {
								return err
							}

							return printJSON(command.Root().Writer, execution)
						}

						execution, err := svc.StartPartial(ctx, services.PartialRequest{
							WorkflowID:        workflowID,
							NodeIDs:           nodes,
							SourceExecutionID: command.String("source"),
							Debug:             command.Bool("debug"),
						})
						if err != nil {
							return err
						}

						return printJSON(command.Root().Writer, execution)
					})
				},
			},
			byID("get", "Show an execution", func(ctx context.Context, svc *services.Executions, id string) (any, error) {
				return svc.Get(ctx, id)
			}),
			byID("stop", "Cancel an execution and its running predictions", func(ctx context.Context, svc *services.Executions, id string) (any, error) {
				return svc.Stop(ctx, id)
			}),
			byID("resume", "Resume a stopped, failed or stalled execution", func(ctx context.Context, svc *services.Executions, id string) (any, error) {
				return svc.Resume(ctx, id)
			}),
			byID("jobs", "List the queue jobs of an execution", func(ctx context.Context, svc *services.Executions, id string) (any, error) {
				return svc.ListJobs(ctx, id)
			}),
		},
	}
}

func newDLQCommand() *cli.Command {
	return &cli.Command{
		Name:  "dlq",
		Usage: "Inspect and retry dead-lettered jobs",
		Commands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List dead-lettered jobs",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum number of jobs"},
					&cli.IntFlag{Name: "offset", Usage: "Number of jobs to skip"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withExecutions(ctx, command, func(svc *services.Executions) error {
						jobs, total, err := svc.DeadLetterJobs(ctx, command.Int("limit"), command.Int("offset"))
						if err != nil {
							return err
						}

						w := tabwriter.NewWriter(command.Root().Writer, 0, 4, 2, ' ', 0)
						fmt.Fprintln(w, "JOB\tEXECUTION\tNODE\tQUEUE\tREASON")

						for _, job := range jobs {
							fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.ExecutionID, job.NodeID, job.QueueName, job.FailedReason)
						}

						fmt.Fprintf(w, "\n%d of %d jobs\n", len(jobs), total)

						return w.Flush()
					})
				},
			},
			{
				Name:      "retry",
				Usage:     "Take a job out of the dead-letter queue and dispatch it again",
				ArgsUsage: "<job-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					jobID, err := argument(command, "job-id")
					if err != nil {
						return err
					}

					return withExecutions(ctx, command, func(svc *services.Executions) error {
						job, err := svc.RetryDeadLetterJob(ctx, jobID)
						if err != nil {
							return err
						}

						_, err = fmt.Fprintf(command.Root().Writer, "Job %s re-dispatched as %s\n", jobID, job.ID)

						return err
					})
				},
			},
		},
	}
}

func newJobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "Inspect queue jobs",
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Show job counts by status",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withExecutions(ctx, command, func(svc *services.Executions) error {
						stats, err := svc.JobStats(ctx)
						if err != nil {
							return err
						}

						return printJSON(command.Root().Writer, stats)
					})
				},
			},
		},
	}
}

func newRecoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Run one recovery pass over stalled jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "execution", Usage: "Only recover the jobs of this execution"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withExecutions(ctx, command, func(svc *services.Executions) error {
				recovered, err := svc.Recover(ctx, command.String("execution"))
				if err != nil {
					return err
				}

				_, err = fmt.Fprintf(command.Root().Writer, "Recovered %d jobs\n", recovered)

				return err
			})
		},
	}
}
