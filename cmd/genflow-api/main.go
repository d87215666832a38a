package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dukex/genflow/pkg/cmd"
	"github.com/dukex/genflow/pkg/log"
	"github.com/dukex/genflow/pkg/provider"
	"github.com/dukex/genflow/pkg/provider/httpprovider"
	"github.com/dukex/genflow/pkg/web"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "genflow-api",
		Usage:                 "Start, observe and control workflow executions",
		EnableShellCompletion: true,
		Flags: append(cmd.CommonFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "provider-token",
				Usage:   "Prediction API token, used to cancel predictions of stopped executions",
				Sources: cli.EnvVars("REPLICATE_API_TOKEN"),
			},
		),
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := cmd.OptionsFromCommand(command, "genflow-api")
	if err != nil {
		return err
	}

	logger := log.WithModule("api")
	logger.InfoContext(ctx, "Initializing Genflow API")

	runtime, err := cmd.NewRuntime(ctx, logger, opts)
	if err != nil {
		return err
	}

	defer func() {
		err := runtime.Close(context.Background())
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
		}
	}()

	var client provider.Client

	if token := command.String("provider-token"); token != "" {
		providerConfig := opts.Config.Provider
		providerConfig.Token = token
		client = httpprovider.NewClient(logger, providerConfig)
	}

	hub := web.NewHub(logger)

	err = hub.Register(runtime.EventBus)
	if err != nil {
		return err
	}

	err = runtime.EventBus.Subscribe(ctx)
	if err != nil {
		return err
	}

	api := NewAPI(logger, runtime.Executions(client), runtime.Nodes, hub)
	app := api.App()

	go func() {
		<-ctx.Done()

		err := app.Shutdown()
		if err != nil {
			logger.Error("Failed to shut down API", "error", err)
		}
	}()

	return app.Listen(":" + strconv.Itoa(command.Int("port")))
}
