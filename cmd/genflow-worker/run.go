package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/genflow/pkg/artifacts"
	"github.com/dukex/genflow/pkg/cmd"
	"github.com/dukex/genflow/pkg/media"
	"github.com/dukex/genflow/pkg/otelhelper"
	"github.com/dukex/genflow/pkg/provider/httpprovider"
	"github.com/dukex/genflow/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

func run(ctx context.Context, logger *slog.Logger, opts cmd.Options, recovery, tracing bool) error {
	if tracing {
		tp, err := otelhelper.NewTracerProvider(ctx, opts.ServiceName)
		if err != nil {
			return err
		}

		defer func() {
			err := tp.Shutdown(context.Background())
			if err != nil {
				logger.Error("Failed to shut down tracer provider", "error", err)
			}
		}()
	}

	runtime, err := cmd.NewRuntime(ctx, logger, opts)
	if err != nil {
		return err
	}

	defer func() {
		err := runtime.Close(context.Background())
		if err != nil {
			logger.Error("Failed to close runtime", "error", err)
		}
	}()

	w, err := newWorker(logger, runtime)
	if err != nil {
		return err
	}

	if recovery {
		err = runtime.Recovery.Start(ctx)
		if err != nil {
			return err
		}

		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			err := runtime.Recovery.Stop(stopCtx)
			if err != nil {
				logger.Error("Failed to stop recovery service", "error", err)
			}
		}()
	}

	logger.InfoContext(ctx, "Worker started", "worker_id", w.ID())

	return w.Run(ctx)
}

func newWorker(logger *slog.Logger, runtime *cmd.Runtime) (*worker.Worker, error) {
	cfg := runtime.Config
	client := httpprovider.NewClient(logger, cfg.Provider)

	var persister worker.ArtifactPersister

	if cfg.Artifacts.Dir != "" {
		store := artifacts.NewFileStore(cfg.Artifacts.Dir, cfg.Artifacts.BaseURL)
		persister = artifacts.NewPersister(logger, store, cfg.Artifacts.Timeout)
	}

	prediction := worker.NewPredictionExecutor(
		logger,
		client,
		runtime.State,
		runtime.Store.Jobs(),
		runtime.Dispatcher,
		persister,
		cfg.Poll,
	)

	processing := worker.NewProcessingExecutor(
		logger,
		media.NewPredictionProcessor(logger, client, cfg.Poll, cfg.Models),
		runtime.State,
		runtime.Store.Jobs(),
		runtime.Dispatcher,
		persister,
	)

	return worker.NewWorker(
		logger,
		cfg.Worker,
		runtime.Store,
		runtime.Broker,
		runtime.Queues,
		runtime.Nodes,
		runtime.State,
		runtime.Dispatcher,
		runtime.EventBus,
		worker.Executors(prediction, processing),
	)
}
