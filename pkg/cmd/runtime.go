package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/genflow/pkg/config"
	"github.com/dukex/genflow/pkg/dispatcher"
	"github.com/dukex/genflow/pkg/eventbus"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/provider"
	"github.com/dukex/genflow/pkg/queue"
	"github.com/dukex/genflow/pkg/recovery"
	"github.com/dukex/genflow/pkg/registry"
	"github.com/dukex/genflow/pkg/services"
	"github.com/dukex/genflow/pkg/workflow"
)

type Options struct {
	ServiceName  string
	DatabaseURL  string
	QueueURL     string
	EventBus     string
	KafkaBrokers string
	Config       config.Config
}

// Runtime is the orchestrator core shared by the API, the worker and the operator CLI.
type Runtime struct {
	Logger     *slog.Logger
	Config     config.Config
	Store      persistence.Persistence
	Broker     queue.Broker
	EventBus   eventbus.EventBus
	Queues     *queue.Registry
	Nodes      *registry.Registry
	State      *workflow.StateManager
	Dispatcher *dispatcher.QueueManager
	Recovery   *recovery.Service
}

func NewRuntime(ctx context.Context, logger *slog.Logger, opts Options) (*Runtime, error) {
	queues, err := opts.Config.QueueRegistry()
	if err != nil {
		return nil, err
	}

	nodes, err := NewRegistry(logger, opts.Config.Models)
	if err != nil {
		return nil, err
	}

	runtime := &Runtime{Logger: logger, Config: opts.Config, Queues: queues, Nodes: nodes}

	runtime.Store, err = NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	runtime.Broker, err = NewBroker(ctx, logger, opts.QueueURL)
	if err != nil {
		return nil, errors.Join(err, runtime.Close(ctx))
	}

	runtime.EventBus, err = NewEventBus(logger, opts.EventBus, opts.KafkaBrokers, opts.ServiceName)
	if err != nil {
		return nil, errors.Join(err, runtime.Close(ctx))
	}

	runtime.State = workflow.NewStateManager(logger, runtime.Store.Executions(), runtime.Store.Jobs(), nodes)
	runtime.Dispatcher = dispatcher.NewQueueManager(logger, runtime.Store, runtime.Broker, queues, nodes, runtime.State, runtime.EventBus)
	runtime.Recovery = recovery.NewService(logger, opts.Config.Recovery, runtime.Store, runtime.State, runtime.Broker, runtime.Dispatcher, runtime.EventBus)

	return runtime, nil
}

// Executions returns the execution service. client may be nil.
func (r *Runtime) Executions(client provider.Client) *services.Executions {
	return services.NewExecutions(r.Logger, r.Store, r.Nodes, r.State, r.Dispatcher, r.Recovery, client)
}

// Close releases the backends in reverse order of creation.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	if r.EventBus != nil {
		errs = append(errs, r.EventBus.Close())
	}

	if r.Broker != nil {
		errs = append(errs, r.Broker.Close())
	}

	if r.Store != nil {
		errs = append(errs, r.Store.Close(ctx))
	}

	return errors.Join(errs...)
}
