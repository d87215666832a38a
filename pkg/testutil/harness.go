package testutil

import (
	"log/slog"
	"os"
	"testing"

	"github.com/dukex/genflow/pkg/dispatcher"
	"github.com/dukex/genflow/pkg/mocks"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/persistence/file"
	"github.com/dukex/genflow/pkg/queue"
	"github.com/dukex/genflow/pkg/queue/memory"
	"github.com/dukex/genflow/pkg/registry"
	"github.com/dukex/genflow/pkg/workflow"
	"github.com/stretchr/testify/require"
)

// Harness wires the orchestrator on a temporary file store and the in-memory broker.
type Harness struct {
	Logger     *slog.Logger
	Store      persistence.Persistence
	Broker     *memory.Broker
	Queues     *queue.Registry
	Nodes      *registry.Registry
	State      *workflow.StateManager
	Dispatcher *dispatcher.QueueManager
	Events     *mocks.RecordingPublisher
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := file.NewPersistence(t.TempDir())
	broker := memory.NewBroker()

	t.Cleanup(func() { _ = broker.Close() })

	queues, err := queue.NewDefaultRegistry()
	require.NoError(t, err)

	nodes := registry.NewDefaultRegistry(logger)
	state := workflow.NewStateManager(logger, store.Executions(), store.Jobs(), nodes)
	publisher := &mocks.RecordingPublisher{}

	return &Harness{
		Logger:     logger,
		Store:      store,
		Broker:     broker,
		Queues:     queues,
		Nodes:      nodes,
		State:      state,
		Dispatcher: dispatcher.NewQueueManager(logger, store, broker, queues, nodes, state, publisher),
		Events:     publisher,
	}
}
