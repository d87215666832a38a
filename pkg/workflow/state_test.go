package workflow_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/persistence/file"
	"github.com/dukex/genflow/pkg/registry"
	"github.com/dukex/genflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStateManager(t *testing.T) (*workflow.StateManager, persistence.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := file.NewPersistence(t.TempDir())

	return workflow.NewStateManager(logger, store.Executions(), store.Jobs(), registry.NewDefaultRegistry(logger)), store
}

func createExecution(t *testing.T, store persistence.Persistence, status models.ExecutionStatus, pending []models.PendingNode, results ...models.NodeResult) string {
	t.Helper()

	now := time.Now().UTC()
	execution := &models.Execution{
		ID:           models.NewExecutionID(),
		WorkflowID:   "wf-1",
		Status:       status,
		PendingNodes: pending,
		NodeResults:  results,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	require.NoError(t, store.Executions().Create(context.Background(), execution))

	return execution.ID
}

func getExecution(t *testing.T, store persistence.Persistence, id string) *models.Execution {
	t.Helper()

	execution, err := store.Executions().GetByID(context.Background(), id)
	require.NoError(t, err)

	return execution
}

func TestGetReadyNodes(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)
	ctx := context.Background()

	id := createExecution(t, store, models.ExecutionStatusRunning,
		[]models.PendingNode{
			{NodeID: "b", NodeType: "imageGen", DependsOn: []string{"a"}},
			{NodeID: "c", NodeType: "upscale", DependsOn: []string{"b"}},
			{NodeID: "d", NodeType: "llm"},
			{NodeID: "e", NodeType: "videoGen", DependsOn: []string{"a", "x"}},
			// Dispatched but not yet dropped from the frontier.
			{NodeID: "f", NodeType: "llm", DependsOn: []string{"a"}},
		},
		models.NodeResult{NodeID: "a", Status: models.NodeStatusComplete},
		models.NodeResult{NodeID: "x", Status: models.NodeStatusProcessing},
		models.NodeResult{NodeID: "f", Status: models.NodeStatusPending},
	)

	ready, err := sm.GetReadyNodes(ctx, id)
	require.NoError(t, err)

	var ids []string
	for _, node := range ready {
		ids = append(ids, node.NodeID)
	}

	assert.Equal(t, []string{"b", "d"}, ids)

	_, err = sm.GetReadyNodes(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestCheckExecutionCompletion_DependencyFailed(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)

	id := createExecution(t, store, models.ExecutionStatusRunning,
		[]models.PendingNode{{NodeID: "b", NodeType: "imageGen", DependsOn: []string{"a"}}},
		models.NodeResult{NodeID: "a", Status: models.NodeStatusError, Error: "provider exploded"},
	)

	done, err := sm.CheckExecutionCompletion(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, done)

	execution := getExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Empty(t, execution.PendingNodes)
	assert.Contains(t, execution.ErrorMessage, "provider exploded")

	result, ok := execution.Result("b")
	require.True(t, ok)
	assert.Equal(t, models.NodeStatusError, result.Status)
	assert.Equal(t, workflow.SkippedDependencyFailed, result.Error)
}

func TestCheckExecutionCompletion_BlockingCascades(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)

	id := createExecution(t, store, models.ExecutionStatusRunning,
		[]models.PendingNode{
			{NodeID: "b", NodeType: "imageGen", DependsOn: []string{"a"}},
			{NodeID: "c", NodeType: "upscale", DependsOn: []string{"b"}},
		},
		models.NodeResult{NodeID: "a", Status: models.NodeStatusError, Error: "boom"},
	)

	done, err := sm.CheckExecutionCompletion(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, done)

	execution := getExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Empty(t, execution.PendingNodes)
	require.Len(t, execution.NodeResults, 3)

	for _, nodeID := range []string{"b", "c"} {
		result, ok := execution.Result(nodeID)
		require.True(t, ok)
		assert.Equal(t, models.NodeStatusError, result.Status)
		assert.Equal(t, workflow.SkippedDependencyFailed, result.Error)
	}
}

func TestCheckExecutionCompletion_Completed(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)

	id := createExecution(t, store, models.ExecutionStatusRunning, nil,
		models.NodeResult{NodeID: "a", Status: models.NodeStatusComplete},
		models.NodeResult{NodeID: "b", Status: models.NodeStatusComplete},
	)

	done, err := sm.CheckExecutionCompletion(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, done)

	execution := getExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.NotNil(t, execution.CompletedAt)
}

func TestCheckExecutionCompletion_NotFinished(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pending []models.PendingNode
		results []models.NodeResult
	}{
		{
			name:    "node in flight",
			results: []models.NodeResult{{NodeID: "a", Status: models.NodeStatusProcessing}},
		},
		{
			name:    "node queued",
			results: []models.NodeResult{{NodeID: "a", Status: models.NodeStatusPending}},
		},
		{
			name:    "ready node pending",
			pending: []models.PendingNode{{NodeID: "b", NodeType: "imageGen", DependsOn: []string{"a"}}},
			results: []models.NodeResult{{NodeID: "a", Status: models.NodeStatusComplete}},
		},
		{
			name:    "waiting on in-flight dependency",
			pending: []models.PendingNode{{NodeID: "b", NodeType: "imageGen", DependsOn: []string{"a"}}},
			results: []models.NodeResult{{NodeID: "a", Status: models.NodeStatusProcessing}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sm, store := setupStateManager(t)
			id := createExecution(t, store, models.ExecutionStatusRunning, tt.pending, tt.results...)

			done, err := sm.CheckExecutionCompletion(context.Background(), id)
			require.NoError(t, err)
			assert.False(t, done)
			assert.Equal(t, models.ExecutionStatusRunning, getExecution(t, store, id).Status)
		})
	}
}

func TestCheckExecutionCompletion_UnavailableDependency(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)

	id := createExecution(t, store, models.ExecutionStatusRunning,
		[]models.PendingNode{{NodeID: "b", NodeType: "imageGen", DependsOn: []string{"ghost"}}},
	)

	done, err := sm.CheckExecutionCompletion(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, done)

	execution := getExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)

	result, ok := execution.Result("b")
	require.True(t, ok)
	assert.Equal(t, workflow.SkippedDependencyUnavailable, result.Error)
}

func TestCheckExecutionCompletion_StuckCycle(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)

	id := createExecution(t, store, models.ExecutionStatusRunning,
		[]models.PendingNode{
			{NodeID: "a", NodeType: "llm", DependsOn: []string{"b"}},
			{NodeID: "b", NodeType: "llm", DependsOn: []string{"a"}},
		},
	)

	done, err := sm.CheckExecutionCompletion(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, models.ExecutionStatusFailed, getExecution(t, store, id).Status)
}

func TestCheckExecutionCompletion_TerminalShortCircuits(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)

	id := createExecution(t, store, models.ExecutionStatusCancelled,
		[]models.PendingNode{{NodeID: "b", NodeType: "imageGen", DependsOn: []string{"a"}}},
		models.NodeResult{NodeID: "a", Status: models.NodeStatusError},
	)

	done, err := sm.CheckExecutionCompletion(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, done)

	execution := getExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.Len(t, execution.PendingNodes, 1, "terminal executions are not mutated")
}

func TestNodeResultTransitions(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)
	ctx := context.Background()

	id := createExecution(t, store, models.ExecutionStatusRunning, nil)

	require.NoError(t, sm.MarkNodeQueued(ctx, id, "a"))
	require.NoError(t, sm.MarkNodeProcessing(ctx, id, "a", "pred-1"))

	existing, err := sm.FindExistingJob(ctx, id, "a")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "pred-1", existing.PredictionID)

	require.NoError(t, sm.CompleteNode(ctx, id, "a", map[string]any{"output": "https://cdn/a.png"}, 0.04))

	execution := getExecution(t, store, id)
	require.Len(t, execution.NodeResults, 1)

	result := execution.NodeResults[0]
	assert.Equal(t, models.NodeStatusComplete, result.Status)
	assert.NotNil(t, result.StartedAt)
	assert.NotNil(t, result.CompletedAt)
	assert.InDelta(t, 0.04, execution.Cost.Actual, 1e-9)

	existing, err = sm.FindExistingJob(ctx, id, "a")
	require.NoError(t, err)
	assert.Nil(t, existing)

	require.NoError(t, sm.FailNode(ctx, id, "b", "bad input"))

	result, ok := getExecution(t, store, id).Result("b")
	require.True(t, ok)
	assert.Equal(t, "bad input", result.Error)
}

func TestNodeWritesRejectedAfterTermination(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)
	ctx := context.Background()

	id := createExecution(t, store, models.ExecutionStatusCancelled, nil,
		models.NodeResult{NodeID: "a", Status: models.NodeStatusProcessing},
	)

	err := sm.CompleteNode(ctx, id, "a", map[string]any{"output": "late"}, 0.1)
	require.ErrorIs(t, err, workflow.ErrExecutionTerminal)

	execution := getExecution(t, store, id)
	assert.Equal(t, models.NodeStatusProcessing, execution.NodeResults[0].Status)
	assert.Zero(t, execution.Cost.Actual)
}

func TestFindExistingJob_FromJobLineage(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)
	ctx := context.Background()

	id := createExecution(t, store, models.ExecutionStatusRunning, nil)
	now := time.Now().UTC()

	jobs := []*models.QueueJob{
		{ID: "job-1", ExecutionID: id, NodeID: "a", Status: models.JobStatusFailed, PredictionID: "pred-old", CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "job-2", ExecutionID: id, NodeID: "a", Status: models.JobStatusRecovered, PredictionID: "pred-live", CreatedAt: now.Add(-time.Minute)},
		{ID: "job-3", ExecutionID: id, NodeID: "a", Status: models.JobStatusActive, CreatedAt: now},
	}

	for _, job := range jobs {
		require.NoError(t, store.Jobs().Create(ctx, job))
	}

	existing, err := sm.FindExistingJob(ctx, id, "a")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "job-2", existing.JobID)
	assert.Equal(t, "pred-live", existing.PredictionID)

	existing, err = sm.FindExistingJob(ctx, id, "b")
	require.NoError(t, err)
	assert.Nil(t, existing)
}

func TestCheckExecutionCompletion_DispatchedEntryIsNotStuck(t *testing.T) {
	t.Parallel()

	sm, store := setupStateManager(t)
	ctx := context.Background()

	// The node finished before the dispatcher removed it from the frontier.
	id := createExecution(t, store, models.ExecutionStatusRunning,
		[]models.PendingNode{{NodeID: "a", NodeType: "llm"}},
		models.NodeResult{NodeID: "a", Status: models.NodeStatusComplete, Output: map[string]any{"output": "hi"}},
	)

	ready, err := sm.GetReadyNodes(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, ready)

	done, err := sm.CheckExecutionCompletion(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)

	execution := getExecution(t, store, id)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	result, _ := execution.Result("a")
	assert.Equal(t, models.NodeStatusComplete, result.Status)
}
