// Package testutil provides test data builders and a wired in-process orchestrator for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// SunsetGraph is prompt -> imageGen -> upscale -> imageToVideo, with the prompt also feeding the video.
func SunsetGraph() models.Graph {
	return models.Graph{
		Nodes: []models.Node{
			{ID: "p", Type: "prompt", Data: map[string]any{"text": "a sunset"}},
			{ID: "img", Type: "imageGen", Data: map[string]any{"aspectRatio": "16:9"}},
			{ID: "up", Type: "upscale", Data: map[string]any{"scale": 2}},
			{ID: "vid", Type: "imageToVideo", Data: map[string]any{}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "p", Target: "img"},
			{ID: "e2", Source: "img", Target: "up", TargetHandle: "image"},
			{ID: "e3", Source: "up", Target: "vid", TargetHandle: "image"},
			{ID: "e4", Source: "p", Target: "vid", TargetHandle: "prompt"},
		},
	}
}

// CreateTestWorkflow builds a workflow around graph.
func CreateTestWorkflow(graph models.Graph, overrides ...func(*models.Workflow)) *models.Workflow {
	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:        uuid.New().String(),
		Name:      "Test Workflow",
		Graph:     graph,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// CreateTestExecution builds a pending execution of workflowID.
func CreateTestExecution(workflowID string, overrides ...func(*models.Execution)) *models.Execution {
	now := time.Now().UTC()
	execution := &models.Execution{
		ID:           models.NewExecutionID(),
		WorkflowID:   workflowID,
		Status:       models.ExecutionStatusPending,
		NodeResults:  []models.NodeResult{},
		PendingNodes: []models.PendingNode{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for _, override := range overrides {
		override(execution)
	}

	return execution
}

func WithStatus(status models.ExecutionStatus) func(*models.Execution) {
	return func(e *models.Execution) {
		e.Status = status
	}
}

func WithPending(nodes ...models.PendingNode) func(*models.Execution) {
	return func(e *models.Execution) {
		e.PendingNodes = nodes
	}
}

func WithResults(results ...models.NodeResult) func(*models.Execution) {
	return func(e *models.Execution) {
		e.NodeResults = results
	}
}

func WithDebug() func(*models.Execution) {
	return func(e *models.Execution) {
		e.Debug = true
	}
}

// CreateTestJob builds a pending node job of executionID.
func CreateTestJob(executionID, nodeID string, overrides ...func(*models.QueueJob)) *models.QueueJob {
	now := time.Now().UTC()
	id := uuid.New().String()
	job := &models.QueueJob{
		ID:          id,
		QueueJobID:  id,
		QueueName:   "image",
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      models.JobStatusPending,
		Priority:    3,
		Payload: models.JobPayload{
			ExecutionID: executionID,
			WorkflowID:  "wf-1",
			NodeID:      nodeID,
			NodeType:    "imageGen",
			Kind:        models.JobKindPrediction,
			Timestamp:   now,
		},
		Logs:      []models.JobLog{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(job)
	}

	return job
}

// Stale backdates the job so it looks stalled for longer than age.
func Stale(age time.Duration) func(*models.QueueJob) {
	return func(j *models.QueueJob) {
		at := time.Now().UTC().Add(-age)
		j.CreatedAt = at
		j.UpdatedAt = at
	}
}

// SeedWorkflow stores a workflow with graph and an execution whose frontier covers every
// dispatchable node.
func SeedWorkflow(t *testing.T, h *Harness, graph models.Graph) (*models.Workflow, *models.Execution) {
	t.Helper()

	ctx := context.Background()
	workflow := CreateTestWorkflow(graph)
	require.NoError(t, h.Store.Workflows().Save(ctx, workflow))

	pending, err := h.State.BuildPendingNodes(graph, nil)
	require.NoError(t, err)

	execution := CreateTestExecution(workflow.ID, WithPending(pending...))
	require.NoError(t, h.Store.Executions().Create(ctx, execution))

	return workflow, execution
}

// GetExecution reloads an execution.
func GetExecution(t *testing.T, store persistence.Persistence, id string) *models.Execution {
	t.Helper()

	execution, err := store.Executions().GetByID(context.Background(), id)
	require.NoError(t, err)

	return execution
}
