package file_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecution(id string) *models.Execution {
	now := time.Now().UTC()

	return &models.Execution{
		ID:         id,
		WorkflowID: "wf-1",
		Status:     models.ExecutionStatusPending,
		PendingNodes: []models.PendingNode{
			{NodeID: "a", NodeType: "llm"},
			{NodeID: "b", NodeType: "imageGen", DependsOn: []string{"a"}},
		},
		Cost:      models.CostSummary{Estimated: 0.042},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newJob(id, executionID, nodeID string, updatedAt time.Time) *models.QueueJob {
	return &models.QueueJob{
		ID:          id,
		QueueJobID:  id,
		QueueName:   "image",
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      models.JobStatusPending,
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	}
}

func TestPersistence_HealthCheck(t *testing.T) {
	t.Parallel()

	p := file.NewPersistence("file://" + t.TempDir())
	require.NoError(t, p.HealthCheck(context.Background()))

	missing := file.NewPersistence(t.TempDir() + "/missing")
	assert.Error(t, missing.HealthCheck(context.Background()))
}

func TestExecutionRepository_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Executions()

	require.NoError(t, repo.Create(ctx, newExecution("exec-1")))
	require.Error(t, repo.Create(ctx, newExecution("exec-1")))

	execution, err := repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", execution.WorkflowID)
	assert.Len(t, execution.PendingNodes, 2)
	assert.NotNil(t, execution.NodeResults)

	_, err = repo.GetByID(ctx, "missing")
	require.Error(t, err)
	assert.True(t, persistence.IsExecutionNotFound(err))

	_, err = repo.GetByID(ctx, "../escape")
	assert.Error(t, err)
}

func TestExecutionRepository_UpsertNodeResultIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Executions()
	require.NoError(t, repo.Create(ctx, newExecution("exec-1")))

	for _, status := range []models.NodeStatus{models.NodeStatusPending, models.NodeStatusProcessing, models.NodeStatusComplete} {
		require.NoError(t, repo.UpsertNodeResult(ctx, "exec-1", models.NodeResult{NodeID: "a", Status: status}))
	}

	require.NoError(t, repo.UpsertNodeResult(ctx, "exec-1", models.NodeResult{NodeID: "b", Status: models.NodeStatusPending}))

	execution, err := repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, execution.NodeResults, 2)
	assert.Equal(t, "a", execution.NodeResults[0].NodeID)
	assert.Equal(t, models.NodeStatusComplete, execution.NodeResults[0].Status)

	err = repo.UpsertNodeResult(ctx, "missing", models.NodeResult{NodeID: "a"})
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecutionRepository_ConcurrentUpserts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Executions()
	require.NoError(t, repo.Create(ctx, newExecution("exec-1")))

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			nodeID := fmt.Sprintf("n%d", i%5)
			assert.NoError(t, repo.UpsertNodeResult(ctx, "exec-1", models.NodeResult{NodeID: nodeID, Status: models.NodeStatusComplete}))
		}()
	}

	wg.Wait()

	execution, err := repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, execution.NodeResults, 5)
}

func TestExecutionRepository_PendingNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Executions()
	require.NoError(t, repo.Create(ctx, newExecution("exec-1")))

	require.NoError(t, repo.RemovePendingNodes(ctx, "exec-1", "a"))
	require.NoError(t, repo.AddPendingNodes(ctx, "exec-1",
		models.PendingNode{NodeID: "b", NodeType: "imageGen"},
		models.PendingNode{NodeID: "c", NodeType: "upscale", DependsOn: []string{"b"}},
	))

	execution, err := repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, execution.PendingNodes, 2)
	assert.Equal(t, "b", execution.PendingNodes[0].NodeID)
	assert.Empty(t, execution.PendingNodes[0].DependsOn)
	assert.Equal(t, "c", execution.PendingNodes[1].NodeID)

	require.NoError(t, repo.UpsertNodeResult(ctx, "exec-1", models.NodeResult{NodeID: "a", Status: models.NodeStatusError}))
	require.NoError(t, repo.RemoveNodeResults(ctx, "exec-1", "a"))

	execution, err = repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, execution.NodeResults)
}

func TestExecutionRepository_TransitionStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Executions()
	require.NoError(t, repo.Create(ctx, newExecution("exec-1")))

	active := []models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning}

	changed, err := repo.TransitionStatus(ctx, "exec-1", []models.ExecutionStatus{models.ExecutionStatusPending}, models.ExecutionStatusRunning, "")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.TransitionStatus(ctx, "exec-1", active, models.ExecutionStatusFailed, "node b failed")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.TransitionStatus(ctx, "exec-1", active, models.ExecutionStatusCompleted, "")
	require.NoError(t, err)
	assert.False(t, changed, "terminal status must not be overwritten")

	execution, err := repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, "node b failed", execution.ErrorMessage)
	assert.NotNil(t, execution.StartedAt)
	assert.NotNil(t, execution.CompletedAt)

	changed, err = repo.TransitionStatus(ctx, "exec-1", []models.ExecutionStatus{models.ExecutionStatusFailed}, models.ExecutionStatusRunning, "")
	require.NoError(t, err)
	assert.True(t, changed)

	execution, err = repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, execution.ResumeCount)
	assert.Nil(t, execution.CompletedAt)
	assert.Empty(t, execution.ErrorMessage)
}

func TestExecutionRepository_CostAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Executions()

	older := newExecution("exec-old")
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Create(ctx, newExecution("exec-new")))

	other := newExecution("exec-other")
	other.WorkflowID = "wf-2"
	require.NoError(t, repo.Create(ctx, other))

	require.NoError(t, repo.AddActualCost(ctx, "exec-new", 0.04))
	require.NoError(t, repo.AddActualCost(ctx, "exec-new", 0.01))

	execution, err := repo.GetByID(ctx, "exec-new")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, execution.Cost.Actual, 1e-9)
	assert.InDelta(t, 0.008, execution.Cost.Variance, 1e-9)

	executions, err := repo.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, executions, 2)
	assert.Equal(t, "exec-new", executions[0].ID)
}

func TestJobRepository_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Jobs()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newJob("job-1", "exec-1", "a", now)))

	require.NoError(t, repo.UpdateStatus(ctx, "job-1", models.JobStatusActive, models.JobUpdate{AttemptsMade: 1}))
	require.NoError(t, repo.SetPredictionID(ctx, "job-1", "pred-1"))
	require.NoError(t, repo.Heartbeat(ctx, "job-1", now))
	require.NoError(t, repo.AppendLog(ctx, "job-1", models.NewJobLog(models.LogLevelInfo, "polling")))
	require.NoError(t, repo.UpdateStatus(ctx, "job-1", models.JobStatusCompleted, models.JobUpdate{Result: map[string]any{"url": "https://cdn/x.png"}}))

	job, err := repo.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.ProcessedAt)
	assert.NotNil(t, job.FinishedAt)
	assert.NotNil(t, job.LastHeartbeat)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Len(t, job.Logs, 1)
	assert.Equal(t, "https://cdn/x.png", job.Result["url"])

	byPrediction, err := repo.GetByPredictionID(ctx, "pred-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", byPrediction.ID)

	_, err = repo.GetByPredictionID(ctx, "pred-missing")
	assert.True(t, persistence.IsJobNotFound(err))

	err = repo.UpdateStatus(ctx, "missing", models.JobStatusActive, models.JobUpdate{})
	assert.True(t, persistence.IsJobNotFound(err))
}

func TestJobRepository_FindLatestForNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Jobs()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newJob("job-1", "exec-1", "a", now.Add(-time.Minute))))
	require.NoError(t, repo.Create(ctx, newJob("job-2", "exec-1", "a", now)))
	require.NoError(t, repo.Create(ctx, newJob("job-3", "exec-1", "b", now)))

	job, err := repo.FindLatestForNode(ctx, "exec-1", "a")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-2", job.ID)

	job, err = repo.FindLatestForNode(ctx, "exec-1", "z")
	require.NoError(t, err)
	assert.Nil(t, job)

	jobs, err := repo.ListByExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	assert.Equal(t, "job-1", jobs[0].ID)
}

func TestJobRepository_FindStalled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Jobs()
	now := time.Now().UTC()
	old := now.Add(-time.Hour)

	require.NoError(t, repo.Create(ctx, newJob("stalled", "exec-1", "a", old)))
	require.NoError(t, repo.Create(ctx, newJob("fresh", "exec-1", "b", now)))

	exhausted := newJob("exhausted", "exec-2", "c", old)
	exhausted.RecoveryCount = 3
	require.NoError(t, repo.Create(ctx, exhausted))

	cutoff := now.Add(-5 * time.Minute)

	jobs, err := repo.FindStalled(ctx, models.StalledJobQuery{Before: cutoff, MaxRecoveries: 3})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "stalled", jobs[0].ID)

	jobs, err = repo.FindStalled(ctx, models.StalledJobQuery{Before: cutoff, MaxRecoveries: 3, Exhausted: true})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "exhausted", jobs[0].ID)

	jobs, err = repo.FindStalled(ctx, models.StalledJobQuery{ExecutionID: "exec-1", MaxRecoveries: 3})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestJobRepository_DeadLetterQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Jobs()
	now := time.Now().UTC()

	job := newJob("job-1", "exec-1", "a", now)
	job.RecoveryCount = 3
	require.NoError(t, repo.Create(ctx, job))
	require.NoError(t, repo.Create(ctx, newJob("job-2", "exec-1", "b", now)))

	err := repo.ResetForRetry(ctx, "job-1", models.NewJobLog(models.LogLevelInfo, "retry"))
	require.ErrorIs(t, err, persistence.ErrJobNotInDLQ)
	assert.True(t, persistence.IsJobNotFound(err))

	require.NoError(t, repo.MoveToDLQ(ctx, "job-1", "recovery attempts exhausted"))

	moved, err := repo.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, moved.MovedToDLQ)
	assert.Equal(t, models.JobStatusFailed, moved.Status)
	assert.Equal(t, "recovery attempts exhausted", moved.FailedReason)

	err = repo.UpdateStatus(ctx, "job-1", models.JobStatusCompleted, models.JobUpdate{})
	require.ErrorIs(t, err, persistence.ErrJobDeadLettered)

	err = repo.MarkRecovered(ctx, "job-1", models.NewJobLog(models.LogLevelWarn, "recovered"))
	require.ErrorIs(t, err, persistence.ErrJobDeadLettered)

	moved, err = repo.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, moved.MovedToDLQ)
	assert.Equal(t, models.JobStatusFailed, moved.Status)

	dlq, total, err := repo.ListDLQ(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, dlq, 1)

	dlq, total, err = repo.ListDLQ(ctx, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Empty(t, dlq)

	require.NoError(t, repo.ResetForRetry(ctx, "job-1", models.NewJobLog(models.LogLevelInfo, "retry")))

	reset, err := repo.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, reset.MovedToDLQ)
	assert.Equal(t, 0, reset.RecoveryCount)
	assert.Equal(t, models.JobStatusPending, reset.Status)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[models.JobStatusPending])
	assert.Equal(t, 2, stats.ByQueue["image"])
	assert.Equal(t, 0, stats.DLQ)
}

func TestJobRepository_RecoveredAndAbandoned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Jobs()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newJob("job-1", "exec-1", "a", now)))
	require.NoError(t, repo.Create(ctx, newJob("job-2", "exec-1", "b", now)))
	require.NoError(t, repo.Create(ctx, newJob("job-3", "exec-1", "c", now)))

	require.NoError(t, repo.MarkRecovered(ctx, "job-1", models.NewJobLog(models.LogLevelWarn, "recovered")))

	count, err := repo.MarkAbandoned(ctx, []string{"job-2", "job-3"}, "abandoned: execution exec-1 is completed")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	recovered, err := repo.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRecovered, recovered.Status)
	require.Len(t, recovered.Logs, 1)
	assert.Equal(t, models.LogLevelWarn, recovered.Logs[0].Level)

	abandoned, err := repo.GetByID(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, abandoned.Status)
	assert.Contains(t, abandoned.FailedReason, "abandoned")
	assert.False(t, abandoned.MovedToDLQ)
}

func TestWorkflowRepository(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).Workflows()

	_, err := repo.GetByID(ctx, "wf-1")
	assert.True(t, persistence.IsWorkflowNotFound(err))

	workflow := &models.Workflow{
		ID:   "wf-1",
		Name: "Sunset",
		Graph: models.Graph{
			Nodes: []models.Node{{ID: "a", Type: "prompt", Data: map[string]any{"text": "a sunset"}}},
		},
	}
	require.NoError(t, repo.Save(ctx, workflow))

	loaded, err := repo.GetByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Sunset", loaded.Name)
	assert.Equal(t, "a sunset", loaded.Graph.Nodes[0].Data["text"])
	assert.False(t, loaded.CreatedAt.IsZero())
}
