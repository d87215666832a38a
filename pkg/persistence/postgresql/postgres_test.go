package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{"queue_jobs", "execution_pending_nodes", "execution_node_results", "executions", "workflows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("genflow_test"),
			postgres.WithUsername("genflow"),
			postgres.WithPassword("genflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	persistence, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = persistence.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return persistence, ctx, databaseURL
}

func newExecution() *models.Execution {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.Execution{
		ID:         models.NewExecutionID(),
		WorkflowID: "wf-1",
		Status:     models.ExecutionStatusPending,
		PendingNodes: []models.PendingNode{
			{NodeID: "a", NodeType: "llm", NodeData: map[string]any{"prompt": "hi"}},
			{NodeID: "b", NodeType: "imageGen", DependsOn: []string{"a"}},
		},
		Cost:      models.CostSummary{Estimated: 0.042},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newJob(executionID, nodeID string, updatedAt time.Time) *models.QueueJob {
	id := uuid.NewString()

	return &models.QueueJob{
		ID:          id,
		QueueJobID:  id,
		QueueName:   "image",
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      models.JobStatusPending,
		Priority:    3,
		Payload: models.JobPayload{
			ExecutionID: executionID,
			NodeID:      nodeID,
			NodeType:    "imageGen",
			Kind:        models.JobKindPrediction,
		},
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"workflows", "executions", "execution_node_results", "execution_pending_nodes", "queue_jobs"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestWorkflowRepository_SaveAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	workflow := &models.Workflow{
		Name: "Sunset",
		Graph: models.Graph{
			Nodes: []models.Node{
				{ID: "p", Type: "prompt", Data: map[string]any{"text": "a sunset"}},
				{ID: "i", Type: "imageGen"},
			},
			Edges: []models.Edge{{ID: "e1", Source: "p", Target: "i", TargetHandle: "prompt"}},
		},
	}

	require.NoError(t, p.Workflows().Save(ctx, workflow))
	assert.NotEmpty(t, workflow.ID)

	loaded, err := p.Workflows().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sunset", loaded.Name)
	assert.Len(t, loaded.Graph.Nodes, 2)
	assert.Equal(t, "prompt", loaded.Graph.Edges[0].TargetHandle)

	_, err = p.Workflows().GetByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestExecutionRepository_CreateAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Executions()

	execution := newExecution()
	require.NoError(t, repo.Create(ctx, execution))

	loaded, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, loaded.Status)
	require.Len(t, loaded.PendingNodes, 2)
	assert.Equal(t, "a", loaded.PendingNodes[0].NodeID)
	assert.Equal(t, "hi", loaded.PendingNodes[0].NodeData["prompt"])
	assert.Equal(t, []string{"a"}, loaded.PendingNodes[1].DependsOn)
	assert.Empty(t, loaded.NodeResults)
	assert.InDelta(t, 0.042, loaded.Cost.Estimated, 1e-9)

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecutionRepository_NodeResults(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Executions()

	execution := newExecution()
	require.NoError(t, repo.Create(ctx, execution))

	require.NoError(t, repo.UpsertNodeResult(ctx, execution.ID, models.NodeResult{NodeID: "a", Status: models.NodeStatusPending}))
	require.NoError(t, repo.UpsertNodeResult(ctx, execution.ID, models.NodeResult{NodeID: "b", Status: models.NodeStatusPending}))
	require.NoError(t, repo.UpsertNodeResult(ctx, execution.ID, models.NodeResult{
		NodeID: "a",
		Status: models.NodeStatusComplete,
		Output: map[string]any{"text": "hello"},
		Cost:   0.002,
	}))

	loaded, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, loaded.NodeResults, 2)
	assert.Equal(t, "a", loaded.NodeResults[0].NodeID)
	assert.Equal(t, models.NodeStatusComplete, loaded.NodeResults[0].Status)
	assert.Equal(t, "hello", loaded.NodeResults[0].Output["text"])

	require.NoError(t, repo.RemoveNodeResults(ctx, execution.ID, "a", "b"))

	loaded, err = repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.NodeResults)

	err = repo.UpsertNodeResult(ctx, "missing", models.NodeResult{NodeID: "a"})
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecutionRepository_ConcurrentUpserts(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Executions()

	execution := newExecution()
	require.NoError(t, repo.Create(ctx, execution))

	var wg sync.WaitGroup

	for _, nodeID := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, repo.UpsertNodeResult(ctx, execution.ID, models.NodeResult{NodeID: nodeID, Status: models.NodeStatusComplete}))
			assert.NoError(t, repo.RemovePendingNodes(ctx, execution.ID, nodeID))
		}()
	}

	wg.Wait()

	loaded, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.NodeResults, 6)
	assert.Empty(t, loaded.PendingNodes)
}

func TestExecutionRepository_TransitionStatus(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Executions()

	execution := newExecution()
	require.NoError(t, repo.Create(ctx, execution))

	active := []models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning}

	changed, err := repo.TransitionStatus(ctx, execution.ID, active, models.ExecutionStatusRunning, "")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.TransitionStatus(ctx, execution.ID, active, models.ExecutionStatusCompleted, "")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.TransitionStatus(ctx, execution.ID, active, models.ExecutionStatusFailed, "late failure")
	require.NoError(t, err)
	assert.False(t, changed)

	loaded, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, loaded.Status)
	assert.Empty(t, loaded.ErrorMessage)
	assert.NotNil(t, loaded.StartedAt)
	assert.NotNil(t, loaded.CompletedAt)

	_, err = repo.TransitionStatus(ctx, "missing", active, models.ExecutionStatusRunning, "")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestExecutionRepository_PendingNodesAndCost(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Executions()

	execution := newExecution()
	require.NoError(t, repo.Create(ctx, execution))

	require.NoError(t, repo.RemovePendingNodes(ctx, execution.ID, "a"))
	require.NoError(t, repo.AddPendingNodes(ctx, execution.ID,
		models.PendingNode{NodeID: "b", NodeType: "imageGen"},
		models.PendingNode{NodeID: "c", NodeType: "upscale", DependsOn: []string{"b"}},
	))
	require.NoError(t, repo.AddActualCost(ctx, execution.ID, 0.05))

	loaded, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, loaded.PendingNodes, 2)
	assert.Equal(t, "b", loaded.PendingNodes[0].NodeID)
	assert.Empty(t, loaded.PendingNodes[0].DependsOn)
	assert.Equal(t, "c", loaded.PendingNodes[1].NodeID)
	assert.InDelta(t, 0.05, loaded.Cost.Actual, 1e-9)
	assert.InDelta(t, 0.008, loaded.Cost.Variance, 1e-9)

	executions, err := repo.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Len(t, executions[0].PendingNodes, 2)
}

func TestJobRepository_Lifecycle(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Jobs()

	job := newJob("exec-1", "a", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, job))

	require.NoError(t, repo.UpdateStatus(ctx, job.ID, models.JobStatusActive, models.JobUpdate{AttemptsMade: 1}))
	require.NoError(t, repo.SetPredictionID(ctx, job.ID, "pred-1"))
	require.NoError(t, repo.Heartbeat(ctx, job.ID, time.Now().UTC()))
	require.NoError(t, repo.AppendLog(ctx, job.ID, models.NewJobLog(models.LogLevelInfo, "polling")))
	require.NoError(t, repo.AppendLog(ctx, job.ID, models.NewJobLog(models.LogLevelInfo, "succeeded")))
	require.NoError(t, repo.UpdateStatus(ctx, job.ID, models.JobStatusCompleted, models.JobUpdate{Result: map[string]any{"url": "https://cdn/x.png"}}))

	loaded, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, loaded.Status)
	assert.Equal(t, "pred-1", loaded.PredictionID)
	assert.Equal(t, 1, loaded.AttemptsMade)
	assert.NotNil(t, loaded.ProcessedAt)
	assert.NotNil(t, loaded.FinishedAt)
	assert.NotNil(t, loaded.LastHeartbeat)
	require.Len(t, loaded.Logs, 2)
	assert.Equal(t, "succeeded", loaded.Logs[1].Message)
	assert.Equal(t, "https://cdn/x.png", loaded.Result["url"])
	assert.Equal(t, models.JobKindPrediction, loaded.Payload.Kind)

	byPrediction, err := repo.GetByPredictionID(ctx, "pred-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, byPrediction.ID)

	latest, err := repo.FindLatestForNode(ctx, "exec-1", "a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, job.ID, latest.ID)

	latest, err = repo.FindLatestForNode(ctx, "exec-1", "z")
	require.NoError(t, err)
	assert.Nil(t, latest)

	err = repo.Heartbeat(ctx, "missing", time.Now())
	assert.True(t, persistence.IsJobNotFound(err))
}

func TestJobRepository_FindStalled(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Jobs()

	now := time.Now().UTC()
	old := now.Add(-time.Hour)

	stalled := newJob("exec-1", "a", old)
	require.NoError(t, repo.Create(ctx, stalled))

	beating := newJob("exec-1", "b", old)
	beating.LastHeartbeat = &now
	require.NoError(t, repo.Create(ctx, beating))

	exhausted := newJob("exec-2", "c", old)
	exhausted.RecoveryCount = 3
	require.NoError(t, repo.Create(ctx, exhausted))

	done := newJob("exec-1", "d", old)
	done.Status = models.JobStatusCompleted
	require.NoError(t, repo.Create(ctx, done))

	cutoff := now.Add(-5 * time.Minute)

	jobs, err := repo.FindStalled(ctx, models.StalledJobQuery{Before: cutoff, MaxRecoveries: 3, Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stalled.ID, jobs[0].ID)

	jobs, err = repo.FindStalled(ctx, models.StalledJobQuery{Before: cutoff, MaxRecoveries: 3, Exhausted: true})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, exhausted.ID, jobs[0].ID)

	jobs, err = repo.FindStalled(ctx, models.StalledJobQuery{ExecutionID: "exec-1", MaxRecoveries: 3})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestJobRepository_DeadLetterQueue(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Jobs()

	job := newJob("exec-1", "a", time.Now().UTC())
	job.RecoveryCount = 3
	require.NoError(t, repo.Create(ctx, job))
	require.NoError(t, repo.Create(ctx, newJob("exec-1", "b", time.Now().UTC())))

	err := repo.ResetForRetry(ctx, job.ID, models.NewJobLog(models.LogLevelInfo, "retry"))
	require.ErrorIs(t, err, persistence.ErrJobNotInDLQ)

	require.NoError(t, repo.MoveToDLQ(ctx, job.ID, "recovery attempts exhausted"))

	err = repo.UpdateStatus(ctx, job.ID, models.JobStatusActive, models.JobUpdate{AttemptsMade: 2})
	require.ErrorIs(t, err, persistence.ErrJobDeadLettered)

	err = repo.MarkRecovered(ctx, job.ID, models.NewJobLog(models.LogLevelWarn, "recovered"))
	require.ErrorIs(t, err, persistence.ErrJobDeadLettered)

	err = repo.MarkRecovered(ctx, "missing", models.NewJobLog(models.LogLevelWarn, "recovered"))
	require.ErrorIs(t, err, persistence.ErrJobNotFound)

	dlq, total, err := repo.ListDLQ(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, dlq, 1)
	assert.True(t, dlq[0].MovedToDLQ)
	assert.Equal(t, "recovery attempts exhausted", dlq[0].FailedReason)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.DLQ)
	assert.Equal(t, 1, stats.ByStatus[models.JobStatusFailed])
	assert.Equal(t, 2, stats.ByQueue["image"])

	require.NoError(t, repo.ResetForRetry(ctx, job.ID, models.NewJobLog(models.LogLevelInfo, "retry")))

	reset, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, reset.MovedToDLQ)
	assert.Equal(t, 0, reset.RecoveryCount)
	assert.Equal(t, models.JobStatusPending, reset.Status)
	assert.Nil(t, reset.FinishedAt)
}

func TestJobRepository_RecoveredAndAbandoned(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.Jobs()

	first := newJob("exec-1", "a", time.Now().UTC())
	second := newJob("exec-1", "b", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	require.NoError(t, repo.MarkRecovered(ctx, first.ID, models.NewJobLog(models.LogLevelWarn, "recovered")))

	count, err := repo.MarkAbandoned(ctx, []string{second.ID, "missing"}, "abandoned: execution exec-1 is completed")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	recovered, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRecovered, recovered.Status)

	abandoned, err := repo.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, abandoned.Status)
	assert.Equal(t, "abandoned: execution exec-1 is completed", abandoned.FailedReason)
	require.Len(t, abandoned.Logs, 1)
}
