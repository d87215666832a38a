// Package persistence provides the storage abstraction for executions, queue jobs and workflows.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/genflow/pkg/models"
)

type Persistence interface {
	Executions() ExecutionRepository
	Jobs() JobRepository
	Workflows() WorkflowRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ExecutionRepository stores execution documents. Node results and pending nodes are
// mutated with keyed operations so concurrent writers never overwrite each other.
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error)

	// TransitionStatus moves the execution to status only if its current status is one of from.
	// It reports whether the transition happened.
	TransitionStatus(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, errorMessage string) (bool, error)

	// UpsertNodeResult replaces the result with the same node id or appends it.
	UpsertNodeResult(ctx context.Context, id string, result models.NodeResult) error
	RemoveNodeResults(ctx context.Context, id string, nodeIDs ...string) error

	// AddPendingNodes replaces pending entries with the same node id or appends them.
	AddPendingNodes(ctx context.Context, id string, nodes ...models.PendingNode) error
	RemovePendingNodes(ctx context.Context, id string, nodeIDs ...string) error

	AddActualCost(ctx context.Context, id string, amount float64) error
}

type JobRepository interface {
	Create(ctx context.Context, job *models.QueueJob) error
	GetByID(ctx context.Context, id string) (*models.QueueJob, error)
	ListByExecution(ctx context.Context, executionID string) ([]*models.QueueJob, error)
	GetByPredictionID(ctx context.Context, predictionID string) (*models.QueueJob, error)
	// FindLatestForNode returns nil without error when the node has no job.
	FindLatestForNode(ctx context.Context, executionID, nodeID string) (*models.QueueJob, error)

	UpdateStatus(ctx context.Context, id string, status models.JobStatus, update models.JobUpdate) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	SetPredictionID(ctx context.Context, id, predictionID string) error
	AppendLog(ctx context.Context, id string, entry models.JobLog) error

	// MarkRecovered supersedes a job that was re-dispatched.
	MarkRecovered(ctx context.Context, id string, entry models.JobLog) error
	// MarkAbandoned fails jobs whose execution already finished and returns how many were updated.
	MarkAbandoned(ctx context.Context, ids []string, reason string) (int, error)
	MoveToDLQ(ctx context.Context, id, reason string) error
	// ResetForRetry takes a job out of the dead-letter queue. It fails with ErrJobNotInDLQ
	// when the job is not flagged.
	ResetForRetry(ctx context.Context, id string, entry models.JobLog) error

	FindStalled(ctx context.Context, query models.StalledJobQuery) ([]*models.QueueJob, error)
	ListDLQ(ctx context.Context, limit, offset int) ([]*models.QueueJob, int, error)
	Stats(ctx context.Context) (*models.JobStats, error)
}

type WorkflowRepository interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
}
