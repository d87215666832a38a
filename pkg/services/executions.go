package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/genflow/pkg/dispatcher"
	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/provider"
	"github.com/dukex/genflow/pkg/registry"
	"github.com/dukex/genflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
)

const MaxDepth = 10

// Recovery is the part of the recovery service exposed to operators.
type Recovery interface {
	RecoverStalledJobs(ctx context.Context) (int, error)
	RecoverExecution(ctx context.Context, executionID string) (int, error)
	RetryFromDLQ(ctx context.Context, jobID string) (*models.QueueJob, error)
	GetJobStats(ctx context.Context) (*models.JobStats, error)
	GetDLQJobs(ctx context.Context, limit, offset int) ([]*models.QueueJob, int, error)
}

type Executions struct {
	logger     *slog.Logger
	store      persistence.Persistence
	nodes      *registry.Registry
	state      *workflow.StateManager
	dispatcher *dispatcher.QueueManager
	recovery   Recovery
	provider   provider.Client
	validate   *validator.Validate
}

// NewExecutions creates the execution service. client may be nil, in which case stopping an
// execution does not cancel its predictions.
func NewExecutions(
	logger *slog.Logger,
	store persistence.Persistence,
	nodes *registry.Registry,
	state *workflow.StateManager,
	dispatcher *dispatcher.QueueManager,
	recovery Recovery,
	client provider.Client,
) *Executions {
	return &Executions{
		logger:     logger.With("module", "executions"),
		store:      store,
		nodes:      nodes,
		state:      state,
		dispatcher: dispatcher,
		recovery:   recovery,
		provider:   client,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Executions) HealthCheck(ctx context.Context) (string, bool) {
	err := s.store.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

type StartRequest struct {
	WorkflowID        string `validate:"required"`
	Debug             bool
	ParentExecutionID string
	ParentNodeID      string `validate:"required_with=ParentExecutionID"`
	Depth             int    `validate:"min=0"`
}

// PartialRequest runs only the selected nodes. Complete results of other nodes may be
// copied from SourceExecutionID so the selected nodes still receive their inputs.
type PartialRequest struct {
	WorkflowID        string   `validate:"required"`
	NodeIDs           []string `validate:"required,min=1,dive,required"`
	SourceExecutionID string
	Debug             bool
}

// Start creates an execution of the whole workflow and enqueues its root job.
func (s *Executions) Start(ctx context.Context, req StartRequest) (*models.Execution, error) {
	err := s.validate.Struct(req)
	if err != nil {
		return nil, NewValidationError("Start", "invalid_request", err.Error(), ErrInvalidRequest)
	}

	if req.Depth > MaxDepth {
		return nil, NewValidationError("Start", "max_depth", fmt.Sprintf("depth %d exceeds %d", req.Depth, MaxDepth), ErrInvalidRequest)
	}

	wf, err := s.workflow(ctx, "Start", req.WorkflowID)
	if err != nil {
		return nil, err
	}

	pending, err := s.state.BuildPendingNodes(wf.Graph, nil)
	if err != nil {
		return nil, NewValidationError("Start", "invalid_graph", err.Error(), ErrInvalidRequest)
	}

	execution := s.newExecution(wf.ID, pending, nil, req.Debug)
	execution.ParentExecutionID = req.ParentExecutionID
	execution.ParentNodeID = req.ParentNodeID
	execution.Depth = req.Depth

	return s.launch(ctx, execution)
}

// StartPartial creates an execution restricted to the selected nodes.
func (s *Executions) StartPartial(ctx context.Context, req PartialRequest) (*models.Execution, error) {
	err := s.validate.Struct(req)
	if err != nil {
		return nil, NewValidationError("StartPartial", "invalid_request", err.Error(), ErrInvalidRequest)
	}

	wf, err := s.workflow(ctx, "StartPartial", req.WorkflowID)
	if err != nil {
		return nil, err
	}

	pending, err := s.state.BuildPendingNodes(wf.Graph, req.NodeIDs)
	if err != nil {
		return nil, NewValidationError("StartPartial", "invalid_selection", err.Error(), ErrInvalidRequest)
	}

	var seeded []models.NodeResult

	if req.SourceExecutionID != "" {
		source, err := s.store.Executions().GetByID(ctx, req.SourceExecutionID)
		if err != nil {
			return nil, err
		}

		if source.WorkflowID != wf.ID {
			return nil, &ServiceError{Op: "StartPartial", Code: "source_mismatch", Err: ErrSourceExecutionMismatch}
		}

		for _, result := range source.NodeResults {
			if result.Status == models.NodeStatusComplete && !slices.Contains(req.NodeIDs, result.NodeID) {
				seeded = append(seeded, result)
			}
		}
	}

	return s.launch(ctx, s.newExecution(wf.ID, pending, seeded, req.Debug))
}

func (s *Executions) workflow(ctx context.Context, op, workflowID string) (*models.Workflow, error) {
	wf, err := s.store.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if len(wf.Graph.Nodes) == 0 {
		return nil, &ServiceError{Op: op, Code: "nodes_required", Err: ErrNodesRequired}
	}

	err = s.nodes.ValidateGraph(wf.Graph)
	if err != nil {
		return nil, NewValidationError(op, "unknown_node_type", err.Error(), ErrInvalidRequest)
	}

	return wf, nil
}

func (s *Executions) newExecution(workflowID string, pending []models.PendingNode, seeded []models.NodeResult, debug bool) *models.Execution {
	now := time.Now().UTC()

	types := make([]string, 0, len(pending))
	for _, node := range pending {
		types = append(types, node.NodeType)
	}

	estimated := s.nodes.EstimateCost(types...)

	if seeded == nil {
		seeded = []models.NodeResult{}
	}

	return &models.Execution{
		ID:           models.NewExecutionID(),
		WorkflowID:   workflowID,
		Status:       models.ExecutionStatusPending,
		NodeResults:  seeded,
		PendingNodes: pending,
		Cost:         models.CostSummary{Estimated: estimated, Variance: -estimated},
		Debug:        debug,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *Executions) launch(ctx context.Context, execution *models.Execution) (*models.Execution, error) {
	err := s.store.Executions().Create(ctx, execution)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	_, err = s.dispatcher.EnqueueWorkflow(ctx, execution.ID, execution.WorkflowID)
	if err != nil {
		_, failErr := s.store.Executions().TransitionStatus(ctx, execution.ID,
			[]models.ExecutionStatus{models.ExecutionStatusPending}, models.ExecutionStatusFailed, "enqueue failed: "+err.Error())
		if failErr != nil {
			s.logger.ErrorContext(ctx, "Failed to fail unqueued execution", "execution_id", execution.ID, "error", failErr)
		}

		return nil, fmt.Errorf("failed to enqueue execution %s: %w", execution.ID, err)
	}

	s.logger.InfoContext(ctx, "Execution started",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"pending_nodes", len(execution.PendingNodes),
		"estimated_cost", execution.Cost.Estimated,
	)

	return s.store.Executions().GetByID(ctx, execution.ID)
}

func (s *Executions) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	return s.store.Executions().GetByID(ctx, executionID)
}

// Stop cancels an unfinished execution and its in-flight predictions. Recorded node
// results are kept.
func (s *Executions) Stop(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := s.store.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return nil, &ServiceError{Op: "Stop", Code: "execution_finished", Message: "execution is " + string(execution.Status), Err: ErrExecutionFinished}
	}

	changed, err := s.store.Executions().TransitionStatus(ctx, executionID,
		[]models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning},
		models.ExecutionStatusCancelled, "Execution cancelled")
	if err != nil {
		return nil, err
	}

	if !changed {
		return nil, &ServiceError{Op: "Stop", Code: "execution_finished", Err: ErrExecutionFinished}
	}

	jobs, err := s.store.Jobs().ListByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var unfinished []string

	for _, job := range jobs {
		if job.Status != models.JobStatusPending && job.Status != models.JobStatusActive {
			continue
		}

		unfinished = append(unfinished, job.ID)

		if job.PredictionID == "" || s.provider == nil {
			continue
		}

		err = s.provider.Cancel(ctx, job.PredictionID)
		if err != nil {
			s.logger.WarnContext(ctx, "Failed to cancel prediction",
				"execution_id", executionID,
				"job_id", job.ID,
				"prediction_id", job.PredictionID,
				"error", err,
			)
		}
	}

	if len(unfinished) > 0 {
		_, err = s.store.Jobs().MarkAbandoned(ctx, unfinished, models.AbandonedReason(executionID, models.ExecutionStatusCancelled))
		if err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "Execution cancelled", "execution_id", executionID, "jobs", len(unfinished))

	s.dispatcher.PublishSnapshot(ctx, executionID)

	return s.store.Executions().GetByID(ctx, executionID)
}

// Resume restarts progress of an execution. Unfinished executions get their stalled jobs
// recovered and are continued; failed and cancelled executions are reopened.
func (s *Executions) Resume(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := s.store.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	switch execution.Status {
	case models.ExecutionStatusCompleted:
		return nil, &ServiceError{Op: "Resume", Code: "execution_completed", Err: ErrExecutionCompleted}
	case models.ExecutionStatusFailed, models.ExecutionStatusCancelled:
		wf, err := s.store.Workflows().GetByID(ctx, execution.WorkflowID)
		if err != nil {
			return nil, err
		}

		reopened, err := s.state.Reopen(ctx, executionID, wf.Graph)
		if err != nil {
			return nil, err
		}

		_, err = s.dispatcher.EnqueueWorkflow(ctx, executionID, execution.WorkflowID)
		if err != nil {
			return nil, err
		}

		s.logger.InfoContext(ctx, "Execution reopened", "execution_id", executionID, "nodes", len(reopened))
	default:
		recovered, err := s.recovery.RecoverExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}

		current, err := s.store.Executions().GetByID(ctx, executionID)
		if err != nil {
			return nil, err
		}

		if !hasInFlight(current) {
			err = s.dispatcher.ContinueExecution(ctx, executionID, execution.WorkflowID, nil)
			if err != nil {
				return nil, err
			}
		}

		s.logger.InfoContext(ctx, "Execution resumed", "execution_id", executionID, "recovered_jobs", recovered)
	}

	return s.store.Executions().GetByID(ctx, executionID)
}

func hasInFlight(execution *models.Execution) bool {
	for _, result := range execution.NodeResults {
		if result.Status.InFlight() {
			return true
		}
	}

	return false
}

// ListJobs returns the queue jobs of an execution in creation order.
func (s *Executions) ListJobs(ctx context.Context, executionID string) ([]*models.QueueJob, error) {
	_, err := s.store.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return s.store.Jobs().ListByExecution(ctx, executionID)
}

func (s *Executions) JobByPredictionID(ctx context.Context, predictionID string) (*models.QueueJob, error) {
	return s.store.Jobs().GetByPredictionID(ctx, predictionID)
}

func (s *Executions) DeadLetterJobs(ctx context.Context, limit, offset int) ([]*models.QueueJob, int, error) {
	return s.recovery.GetDLQJobs(ctx, limit, offset)
}

func (s *Executions) RetryDeadLetterJob(ctx context.Context, jobID string) (*models.QueueJob, error) {
	return s.recovery.RetryFromDLQ(ctx, jobID)
}

func (s *Executions) JobStats(ctx context.Context) (*models.JobStats, error) {
	return s.recovery.GetJobStats(ctx)
}

// Recover runs a recovery pass over one execution, or over every execution when executionID is empty.
func (s *Executions) Recover(ctx context.Context, executionID string) (int, error) {
	if executionID == "" {
		return s.recovery.RecoverStalledJobs(ctx)
	}

	return s.recovery.RecoverExecution(ctx, executionID)
}
