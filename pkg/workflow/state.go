// Package workflow owns the per-execution graph walk: node results, readiness,
// input resolution and completion.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/registry"
)

const (
	SkippedDependencyFailed      = "Skipped: dependency failed"
	SkippedDependencyUnavailable = "Skipped: dependency unavailable"
)

var (
	// ErrExecutionTerminal is returned when a write targets an execution that already finished.
	ErrExecutionTerminal = errors.New("execution already finished")

	// ErrNotReopenable is returned when reopening an execution that is not failed or cancelled.
	ErrNotReopenable = errors.New("execution cannot be reopened")
)

var activeStatuses = []models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning}

// StateManager maintains the authoritative graph-walk state of executions.
type StateManager struct {
	logger     *slog.Logger
	executions persistence.ExecutionRepository
	jobs       persistence.JobRepository
	nodes      *registry.Registry
}

func NewStateManager(
	logger *slog.Logger,
	executions persistence.ExecutionRepository,
	jobs persistence.JobRepository,
	nodes *registry.Registry,
) *StateManager {
	return &StateManager{
		logger:     logger.With("module", "state_manager"),
		executions: executions,
		jobs:       jobs,
		nodes:      nodes,
	}
}

// GetReadyNodes returns the pending nodes whose dependencies have all completed, in pending order.
// Pending entries that already have a result were dispatched and are never ready.
func (sm *StateManager) GetReadyNodes(ctx context.Context, executionID string) ([]models.PendingNode, error) {
	execution, err := sm.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return readyNodes(execution), nil
}

func readyNodes(execution *models.Execution) []models.PendingNode {
	completed := make(map[string]bool)

	for _, result := range execution.NodeResults {
		if result.Status == models.NodeStatusComplete {
			completed[result.NodeID] = true
		}
	}

	ready := []models.PendingNode{}

	for _, node := range undispatched(execution) {
		if allIn(node.DependsOn, completed) {
			ready = append(ready, node)
		}
	}

	return ready
}

// undispatched returns the pending entries without a node result. An entry with a result
// is a node whose dispatch has not yet removed it from the frontier.
func undispatched(execution *models.Execution) []models.PendingNode {
	nodes := []models.PendingNode{}

	for _, node := range execution.PendingNodes {
		if _, ok := execution.Result(node.NodeID); !ok {
			nodes = append(nodes, node)
		}
	}

	return nodes
}

// CheckExecutionCompletion blocks pending nodes that can no longer run, repeating until
// nothing changes, and finishes the execution once no node is pending or in flight.
// It reports whether the execution is terminal.
func (sm *StateManager) CheckExecutionCompletion(ctx context.Context, executionID string) (bool, error) {
	logger := sm.logger.With("execution_id", executionID)

	for {
		execution, err := sm.executions.GetByID(ctx, executionID)
		if err != nil {
			return false, err
		}

		if execution.Status.IsTerminal() {
			return true, nil
		}

		completed := make(map[string]bool)
		failed := make(map[string]bool)
		inFlight := make(map[string]bool)

		for _, result := range execution.NodeResults {
			switch {
			case result.Status == models.NodeStatusComplete:
				completed[result.NodeID] = true
			case result.Status == models.NodeStatusError:
				failed[result.NodeID] = true
			case result.Status.InFlight():
				inFlight[result.NodeID] = true
			}
		}

		frontier := undispatched(execution)

		pending := make(map[string]bool, len(frontier))
		for _, node := range frontier {
			pending[node.NodeID] = true
		}

		blocked := make(map[string]string)

		for _, node := range frontier {
			for _, dep := range node.DependsOn {
				if failed[dep] {
					blocked[node.NodeID] = SkippedDependencyFailed

					break
				}

				if !completed[dep] && !pending[dep] && !inFlight[dep] {
					blocked[node.NodeID] = SkippedDependencyUnavailable
				}
			}
		}

		// Nothing runs and nothing can become ready: the remaining frontier is stuck.
		if len(blocked) == 0 && len(frontier) > 0 && len(inFlight) == 0 && len(readyNodes(execution)) == 0 {
			for _, node := range frontier {
				blocked[node.NodeID] = SkippedDependencyUnavailable
			}
		}

		if len(blocked) > 0 {
			err = sm.block(ctx, executionID, frontier, blocked)
			if err != nil {
				return false, err
			}

			logger.InfoContext(ctx, "Blocked pending nodes", "count", len(blocked))

			continue
		}

		if len(frontier) > 0 || len(inFlight) > 0 {
			return false, nil
		}

		status := models.ExecutionStatusCompleted
		errorMessage := ""

		if len(failed) > 0 {
			status = models.ExecutionStatusFailed
			errorMessage = failureMessage(execution)
		}

		changed, err := sm.executions.TransitionStatus(ctx, executionID, activeStatuses, status, errorMessage)
		if err != nil {
			return false, err
		}

		if changed {
			logger.InfoContext(ctx, "Execution finished", "status", status)
		}

		return true, nil
	}
}

func (sm *StateManager) block(ctx context.Context, executionID string, pending []models.PendingNode, blocked map[string]string) error {
	now := time.Now().UTC()

	var ids []string

	for _, node := range pending {
		reason, ok := blocked[node.NodeID]
		if !ok {
			continue
		}

		err := sm.executions.UpsertNodeResult(ctx, executionID, models.NodeResult{
			NodeID:      node.NodeID,
			Status:      models.NodeStatusError,
			Error:       reason,
			CompletedAt: &now,
		})
		if err != nil {
			return err
		}

		ids = append(ids, node.NodeID)
	}

	return sm.executions.RemovePendingNodes(ctx, executionID, ids...)
}

func failureMessage(execution *models.Execution) string {
	for _, result := range execution.NodeResults {
		if result.Status == models.NodeStatusError && result.Error != SkippedDependencyFailed && result.Error != SkippedDependencyUnavailable {
			return fmt.Sprintf("node %s failed: %s", result.NodeID, result.Error)
		}
	}

	for _, result := range execution.NodeResults {
		if result.Status == models.NodeStatusError {
			return fmt.Sprintf("node %s failed: %s", result.NodeID, result.Error)
		}
	}

	return "execution failed"
}

// FindExistingJob returns the external prediction already started for a node, or nil.
// Callers resume polling it instead of creating duplicate external work.
func (sm *StateManager) FindExistingJob(ctx context.Context, executionID, nodeID string) (*models.ExistingJob, error) {
	execution, err := sm.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if result, ok := execution.Result(nodeID); ok && result.Status == models.NodeStatusProcessing {
		if predictionID, ok := result.Output["predictionId"].(string); ok && predictionID != "" {
			return &models.ExistingJob{PredictionID: predictionID}, nil
		}
	}

	jobs, err := sm.jobs.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	for _, job := range slices.Backward(jobs) {
		if job.NodeID != nodeID || job.PredictionID == "" {
			continue
		}

		if job.Status == models.JobStatusFailed || job.Status == models.JobStatusCompleted {
			continue
		}

		return &models.ExistingJob{JobID: job.ID, PredictionID: job.PredictionID, Status: job.Status}, nil
	}

	return nil, nil
}

// MarkNodeQueued records that a node has been dispatched.
func (sm *StateManager) MarkNodeQueued(ctx context.Context, executionID, nodeID string) error {
	return sm.executions.UpsertNodeResult(ctx, executionID, models.NodeResult{
		NodeID: nodeID,
		Status: models.NodeStatusPending,
	})
}

// MarkNodeProcessing records that a worker started the node. predictionID may be empty.
func (sm *StateManager) MarkNodeProcessing(ctx context.Context, executionID, nodeID, predictionID string) error {
	execution, err := sm.activeExecution(ctx, executionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result := models.NodeResult{NodeID: nodeID, Status: models.NodeStatusProcessing, StartedAt: &now}

	if previous, ok := execution.Result(nodeID); ok && previous.StartedAt != nil && previous.Status == models.NodeStatusProcessing {
		result.StartedAt = previous.StartedAt
	}

	if predictionID != "" {
		result.Output = map[string]any{"predictionId": predictionID}
	}

	return sm.executions.UpsertNodeResult(ctx, executionID, result)
}

// CompleteNode records a node's output and adds its cost to the execution.
func (sm *StateManager) CompleteNode(ctx context.Context, executionID, nodeID string, output map[string]any, cost float64) error {
	execution, err := sm.activeExecution(ctx, executionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result := models.NodeResult{
		NodeID:      nodeID,
		Status:      models.NodeStatusComplete,
		Output:      output,
		Cost:        cost,
		CompletedAt: &now,
	}

	if previous, ok := execution.Result(nodeID); ok {
		result.StartedAt = previous.StartedAt
	}

	err = sm.executions.UpsertNodeResult(ctx, executionID, result)
	if err != nil {
		return err
	}

	if cost > 0 {
		return sm.executions.AddActualCost(ctx, executionID, cost)
	}

	return nil
}

// FailNode records a node error.
func (sm *StateManager) FailNode(ctx context.Context, executionID, nodeID, message string) error {
	execution, err := sm.activeExecution(ctx, executionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result := models.NodeResult{
		NodeID:      nodeID,
		Status:      models.NodeStatusError,
		Error:       message,
		CompletedAt: &now,
	}

	if previous, ok := execution.Result(nodeID); ok {
		result.StartedAt = previous.StartedAt
	}

	return sm.executions.UpsertNodeResult(ctx, executionID, result)
}

func (sm *StateManager) activeExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := sm.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, executionID, execution.Status)
	}

	return execution, nil
}

func allIn(ids []string, set map[string]bool) bool {
	for _, id := range ids {
		if !set[id] {
			return false
		}
	}

	return true
}
