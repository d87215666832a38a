package file

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
)

// ExecutionRepository handles execution-related file operations.
type ExecutionRepository struct {
	docs *documents[models.Execution]
}

func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{docs: newDocuments[models.Execution](root, "executions")}
}

func (r *ExecutionRepository) Create(_ context.Context, execution *models.Execution) error {
	toSave := *execution
	if toSave.NodeResults == nil {
		toSave.NodeResults = []models.NodeResult{}
	}

	if toSave.PendingNodes == nil {
		toSave.PendingNodes = []models.PendingNode{}
	}

	err := r.docs.create(execution.ID, &toSave)
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	execution, err := r.docs.get(id)
	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, notFound(err, persistence.ErrExecutionNotFound))
	}

	return execution, nil
}

func (r *ExecutionRepository) ListByWorkflow(_ context.Context, workflowID string) ([]*models.Execution, error) {
	all, err := r.docs.all()
	if err != nil {
		return nil, err
	}

	var executions []*models.Execution

	for _, execution := range all {
		if execution.WorkflowID == workflowID {
			executions = append(executions, execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})

	return executions, nil
}

func (r *ExecutionRepository) mutate(op, id string, fn func(execution *models.Execution) error) error {
	err := r.docs.update(id, func(execution *models.Execution) error {
		err := fn(execution)
		if err != nil {
			return err
		}

		execution.UpdatedAt = time.Now().UTC()

		return nil
	})
	if err != nil {
		return persistence.NewExecutionError(op, id, notFound(err, persistence.ErrExecutionNotFound))
	}

	return nil
}

func (r *ExecutionRepository) TransitionStatus(
	_ context.Context,
	id string,
	from []models.ExecutionStatus,
	to models.ExecutionStatus,
	errorMessage string,
) (bool, error) {
	var changed bool

	err := r.mutate("TransitionStatus", id, func(execution *models.Execution) error {
		if !slices.Contains(from, execution.Status) {
			return nil
		}

		execution.Transition(to, errorMessage, time.Now().UTC())
		changed = true

		return nil
	})

	return changed, err
}

func (r *ExecutionRepository) UpsertNodeResult(_ context.Context, id string, result models.NodeResult) error {
	return r.mutate("UpsertNodeResult", id, func(execution *models.Execution) error {
		execution.UpsertResult(result)

		return nil
	})
}

func (r *ExecutionRepository) RemoveNodeResults(_ context.Context, id string, nodeIDs ...string) error {
	return r.mutate("RemoveNodeResults", id, func(execution *models.Execution) error {
		execution.NodeResults = slices.DeleteFunc(execution.NodeResults, func(result models.NodeResult) bool {
			return slices.Contains(nodeIDs, result.NodeID)
		})

		return nil
	})
}

func (r *ExecutionRepository) AddPendingNodes(_ context.Context, id string, nodes ...models.PendingNode) error {
	return r.mutate("AddPendingNodes", id, func(execution *models.Execution) error {
		for _, node := range nodes {
			index := slices.IndexFunc(execution.PendingNodes, func(p models.PendingNode) bool {
				return p.NodeID == node.NodeID
			})

			if index >= 0 {
				execution.PendingNodes[index] = node
			} else {
				execution.PendingNodes = append(execution.PendingNodes, node)
			}
		}

		return nil
	})
}

func (r *ExecutionRepository) RemovePendingNodes(_ context.Context, id string, nodeIDs ...string) error {
	return r.mutate("RemovePendingNodes", id, func(execution *models.Execution) error {
		execution.PendingNodes = slices.DeleteFunc(execution.PendingNodes, func(node models.PendingNode) bool {
			return slices.Contains(nodeIDs, node.NodeID)
		})

		return nil
	})
}

func (r *ExecutionRepository) AddActualCost(_ context.Context, id string, amount float64) error {
	return r.mutate("AddActualCost", id, func(execution *models.Execution) error {
		execution.AddActualCost(amount)

		return nil
	})
}
