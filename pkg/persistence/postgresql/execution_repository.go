package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/lib/pq"
)

const executionColumns = `
	id
  , workflow_id
  , status
  , estimated_cost
  , actual_cost
  , COALESCE(parent_execution_id, '')
  , COALESCE(parent_node_id, '')
  , depth
  , debug
  , COALESCE(error_message, '')
  , resume_count
  , created_at
  , updated_at
  , started_at
  , completed_at
`

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Create inserts the execution with its initial node results and pending nodes.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
			INSERT INTO executions (
				id, workflow_id, status, estimated_cost, actual_cost, parent_execution_id,
				parent_node_id, depth, debug, error_message, resume_count,
				created_at, updated_at, started_at, completed_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`

		_, err := tx.ExecContext(ctx, query,
			execution.ID,
			execution.WorkflowID,
			execution.Status,
			execution.Cost.Estimated,
			execution.Cost.Actual,
			execution.ParentExecutionID,
			execution.ParentNodeID,
			execution.Depth,
			execution.Debug,
			execution.ErrorMessage,
			execution.ResumeCount,
			execution.CreatedAt,
			execution.UpdatedAt,
			execution.StartedAt,
			execution.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		for _, result := range execution.NodeResults {
			err = upsertNodeResult(ctx, tx, execution.ID, result)
			if err != nil {
				return err
			}
		}

		return upsertPendingNodes(ctx, tx, execution.ID, execution.PendingNodes)
	})
	if err != nil {
		return persistence.NewExecutionError("Create", execution.ID, err)
	}

	return nil
}

// GetByID retrieves an execution and its per-node rows.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1", id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, fmt.Errorf("failed to scan execution: %w", err))
	}

	err = r.loadNodes(ctx, execution)
	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return execution, nil
}

// ListByWorkflow returns the executions of a workflow, newest first.
func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	query := "SELECT " + executionColumns + " FROM executions WHERE workflow_id = $1 ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var executions []*models.Execution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	for _, execution := range executions {
		err = r.loadNodes(ctx, execution)
		if err != nil {
			return nil, err
		}
	}

	return executions, nil
}

// TransitionStatus locks the execution row and applies the transition when the
// current status is one of from.
func (r *ExecutionRepository) TransitionStatus(
	ctx context.Context,
	id string,
	from []models.ExecutionStatus,
	to models.ExecutionStatus,
	errorMessage string,
) (bool, error) {
	var changed bool

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1 FOR UPDATE", id)

		execution, err := scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.ErrExecutionNotFound
		}

		if err != nil {
			return fmt.Errorf("failed to scan execution: %w", err)
		}

		if !slices.Contains(from, execution.Status) {
			return nil
		}

		execution.Transition(to, errorMessage, time.Now().UTC())

		query := `
			UPDATE executions SET
				status = $2,
				error_message = $3,
				resume_count = $4,
				updated_at = $5,
				started_at = $6,
				completed_at = $7
			WHERE id = $1
		`

		_, err = tx.ExecContext(ctx, query,
			id,
			execution.Status,
			execution.ErrorMessage,
			execution.ResumeCount,
			execution.UpdatedAt,
			execution.StartedAt,
			execution.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update execution status: %w", err)
		}

		changed = true

		return nil
	})
	if err != nil {
		return false, persistence.NewExecutionError("TransitionStatus", id, err)
	}

	return changed, nil
}

// UpsertNodeResult replaces the result with the same node id or appends it.
func (r *ExecutionRepository) UpsertNodeResult(ctx context.Context, id string, result models.NodeResult) error {
	return r.mutate(ctx, "UpsertNodeResult", id, func(tx *sql.Tx) error {
		return upsertNodeResult(ctx, tx, id, result)
	})
}

func (r *ExecutionRepository) RemoveNodeResults(ctx context.Context, id string, nodeIDs ...string) error {
	return r.mutate(ctx, "RemoveNodeResults", id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM execution_node_results WHERE execution_id = $1 AND node_id = ANY($2)",
			id, pq.Array(nodeIDs),
		)
		if err != nil {
			return fmt.Errorf("failed to delete node results: %w", err)
		}

		return nil
	})
}

// AddPendingNodes replaces pending entries with the same node id or appends them.
func (r *ExecutionRepository) AddPendingNodes(ctx context.Context, id string, nodes ...models.PendingNode) error {
	return r.mutate(ctx, "AddPendingNodes", id, func(tx *sql.Tx) error {
		return upsertPendingNodes(ctx, tx, id, nodes)
	})
}

func (r *ExecutionRepository) RemovePendingNodes(ctx context.Context, id string, nodeIDs ...string) error {
	return r.mutate(ctx, "RemovePendingNodes", id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM execution_pending_nodes WHERE execution_id = $1 AND node_id = ANY($2)",
			id, pq.Array(nodeIDs),
		)
		if err != nil {
			return fmt.Errorf("failed to delete pending nodes: %w", err)
		}

		return nil
	})
}

func (r *ExecutionRepository) AddActualCost(ctx context.Context, id string, amount float64) error {
	return r.mutate(ctx, "AddActualCost", id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE executions SET actual_cost = actual_cost + $2 WHERE id = $1", id, amount)
		if err != nil {
			return fmt.Errorf("failed to add actual cost: %w", err)
		}

		return nil
	})
}

// mutate locks the execution row by touching updated_at, then runs fn in the same transaction.
func (r *ExecutionRepository) mutate(ctx context.Context, op, id string, fn func(tx *sql.Tx) error) error {
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "UPDATE executions SET updated_at = $2 WHERE id = $1", id, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to lock execution: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}

		if affected == 0 {
			return persistence.ErrExecutionNotFound
		}

		return fn(tx)
	})
	if err != nil {
		return persistence.NewExecutionError(op, id, err)
	}

	return nil
}

func (r *ExecutionRepository) loadNodes(ctx context.Context, execution *models.Execution) error {
	results, err := r.loadNodeResults(ctx, execution.ID)
	if err != nil {
		return err
	}

	pending, err := r.loadPendingNodes(ctx, execution.ID)
	if err != nil {
		return err
	}

	execution.NodeResults = results
	execution.PendingNodes = pending

	return nil
}

func (r *ExecutionRepository) loadNodeResults(ctx context.Context, executionID string) ([]models.NodeResult, error) {
	query := `
		SELECT node_id, status, output, COALESCE(error, ''), cost, started_at, completed_at
		FROM execution_node_results
		WHERE execution_id = $1
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node results: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	results := []models.NodeResult{}

	for rows.Next() {
		var (
			result     models.NodeResult
			outputJSON []byte
		)

		err := rows.Scan(&result.NodeID, &result.Status, &outputJSON, &result.Error, &result.Cost, &result.StartedAt, &result.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node result: %w", err)
		}

		if outputJSON != nil {
			err = json.Unmarshal(outputJSON, &result.Output)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal node output: %w", err)
			}
		}

		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node results: %w", err)
	}

	return results, nil
}

func (r *ExecutionRepository) loadPendingNodes(ctx context.Context, executionID string) ([]models.PendingNode, error) {
	query := `
		SELECT node_id, node_type, node_data, depends_on
		FROM execution_pending_nodes
		WHERE execution_id = $1
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending nodes: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	nodes := []models.PendingNode{}

	for rows.Next() {
		var (
			node                    models.PendingNode
			dataJSON, dependsOnJSON []byte
		)

		err := rows.Scan(&node.NodeID, &node.NodeType, &dataJSON, &dependsOnJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending node: %w", err)
		}

		if dataJSON != nil {
			err = json.Unmarshal(dataJSON, &node.NodeData)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal node data: %w", err)
			}
		}

		err = json.Unmarshal(dependsOnJSON, &node.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal depends_on: %w", err)
		}

		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending nodes: %w", err)
	}

	return nodes, nil
}

func upsertNodeResult(ctx context.Context, tx *sql.Tx, executionID string, result models.NodeResult) error {
	outputJSON, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal node output: %w", err)
	}

	query := `
		INSERT INTO execution_node_results (
			execution_id, node_id, status, output, error, cost, started_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id, node_id) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			cost = EXCLUDED.cost,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = tx.ExecContext(ctx, query,
		executionID,
		result.NodeID,
		result.Status,
		outputJSON,
		result.Error,
		result.Cost,
		result.StartedAt,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node result %s: %w", result.NodeID, err)
	}

	return nil
}

func upsertPendingNodes(ctx context.Context, tx *sql.Tx, executionID string, nodes []models.PendingNode) error {
	query := `
		INSERT INTO execution_pending_nodes (execution_id, node_id, node_type, node_data, depends_on)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (execution_id, node_id) DO UPDATE SET
			node_type = EXCLUDED.node_type,
			node_data = EXCLUDED.node_data,
			depends_on = EXCLUDED.depends_on
	`

	for _, node := range nodes {
		dataJSON, err := json.Marshal(node.NodeData)
		if err != nil {
			return fmt.Errorf("failed to marshal node data: %w", err)
		}

		dependsOn := node.DependsOn
		if dependsOn == nil {
			dependsOn = []string{}
		}

		dependsOnJSON, err := json.Marshal(dependsOn)
		if err != nil {
			return fmt.Errorf("failed to marshal depends_on: %w", err)
		}

		_, err = tx.ExecContext(ctx, query, executionID, node.NodeID, node.NodeType, dataJSON, dependsOnJSON)
		if err != nil {
			return fmt.Errorf("failed to upsert pending node %s: %w", node.NodeID, err)
		}
	}

	return nil
}

// scanExecution scans the scalar execution columns from a database row.
func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*models.Execution, error) {
	var execution models.Execution

	err := scanner.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.Status,
		&execution.Cost.Estimated,
		&execution.Cost.Actual,
		&execution.ParentExecutionID,
		&execution.ParentNodeID,
		&execution.Depth,
		&execution.Debug,
		&execution.ErrorMessage,
		&execution.ResumeCount,
		&execution.CreatedAt,
		&execution.UpdatedAt,
		&execution.StartedAt,
		&execution.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.Cost.Variance = execution.Cost.Actual - execution.Cost.Estimated
	execution.NodeResults = []models.NodeResult{}
	execution.PendingNodes = []models.PendingNode{}

	return &execution, nil
}
