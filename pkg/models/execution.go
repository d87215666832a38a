package models

import (
	"time"

	"go.jetify.com/typeid"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further node will run for the execution.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

type NodeStatus string

const (
	NodeStatusPending    NodeStatus = "pending"
	NodeStatusProcessing NodeStatus = "processing"
	NodeStatusComplete   NodeStatus = "complete"
	NodeStatusError      NodeStatus = "error"
)

// InFlight reports whether the node has been dispatched and not yet finished.
func (s NodeStatus) InFlight() bool {
	return s == NodeStatusPending || s == NodeStatusProcessing
}

// NodeResult is the outcome of one graph node within one execution.
type NodeResult struct {
	NodeID      string         `json:"node_id"`
	Status      NodeStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Cost        float64        `json:"cost"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// PendingNode is an entry of the remaining DAG frontier.
type PendingNode struct {
	NodeID    string         `json:"node_id"`
	NodeType  string         `json:"node_type"`
	NodeData  map[string]any `json:"node_data,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

type CostSummary struct {
	Estimated float64 `json:"estimated"`
	Actual    float64 `json:"actual"`
	Variance  float64 `json:"variance"`
}

// Execution is one run of a workflow graph.
type Execution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	Status            ExecutionStatus `json:"status"`
	NodeResults       []NodeResult    `json:"node_results"`
	PendingNodes      []PendingNode   `json:"pending_nodes"`
	Cost              CostSummary     `json:"cost"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	ParentNodeID      string          `json:"parent_node_id,omitempty"`
	Depth             int             `json:"depth"`
	Debug             bool            `json:"debug"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	ResumeCount       int             `json:"resume_count"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Result returns the node result recorded for nodeID.
func (e *Execution) Result(nodeID string) (NodeResult, bool) {
	for _, result := range e.NodeResults {
		if result.NodeID == nodeID {
			return result, true
		}
	}

	return NodeResult{}, false
}

// IsPending reports whether nodeID is still part of the frontier.
func (e *Execution) IsPending(nodeID string) bool {
	for _, node := range e.PendingNodes {
		if node.NodeID == nodeID {
			return true
		}
	}

	return false
}

// UpsertResult replaces the result for the same node id or appends it.
func (e *Execution) UpsertResult(result NodeResult) {
	for i := range e.NodeResults {
		if e.NodeResults[i].NodeID == result.NodeID {
			e.NodeResults[i] = result

			return
		}
	}

	e.NodeResults = append(e.NodeResults, result)
}

// Transition applies a status change and its timestamps. Leaving a terminal status
// counts as a resume.
func (e *Execution) Transition(to ExecutionStatus, errorMessage string, now time.Time) {
	if e.Status.IsTerminal() && !to.IsTerminal() {
		e.ResumeCount++
		e.CompletedAt = nil
		e.ErrorMessage = ""
	}

	e.Status = to
	e.UpdatedAt = now

	if to == ExecutionStatusRunning && e.StartedAt == nil {
		e.StartedAt = &now
	}

	if to.IsTerminal() {
		e.CompletedAt = &now

		if errorMessage != "" {
			e.ErrorMessage = errorMessage
		}
	}
}

// AddActualCost accumulates spent cost and refreshes the variance.
func (e *Execution) AddActualCost(amount float64) {
	e.Cost.Actual += amount
	e.Cost.Variance = e.Cost.Actual - e.Cost.Estimated
}

// NewExecutionID returns a sortable, prefixed identifier for a new execution.
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}

	return id.String()
}
