// Package events defines the execution and job notifications published on the event bus.
package events

import (
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

const Topic = "genflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionUpdatedEvent EventType = "execution.updated"
	NodeCompletedEvent    EventType = "node.completed"
	NodeFailedEvent       EventType = "node.failed"
	JobDeadLetteredEvent  EventType = "job.dead_lettered"
	JobRecoveredEvent     EventType = "job.recovered"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// GetExecutionID returns the execution the event belongs to.
func (e BaseEvent) GetExecutionID() string {
	return e.ExecutionID
}

// ExecutionUpdated carries a full snapshot of an execution after a state transition.
type ExecutionUpdated struct {
	BaseEvent

	Status       models.ExecutionStatus `json:"status"`
	NodeResults  []models.NodeResult    `json:"node_results"`
	PendingNodes int                    `json:"pending_nodes"`
	Cost         models.CostSummary     `json:"cost"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

func (e ExecutionUpdated) GetType() EventType {
	return ExecutionUpdatedEvent
}

func (e ExecutionUpdated) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// NewExecutionUpdated snapshots execution.
func NewExecutionUpdated(execution *models.Execution) *ExecutionUpdated {
	return &ExecutionUpdated{
		BaseEvent:    NewBaseEvent(ExecutionUpdatedEvent, execution.ID, execution.WorkflowID),
		Status:       execution.Status,
		NodeResults:  execution.NodeResults,
		PendingNodes: len(execution.PendingNodes),
		Cost:         execution.Cost,
		ErrorMessage: execution.ErrorMessage,
	}
}

type NodeCompleted struct {
	BaseEvent

	NodeID   string         `json:"node_id"`
	NodeType string         `json:"node_type"`
	Output   map[string]any `json:"output,omitempty"`
	Cost     float64        `json:"cost"`
	Duration time.Duration  `json:"duration"`
}

func (n NodeCompleted) GetType() EventType {
	return NodeCompletedEvent
}

type NodeFailed struct {
	BaseEvent

	NodeID   string        `json:"node_id"`
	NodeType string        `json:"node_type"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (n NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

type JobDeadLettered struct {
	BaseEvent

	JobID     string `json:"job_id"`
	NodeID    string `json:"node_id"`
	QueueName string `json:"queue_name"`
	Reason    string `json:"reason"`
}

func (j JobDeadLettered) GetType() EventType {
	return JobDeadLetteredEvent
}

type JobRecovered struct {
	BaseEvent

	JobID         string `json:"job_id"`
	NewJobID      string `json:"new_job_id"`
	NodeID        string `json:"node_id"`
	RecoveryCount int    `json:"recovery_count"`
}

func (j JobRecovered) GetType() EventType {
	return JobRecoveredEvent
}

func NewBaseEvent(eventType EventType, executionID, workflowID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Metadata:    make(map[string]any),
	}
}
