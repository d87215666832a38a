// Package dispatcher turns ready graph nodes into broker jobs and keeps the matching
// QueueJob records in step with them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/genflow/pkg/eventbus"
	"github.com/dukex/genflow/pkg/events"
	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/otelhelper"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/queue"
	"github.com/dukex/genflow/pkg/registry"
	"github.com/dukex/genflow/pkg/workflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NodeDispatch describes one node to enqueue.
type NodeDispatch struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	NodeType    string
	NodeData    map[string]any
	DependsOn   []string
	// Graph, when set, is used to resolve the node inputs before enqueueing.
	Graph          *models.Graph
	InputsResolved bool
	Debug          bool
}

type dispatchOptions struct {
	recoveryCount int
	recoveredFrom string
}

type DispatchOption func(*dispatchOptions)

// WithRecovery marks the new job as a re-dispatch of job, inheriting its recovery count plus one.
func WithRecovery(job *models.QueueJob) DispatchOption {
	return func(o *dispatchOptions) {
		o.recoveryCount = job.RecoveryCount + 1
		o.recoveredFrom = job.ID
	}
}

// WithRetryOf starts a fresh recovery lineage for a job taken out of the dead-letter queue.
func WithRetryOf(job *models.QueueJob) DispatchOption {
	return func(o *dispatchOptions) {
		o.recoveryCount = 0
		o.recoveredFrom = job.ID
	}
}

type QueueManager struct {
	logger     *slog.Logger
	executions persistence.ExecutionRepository
	jobs       persistence.JobRepository
	workflows  persistence.WorkflowRepository
	broker     queue.Broker
	queues     *queue.Registry
	nodes      *registry.Registry
	state      *workflow.StateManager
	publisher  eventbus.EventPublisher
	tracer     trace.Tracer
}

func NewQueueManager(
	logger *slog.Logger,
	store persistence.Persistence,
	broker queue.Broker,
	queues *queue.Registry,
	nodes *registry.Registry,
	state *workflow.StateManager,
	publisher eventbus.EventPublisher,
) *QueueManager {
	if publisher == nil {
		publisher = eventbus.NopPublisher{}
	}

	return &QueueManager{
		logger:     logger.With("module", "queue_manager"),
		executions: store.Executions(),
		jobs:       store.Jobs(),
		workflows:  store.Workflows(),
		broker:     broker,
		queues:     queues,
		nodes:      nodes,
		state:      state,
		publisher:  publisher,
		tracer:     otel.Tracer("genflow/dispatcher"),
	}
}

// EnqueueWorkflow enqueues the orchestration job that walks the execution graph.
func (qm *QueueManager) EnqueueWorkflow(ctx context.Context, executionID, workflowID string, opts ...DispatchOption) (*models.QueueJob, error) {
	execution, err := qm.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	payload := models.JobPayload{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		NodeID:      models.RootNodeID,
		Kind:        models.JobKindWorkflow,
		DebugMode:   execution.Debug,
		Timestamp:   time.Now().UTC(),
	}

	return qm.enqueue(ctx, queue.Orchestrator, queue.PriorityCritical, payload, opts)
}

// EnqueueNode records the node as queued and hands it to the queue of its type.
func (qm *QueueManager) EnqueueNode(ctx context.Context, dispatch NodeDispatch, opts ...DispatchOption) (*models.QueueJob, error) {
	ctx, span := otelhelper.StartSpan(ctx, qm.tracer, "dispatcher.enqueue_node",
		attribute.String(otelhelper.ExecutionIDKey, dispatch.ExecutionID),
		attribute.String(otelhelper.NodeIDKey, dispatch.NodeID),
		attribute.String(otelhelper.NodeTypeKey, dispatch.NodeType),
	)
	defer span.End()

	spec, err := qm.nodes.Lookup(dispatch.NodeType)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, &models.UnknownNodeTypeError{NodeType: dispatch.NodeType, NodeID: dispatch.NodeID}
	}

	if spec.Passthrough {
		return nil, fmt.Errorf("node %s of type %s is not dispatchable", dispatch.NodeID, dispatch.NodeType)
	}

	data := dispatch.NodeData
	resolved := dispatch.InputsResolved

	if dispatch.Graph != nil && !resolved {
		data, err = qm.state.ResolveNodeInputs(ctx, dispatch.ExecutionID, dispatch.NodeID, dispatch.NodeData, *dispatch.Graph)
		if err != nil {
			otelhelper.SetError(span, err)

			return nil, fmt.Errorf("failed to resolve inputs for node %s: %w", dispatch.NodeID, err)
		}

		resolved = true
	}

	err = qm.state.MarkNodeQueued(ctx, dispatch.ExecutionID, dispatch.NodeID)
	if err != nil {
		return nil, err
	}

	_, err = qm.executions.TransitionStatus(ctx, dispatch.ExecutionID,
		[]models.ExecutionStatus{models.ExecutionStatusPending}, models.ExecutionStatusRunning, "")
	if err != nil {
		return nil, err
	}

	payload := models.JobPayload{
		ExecutionID:    dispatch.ExecutionID,
		WorkflowID:     dispatch.WorkflowID,
		NodeID:         dispatch.NodeID,
		NodeType:       dispatch.NodeType,
		NodeData:       data,
		DependsOn:      dispatch.DependsOn,
		Kind:           spec.Kind,
		DebugMode:      dispatch.Debug,
		InputsResolved: resolved,
		Timestamp:      time.Now().UTC(),
	}

	job, err := qm.enqueue(ctx, spec.Queue, spec.Priority, payload, opts)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	qm.publishSnapshot(ctx, dispatch.ExecutionID)

	return job, nil
}

// enqueue persists a pending QueueJob and hands the job to the broker under the same id.
// The record is marked failed when the broker rejects the job so recovery never picks it up.
func (qm *QueueManager) enqueue(ctx context.Context, queueName string, priority int, payload models.JobPayload, opts []DispatchOption) (*models.QueueJob, error) {
	config, err := qm.queues.Get(queueName)
	if err != nil {
		return nil, err
	}

	options := dispatchOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	now := time.Now().UTC()
	id := uuid.New().String()

	record := &models.QueueJob{
		ID:            id,
		QueueJobID:    id,
		QueueName:     queueName,
		ExecutionID:   payload.ExecutionID,
		NodeID:        payload.NodeID,
		Status:        models.JobStatusPending,
		Priority:      priority,
		Payload:       payload,
		Logs:          []models.JobLog{models.NewJobLog(models.LogLevelInfo, "Job queued on "+queueName)},
		RecoveryCount: options.recoveryCount,
		RecoveredFrom: options.recoveredFrom,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = qm.jobs.Create(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	_, err = qm.broker.Enqueue(ctx, &queue.Job{
		ID:          id,
		Queue:       queueName,
		Name:        payload.Kind,
		Priority:    priority,
		Payload:     payload,
		MaxAttempts: config.MaxAttempts,
		EnqueuedAt:  now,
	})
	if err != nil {
		updateErr := qm.jobs.UpdateStatus(ctx, id, models.JobStatusFailed, models.JobUpdate{Error: "enqueue failed: " + err.Error()})
		if updateErr != nil {
			qm.logger.ErrorContext(ctx, "Failed to mark unqueued job as failed", "job_id", id, "error", updateErr)
		}

		return nil, fmt.Errorf("failed to enqueue job on %s: %w", queueName, err)
	}

	qm.logger.InfoContext(ctx, "Job enqueued",
		"job_id", id,
		"queue", queueName,
		"execution_id", payload.ExecutionID,
		"node_id", payload.NodeID,
		"recovery_count", options.recoveryCount,
	)

	return record, nil
}

// UpdateJobStatus moves a QueueJob through its lifecycle.
func (qm *QueueManager) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, update models.JobUpdate) error {
	return qm.jobs.UpdateStatus(ctx, jobID, status, update)
}

// HeartbeatJob records that the worker holding the job is still alive.
func (qm *QueueManager) HeartbeatJob(ctx context.Context, jobID string) error {
	return qm.jobs.Heartbeat(ctx, jobID, time.Now().UTC())
}

// MoveToDeadLetterQueue flags the job for operator attention.
func (qm *QueueManager) MoveToDeadLetterQueue(ctx context.Context, jobID, queueName, reason string) error {
	job, err := qm.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	err = qm.jobs.MoveToDLQ(ctx, jobID, reason)
	if err != nil {
		return err
	}

	qm.logger.WarnContext(ctx, "Job moved to dead-letter queue",
		"job_id", jobID,
		"queue", queueName,
		"execution_id", job.ExecutionID,
		"node_id", job.NodeID,
		"reason", reason,
	)

	qm.publish(ctx, job.ExecutionID, &events.JobDeadLettered{
		BaseEvent: events.NewBaseEvent(events.JobDeadLetteredEvent, job.ExecutionID, job.Payload.WorkflowID),
		JobID:     jobID,
		NodeID:    job.NodeID,
		QueueName: queueName,
		Reason:    reason,
	})

	return nil
}

// ContinueExecution advances the execution by one node. It finishes the execution when
// nothing is left to run and otherwise dispatches the first ready node only. A nil graph
// is loaded from the workflow store.
func (qm *QueueManager) ContinueExecution(ctx context.Context, executionID, workflowID string, graph *models.Graph) error {
	logger := qm.logger.With("execution_id", executionID)

	ctx, span := otelhelper.StartSpan(ctx, qm.tracer, "dispatcher.continue_execution",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.WorkflowIDKey, workflowID),
	)
	defer span.End()

	if graph == nil {
		wf, err := qm.workflows.GetByID(ctx, workflowID)
		if err != nil {
			otelhelper.SetError(span, err)

			return err
		}

		graph = &wf.Graph
	}

	for {
		terminal, err := qm.state.CheckExecutionCompletion(ctx, executionID)
		if err != nil {
			otelhelper.SetError(span, err)

			return err
		}

		if terminal {
			qm.publishSnapshot(ctx, executionID)

			return nil
		}

		ready, err := qm.state.GetReadyNodes(ctx, executionID)
		if err != nil {
			return err
		}

		if len(ready) == 0 {
			logger.DebugContext(ctx, "No ready nodes, waiting for in-flight work")

			return nil
		}

		execution, err := qm.executions.GetByID(ctx, executionID)
		if err != nil {
			return err
		}

		next := ready[0]

		_, err = qm.EnqueueNode(ctx, NodeDispatch{
			ExecutionID: executionID,
			WorkflowID:  workflowID,
			NodeID:      next.NodeID,
			NodeType:    next.NodeType,
			NodeData:    next.NodeData,
			DependsOn:   next.DependsOn,
			Graph:       graph,
			Debug:       execution.Debug,
		})

		if errors.Is(err, models.ErrUnknownNodeType) {
			logger.ErrorContext(ctx, "Cannot dispatch node", "node_id", next.NodeID, "node_type", next.NodeType)

			err = qm.state.FailNode(ctx, executionID, next.NodeID, err.Error())
			if err != nil {
				return err
			}

			err = qm.executions.RemovePendingNodes(ctx, executionID, next.NodeID)
			if err != nil {
				return err
			}

			continue
		}

		if err != nil {
			otelhelper.SetError(span, err)

			// Leave the entry undispatched so the next continuation retries it.
			rollbackErr := qm.executions.RemoveNodeResults(ctx, executionID, next.NodeID)
			if rollbackErr != nil {
				logger.ErrorContext(ctx, "Failed to roll back queued node", "node_id", next.NodeID, "error", rollbackErr)
			}

			return err
		}

		err = qm.executions.RemovePendingNodes(ctx, executionID, next.NodeID)
		if err != nil {
			return err
		}

		logger.InfoContext(ctx, "Node dispatched", "node_id", next.NodeID, "remaining_ready", len(ready)-1)

		return nil
	}
}

// PublishSnapshot publishes the current state of an execution.
func (qm *QueueManager) PublishSnapshot(ctx context.Context, executionID string) {
	qm.publishSnapshot(ctx, executionID)
}

func (qm *QueueManager) publishSnapshot(ctx context.Context, executionID string) {
	execution, err := qm.executions.GetByID(ctx, executionID)
	if err != nil {
		qm.logger.WarnContext(ctx, "Failed to load execution for snapshot", "execution_id", executionID, "error", err)

		return
	}

	qm.publish(ctx, executionID, events.NewExecutionUpdated(execution))
}

func (qm *QueueManager) publish(ctx context.Context, key string, event eventbus.Event) {
	err := qm.publisher.Publish(ctx, key, event)
	if err != nil {
		qm.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
