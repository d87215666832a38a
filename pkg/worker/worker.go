// Package worker consumes queued jobs and runs the graph nodes they carry.
package worker

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
	"github.com/dukex/genflow/pkg/provider"
	"github.com/dukex/genflow/pkg/queue"
	"github.com/dukex/genflow/pkg/registry"
	"github.com/dukex/genflow/pkg/workflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Dispatcher is the part of the queue manager a worker drives.
type Dispatcher interface {
	JobTracker
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, update models.JobUpdate) error
	MoveToDeadLetterQueue(ctx context.Context, jobID, queueName, reason string) error
	ContinueExecution(ctx context.Context, executionID, workflowID string, graph *models.Graph) error
}

type Config struct {
	ID string `yaml:"id"`
	// Queues limits the worker to the named queues. Empty means every registered queue.
	Queues []string `yaml:"queues"`
}

type Worker struct {
	id         string
	logger     *slog.Logger
	broker     queue.Broker
	queues     *queue.Registry
	names      []string
	nodes      *registry.Registry
	state      *workflow.StateManager
	executions persistence.ExecutionRepository
	workflows  persistence.WorkflowRepository
	dispatcher Dispatcher
	publisher  eventbus.EventPublisher
	executors  map[models.JobKind]NodeExecutor
	tracer     trace.Tracer
}

func NewWorker(
	logger *slog.Logger,
	config Config,
	store persistence.Persistence,
	broker queue.Broker,
	queues *queue.Registry,
	nodes *registry.Registry,
	state *workflow.StateManager,
	dispatcher Dispatcher,
	publisher eventbus.EventPublisher,
	executors map[models.JobKind]NodeExecutor,
) (*Worker, error) {
	id := config.ID
	if id == "" {
		id = "worker-" + uuid.New().String()[:8]
	}

	names := config.Queues
	if len(names) == 0 {
		names = queues.Names()
	}

	for _, name := range names {
		if _, err := queues.Get(name); err != nil {
			return nil, err
		}
	}

	if publisher == nil {
		publisher = eventbus.NopPublisher{}
	}

	return &Worker{
		id:         id,
		logger:     logger.With("module", "worker", "worker_id", id),
		broker:     broker,
		queues:     queues,
		names:      names,
		nodes:      nodes,
		state:      state,
		executions: store.Executions(),
		workflows:  store.Workflows(),
		dispatcher: dispatcher,
		publisher:  publisher,
		executors:  executors,
		tracer:     otel.Tracer("genflow/worker"),
	}, nil
}

func (w *Worker) ID() string {
	return w.id
}

// Run consumes every configured queue with its concurrency until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, name := range w.names {
		config, err := w.queues.Get(name)
		if err != nil {
			return err
		}

		g.Go(func() error {
			w.logger.InfoContext(ctx, "Consuming queue", "queue", name, "concurrency", config.Concurrency)

			err := w.broker.Consume(ctx, name, config.Concurrency, w.Handle)
			if err != nil {
				return fmt.Errorf("queue %s: %w", name, err)
			}

			return nil
		})
	}

	return g.Wait()
}

// Handle runs one job. Node failures are recorded and swallowed. Other errors are returned
// so the broker retries the job; on the final attempt the node fails and the job is
// dead-lettered.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.handle_job",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.QueueKey, job.Queue),
		attribute.Int(otelhelper.AttemptKey, job.Attempt),
		attribute.String(otelhelper.ExecutionIDKey, job.Payload.ExecutionID),
		attribute.String(otelhelper.NodeIDKey, job.Payload.NodeID),
		attribute.String(otelhelper.WorkerIDKey, w.id),
	)
	defer span.End()

	logger := w.logger.With(
		"job_id", job.ID,
		"queue", job.Queue,
		"execution_id", job.Payload.ExecutionID,
		"node_id", job.Payload.NodeID,
		"attempt", job.Attempt,
	)

	err := w.process(ctx, logger, job)
	if err == nil {
		return nil
	}

	otelhelper.SetError(span, err)

	if ctx.Err() != nil {
		logger.WarnContext(ctx, "Job interrupted", "error", err)

		return err
	}

	if !job.FinalAttempt() {
		logger.WarnContext(ctx, "Job attempt failed", "error", err, "max_attempts", job.MaxAttempts)

		return err
	}

	logger.ErrorContext(ctx, "Job failed on its final attempt", "error", err)

	w.exhaust(ctx, logger, job, err)

	return err
}

// exhaust settles a job that failed its last attempt. A node job fails its node so the
// execution can finish, and a root job fails the execution outright. Either way the job
// record is dead-lettered for replay.
func (w *Worker) exhaust(ctx context.Context, logger *slog.Logger, job *queue.Job, cause error) {
	message := cause.Error()

	execution, err := w.executions.GetByID(ctx, job.Payload.ExecutionID)
	if err == nil && execution.Status.IsTerminal() {
		err = w.abandon(ctx, logger, job, execution.Status)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to abandon job", "error", err)
		}

		return
	}

	if isRootJob(job) {
		_, err = w.executions.TransitionStatus(ctx, job.Payload.ExecutionID,
			[]models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning},
			models.ExecutionStatusFailed, message)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to fail execution of exhausted root job", "error", err)
		}
	} else {
		err = w.failNode(ctx, logger, job, message, 0)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to fail node of exhausted job", "error", err)
		}
	}

	err = w.updateJob(ctx, logger, job.ID, models.JobStatusFailed, models.JobUpdate{
		Error:        message,
		AttemptsMade: job.Attempt,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to mark job failed", "error", err)
	}

	err = w.dispatcher.MoveToDeadLetterQueue(ctx, job.ID, job.Queue, message)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to move job to dead-letter queue", "error", err)
	}
}

func isRootJob(job *queue.Job) bool {
	return job.Payload.Kind == models.JobKindWorkflow || job.Payload.NodeID == models.RootNodeID
}

// updateJob moves the job record through its lifecycle. A record already in the
// dead-letter queue keeps its failed status.
func (w *Worker) updateJob(ctx context.Context, logger *slog.Logger, jobID string, status models.JobStatus, update models.JobUpdate) error {
	err := w.dispatcher.UpdateJobStatus(ctx, jobID, status, update)
	if persistence.IsJobDeadLettered(err) {
		logger.WarnContext(ctx, "Job is in the dead-letter queue, status left unchanged", "status", status)

		return nil
	}

	return err
}

func (w *Worker) process(ctx context.Context, logger *slog.Logger, job *queue.Job) error {
	payload := job.Payload

	err := w.dispatcher.UpdateJobStatus(ctx, job.ID, models.JobStatusActive, models.JobUpdate{AttemptsMade: job.Attempt})
	if persistence.IsJobDeadLettered(err) {
		logger.InfoContext(ctx, "Job was dead-lettered, dropping delivery")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to mark job active: %w", err)
	}

	execution, err := w.executions.GetByID(ctx, payload.ExecutionID)
	if err != nil {
		return err
	}

	if execution.Status.IsTerminal() {
		return w.abandon(ctx, logger, job, execution.Status)
	}

	if isRootJob(job) {
		err = w.dispatcher.ContinueExecution(ctx, payload.ExecutionID, payload.WorkflowID, nil)
		if err != nil {
			return err
		}

		return w.updateJob(ctx, logger, job.ID, models.JobStatusCompleted, models.JobUpdate{})
	}

	// A retried job whose node already finished only needs the continuation.
	if result, ok := execution.Result(payload.NodeID); ok && !result.Status.InFlight() {
		logger.InfoContext(ctx, "Node already finished", "status", result.Status)

		return w.settle(ctx, logger, job, result)
	}

	request, err := w.request(ctx, job, execution)

	var invalid *invalidNodeError
	if errors.As(err, &invalid) {
		return w.failNode(ctx, logger, job, invalid.Error(), 0)
	}

	if err != nil {
		return err
	}

	executor, ok := w.executors[request.Spec.Kind]
	if !ok || executor == nil {
		return w.failNode(ctx, logger, job, fmt.Sprintf("no executor for %s nodes", request.Spec.Kind), 0)
	}

	if request.Debug {
		logger.DebugContext(ctx, "Executing node", "node_type", request.NodeType, "inputs", request.Data)
	}

	started := time.Now()
	outcome, err := executor.Execute(ctx, request)
	duration := time.Since(started)

	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrExecutionTerminal):
		return w.abandonCurrent(ctx, logger, job)
	case ctx.Err() != nil, provider.IsRetryable(err):
		return err
	default:
		return w.failNode(ctx, logger, job, err.Error(), duration)
	}

	if request.Debug {
		logger.DebugContext(ctx, "Node executed", "output", outcome.Output, "cost", outcome.Cost, "duration", duration)
	}

	err = w.state.CompleteNode(ctx, payload.ExecutionID, payload.NodeID, outcome.Output, outcome.Cost)
	if errors.Is(err, workflow.ErrExecutionTerminal) {
		return w.abandonCurrent(ctx, logger, job)
	}

	if err != nil {
		return err
	}

	err = w.updateJob(ctx, logger, job.ID, models.JobStatusCompleted, models.JobUpdate{Result: outcome.Output})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Node completed", "node_type", payload.NodeType, "cost", outcome.Cost, "duration", duration)

	w.publish(ctx, payload.ExecutionID, &events.NodeCompleted{
		BaseEvent: w.baseEvent(events.NodeCompletedEvent, payload),
		NodeID:    payload.NodeID,
		NodeType:  payload.NodeType,
		Output:    outcome.Output,
		Cost:      outcome.Cost,
		Duration:  duration,
	})

	return w.dispatcher.ContinueExecution(ctx, payload.ExecutionID, payload.WorkflowID, nil)
}

// invalidNodeError is a node that cannot run as dispatched. It fails the node, never the job.
type invalidNodeError struct {
	err error
}

func (e *invalidNodeError) Error() string { return e.err.Error() }
func (e *invalidNodeError) Unwrap() error { return e.err }

func (w *Worker) request(ctx context.Context, job *queue.Job, execution *models.Execution) (NodeRequest, error) {
	payload := job.Payload

	spec, err := w.nodes.Lookup(payload.NodeType)
	if err != nil {
		return NodeRequest{}, &invalidNodeError{err: err}
	}

	data := payload.NodeData

	if !payload.InputsResolved {
		wf, err := w.workflows.GetByID(ctx, payload.WorkflowID)
		if err != nil {
			return NodeRequest{}, err
		}

		data, err = w.state.ResolveNodeInputs(ctx, payload.ExecutionID, payload.NodeID, payload.NodeData, wf.Graph)
		if err != nil {
			return NodeRequest{}, err
		}
	}

	err = w.nodes.Validate(payload.NodeType, data)
	if err != nil {
		return NodeRequest{}, &invalidNodeError{err: err}
	}

	return NodeRequest{
		JobID:       job.ID,
		ExecutionID: payload.ExecutionID,
		WorkflowID:  payload.WorkflowID,
		NodeID:      payload.NodeID,
		NodeType:    payload.NodeType,
		Data:        data,
		Spec:        spec,
		Debug:       payload.DebugMode || execution.Debug,
		Attempt:     job.Attempt,
	}, nil
}

func (w *Worker) failNode(ctx context.Context, logger *slog.Logger, job *queue.Job, message string, duration time.Duration) error {
	payload := job.Payload

	err := w.state.FailNode(ctx, payload.ExecutionID, payload.NodeID, message)
	if errors.Is(err, workflow.ErrExecutionTerminal) {
		return w.abandonCurrent(ctx, logger, job)
	}

	if err != nil {
		return err
	}

	err = w.updateJob(ctx, logger, job.ID, models.JobStatusFailed, models.JobUpdate{Error: message})
	if err != nil {
		return err
	}

	logger.WarnContext(ctx, "Node failed", "node_type", payload.NodeType, "error", message)

	w.publish(ctx, payload.ExecutionID, &events.NodeFailed{
		BaseEvent: w.baseEvent(events.NodeFailedEvent, payload),
		NodeID:    payload.NodeID,
		NodeType:  payload.NodeType,
		Error:     message,
		Duration:  duration,
	})

	return w.dispatcher.ContinueExecution(ctx, payload.ExecutionID, payload.WorkflowID, nil)
}

// settle brings the job record in line with a node result written by an earlier attempt.
func (w *Worker) settle(ctx context.Context, logger *slog.Logger, job *queue.Job, result models.NodeResult) error {
	err := w.dispatcher.ContinueExecution(ctx, job.Payload.ExecutionID, job.Payload.WorkflowID, nil)
	if err != nil {
		return err
	}

	if result.Status == models.NodeStatusComplete {
		return w.updateJob(ctx, logger, job.ID, models.JobStatusCompleted, models.JobUpdate{Result: result.Output})
	}

	return w.updateJob(ctx, logger, job.ID, models.JobStatusFailed, models.JobUpdate{Error: result.Error})
}

// abandonCurrent reloads the execution that finished while the job ran.
func (w *Worker) abandonCurrent(ctx context.Context, logger *slog.Logger, job *queue.Job) error {
	execution, err := w.executions.GetByID(ctx, job.Payload.ExecutionID)
	if err != nil {
		return err
	}

	return w.abandon(ctx, logger, job, execution.Status)
}

func (w *Worker) abandon(ctx context.Context, logger *slog.Logger, job *queue.Job, status models.ExecutionStatus) error {
	logger.InfoContext(ctx, "Execution already finished, dropping job", "status", status)

	return w.updateJob(ctx, logger, job.ID, models.JobStatusFailed, models.JobUpdate{
		Error: models.AbandonedReason(job.Payload.ExecutionID, status),
	})
}

func (w *Worker) baseEvent(eventType events.EventType, payload models.JobPayload) events.BaseEvent {
	base := events.NewBaseEvent(eventType, payload.ExecutionID, payload.WorkflowID)
	base.WorkerID = w.id

	return base
}

func (w *Worker) publish(ctx context.Context, key string, event eventbus.Event) {
	err := w.publisher.Publish(ctx, key, event)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
