// Package recovery heals queue jobs that stopped reporting progress and replays
// dead-lettered jobs on request.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/genflow/pkg/dispatcher"
	"github.com/dukex/genflow/pkg/eventbus"
	"github.com/dukex/genflow/pkg/events"
	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/queue"
	"github.com/dukex/genflow/pkg/workflow"
	"github.com/robfig/cron/v3"
)

const ExhaustedReason = "recovery attempts exhausted"

type Config struct {
	StallThreshold time.Duration `yaml:"stall_threshold" validate:"required,min=1s"`
	MaxRecoveries  int           `yaml:"max_recoveries"  validate:"required,min=1"`
	Schedule       string        `yaml:"schedule"        validate:"required"`
	BatchSize      int           `yaml:"batch_size"      validate:"omitempty,min=1"`
}

func DefaultConfig() Config {
	return Config{
		StallThreshold: 5 * time.Minute,
		MaxRecoveries:  3,
		Schedule:       "@every 1m",
		BatchSize:      100,
	}
}

// Dispatcher is the part of the queue manager recovery re-dispatches through.
type Dispatcher interface {
	EnqueueWorkflow(ctx context.Context, executionID, workflowID string, opts ...dispatcher.DispatchOption) (*models.QueueJob, error)
	EnqueueNode(ctx context.Context, dispatch dispatcher.NodeDispatch, opts ...dispatcher.DispatchOption) (*models.QueueJob, error)
	MoveToDeadLetterQueue(ctx context.Context, jobID, queueName, reason string) error
}

type Service struct {
	logger     *slog.Logger
	config     Config
	jobs       persistence.JobRepository
	executions persistence.ExecutionRepository
	workflows  persistence.WorkflowRepository
	state      *workflow.StateManager
	broker     queue.Broker
	dispatcher Dispatcher
	publisher  eventbus.EventPublisher
	cron       *cron.Cron
}

func NewService(
	logger *slog.Logger,
	config Config,
	store persistence.Persistence,
	state *workflow.StateManager,
	broker queue.Broker,
	dispatcher Dispatcher,
	publisher eventbus.EventPublisher,
) *Service {
	defaults := DefaultConfig()

	if config.StallThreshold <= 0 {
		config.StallThreshold = defaults.StallThreshold
	}

	if config.MaxRecoveries < 1 {
		config.MaxRecoveries = defaults.MaxRecoveries
	}

	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}

	if config.BatchSize < 1 {
		config.BatchSize = defaults.BatchSize
	}

	if publisher == nil {
		publisher = eventbus.NopPublisher{}
	}

	return &Service{
		logger:     logger.With("module", "recovery"),
		config:     config,
		jobs:       store.Jobs(),
		executions: store.Executions(),
		workflows:  store.Workflows(),
		state:      state,
		broker:     broker,
		dispatcher: dispatcher,
		publisher:  publisher,
	}
}

// RecoverStalledJobs runs one recovery pass over every execution and returns the number
// of jobs re-dispatched.
func (s *Service) RecoverStalledJobs(ctx context.Context) (int, error) {
	before := time.Now().UTC().Add(-s.config.StallThreshold)

	return s.pass(ctx, models.StalledJobQuery{Before: before})
}

// RecoverExecution re-dispatches the unfinished jobs of one execution regardless of their age.
func (s *Service) RecoverExecution(ctx context.Context, executionID string) (int, error) {
	_, err := s.executions.GetByID(ctx, executionID)
	if err != nil {
		return 0, err
	}

	return s.pass(ctx, models.StalledJobQuery{ExecutionID: executionID})
}

type outcome int

const (
	outcomeRecovered outcome = iota
	outcomeRefreshed
	outcomeAbandoned
)

func (s *Service) pass(ctx context.Context, query models.StalledJobQuery) (int, error) {
	query.MaxRecoveries = s.config.MaxRecoveries
	query.Limit = s.config.BatchSize

	candidates, err := s.jobs.FindStalled(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to find stalled jobs: %w", err)
	}

	exhaustedQuery := query
	exhaustedQuery.Exhausted = true

	exhausted, err := s.jobs.FindStalled(ctx, exhaustedQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to find exhausted jobs: %w", err)
	}

	statuses := make(map[string]models.ExecutionStatus)
	abandoned := make(map[string][]string)
	recovered := 0
	refreshed := 0

	for _, job := range candidates {
		result, err := s.recoverJob(ctx, job, statuses)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to recover job",
				"job_id", job.ID,
				"execution_id", job.ExecutionID,
				"node_id", job.NodeID,
				"error", err,
			)

			continue
		}

		switch result {
		case outcomeRecovered:
			recovered++
		case outcomeRefreshed:
			refreshed++
		case outcomeAbandoned:
			abandoned[job.ExecutionID] = append(abandoned[job.ExecutionID], job.ID)
		}
	}

	for _, job := range exhausted {
		terminal, err := s.terminal(ctx, job.ExecutionID, statuses)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to load execution of exhausted job", "job_id", job.ID, "error", err)

			continue
		}

		if terminal {
			abandoned[job.ExecutionID] = append(abandoned[job.ExecutionID], job.ID)

			continue
		}

		live, err := queue.IsLive(ctx, s.broker, job.QueueName, job.QueueJobID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to check broker state of exhausted job", "job_id", job.ID, "error", err)

			continue
		}

		if live {
			err = s.jobs.Heartbeat(ctx, job.ID, time.Now().UTC())
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to refresh exhausted job", "job_id", job.ID, "error", err)
			}

			refreshed++

			continue
		}

		err = s.dispatcher.MoveToDeadLetterQueue(ctx, job.ID, job.QueueName, ExhaustedReason)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to dead-letter exhausted job", "job_id", job.ID, "error", err)
		}
	}

	for executionID, ids := range abandoned {
		reason := models.AbandonedReason(executionID, statuses[executionID])

		count, err := s.jobs.MarkAbandoned(ctx, ids, reason)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to mark jobs abandoned", "execution_id", executionID, "error", err)

			continue
		}

		s.logger.InfoContext(ctx, "Abandoned jobs of finished execution", "execution_id", executionID, "count", count)
	}

	if len(candidates) > 0 || len(exhausted) > 0 {
		s.logger.InfoContext(ctx, "Recovery pass finished",
			"candidates", len(candidates),
			"recovered", recovered,
			"refreshed", refreshed,
			"exhausted", len(exhausted),
		)
	}

	return recovered, nil
}

func (s *Service) recoverJob(ctx context.Context, job *models.QueueJob, statuses map[string]models.ExecutionStatus) (outcome, error) {
	terminal, err := s.terminal(ctx, job.ExecutionID, statuses)
	if err != nil {
		return 0, err
	}

	if terminal {
		return outcomeAbandoned, nil
	}

	live, err := queue.IsLive(ctx, s.broker, job.QueueName, job.QueueJobID)
	if err != nil {
		return 0, fmt.Errorf("failed to check broker state: %w", err)
	}

	if live {
		err = s.jobs.Heartbeat(ctx, job.ID, time.Now().UTC())
		if err != nil {
			return 0, err
		}

		s.logger.DebugContext(ctx, "Stalled job is still live on the broker", "job_id", job.ID)

		return outcomeRefreshed, nil
	}

	replacement, err := s.redispatch(ctx, job, dispatcher.WithRecovery(job))
	if err != nil {
		return 0, err
	}

	message := fmt.Sprintf("Recovered after stall as job %s (recovery %d of %d)", replacement.ID, replacement.RecoveryCount, s.config.MaxRecoveries)

	err = s.jobs.MarkRecovered(ctx, job.ID, models.NewJobLog(models.LogLevelWarn, message))
	if err != nil {
		return 0, fmt.Errorf("job re-dispatched as %s but the old record was not updated: %w", replacement.ID, err)
	}

	s.logger.WarnContext(ctx, "Job recovered",
		"job_id", job.ID,
		"new_job_id", replacement.ID,
		"execution_id", job.ExecutionID,
		"node_id", job.NodeID,
		"recovery_count", replacement.RecoveryCount,
	)

	s.publish(ctx, job, replacement)

	return outcomeRecovered, nil
}

// redispatch rebuilds the unit of work from the persisted payload.
func (s *Service) redispatch(ctx context.Context, job *models.QueueJob, opt dispatcher.DispatchOption) (*models.QueueJob, error) {
	if job.IsRoot() {
		return s.dispatcher.EnqueueWorkflow(ctx, job.ExecutionID, job.Payload.WorkflowID, opt)
	}

	return s.dispatcher.EnqueueNode(ctx, dispatcher.NodeDispatch{
		ExecutionID:    job.ExecutionID,
		WorkflowID:     job.Payload.WorkflowID,
		NodeID:         job.NodeID,
		NodeType:       job.Payload.NodeType,
		NodeData:       job.Payload.NodeData,
		DependsOn:      job.Payload.DependsOn,
		InputsResolved: job.Payload.InputsResolved,
		Debug:          job.Payload.DebugMode,
	}, opt)
}

func (s *Service) terminal(ctx context.Context, executionID string, statuses map[string]models.ExecutionStatus) (bool, error) {
	status, ok := statuses[executionID]
	if !ok {
		execution, err := s.executions.GetByID(ctx, executionID)
		if err != nil {
			return false, err
		}

		status = execution.Status
		statuses[executionID] = status
	}

	return status.IsTerminal(), nil
}

func (s *Service) publish(ctx context.Context, old, replacement *models.QueueJob) {
	err := s.publisher.Publish(ctx, old.ExecutionID, &events.JobRecovered{
		BaseEvent:     events.NewBaseEvent(events.JobRecoveredEvent, old.ExecutionID, old.Payload.WorkflowID),
		JobID:         old.ID,
		NewJobID:      replacement.ID,
		NodeID:        old.NodeID,
		RecoveryCount: replacement.RecoveryCount,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to publish recovery event", "job_id", old.ID, "error", err)
	}
}

// RetryFromDLQ takes a dead-lettered job out of the queue and dispatches it again with a
// fresh recovery count. A job whose failure ended its execution reopens the execution and
// re-dispatches it from its root, so the failed node and its skipped dependents run again.
func (s *Service) RetryFromDLQ(ctx context.Context, jobID string) (*models.QueueJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !job.MovedToDLQ {
		return nil, persistence.NewJobError("RetryFromDLQ", jobID, persistence.ErrJobNotInDLQ)
	}

	execution, err := s.executions.GetByID(ctx, job.ExecutionID)
	if err != nil {
		return nil, err
	}

	reopen := execution.Status == models.ExecutionStatusFailed
	if execution.Status.IsTerminal() && !reopen {
		return nil, fmt.Errorf("%w: %s is %s", workflow.ErrExecutionTerminal, execution.ID, execution.Status)
	}

	var graph models.Graph

	if reopen {
		wf, err := s.workflows.GetByID(ctx, execution.WorkflowID)
		if err != nil {
			return nil, err
		}

		graph = wf.Graph
	}

	err = s.jobs.ResetForRetry(ctx, jobID, models.NewJobLog(models.LogLevelInfo, "Retried from dead-letter queue"))
	if err != nil {
		return nil, err
	}

	var replacement *models.QueueJob

	if reopen {
		replacement, err = s.reopen(ctx, job, graph)
	} else {
		replacement, err = s.redispatch(ctx, job, dispatcher.WithRetryOf(job))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to re-dispatch job %s: %w", jobID, err)
	}

	err = s.jobs.MarkRecovered(ctx, jobID, models.NewJobLog(models.LogLevelWarn, "Re-dispatched as job "+replacement.ID))
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to supersede retried job", "job_id", jobID, "error", err)
	}

	s.logger.InfoContext(ctx, "Job retried from dead-letter queue",
		"job_id", jobID,
		"new_job_id", replacement.ID,
		"reopened", reopen,
	)

	return replacement, nil
}

func (s *Service) reopen(ctx context.Context, job *models.QueueJob, graph models.Graph) (*models.QueueJob, error) {
	reopened, err := s.state.Reopen(ctx, job.ExecutionID, graph)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Execution reopened for retry", "execution_id", job.ExecutionID, "nodes", len(reopened))

	return s.dispatcher.EnqueueWorkflow(ctx, job.ExecutionID, job.Payload.WorkflowID, dispatcher.WithRetryOf(job))
}

func (s *Service) GetJobStats(ctx context.Context) (*models.JobStats, error) {
	return s.jobs.Stats(ctx)
}

func (s *Service) GetDLQJobs(ctx context.Context, limit, offset int) ([]*models.QueueJob, int, error) {
	if limit < 1 {
		limit = 50
	}

	if offset < 0 {
		offset = 0
	}

	return s.jobs.ListDLQ(ctx, limit, offset)
}

// Start runs one recovery pass and then schedules further passes.
func (s *Service) Start(ctx context.Context) error {
	schedule, err := cron.ParseStandard(s.config.Schedule)
	if err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", s.config.Schedule, err)
	}

	s.run(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(ctx) }))
	s.cron.Start()

	s.logger.InfoContext(ctx, "Recovery service started",
		"schedule", s.config.Schedule,
		"stall_threshold", s.config.StallThreshold,
		"max_recoveries", s.config.MaxRecoveries,
	)

	return nil
}

func (s *Service) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	_, err := s.RecoverStalledJobs(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.ErrorContext(ctx, "Recovery pass failed", "error", err)
	}
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}

	s.logger.InfoContext(ctx, "Stopping recovery service")

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
