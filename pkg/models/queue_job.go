package models

import "time"

// RootNodeID is the node id recorded for the whole-workflow kickoff job.
const RootNodeID = "root"

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRecovered JobStatus = "recovered"
)

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// JobKind selects how a worker handles a dispatched job.
type JobKind string

const (
	JobKindWorkflow   JobKind = "workflow"
	JobKindLiteral    JobKind = "literal"
	JobKindPrediction JobKind = "prediction"
	JobKindProcessing JobKind = "processing"
)

type JobLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// NewJobLog returns a log entry stamped with the current time.
func NewJobLog(level LogLevel, message string) JobLog {
	return JobLog{Timestamp: time.Now().UTC(), Level: level, Message: message}
}

// JobPayload is the dispatch snapshot carried by a queued job. It holds enough
// to re-derive the same unit of work after a stall.
type JobPayload struct {
	ExecutionID    string         `json:"execution_id"`
	WorkflowID     string         `json:"workflow_id"`
	NodeID         string         `json:"node_id,omitempty"`
	NodeType       string         `json:"node_type,omitempty"`
	NodeData       map[string]any `json:"node_data,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Kind           JobKind        `json:"kind"`
	DebugMode      bool           `json:"debug_mode"`
	InputsResolved bool           `json:"inputs_resolved,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// QueueJob is the durable shadow of a dispatched unit of work.
type QueueJob struct {
	ID            string         `json:"id"`
	QueueJobID    string         `json:"queue_job_id"`
	QueueName     string         `json:"queue_name"`
	ExecutionID   string         `json:"execution_id"`
	NodeID        string         `json:"node_id"`
	Status        JobStatus      `json:"status"`
	Priority      int            `json:"priority"`
	Payload       JobPayload     `json:"payload"`
	Logs          []JobLog       `json:"logs"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	RecoveryCount int            `json:"recovery_count"`
	MovedToDLQ    bool           `json:"moved_to_dlq"`
	FailedReason  string         `json:"failed_reason,omitempty"`
	PredictionID  string         `json:"prediction_id,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	AttemptsMade  int            `json:"attempts_made"`
	RecoveredFrom string         `json:"recovered_from,omitempty"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (j *QueueJob) IsRoot() bool {
	return j.NodeID == RootNodeID
}

// JobUpdate carries the optional fields of a status transition. Zero values are left untouched.
type JobUpdate struct {
	Result       map[string]any
	Error        string
	AttemptsMade int
}

// ApplyStatus mutates the job the way every store does on a status change.
func (j *QueueJob) ApplyStatus(status JobStatus, update JobUpdate, now time.Time) {
	j.Status = status
	j.UpdatedAt = now

	if update.Result != nil {
		j.Result = update.Result
	}

	if update.Error != "" {
		j.Error = update.Error
		j.FailedReason = update.Error
	}

	if update.AttemptsMade > 0 {
		j.AttemptsMade = update.AttemptsMade
	}

	switch status {
	case JobStatusActive:
		j.ProcessedAt = &now
	case JobStatusCompleted, JobStatusFailed:
		j.FinishedAt = &now
	}
}

// StalledJobQuery selects recovery candidates from the job store.
type StalledJobQuery struct {
	// ExecutionID narrows the scan to one execution when set.
	ExecutionID string
	// Before is the stall cutoff; zero disables the age check.
	Before        time.Time
	MaxRecoveries int
	// Exhausted selects jobs whose recovery count reached MaxRecoveries instead of those below it.
	Exhausted bool
	Limit     int
}

// Matches reports whether job satisfies the query.
func (q StalledJobQuery) Matches(job *QueueJob) bool {
	if job.Status != JobStatusPending && job.Status != JobStatusActive {
		return false
	}

	if job.MovedToDLQ {
		return false
	}

	if q.ExecutionID != "" && job.ExecutionID != q.ExecutionID {
		return false
	}

	if !q.Before.IsZero() {
		if !job.UpdatedAt.Before(q.Before) {
			return false
		}

		if job.LastHeartbeat != nil && !job.LastHeartbeat.Before(q.Before) {
			return false
		}
	}

	if q.Exhausted {
		return job.RecoveryCount >= q.MaxRecoveries
	}

	return job.RecoveryCount < q.MaxRecoveries
}

// JobStats aggregates the job store for operators.
type JobStats struct {
	Total    int               `json:"total"`
	ByStatus map[JobStatus]int `json:"by_status"`
	ByQueue  map[string]int    `json:"by_queue"`
	DLQ      int               `json:"dlq"`
}

// ExistingJob is the external work already associated with a node.
type ExistingJob struct {
	JobID        string    `json:"job_id,omitempty"`
	PredictionID string    `json:"prediction_id"`
	Status       JobStatus `json:"status,omitempty"`
}

// AbandonedReason is the failure reason of a job whose execution finished without it.
func AbandonedReason(executionID string, status ExecutionStatus) string {
	return "abandoned: execution " + executionID + " is " + string(status)
}
