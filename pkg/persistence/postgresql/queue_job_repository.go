package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/lib/pq"
)

const jobColumns = `
	id
  , queue_job_id
  , queue_name
  , execution_id
  , node_id
  , status
  , priority
  , payload
  , logs
  , last_heartbeat
  , recovery_count
  , moved_to_dlq
  , COALESCE(failed_reason, '')
  , COALESCE(prediction_id, '')
  , result
  , COALESCE(error, '')
  , attempts_made
  , COALESCE(recovered_from, '')
  , processed_at
  , finished_at
  , created_at
  , updated_at
`

// JobRepository handles queue job database operations.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJobRepository creates a new queue job repository.
func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

func (r *JobRepository) Create(ctx context.Context, job *models.QueueJob) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, fmt.Errorf("failed to marshal payload: %w", err))
	}

	logs := job.Logs
	if logs == nil {
		logs = []models.JobLog{}
	}

	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, fmt.Errorf("failed to marshal logs: %w", err))
	}

	resultJSON, err := json.Marshal(job.Result)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, fmt.Errorf("failed to marshal result: %w", err))
	}

	query := `
		INSERT INTO queue_jobs (
			id, queue_job_id, queue_name, execution_id, node_id, status, priority, payload, logs,
			last_heartbeat, recovery_count, moved_to_dlq, failed_reason, prediction_id, result, error,
			attempts_made, recovered_from, processed_at, finished_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`

	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.QueueJobID,
		job.QueueName,
		job.ExecutionID,
		job.NodeID,
		job.Status,
		job.Priority,
		payloadJSON,
		logsJSON,
		job.LastHeartbeat,
		job.RecoveryCount,
		job.MovedToDLQ,
		nullable(job.FailedReason),
		nullable(job.PredictionID),
		resultJSON,
		nullable(job.Error),
		job.AttemptsMade,
		nullable(job.RecoveredFrom),
		job.ProcessedAt,
		job.FinishedAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, fmt.Errorf("failed to insert job: %w", err))
	}

	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.QueueJob, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM queue_jobs WHERE id = $1", id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("GetByID", id, persistence.ErrJobNotFound)
		}

		return nil, persistence.NewJobError("GetByID", id, fmt.Errorf("failed to scan job: %w", err))
	}

	return job, nil
}

func (r *JobRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.QueueJob, error) {
	return r.query(ctx, "SELECT "+jobColumns+" FROM queue_jobs WHERE execution_id = $1 ORDER BY created_at", executionID)
}

func (r *JobRepository) GetByPredictionID(ctx context.Context, predictionID string) (*models.QueueJob, error) {
	query := "SELECT " + jobColumns + " FROM queue_jobs WHERE prediction_id = $1 ORDER BY created_at DESC LIMIT 1"

	job, err := scanJob(r.db.QueryRowContext(ctx, query, predictionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("GetByPredictionID", predictionID, persistence.ErrJobNotFound)
		}

		return nil, persistence.NewJobError("GetByPredictionID", predictionID, fmt.Errorf("failed to scan job: %w", err))
	}

	return job, nil
}

func (r *JobRepository) FindLatestForNode(ctx context.Context, executionID, nodeID string) (*models.QueueJob, error) {
	query := "SELECT " + jobColumns + `
		FROM queue_jobs
		WHERE execution_id = $1 AND node_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, executionID, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	return job, nil
}

// UpdateStatus applies a status change inside a row lock so that the timestamps follow
// the same rules as every other store.
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status models.JobStatus, update models.JobUpdate) error {
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		job, err := scanJob(tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM queue_jobs WHERE id = $1 FOR UPDATE", id))
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.ErrJobNotFound
		}

		if err != nil {
			return fmt.Errorf("failed to scan job: %w", err)
		}

		if job.MovedToDLQ {
			return persistence.ErrJobDeadLettered
		}

		job.ApplyStatus(status, update, time.Now().UTC())

		resultJSON, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}

		query := `
			UPDATE queue_jobs SET
				status = $2,
				result = $3,
				error = $4,
				failed_reason = $5,
				attempts_made = $6,
				processed_at = $7,
				finished_at = $8,
				updated_at = $9
			WHERE id = $1 AND NOT moved_to_dlq
		`

		_, err = tx.ExecContext(ctx, query,
			id,
			job.Status,
			resultJSON,
			nullable(job.Error),
			nullable(job.FailedReason),
			job.AttemptsMade,
			job.ProcessedAt,
			job.FinishedAt,
			job.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}

		return nil
	})
	if err != nil {
		return persistence.NewJobError("UpdateStatus", id, err)
	}

	return nil
}

func (r *JobRepository) Heartbeat(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "Heartbeat", id, "UPDATE queue_jobs SET last_heartbeat = $2 WHERE id = $1", at)
}

func (r *JobRepository) SetPredictionID(ctx context.Context, id, predictionID string) error {
	return r.exec(ctx, "SetPredictionID", id,
		"UPDATE queue_jobs SET prediction_id = $2, updated_at = $3 WHERE id = $1",
		predictionID, time.Now().UTC(),
	)
}

func (r *JobRepository) AppendLog(ctx context.Context, id string, entry models.JobLog) error {
	entryJSON, err := json.Marshal([]models.JobLog{entry})
	if err != nil {
		return persistence.NewJobError("AppendLog", id, fmt.Errorf("failed to marshal log: %w", err))
	}

	return r.exec(ctx, "AppendLog", id,
		"UPDATE queue_jobs SET logs = logs || $2::jsonb, updated_at = $3 WHERE id = $1",
		entryJSON, time.Now().UTC(),
	)
}

func (r *JobRepository) MarkRecovered(ctx context.Context, id string, entry models.JobLog) error {
	entryJSON, err := json.Marshal([]models.JobLog{entry})
	if err != nil {
		return persistence.NewJobError("MarkRecovered", id, fmt.Errorf("failed to marshal log: %w", err))
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE queue_jobs SET status = $2, logs = logs || $3::jsonb, updated_at = $4 WHERE id = $1 AND NOT moved_to_dlq",
		id, models.JobStatusRecovered, entryJSON, time.Now().UTC(),
	)
	if err != nil {
		return persistence.NewJobError("MarkRecovered", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewJobError("MarkRecovered", id, err)
	}

	if affected == 0 {
		return persistence.NewJobError("MarkRecovered", id, r.missing(ctx, id))
	}

	return nil
}

// missing explains why a guarded update touched no row.
func (r *JobRepository) missing(ctx context.Context, id string) error {
	var deadLettered bool

	err := r.db.QueryRowContext(ctx, "SELECT moved_to_dlq FROM queue_jobs WHERE id = $1", id).Scan(&deadLettered)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ErrJobNotFound
	}

	if err != nil {
		return err
	}

	if deadLettered {
		return persistence.ErrJobDeadLettered
	}

	return persistence.ErrJobNotFound
}

func (r *JobRepository) MarkAbandoned(ctx context.Context, ids []string, reason string) (int, error) {
	now := time.Now().UTC()

	entryJSON, err := json.Marshal([]models.JobLog{{Timestamp: now, Level: models.LogLevelWarn, Message: reason}})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal log: %w", err)
	}

	query := `
		UPDATE queue_jobs SET
			status = $2,
			failed_reason = $3,
			finished_at = $4,
			updated_at = $4,
			logs = logs || $5::jsonb
		WHERE id = ANY($1)
	`

	result, err := r.db.ExecContext(ctx, query, pq.Array(ids), models.JobStatusFailed, reason, now, entryJSON)
	if err != nil {
		return 0, fmt.Errorf("failed to mark jobs abandoned: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

func (r *JobRepository) MoveToDLQ(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()

	return r.exec(ctx, "MoveToDLQ", id, `
		UPDATE queue_jobs SET
			moved_to_dlq = true,
			status = $2,
			failed_reason = $3,
			finished_at = COALESCE(finished_at, $4),
			updated_at = $4
		WHERE id = $1
	`, models.JobStatusFailed, reason, now)
}

func (r *JobRepository) ResetForRetry(ctx context.Context, id string, entry models.JobLog) error {
	entryJSON, err := json.Marshal([]models.JobLog{entry})
	if err != nil {
		return persistence.NewJobError("ResetForRetry", id, fmt.Errorf("failed to marshal log: %w", err))
	}

	query := `
		UPDATE queue_jobs SET
			moved_to_dlq = false,
			recovery_count = 0,
			status = $2,
			finished_at = NULL,
			logs = logs || $3::jsonb,
			updated_at = $4
		WHERE id = $1 AND moved_to_dlq
	`

	result, err := r.db.ExecContext(ctx, query, id, models.JobStatusPending, entryJSON, time.Now().UTC())
	if err != nil {
		return persistence.NewJobError("ResetForRetry", id, fmt.Errorf("failed to reset job: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewJobError("ResetForRetry", id, err)
	}

	if affected == 0 {
		return persistence.NewJobError("ResetForRetry", id, persistence.ErrJobNotInDLQ)
	}

	return nil
}

// FindStalled translates the query into SQL; it selects the same rows as StalledJobQuery.Matches.
func (r *JobRepository) FindStalled(ctx context.Context, query models.StalledJobQuery) ([]*models.QueueJob, error) {
	conditions := []string{"status IN ('pending', 'active')", "NOT moved_to_dlq"}
	args := []any{}

	arg := func(v any) string {
		args = append(args, v)

		return fmt.Sprintf("$%d", len(args))
	}

	if query.ExecutionID != "" {
		conditions = append(conditions, "execution_id = "+arg(query.ExecutionID))
	}

	if !query.Before.IsZero() {
		before := arg(query.Before)
		conditions = append(conditions,
			"updated_at < "+before,
			"(last_heartbeat IS NULL OR last_heartbeat < "+before+")",
		)
	}

	if query.Exhausted {
		conditions = append(conditions, "recovery_count >= "+arg(query.MaxRecoveries))
	} else {
		conditions = append(conditions, "recovery_count < "+arg(query.MaxRecoveries))
	}

	sqlQuery := "SELECT " + jobColumns + " FROM queue_jobs WHERE " + strings.Join(conditions, " AND ") + " ORDER BY updated_at"

	if query.Limit > 0 {
		sqlQuery += " LIMIT " + arg(query.Limit)
	}

	return r.query(ctx, sqlQuery, args...)
}

func (r *JobRepository) ListDLQ(ctx context.Context, limit, offset int) ([]*models.QueueJob, int, error) {
	var total int

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_jobs WHERE moved_to_dlq").Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count dead-letter jobs: %w", err)
	}

	query := "SELECT " + jobColumns + " FROM queue_jobs WHERE moved_to_dlq ORDER BY updated_at DESC"
	args := []any{}

	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	jobs, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	if jobs == nil {
		jobs = []*models.QueueJob{}
	}

	return jobs, total, nil
}

func (r *JobRepository) Stats(ctx context.Context) (*models.JobStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT queue_name, status, COUNT(*), COUNT(*) FILTER (WHERE moved_to_dlq)
		FROM queue_jobs
		GROUP BY queue_name, status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	stats := &models.JobStats{
		ByStatus: make(map[models.JobStatus]int),
		ByQueue:  make(map[string]int),
	}

	for rows.Next() {
		var (
			queueName  string
			status     models.JobStatus
			count, dlq int
		)

		err := rows.Scan(&queueName, &status, &count, &dlq)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}

		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByQueue[queueName] += count
		stats.DLQ += dlq
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job stats: %w", err)
	}

	return stats, nil
}

func (r *JobRepository) exec(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return persistence.NewJobError(op, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewJobError(op, id, err)
	}

	if affected == 0 {
		return persistence.NewJobError(op, id, persistence.ErrJobNotFound)
	}

	return nil
}

func (r *JobRepository) query(ctx context.Context, query string, args ...any) ([]*models.QueueJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var jobs []*models.QueueJob

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// scanJob scans a queue job from a database row.
func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*models.QueueJob, error) {
	var (
		job                               models.QueueJob
		payloadJSON, logsJSON, resultJSON []byte
	)

	err := scanner.Scan(
		&job.ID,
		&job.QueueJobID,
		&job.QueueName,
		&job.ExecutionID,
		&job.NodeID,
		&job.Status,
		&job.Priority,
		&payloadJSON,
		&logsJSON,
		&job.LastHeartbeat,
		&job.RecoveryCount,
		&job.MovedToDLQ,
		&job.FailedReason,
		&job.PredictionID,
		&resultJSON,
		&job.Error,
		&job.AttemptsMade,
		&job.RecoveredFrom,
		&job.ProcessedAt,
		&job.FinishedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(payloadJSON, &job.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	err = json.Unmarshal(logsJSON, &job.Logs)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal logs: %w", err)
	}

	if resultJSON != nil {
		err = json.Unmarshal(resultJSON, &job.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return &job, nil
}
