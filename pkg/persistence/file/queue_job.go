package file

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
)

// JobRepository handles queue job file operations.
type JobRepository struct {
	docs *documents[models.QueueJob]
}

func NewJobRepository(root string) *JobRepository {
	return &JobRepository{docs: newDocuments[models.QueueJob](root, "queue_jobs")}
}

func (r *JobRepository) Create(_ context.Context, job *models.QueueJob) error {
	toSave := *job
	if toSave.Logs == nil {
		toSave.Logs = []models.JobLog{}
	}

	err := r.docs.create(job.ID, &toSave)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	return nil
}

func (r *JobRepository) GetByID(_ context.Context, id string) (*models.QueueJob, error) {
	job, err := r.docs.get(id)
	if err != nil {
		return nil, persistence.NewJobError("GetByID", id, notFound(err, persistence.ErrJobNotFound))
	}

	return job, nil
}

func (r *JobRepository) filter(match func(job *models.QueueJob) bool) ([]*models.QueueJob, error) {
	all, err := r.docs.all()
	if err != nil {
		return nil, err
	}

	var jobs []*models.QueueJob

	for _, job := range all {
		if match(job) {
			jobs = append(jobs, job)
		}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	return jobs, nil
}

func (r *JobRepository) ListByExecution(_ context.Context, executionID string) ([]*models.QueueJob, error) {
	return r.filter(func(job *models.QueueJob) bool {
		return job.ExecutionID == executionID
	})
}

func (r *JobRepository) GetByPredictionID(_ context.Context, predictionID string) (*models.QueueJob, error) {
	jobs, err := r.filter(func(job *models.QueueJob) bool {
		return predictionID != "" && job.PredictionID == predictionID
	})
	if err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		return nil, persistence.NewJobError("GetByPredictionID", predictionID, persistence.ErrJobNotFound)
	}

	return jobs[len(jobs)-1], nil
}

func (r *JobRepository) FindLatestForNode(_ context.Context, executionID, nodeID string) (*models.QueueJob, error) {
	jobs, err := r.filter(func(job *models.QueueJob) bool {
		return job.ExecutionID == executionID && job.NodeID == nodeID
	})
	if err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	return jobs[len(jobs)-1], nil
}

func (r *JobRepository) mutate(op, id string, fn func(job *models.QueueJob) error) error {
	err := r.docs.update(id, fn)
	if err != nil {
		return persistence.NewJobError(op, id, notFound(err, persistence.ErrJobNotFound))
	}

	return nil
}

func (r *JobRepository) UpdateStatus(_ context.Context, id string, status models.JobStatus, update models.JobUpdate) error {
	return r.mutate("UpdateStatus", id, func(job *models.QueueJob) error {
		if job.MovedToDLQ {
			return persistence.ErrJobDeadLettered
		}

		job.ApplyStatus(status, update, time.Now().UTC())

		return nil
	})
}

func (r *JobRepository) Heartbeat(_ context.Context, id string, at time.Time) error {
	return r.mutate("Heartbeat", id, func(job *models.QueueJob) error {
		job.LastHeartbeat = &at

		return nil
	})
}

func (r *JobRepository) SetPredictionID(_ context.Context, id, predictionID string) error {
	return r.mutate("SetPredictionID", id, func(job *models.QueueJob) error {
		job.PredictionID = predictionID
		job.UpdatedAt = time.Now().UTC()

		return nil
	})
}

func (r *JobRepository) AppendLog(_ context.Context, id string, entry models.JobLog) error {
	return r.mutate("AppendLog", id, func(job *models.QueueJob) error {
		job.Logs = append(job.Logs, entry)
		job.UpdatedAt = time.Now().UTC()

		return nil
	})
}

func (r *JobRepository) MarkRecovered(_ context.Context, id string, entry models.JobLog) error {
	return r.mutate("MarkRecovered", id, func(job *models.QueueJob) error {
		if job.MovedToDLQ {
			return persistence.ErrJobDeadLettered
		}

		job.Status = models.JobStatusRecovered
		job.Logs = append(job.Logs, entry)
		job.UpdatedAt = time.Now().UTC()

		return nil
	})
}

func (r *JobRepository) MarkAbandoned(_ context.Context, ids []string, reason string) (int, error) {
	var count int

	for _, id := range ids {
		err := r.mutate("MarkAbandoned", id, func(job *models.QueueJob) error {
			now := time.Now().UTC()
			job.Status = models.JobStatusFailed
			job.FailedReason = reason
			job.FinishedAt = &now
			job.UpdatedAt = now
			job.Logs = append(job.Logs, models.JobLog{Timestamp: now, Level: models.LogLevelWarn, Message: reason})

			return nil
		})
		if persistence.IsJobNotFound(err) {
			continue
		}

		if err != nil {
			return count, err
		}

		count++
	}

	return count, nil
}

func (r *JobRepository) MoveToDLQ(_ context.Context, id, reason string) error {
	return r.mutate("MoveToDLQ", id, func(job *models.QueueJob) error {
		now := time.Now().UTC()
		job.MovedToDLQ = true
		job.Status = models.JobStatusFailed
		job.FailedReason = reason
		job.UpdatedAt = now

		if job.FinishedAt == nil {
			job.FinishedAt = &now
		}

		return nil
	})
}

func (r *JobRepository) ResetForRetry(_ context.Context, id string, entry models.JobLog) error {
	return r.mutate("ResetForRetry", id, func(job *models.QueueJob) error {
		if !job.MovedToDLQ {
			return persistence.ErrJobNotInDLQ
		}

		job.MovedToDLQ = false
		job.RecoveryCount = 0
		job.Status = models.JobStatusPending
		job.FinishedAt = nil
		job.Logs = append(job.Logs, entry)
		job.UpdatedAt = time.Now().UTC()

		return nil
	})
}

func (r *JobRepository) FindStalled(_ context.Context, query models.StalledJobQuery) ([]*models.QueueJob, error) {
	jobs, err := r.filter(query.Matches)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt)
	})

	if query.Limit > 0 && len(jobs) > query.Limit {
		jobs = jobs[:query.Limit]
	}

	return jobs, nil
}

func (r *JobRepository) ListDLQ(_ context.Context, limit, offset int) ([]*models.QueueJob, int, error) {
	jobs, err := r.filter(func(job *models.QueueJob) bool {
		return job.MovedToDLQ
	})
	if err != nil {
		return nil, 0, err
	}

	slices.SortStableFunc(jobs, func(a, b *models.QueueJob) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	total := len(jobs)

	if offset >= total {
		return []*models.QueueJob{}, total, nil
	}

	jobs = jobs[offset:]
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, total, nil
}

func (r *JobRepository) Stats(_ context.Context) (*models.JobStats, error) {
	all, err := r.docs.all()
	if err != nil {
		return nil, err
	}

	stats := &models.JobStats{
		ByStatus: make(map[models.JobStatus]int),
		ByQueue:  make(map[string]int),
	}

	for _, job := range all {
		stats.Total++
		stats.ByStatus[job.Status]++
		stats.ByQueue[job.QueueName]++

		if job.MovedToDLQ {
			stats.DLQ++
		}
	}

	return stats, nil
}
