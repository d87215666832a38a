// Package redis provides a Redis-backed broker with priority queues and worker leases.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dukex/genflow/pkg/queue"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

const (
	defaultPrefix        = "genflow"
	defaultLeaseDuration = 30 * time.Second
	defaultPollTimeout   = time.Second
	defaultFinishedTTL   = 24 * time.Hour

	// priorityWeight keeps every millisecond timestamp below one priority step.
	priorityWeight = 1e13
)

// Broker stores waiting jobs in a sorted set scored by priority and enqueue time.
// Running jobs hold a lease in a second sorted set that is extended while the handler runs.
type Broker struct {
	client        redis.UniversalClient
	logger        *slog.Logger
	prefix        string
	leaseDuration time.Duration
	pollTimeout   time.Duration
	finishedTTL   time.Duration
}

type Option func(*Broker)

func WithPrefix(prefix string) Option {
	return func(b *Broker) { b.prefix = prefix }
}

func WithLeaseDuration(d time.Duration) Option {
	return func(b *Broker) { b.leaseDuration = d }
}

func WithPollTimeout(d time.Duration) Option {
	return func(b *Broker) { b.pollTimeout = d }
}

func NewBroker(client redis.UniversalClient, logger *slog.Logger, opts ...Option) *Broker {
	broker := &Broker{
		client:        client,
		logger:        logger.With("module", "redis_broker"),
		prefix:        defaultPrefix,
		leaseDuration: defaultLeaseDuration,
		pollTimeout:   defaultPollTimeout,
		finishedTTL:   defaultFinishedTTL,
	}

	for _, opt := range opts {
		opt(broker)
	}

	return broker
}

// Connect parses a redis:// URL, verifies the connection and returns a broker.
func Connect(ctx context.Context, url string, logger *slog.Logger, opts ...Option) (*Broker, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewBroker(client, logger, opts...), nil
}

func (b *Broker) waitingKey(queueName string) string {
	return b.prefix + ":queue:" + queueName + ":waiting"
}

func (b *Broker) activeKey(queueName string) string {
	return b.prefix + ":queue:" + queueName + ":active"
}

func (b *Broker) jobKey(jobID string) string {
	return b.prefix + ":job:" + jobID
}

func score(job *queue.Job) float64 {
	return float64(job.Priority)*priorityWeight + float64(job.EnqueuedAt.UnixMilli())
}

func (b *Broker) Enqueue(ctx context.Context, job *queue.Job) (string, error) {
	queued := *job
	if queued.ID == "" {
		queued.ID = uuid.New().String()
	}

	if queued.MaxAttempts < 1 {
		queued.MaxAttempts = queue.DefaultMaxAttempts
	}

	if queued.EnqueuedAt.IsZero() {
		queued.EnqueuedAt = time.Now().UTC()
	}

	err := b.requeue(ctx, &queued)
	if err != nil {
		return "", err
	}

	return queued.ID, nil
}

func (b *Broker) requeue(ctx context.Context, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.jobKey(job.ID),
			"data", data,
			"state", string(queue.StateWaiting),
			"queue", job.Queue,
			"attempt", job.Attempt,
		)
		pipe.ZRem(ctx, b.activeKey(job.Queue), job.ID)
		pipe.ZAdd(ctx, b.waitingKey(job.Queue), redis.Z{Score: score(job), Member: job.ID})

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	return nil
}

// State trusts the job hash only as far as the sorted sets agree with it: a waiting job
// must still be in the waiting set and an active one must hold an unexpired lease.
func (b *Broker) State(ctx context.Context, queueName, jobID string) (queue.State, error) {
	state, err := b.client.HGet(ctx, b.jobKey(jobID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return queue.StateUnknown, nil
	}

	if err != nil {
		return queue.StateUnknown, fmt.Errorf("failed to read job %s state: %w", jobID, err)
	}

	switch queue.State(state) {
	case queue.StateWaiting:
		_, err = b.client.ZScore(ctx, b.waitingKey(queueName), jobID).Result()
		if errors.Is(err, redis.Nil) {
			return queue.StateUnknown, nil
		}

		if err != nil {
			return queue.StateUnknown, fmt.Errorf("failed to read job %s position: %w", jobID, err)
		}

		return queue.StateWaiting, nil
	case queue.StateActive:
	default:
		return queue.State(state), nil
	}

	deadline, err := b.client.ZScore(ctx, b.activeKey(queueName), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return queue.StateUnknown, nil
	}

	if err != nil {
		return queue.StateUnknown, fmt.Errorf("failed to read job %s lease: %w", jobID, err)
	}

	if int64(deadline) < time.Now().UnixMilli() {
		// The worker holding the lease stopped renewing it.
		return queue.StateUnknown, nil
	}

	return queue.StateActive, nil
}

func (b *Broker) Consume(ctx context.Context, queueName string, concurrency int, handler queue.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	sem := semaphore.NewWeighted(int64(concurrency))

	var wg sync.WaitGroup
	defer wg.Wait()

	b.logger.InfoContext(ctx, "Consuming queue", "queue", queueName, "concurrency", concurrency)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		job, err := b.claim(ctx, queueName)
		if err != nil {
			sem.Release(1)

			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, redis.Nil) {
				b.reapExpiredLeases(ctx, queueName)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(b.pollTimeout):
				}

				continue
			}

			b.logger.ErrorContext(ctx, "Failed to claim job", "queue", queueName, "error", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.pollTimeout):
			}

			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer sem.Release(1)

			b.process(ctx, job, handler)
		}()
	}
}

// claimScript pops the best waiting job, leases it and counts the attempt in one step, so
// a job is never out of both sorted sets while its hash still reads waiting.
// KEYS: waiting set, active set. ARGV: job key prefix, lease deadline.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end

local id = popped[1]
local key = ARGV[1] .. id
local data = redis.call('HGET', key, 'data')
if not data then
	return {id}
end

local attempt = redis.call('HINCRBY', key, 'attempt', 1)
redis.call('HSET', key, 'state', 'active')
redis.call('ZADD', KEYS[2], ARGV[2], id)

return {id, data, attempt}
`)

// claim leases the best waiting job. It returns redis.Nil when nothing is waiting.
func (b *Broker) claim(ctx context.Context, queueName string) (*queue.Job, error) {
	reply, err := claimScript.Run(ctx, b.client,
		[]string{b.waitingKey(queueName), b.activeKey(queueName)},
		b.jobKey(""), b.leaseDeadline(),
	).Slice()
	if err != nil {
		return nil, err
	}

	if len(reply) < 3 {
		b.logger.WarnContext(ctx, "Dropping waiting job without data", "queue", queueName, "job", reply)

		return nil, redis.Nil
	}

	jobID, _ := reply[0].(string)
	raw, _ := reply[1].(string)

	attempt, ok := reply[2].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected attempt %v for job %s", reply[2], jobID)
	}

	var job queue.Job

	err = json.Unmarshal([]byte(raw), &job)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}

	job.Attempt = int(attempt)

	return &job, nil
}

func (b *Broker) leaseDeadline() float64 {
	return float64(time.Now().Add(b.leaseDuration).UnixMilli())
}

func (b *Broker) keepAlive(ctx context.Context, job *queue.Job) {
	ticker := time.NewTicker(b.leaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.client.ZAddXX(ctx, b.activeKey(job.Queue), redis.Z{Score: b.leaseDeadline(), Member: job.ID}).Err()
			if err != nil && ctx.Err() == nil {
				b.logger.WarnContext(ctx, "Failed to extend job lease", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (b *Broker) process(ctx context.Context, job *queue.Job, handler queue.Handler) {
	leaseCtx, stopLease := context.WithCancel(ctx)
	go b.keepAlive(leaseCtx, job)

	err := run(ctx, job, handler)

	stopLease()

	// Record the outcome even when the consumer is shutting down.
	finishCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		err = b.settle(finishCtx, job, queue.StateCompleted)
	case !job.FinalAttempt():
		b.logger.WarnContext(ctx, "Job failed, retrying", "job_id", job.ID, "attempt", job.Attempt, "error", err)
		err = b.requeue(finishCtx, job)
	default:
		b.logger.ErrorContext(ctx, "Job failed permanently", "job_id", job.ID, "attempt", job.Attempt, "error", err)
		err = b.settle(finishCtx, job, queue.StateFailed)
	}

	if err != nil {
		b.logger.ErrorContext(ctx, "Failed to record job outcome", "job_id", job.ID, "error", err)
	}
}

func run(ctx context.Context, job *queue.Job, handler queue.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()

	return handler(ctx, job)
}

func (b *Broker) settle(ctx context.Context, job *queue.Job, state queue.State) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.activeKey(job.Queue), job.ID)
		pipe.HSet(ctx, b.jobKey(job.ID), "state", string(state))
		pipe.Expire(ctx, b.jobKey(job.ID), b.finishedTTL)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to settle job %s: %w", job.ID, err)
	}

	return nil
}

func (b *Broker) reapExpiredLeases(ctx context.Context, queueName string) {
	maxScore := strconv.FormatInt(time.Now().UnixMilli(), 10)

	removed, err := b.client.ZRemRangeByScore(ctx, b.activeKey(queueName), "-inf", maxScore).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.logger.WarnContext(ctx, "Failed to reap expired leases", "queue", queueName, "error", err)
		}

		return
	}

	if removed > 0 {
		b.logger.InfoContext(ctx, "Reaped expired job leases", "queue", queueName, "count", removed)
	}
}

func (b *Broker) Close() error {
	return b.client.Close()
}
