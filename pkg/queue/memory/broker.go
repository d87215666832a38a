// Package memory provides an in-process broker for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dukex/genflow/pkg/queue"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

type entry struct {
	job *queue.Job
	seq uint64
}

type waitQueue struct {
	entries []entry
	signal  chan struct{}
}

// Broker keeps jobs in memory, ordered by priority and then by enqueue order.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*waitQueue
	states map[string]queue.State
	seq    uint64
	closed bool
	done   chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string]*waitQueue),
		states: make(map[string]queue.State),
		done:   make(chan struct{}),
	}
}

// queueFor must be called with b.mu held.
func (b *Broker) queueFor(name string) *waitQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &waitQueue{signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}

	return q
}

func (b *Broker) Enqueue(_ context.Context, job *queue.Job) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", queue.ErrClosed
	}

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

	b.push(&queued)

	return queued.ID, nil
}

// push must be called with b.mu held.
func (b *Broker) push(job *queue.Job) {
	q := b.queueFor(job.Queue)
	b.seq++

	q.entries = append(q.entries, entry{job: job, seq: b.seq})
	sort.SliceStable(q.entries, func(i, j int) bool {
		if q.entries[i].job.Priority != q.entries[j].job.Priority {
			return q.entries[i].job.Priority < q.entries[j].job.Priority
		}

		return q.entries[i].seq < q.entries[j].seq
	})

	b.states[job.ID] = queue.StateWaiting

	notify(q)
}

func notify(q *waitQueue) {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (b *Broker) State(_ context.Context, _ string, jobID string) (queue.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[jobID]
	if !ok {
		return queue.StateUnknown, nil
	}

	return state, nil
}

// Waiting returns a snapshot of the jobs waiting on the named queue in dispatch order.
func (b *Broker) Waiting(name string) []queue.Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueFor(name)
	jobs := make([]queue.Job, 0, len(q.entries))

	for _, e := range q.entries {
		jobs = append(jobs, *e.job)
	}

	return jobs
}

// Forget drops every trace of a job, as if the broker lost it.
func (b *Broker) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.states, jobID)

	for _, q := range b.queues {
		q.entries = removeJob(q.entries, jobID)
	}
}

func removeJob(entries []entry, jobID string) []entry {
	kept := entries[:0]

	for _, e := range entries {
		if e.job.ID != jobID {
			kept = append(kept, e)
		}
	}

	return kept
}

func (b *Broker) pop(name string) *queue.Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueFor(name)
	if len(q.entries) == 0 {
		return nil
	}

	job := q.entries[0].job
	q.entries = q.entries[1:]

	if len(q.entries) > 0 {
		notify(q)
	}

	job.Attempt++
	b.states[job.ID] = queue.StateActive

	return job
}

func (b *Broker) next(ctx context.Context, name string) (*queue.Job, error) {
	b.mu.Lock()
	signal := b.queueFor(name).signal
	b.mu.Unlock()

	for {
		if job := b.pop(name); job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, queue.ErrClosed
		case <-signal:
		}
	}
}

func (b *Broker) Consume(ctx context.Context, name string, concurrency int, handler queue.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	sem := semaphore.NewWeighted(int64(concurrency))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		job, err := b.next(ctx, name)
		if err != nil {
			sem.Release(1)

			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer sem.Release(1)

			b.finish(job, run(ctx, job, handler))
		}()
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

func (b *Broker) finish(job *queue.Job, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.states[job.ID] = queue.StateCompleted
	case !job.FinalAttempt() && !b.closed:
		b.push(job)
	default:
		b.states[job.ID] = queue.StateFailed
	}
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}

	return nil
}
