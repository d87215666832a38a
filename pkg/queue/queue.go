// Package queue provides named, concurrency-limited job queues backed by a pluggable broker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dukex/genflow/pkg/models"
)

// Queue names.
const (
	Orchestrator = "orchestrator"
	Image        = "image"
	Video        = "video"
	LLM          = "llm"
	Processing   = "processing"
)

// Priorities, lower runs first.
const (
	PriorityCritical   = 1
	PriorityHigh       = 2
	PriorityNormal     = 3
	PriorityLow        = 4
	PriorityBackground = 5
)

const DefaultMaxAttempts = 3

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrClosed       = errors.New("broker closed")
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// Job is a unit of work handed to a worker.
type Job struct {
	ID          string            `json:"id"`
	Queue       string            `json:"queue"`
	Name        models.JobKind    `json:"name"`
	Priority    int               `json:"priority"`
	Payload     models.JobPayload `json:"payload"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// FinalAttempt reports whether a failure of the current attempt is terminal.
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

type Handler func(ctx context.Context, job *Job) error

// Broker durably hands jobs to workers and reports their liveness.
type Broker interface {
	Enqueue(ctx context.Context, job *Job) (string, error)
	State(ctx context.Context, queue, jobID string) (State, error)
	// Consume blocks until ctx is done, running handler with at most concurrency jobs at once.
	Consume(ctx context.Context, queue string, concurrency int, handler Handler) error
	Close() error
}

// IsLive reports whether the broker still holds the job as waiting or running.
func IsLive(ctx context.Context, broker Broker, queue, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}

	state, err := broker.State(ctx, queue, jobID)
	if err != nil {
		return false, err
	}

	return state == StateWaiting || state == StateActive, nil
}

type Config struct {
	Name        string `yaml:"name"         validate:"required"`
	Concurrency int    `yaml:"concurrency"  validate:"required,min=1"`
	MaxAttempts int    `yaml:"max_attempts" validate:"omitempty,min=1"`
}

// DefaultConfigs returns the queue layout used when no configuration overrides it.
func DefaultConfigs() []Config {
	return []Config{
		{Name: Orchestrator, Concurrency: 10, MaxAttempts: DefaultMaxAttempts},
		{Name: Image, Concurrency: 4, MaxAttempts: DefaultMaxAttempts},
		{Name: Video, Concurrency: 2, MaxAttempts: DefaultMaxAttempts},
		{Name: LLM, Concurrency: 8, MaxAttempts: DefaultMaxAttempts},
		{Name: Processing, Concurrency: 4, MaxAttempts: DefaultMaxAttempts},
	}
}

// Registry is the immutable set of named queues, built once at startup.
type Registry struct {
	configs map[string]Config
	order   []string
}

// NewRegistry builds a registry from configs. Later entries override earlier ones with the same name.
func NewRegistry(configs ...Config) (*Registry, error) {
	registry := &Registry{configs: make(map[string]Config)}

	for _, config := range configs {
		if config.Name == "" {
			return nil, errors.New("queue name is required")
		}

		if config.Concurrency < 1 {
			return nil, fmt.Errorf("queue %s: concurrency must be positive", config.Name)
		}

		if config.MaxAttempts < 1 {
			config.MaxAttempts = DefaultMaxAttempts
		}

		if _, exists := registry.configs[config.Name]; !exists {
			registry.order = append(registry.order, config.Name)
		}

		registry.configs[config.Name] = config
	}

	return registry, nil
}

// NewDefaultRegistry returns the default queue layout with overrides applied on top.
func NewDefaultRegistry(overrides ...Config) (*Registry, error) {
	return NewRegistry(append(DefaultConfigs(), overrides...)...)
}

func (r *Registry) Get(name string) (Config, error) {
	config, ok := r.configs[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}

	return config, nil
}

// All returns the queues in registration order.
func (r *Registry) All() []Config {
	configs := make([]Config, 0, len(r.order))
	for _, name := range r.order {
		configs = append(configs, r.configs[name])
	}

	return configs
}

func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}
