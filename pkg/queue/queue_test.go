package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/genflow/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultRegistry(t *testing.T) {
	t.Parallel()

	registry, err := queue.NewDefaultRegistry(queue.Config{Name: queue.Video, Concurrency: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{queue.Orchestrator, queue.Image, queue.Video, queue.LLM, queue.Processing}, registry.Names())

	video, err := registry.Get(queue.Video)
	require.NoError(t, err)
	assert.Equal(t, 1, video.Concurrency)
	assert.Equal(t, queue.DefaultMaxAttempts, video.MaxAttempts)

	_, err = registry.Get("audio")
	assert.ErrorIs(t, err, queue.ErrUnknownQueue)
}

func TestNewRegistry_Invalid(t *testing.T) {
	t.Parallel()

	_, err := queue.NewRegistry(queue.Config{Name: "image"})
	require.Error(t, err)

	_, err = queue.NewRegistry(queue.Config{Concurrency: 2})
	require.Error(t, err)
}

func TestJob_FinalAttempt(t *testing.T) {
	t.Parallel()

	job := &queue.Job{Attempt: 1, MaxAttempts: 3}
	assert.False(t, job.FinalAttempt())

	job.Attempt = 3
	assert.True(t, job.FinalAttempt())
}

type stateBroker struct {
	queue.Broker

	state queue.State
	err   error
}

func (b stateBroker) State(context.Context, string, string) (queue.State, error) {
	return b.state, b.err
}

func TestIsLive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tests := []struct {
		state queue.State
		live  bool
	}{
		{queue.StateWaiting, true},
		{queue.StateActive, true},
		{queue.StateCompleted, false},
		{queue.StateFailed, false},
		{queue.StateUnknown, false},
	}

	for _, tt := range tests {
		live, err := queue.IsLive(ctx, stateBroker{state: tt.state}, queue.Image, "job-1")
		require.NoError(t, err)
		assert.Equal(t, tt.live, live, tt.state)
	}

	live, err := queue.IsLive(ctx, stateBroker{state: queue.StateActive}, queue.Image, "")
	require.NoError(t, err)
	assert.False(t, live)

	_, err = queue.IsLive(ctx, stateBroker{err: errors.New("down")}, queue.Image, "job-1")
	assert.Error(t, err)
}
