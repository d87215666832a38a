package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/genflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		workflowErr := persistence.NewWorkflowError("GetByID", "workflow-123", persistence.ErrWorkflowNotFound)
		executionErr := persistence.NewExecutionError("UpsertNodeResult", "exec-1", persistence.ErrExecutionNotFound)
		jobErr := persistence.NewJobError("GetByID", "job-1", persistence.ErrJobNotFound)

		assert.True(t, persistence.IsWorkflowNotFound(workflowErr))
		assert.True(t, persistence.IsExecutionNotFound(executionErr))
		assert.True(t, persistence.IsJobNotFound(jobErr))
		assert.False(t, persistence.IsJobNotFound(executionErr))

		// Test error unwrapping
		assert.True(t, errors.Is(workflowErr, persistence.ErrWorkflowNotFound))
		assert.True(t, errors.Is(fmt.Errorf("wrapped: %w", executionErr), persistence.ErrExecutionNotFound))
	})

	t.Run("dead-letter miss counts as not found", func(t *testing.T) {
		err := persistence.NewJobError("ResetForRetry", "job-1", persistence.ErrJobNotInDLQ)

		assert.True(t, persistence.IsJobNotFound(err))
		assert.True(t, persistence.IsNotFound(err))
		assert.False(t, errors.Is(err, persistence.ErrJobNotFound))
	})

	t.Run("error contains context", func(t *testing.T) {
		err := persistence.NewExecutionError("TransitionStatus", "exec-123", persistence.ErrExecutionNotFound)

		assert.Contains(t, err.Error(), "TransitionStatus")
		assert.Contains(t, err.Error(), "exec-123")
		assert.Contains(t, err.Error(), "execution not found")
	})

	t.Run("other errors are not not-found", func(t *testing.T) {
		err := persistence.NewJobError("Create", "job-1", errors.New("disk full"))

		assert.False(t, persistence.IsNotFound(err))
		assert.EqualError(t, errors.Unwrap(err), "disk full")
	})
}
