package file

import (
	"context"
	"time"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related file operations.
type WorkflowRepository struct {
	docs *documents[models.Workflow]
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{docs: newDocuments[models.Workflow](root, "workflows")}
}

// GetByID retrieves a workflow by its ID from the file system.
func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	workflow, err := wr.docs.get(id)
	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, notFound(err, persistence.ErrWorkflowNotFound))
	}

	return workflow, nil
}

// Save stores a workflow, stamping its timestamps.
func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	err := wr.docs.put(workflow.ID, workflow)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}
