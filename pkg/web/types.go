// Package web provides the HTTP control surface of the orchestrator.
package web

import "github.com/dukex/genflow/pkg/models"

// StartExecutionRequest represents the request body for starting a workflow execution.
type StartExecutionRequest struct {
	Debug             bool   `json:"debug"`
	ParentExecutionID string `json:"parent_execution_id,omitempty"`
	ParentNodeID      string `json:"parent_node_id,omitempty"      validate:"required_with=ParentExecutionID"`
	Depth             int    `json:"depth,omitempty"               validate:"min=0"`
}

// PartialExecutionRequest represents the request body for running a subset of a workflow.
type PartialExecutionRequest struct {
	NodeIDs           []string `json:"node_ids"                      validate:"required,min=1,dive,required"`
	SourceExecutionID string   `json:"source_execution_id,omitempty"`
	Debug             bool     `json:"debug"`
}

type JobsResponse struct {
	Jobs []*models.QueueJob `json:"jobs"`
}

type DLQResponse struct {
	Jobs   []*models.QueueJob `json:"jobs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}
