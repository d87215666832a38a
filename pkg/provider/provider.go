// Package provider defines the contract with the external generation provider and the
// polling loop that waits for asynchronous predictions.
package provider

import (
	"context"
	"errors"
	"fmt"
)

type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

type PredictionRequest struct {
	Model string         `json:"model"`
	Input map[string]any `json:"input"`
}

type Prediction struct {
	ID      string         `json:"id"`
	Model   string         `json:"model,omitempty"`
	Status  Status         `json:"status"`
	Output  any            `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Logs    string         `json:"logs,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Progress is the completion ratio reported by the provider, or -1 when unknown.
func (p *Prediction) Progress() float64 {
	if progress, ok := p.Metrics["progress"].(float64); ok {
		return progress
	}

	return -1
}

// Client talks to a prediction API.
type Client interface {
	CreatePrediction(ctx context.Context, request PredictionRequest) (*Prediction, error)
	GetStatus(ctx context.Context, predictionID string) (*Prediction, error)
	Cancel(ctx context.Context, predictionID string) error
}

var ErrPollTimeout = errors.New("prediction did not finish in time")

// PredictionError is a prediction that ended without output.
type PredictionError struct {
	PredictionID string
	Status       Status
	Message      string
}

func (e *PredictionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("prediction %s %s", e.PredictionID, e.Status)
	}

	return fmt.Sprintf("prediction %s %s: %s", e.PredictionID, e.Status, e.Message)
}

// StatusError is a non-success HTTP answer from the provider.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) IsRecoverable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
