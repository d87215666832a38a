// Package media runs processing nodes such as speech synthesis, transcoding and subtitles.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/dukex/genflow/pkg/provider"
)

var ErrNoModel = errors.New("no model configured")

// Task is one processing request.
type Task struct {
	NodeType string
	Model    string
	Input    map[string]any

	// PredictionID resumes a prediction started by an earlier attempt instead of creating one.
	PredictionID string

	// OnStarted receives the prediction id before polling begins. An error aborts the task.
	OnStarted   func(ctx context.Context, predictionID string) error
	OnProgress  func(ctx context.Context, progress float64)
	OnHeartbeat func(ctx context.Context) error
}

// Result is the raw output of a processing task.
type Result struct {
	Output       any
	Cost         float64
	PredictionID string
}

type Processor interface {
	Process(ctx context.Context, task Task) (*Result, error)
}

// PredictionProcessor runs processing tasks as provider predictions.
type PredictionProcessor struct {
	logger *slog.Logger
	client provider.Client
	poll   provider.PollOptions
	// models overrides the model per node type.
	models map[string]string
}

func NewPredictionProcessor(logger *slog.Logger, client provider.Client, poll provider.PollOptions, models map[string]string) *PredictionProcessor {
	return &PredictionProcessor{
		logger: logger.With("module", "media"),
		client: client,
		poll:   poll,
		models: maps.Clone(models),
	}
}

func (p *PredictionProcessor) Process(ctx context.Context, task Task) (*Result, error) {
	predictionID := task.PredictionID

	if predictionID == "" {
		model := task.Model
		if override, ok := p.models[task.NodeType]; ok && override != "" {
			model = override
		}

		if model == "" {
			return nil, fmt.Errorf("%w for %s", ErrNoModel, task.NodeType)
		}

		prediction, err := p.client.CreatePrediction(ctx, provider.PredictionRequest{Model: model, Input: task.Input})
		if err != nil {
			return nil, err
		}

		predictionID = prediction.ID

		p.logger.InfoContext(ctx, "Processing started", "node_type", task.NodeType, "prediction_id", predictionID, "model", model)
	} else {
		p.logger.InfoContext(ctx, "Processing resumed", "node_type", task.NodeType, "prediction_id", predictionID)
	}

	if task.OnStarted != nil {
		err := task.OnStarted(ctx, predictionID)
		if err != nil {
			return nil, err
		}
	}

	opts := p.poll
	opts.OnHeartbeat = task.OnHeartbeat

	if task.OnProgress != nil {
		opts.OnProgress = func(ctx context.Context, prediction *provider.Prediction) {
			task.OnProgress(ctx, prediction.Progress())
		}
	}

	finished, err := provider.Poll(ctx, p.client, predictionID, opts)
	if err != nil {
		return nil, err
	}

	return &Result{
		Output:       finished.Output,
		Cost:         PredictionCost(finished, 0),
		PredictionID: finished.ID,
	}, nil
}

// PredictionCost returns the cost reported in the prediction metrics, or fallback.
func PredictionCost(prediction *provider.Prediction, fallback float64) float64 {
	if cost, ok := prediction.Metrics["cost"].(float64); ok && cost >= 0 {
		return cost
	}

	return fallback
}
