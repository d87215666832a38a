package worker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/dukex/genflow/pkg/media"
	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/persistence"
	"github.com/dukex/genflow/pkg/provider"
	"github.com/dukex/genflow/pkg/registry"
	"github.com/dukex/genflow/pkg/workflow"
)

// NodeRequest is the unit of work handed to an executor, built from a job payload.
type NodeRequest struct {
	JobID       string
	ExecutionID string
	WorkflowID  string
	NodeID      string
	NodeType    string
	Data        map[string]any
	Spec        registry.NodeSpec
	Debug       bool
	Attempt     int
}

type NodeOutcome struct {
	Output map[string]any
	Cost   float64
}

// NodeExecutor runs one node. A returned error fails the node unless it is retryable.
type NodeExecutor interface {
	Execute(ctx context.Context, request NodeRequest) (*NodeOutcome, error)
}

// JobTracker is the part of the queue manager executors report liveness through.
type JobTracker interface {
	HeartbeatJob(ctx context.Context, jobID string) error
}

// ArtifactPersister copies generated media out of provider URLs.
type ArtifactPersister interface {
	Persist(ctx context.Context, executionID, nodeID string, output map[string]any) map[string]any
}

// LiteralExecutor completes nodes whose output is their resolved data.
type LiteralExecutor struct{}

func (LiteralExecutor) Execute(_ context.Context, request NodeRequest) (*NodeOutcome, error) {
	output := maps.Clone(request.Data)
	if output == nil {
		output = map[string]any{}
	}

	if _, ok := output["output"]; !ok {
		for _, field := range append([]string{"inputPrompt"}, registry.PassthroughFallbackFields...) {
			if value, ok := output[field]; ok && value != nil {
				output["output"] = value

				break
			}
		}
	}

	if _, ok := output["output"]; !ok {
		if images, ok := output["images"]; ok {
			output["output"] = images
		}
	}

	return &NodeOutcome{Output: output}, nil
}

// predictionLedger records which prediction serves a node so a later attempt resumes it
// instead of paying for a second one.
type predictionLedger struct {
	logger *slog.Logger
	state  *workflow.StateManager
	jobs   persistence.JobRepository
}

// resumable returns the prediction an earlier attempt started for the node, or "".
func (l predictionLedger) resumable(ctx context.Context, request NodeRequest) (string, error) {
	existing, err := l.state.FindExistingJob(ctx, request.ExecutionID, request.NodeID)
	if err != nil {
		return "", err
	}

	if existing == nil {
		return "", nil
	}

	l.logger.InfoContext(ctx, "Resuming prediction",
		"execution_id", request.ExecutionID,
		"node_id", request.NodeID,
		"prediction_id", existing.PredictionID,
	)

	if existing.JobID != request.JobID {
		err = l.jobs.SetPredictionID(ctx, request.JobID, existing.PredictionID)
		if err != nil {
			return "", err
		}
	}

	return existing.PredictionID, nil
}

// record stores the prediction on the job and moves the node to processing.
func (l predictionLedger) record(ctx context.Context, request NodeRequest, predictionID string) error {
	err := l.jobs.SetPredictionID(ctx, request.JobID, predictionID)
	if err != nil {
		return err
	}

	return l.state.MarkNodeProcessing(ctx, request.ExecutionID, request.NodeID, predictionID)
}

// PredictionExecutor runs nodes as external predictions. A prediction already started for
// the node by an earlier attempt is resumed instead of created again.
type PredictionExecutor struct {
	logger    *slog.Logger
	client    provider.Client
	ledger    predictionLedger
	tracker   JobTracker
	persister ArtifactPersister
	poll      provider.PollOptions
}

func NewPredictionExecutor(
	logger *slog.Logger,
	client provider.Client,
	state *workflow.StateManager,
	jobs persistence.JobRepository,
	tracker JobTracker,
	persister ArtifactPersister,
	poll provider.PollOptions,
) *PredictionExecutor {
	logger = logger.With("module", "prediction_executor")

	return &PredictionExecutor{
		logger:    logger,
		client:    client,
		ledger:    predictionLedger{logger: logger, state: state, jobs: jobs},
		tracker:   tracker,
		persister: persister,
		poll:      poll,
	}
}

func (e *PredictionExecutor) Execute(ctx context.Context, request NodeRequest) (*NodeOutcome, error) {
	logger := e.logger.With("execution_id", request.ExecutionID, "node_id", request.NodeID, "job_id", request.JobID)

	predictionID, err := e.predictionFor(ctx, request)
	if err != nil {
		return nil, err
	}

	err = e.ledger.record(ctx, request, predictionID)
	if err != nil {
		return nil, err
	}

	opts := e.poll
	opts.OnHeartbeat = func(ctx context.Context) error {
		return e.tracker.HeartbeatJob(ctx, request.JobID)
	}
	opts.OnProgress = func(ctx context.Context, prediction *provider.Prediction) {
		logger.DebugContext(ctx, "Prediction in progress", "prediction_id", prediction.ID, "status", prediction.Status, "progress", prediction.Progress())
	}

	prediction, err := provider.Poll(ctx, e.client, predictionID, opts)
	if err != nil {
		return nil, err
	}

	output, err := normalizeOutput(request.Spec, prediction.Output)
	if err != nil {
		return nil, fmt.Errorf("prediction %s: %w", prediction.ID, err)
	}

	output["predictionId"] = prediction.ID

	if e.persister != nil {
		output = e.persister.Persist(ctx, request.ExecutionID, request.NodeID, output)
	}

	return &NodeOutcome{
		Output: output,
		Cost:   media.PredictionCost(prediction, request.Spec.EstimatedCost),
	}, nil
}

func (e *PredictionExecutor) predictionFor(ctx context.Context, request NodeRequest) (string, error) {
	predictionID, err := e.ledger.resumable(ctx, request)
	if err != nil || predictionID != "" {
		return predictionID, err
	}

	model, input := predictionInput(request.Spec, request.Data)

	prediction, err := e.client.CreatePrediction(ctx, provider.PredictionRequest{Model: model, Input: input})
	if err != nil {
		return "", err
	}

	e.logger.InfoContext(ctx, "Prediction created",
		"execution_id", request.ExecutionID,
		"node_id", request.NodeID,
		"prediction_id", prediction.ID,
		"model", model,
	)

	return prediction.ID, nil
}

// ProcessingExecutor runs media processing nodes through a media.Processor. Like predictions,
// a processing run started by an earlier attempt is resumed.
type ProcessingExecutor struct {
	processor media.Processor
	ledger    predictionLedger
	tracker   JobTracker
	persister ArtifactPersister
}

func NewProcessingExecutor(
	logger *slog.Logger,
	processor media.Processor,
	state *workflow.StateManager,
	jobs persistence.JobRepository,
	tracker JobTracker,
	persister ArtifactPersister,
) *ProcessingExecutor {
	return &ProcessingExecutor{
		processor: processor,
		ledger:    predictionLedger{logger: logger.With("module", "processing_executor"), state: state, jobs: jobs},
		tracker:   tracker,
		persister: persister,
	}
}

func (e *ProcessingExecutor) Execute(ctx context.Context, request NodeRequest) (*NodeOutcome, error) {
	predictionID, err := e.ledger.resumable(ctx, request)
	if err != nil {
		return nil, err
	}

	model, input := predictionInput(request.Spec, request.Data)

	result, err := e.processor.Process(ctx, media.Task{
		NodeType:     request.NodeType,
		Model:        model,
		Input:        input,
		PredictionID: predictionID,
		OnStarted: func(ctx context.Context, predictionID string) error {
			return e.ledger.record(ctx, request, predictionID)
		},
		OnHeartbeat: func(ctx context.Context) error {
			return e.tracker.HeartbeatJob(ctx, request.JobID)
		},
	})
	if err != nil {
		return nil, err
	}

	output, err := normalizeOutput(request.Spec, result.Output)
	if err != nil {
		return nil, err
	}

	if result.PredictionID != "" {
		output["predictionId"] = result.PredictionID
	}

	if e.persister != nil {
		output = e.persister.Persist(ctx, request.ExecutionID, request.NodeID, output)
	}

	cost := result.Cost
	if cost == 0 {
		cost = request.Spec.EstimatedCost
	}

	return &NodeOutcome{Output: output, Cost: cost}, nil
}

// predictionInput splits node data into the provider model and its input.
// A "model" field on the node overrides the catalog default.
func predictionInput(spec registry.NodeSpec, data map[string]any) (string, map[string]any) {
	input := maps.Clone(data)
	if input == nil {
		input = map[string]any{}
	}

	model := spec.Model
	if override, ok := input["model"].(string); ok && override != "" {
		model = override
	}

	delete(input, "model")

	if prompt, ok := input["inputPrompt"]; ok {
		if _, exists := input["prompt"]; !exists {
			input["prompt"] = prompt
		}

		delete(input, "inputPrompt")
	}

	return model, input
}

// normalizeOutput maps a raw provider output onto "output" and the type's output field.
func normalizeOutput(spec registry.NodeSpec, raw any) (map[string]any, error) {
	field := spec.OutputField
	if field == "" {
		field = "output"
	}

	output := map[string]any{}

	switch value := raw.(type) {
	case nil:
		return nil, fmt.Errorf("empty output for %s node", spec.Type)
	case string:
		output["output"] = value
		output[field] = value
	case []any:
		if len(value) == 0 {
			return nil, fmt.Errorf("empty output for %s node", spec.Type)
		}

		if field == "text" {
			joined := joinText(value)
			output["output"] = joined
			output[field] = joined

			break
		}

		output["output"] = value[0]
		output[field] = value[0]

		if field == "imageUrl" {
			output["images"] = value
		}
	case map[string]any:
		maps.Copy(output, value)

		if _, ok := output["output"]; !ok {
			if primary, ok := value[field]; ok {
				output["output"] = primary
			}
		}
	default:
		output["output"] = value
		output[field] = value
	}

	return output, nil
}

func joinText(parts []any) string {
	var b strings.Builder

	for _, part := range parts {
		fmt.Fprint(&b, part)
	}

	return b.String()
}

// Executors maps every job kind to its executor. Literal nodes need no dependencies.
func Executors(prediction, processing NodeExecutor) map[models.JobKind]NodeExecutor {
	return map[models.JobKind]NodeExecutor{
		models.JobKindLiteral:    LiteralExecutor{},
		models.JobKindPrediction: prediction,
		models.JobKindProcessing: processing,
	}
}
