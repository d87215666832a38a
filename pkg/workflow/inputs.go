package workflow

import (
	"context"
	"maps"
	"slices"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/registry"
)

// DefaultSourceHandle is read from a node output when an edge names no source handle.
const DefaultSourceHandle = "output"

// DefaultTargetHandle is used when an edge names no target handle.
const DefaultTargetHandle = "input"

// handleAliases lists, per target handle, the node data fields it may fill in priority order.
var handleAliases = map[string][]string{
	"input":  {"inputPrompt", "prompt", "text", "imageUrl", "images", "videoUrl", "audioUrl"},
	"prompt": {"inputPrompt", "prompt", "text"},
	"text":   {"text", "inputPrompt", "prompt"},
	"images": {"images", "imageUrls", "referenceImages"},
	"image":  {"imageUrl", "image", "inputImage", "images"},
	"video":  {"videoUrl", "video", "inputVideo"},
	"audio":  {"audioUrl", "audio", "inputAudio"},
}

// arrayFields accumulate every inbound value even before the node data declares them.
var arrayFields = []string{"images", "imageUrls", "referenceImages"}

// ResolveNodeInputs merges the outputs of upstream nodes into a copy of staticData.
// Edges that cannot be resolved are logged and skipped.
func (sm *StateManager) ResolveNodeInputs(
	ctx context.Context,
	executionID, nodeID string,
	staticData map[string]any,
	graph models.Graph,
) (map[string]any, error) {
	logger := sm.logger.With("execution_id", executionID, "node_id", nodeID)

	merged := cloneData(staticData)

	edges := graph.IncomingEdges(nodeID)
	if len(edges) == 0 {
		return merged, nil
	}

	execution, err := sm.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	for _, edge := range edges {
		value, ok := sm.edgeValue(execution, graph, edge)
		if !ok {
			logger.WarnContext(ctx, "Skipping unresolved input edge",
				"source", edge.Source,
				"source_handle", edge.SourceHandle,
				"target_handle", edge.TargetHandle,
			)

			continue
		}

		field := targetField(merged, edge.TargetHandle)
		assign(merged, field, value)
	}

	if execution.Debug {
		logger.DebugContext(ctx, "Resolved node inputs", "inputs", merged)
	}

	return merged, nil
}

func (sm *StateManager) edgeValue(execution *models.Execution, graph models.Graph, edge models.Edge) (any, bool) {
	source, ok := graph.Node(edge.Source)
	if !ok {
		return nil, false
	}

	if sm.nodes.IsPassthrough(source.Type) {
		spec, _ := sm.nodes.Lookup(source.Type)

		return passthroughValue(spec, source.Data, edge.SourceHandle)
	}

	result, ok := execution.Result(edge.Source)
	if !ok || result.Status != models.NodeStatusComplete {
		return nil, false
	}

	handle := edge.SourceHandle
	if handle == "" {
		handle = DefaultSourceHandle
	}

	value, ok := result.Output[handle]
	if !ok || value == nil {
		return nil, false
	}

	return value, true
}

// passthroughValue reads the value a passthrough node carries for handle.
func passthroughValue(spec registry.NodeSpec, data map[string]any, handle string) (any, bool) {
	if handle == "" {
		handle = DefaultSourceHandle
	}

	if field, ok := spec.OutputFields[handle]; ok {
		if value, ok := present(data, field); ok {
			return value, true
		}
	}

	for _, field := range registry.PassthroughFallbackFields {
		if value, ok := present(data, field); ok {
			return value, true
		}
	}

	return nil, false
}

func present(data map[string]any, field string) (any, bool) {
	value, ok := data[field]
	if !ok || value == nil {
		return nil, false
	}

	if s, isString := value.(string); isString && s == "" {
		return nil, false
	}

	return value, true
}

// targetField picks the node data field an inbound edge writes to.
func targetField(data map[string]any, handle string) string {
	if handle != "" {
		if _, ok := data[handle]; ok {
			return handle
		}
	} else {
		handle = DefaultTargetHandle
	}

	candidates, ok := handleAliases[handle]
	if !ok {
		return handle
	}

	for _, candidate := range candidates {
		if _, exists := data[candidate]; exists {
			return candidate
		}
	}

	return candidates[0]
}

// assign writes value to field, appending when the field holds a collection.
func assign(data map[string]any, field string, value any) {
	current, exists := data[field]

	switch existing := current.(type) {
	case []any:
		data[field] = appendValue(existing, value)

		return
	case []string:
		items := make([]any, 0, len(existing))
		for _, item := range existing {
			items = append(items, item)
		}

		data[field] = appendValue(items, value)

		return
	}

	if (!exists || current == nil) && slices.Contains(arrayFields, field) {
		data[field] = appendValue(nil, value)

		return
	}

	data[field] = value
}

func appendValue(items []any, value any) []any {
	switch values := value.(type) {
	case []any:
		return append(items, values...)
	case []string:
		for _, v := range values {
			items = append(items, v)
		}

		return items
	default:
		return append(items, value)
	}
}

// cloneData copies the top level of data and its slices so merging never mutates the graph.
func cloneData(data map[string]any) map[string]any {
	merged := make(map[string]any, len(data))
	maps.Copy(merged, data)

	for key, value := range merged {
		switch v := value.(type) {
		case []any:
			merged[key] = slices.Clone(v)
		case []string:
			merged[key] = slices.Clone(v)
		}
	}

	return merged
}
