package registry_test

import (
	"log/slog"
	"testing"

	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/queue"
	"github.com/dukex/genflow/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefaultNodes(t *testing.T) {
	t.Parallel()

	nodes := registry.NewDefaultRegistry(slog.Default())

	tests := []struct {
		nodeType    string
		queue       string
		priority    int
		kind        models.JobKind
		passthrough bool
	}{
		{registry.TypePrompt, queue.Orchestrator, queue.PriorityHigh, models.JobKindLiteral, true},
		{registry.TypeImageInput, queue.Orchestrator, queue.PriorityHigh, models.JobKindLiteral, true},
		{registry.TypeOutput, queue.Orchestrator, queue.PriorityHigh, models.JobKindLiteral, false},
		{registry.TypeLLM, queue.LLM, queue.PriorityHigh, models.JobKindPrediction, false},
		{registry.TypeImageGen, queue.Image, queue.PriorityNormal, models.JobKindPrediction, false},
		{registry.TypeVideoGen, queue.Video, queue.PriorityBackground, models.JobKindPrediction, false},
		{registry.TypeTranscode, queue.Processing, queue.PriorityLow, models.JobKindProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.nodeType, func(t *testing.T) {
			t.Parallel()

			spec, err := nodes.Lookup(tt.nodeType)
			require.NoError(t, err)

			assert.Equal(t, tt.queue, spec.Queue)
			assert.Equal(t, tt.priority, spec.Priority)
			assert.Equal(t, tt.kind, spec.Kind)
			assert.Equal(t, tt.passthrough, spec.Passthrough)
			assert.Equal(t, tt.passthrough, nodes.IsPassthrough(tt.nodeType))
		})
	}

	assert.Len(t, nodes.Types(), 14)

	message, ok := nodes.HealthCheck()
	assert.True(t, ok)
	assert.Contains(t, message, "14")
}

func TestRegistry_LookupUnknown(t *testing.T) {
	t.Parallel()

	nodes := registry.NewDefaultRegistry(slog.Default())

	_, err := nodes.Lookup("hologram")
	require.Error(t, err)

	var unknown *models.UnknownNodeTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "hologram", unknown.NodeType)
	assert.False(t, nodes.IsPassthrough("hologram"))
}

func TestRegistry_EstimateCost(t *testing.T) {
	t.Parallel()

	nodes := registry.NewDefaultRegistry(slog.Default())

	cost := nodes.EstimateCost(registry.TypePrompt, registry.TypeImageGen, registry.TypeVideoGen, "hologram")
	assert.InDelta(t, 0.54, cost, 1e-9)
}

func TestRegistry_ValidateGraph(t *testing.T) {
	t.Parallel()

	nodes := registry.NewDefaultRegistry(slog.Default())

	err := nodes.ValidateGraph(models.Graph{Nodes: []models.Node{
		{ID: "a", Type: registry.TypePrompt},
		{ID: "b", Type: registry.TypeImageGen},
	}})
	require.NoError(t, err)

	err = nodes.ValidateGraph(models.Graph{Nodes: []models.Node{{ID: "x", Type: "hologram"}}})
	require.ErrorIs(t, err, models.ErrUnknownNodeType)
	assert.Contains(t, err.Error(), "node x")
}

func TestRegistry_Validate(t *testing.T) {
	t.Parallel()

	nodes := registry.NewDefaultRegistry(slog.Default())

	tests := []struct {
		name     string
		nodeType string
		data     map[string]any
		wantErr  string
	}{
		{
			name:     "valid llm data",
			nodeType: registry.TypeLLM,
			data:     map[string]any{"inputPrompt": "write a haiku", "temperature": 0.7},
		},
		{
			name:     "temperature out of range",
			nodeType: registry.TypeLLM,
			data:     map[string]any{"temperature": 3.5},
			wantErr:  "temperature",
		},
		{
			name:     "image prompt must be a string",
			nodeType: registry.TypeImageGen,
			data:     map[string]any{"inputPrompt": 42},
			wantErr:  "inputPrompt",
		},
		{
			name:     "images collect into an array",
			nodeType: registry.TypeImageEdit,
			data:     map[string]any{"images": []any{"https://cdn/a.png", "https://cdn/b.png"}},
		},
		{
			name:     "nil data is an empty object",
			nodeType: registry.TypeVideoGen,
		},
		{
			name:     "types without schema accept anything",
			nodeType: registry.TypeOutput,
			data:     map[string]any{"anything": true},
		},
		{
			name:     "unknown type",
			nodeType: "hologram",
			wantErr:  "unknown node type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := nodes.Validate(tt.nodeType, tt.data)
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
