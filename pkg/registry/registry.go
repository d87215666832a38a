// Package registry holds the closed catalog of node types and how each one is dispatched.
package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/dukex/genflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// NodeSpec describes the dispatch behaviour of one node type.
type NodeSpec struct {
	Type     string
	Queue    string
	Priority int
	Kind     models.JobKind
	// Passthrough nodes carry their output on their own data and are never dispatched.
	Passthrough   bool
	EstimatedCost float64
	// Model is the default provider model for prediction and processing nodes.
	Model string
	// OutputField names the output key that carries the primary result of a dispatched node.
	OutputField string
	// OutputFields maps an output handle of a passthrough node to the data field holding its value.
	OutputFields map[string]string
	Schema       map[string]any
}

// PassthroughFallbackFields are tried in order when a passthrough handle has no mapping.
var PassthroughFallbackFields = []string{"text", "prompt", "value", "url", "imageUrl", "videoUrl", "audioUrl"}

type Registry struct {
	logger *slog.Logger
	specs  map[string]NodeSpec
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger: log,
		specs:  make(map[string]NodeSpec),
	}
}

// NewDefaultRegistry returns a registry holding every built-in node type.
func NewDefaultRegistry(log *slog.Logger) *Registry {
	registry := NewRegistry(log)
	registry.RegisterDefaultNodes()

	return registry
}

func (r *Registry) Register(spec NodeSpec) {
	r.specs[spec.Type] = spec
}

// Lookup returns the spec of nodeType or an *models.UnknownNodeTypeError.
func (r *Registry) Lookup(nodeType string) (NodeSpec, error) {
	spec, ok := r.specs[nodeType]
	if !ok {
		return NodeSpec{}, &models.UnknownNodeTypeError{NodeType: nodeType}
	}

	return spec, nil
}

func (r *Registry) IsPassthrough(nodeType string) bool {
	spec, ok := r.specs[nodeType]

	return ok && spec.Passthrough
}

// EstimateCost sums the estimated cost of the given node types. Unknown types cost nothing.
func (r *Registry) EstimateCost(nodeTypes ...string) float64 {
	var total float64

	for _, nodeType := range nodeTypes {
		total += r.specs[nodeType].EstimatedCost
	}

	return total
}

// Types returns the registered node types in lexical order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.specs))
	for nodeType := range r.specs {
		types = append(types, nodeType)
	}

	sort.Strings(types)

	return types
}

// ValidateGraph checks that every node of graph has a registered type.
func (r *Registry) ValidateGraph(graph models.Graph) error {
	for _, node := range graph.Nodes {
		if _, ok := r.specs[node.Type]; !ok {
			return &models.UnknownNodeTypeError{NodeType: node.Type, NodeID: node.ID}
		}
	}

	return nil
}

// Validate checks node data against the JSON schema of its type, when it has one.
func (r *Registry) Validate(nodeType string, data map[string]any) error {
	spec, err := r.Lookup(nodeType)
	if err != nil {
		return err
	}

	if spec.Schema == nil {
		return nil
	}

	if data == nil {
		data = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(spec.Schema), gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate %s node data: %w", nodeType, err)
	}

	if !result.Valid() {
		var messages []string
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		slices.Sort(messages)

		return fmt.Errorf("invalid %s node data: %s", nodeType, strings.Join(messages, "; "))
	}

	return nil
}

func (r *Registry) HealthCheck() (string, bool) {
	if len(r.specs) == 0 {
		return "no node types registered", false
	}

	return fmt.Sprintf("%d node types registered", len(r.specs)), true
}
