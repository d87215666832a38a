package workflow

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/genflow/pkg/models"
)

// BuildPendingNodes returns the initial frontier for graph. When selection is not empty only
// the selected nodes are included and dependencies outside the selection are dropped.
// Passthrough nodes are never pending: their values are read straight from the graph.
func (sm *StateManager) BuildPendingNodes(graph models.Graph, selection []string) ([]models.PendingNode, error) {
	for _, id := range selection {
		if _, ok := graph.Node(id); !ok {
			return nil, fmt.Errorf("node %s is not part of the workflow", id)
		}
	}

	nodes := []models.PendingNode{}

	for _, node := range graph.Nodes {
		if len(selection) > 0 && !slices.Contains(selection, node.ID) {
			continue
		}

		pending, ok, err := sm.pendingNode(graph, node, func(dep string) bool {
			return len(selection) == 0 || slices.Contains(selection, dep)
		})
		if err != nil {
			return nil, err
		}

		if ok {
			nodes = append(nodes, pending)
		}
	}

	return nodes, nil
}

// pendingNode builds the frontier entry for node, keeping the non-passthrough dependencies accepted by keep.
func (sm *StateManager) pendingNode(graph models.Graph, node models.Node, keep func(dep string) bool) (models.PendingNode, bool, error) {
	spec, err := sm.nodes.Lookup(node.Type)
	if err != nil {
		return models.PendingNode{}, false, &models.UnknownNodeTypeError{NodeType: node.Type, NodeID: node.ID}
	}

	if spec.Passthrough {
		return models.PendingNode{}, false, nil
	}

	dependsOn := []string{}

	for _, dep := range graph.Dependencies(node.ID) {
		source, ok := graph.Node(dep)
		if !ok || sm.nodes.IsPassthrough(source.Type) {
			continue
		}

		if !keep(dep) {
			continue
		}

		dependsOn = append(dependsOn, dep)
	}

	return models.PendingNode{
		NodeID:    node.ID,
		NodeType:  node.Type,
		NodeData:  node.Data,
		DependsOn: dependsOn,
	}, true, nil
}

// Reopen moves a failed or cancelled execution back to running. Errored and unfinished
// nodes lose their results and return to the frontier; completed results are kept.
// It returns the ids of the reopened nodes.
func (sm *StateManager) Reopen(ctx context.Context, executionID string, graph models.Graph) ([]string, error) {
	execution, err := sm.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	reopenable := []models.ExecutionStatus{models.ExecutionStatusFailed, models.ExecutionStatusCancelled}
	if !slices.Contains(reopenable, execution.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReopenable, executionID, execution.Status)
	}

	changed, err := sm.executions.TransitionStatus(ctx, executionID, reopenable, models.ExecutionStatusRunning, "")
	if err != nil {
		return nil, err
	}

	if !changed {
		return nil, fmt.Errorf("%w: %s changed status concurrently", ErrNotReopenable, executionID)
	}

	// Dependencies outside this execution's scope, as in a partial run, stay dropped.
	known := make(map[string]bool)
	for _, result := range execution.NodeResults {
		known[result.NodeID] = true
	}

	for _, node := range execution.PendingNodes {
		known[node.NodeID] = true
	}

	var (
		reopened []string
		pending  []models.PendingNode
	)

	for _, result := range execution.NodeResults {
		if result.Status == models.NodeStatusComplete {
			continue
		}

		reopened = append(reopened, result.NodeID)

		node, ok := graph.Node(result.NodeID)
		if !ok {
			sm.logger.WarnContext(ctx, "Reopened node is no longer part of the workflow",
				"execution_id", executionID,
				"node_id", result.NodeID,
			)

			continue
		}

		entry, ok, err := sm.pendingNode(graph, node, func(dep string) bool { return known[dep] })
		if err != nil {
			return nil, err
		}

		if ok {
			pending = append(pending, entry)
		}
	}

	if len(reopened) > 0 {
		err = sm.executions.RemoveNodeResults(ctx, executionID, reopened...)
		if err != nil {
			return nil, err
		}
	}

	if len(pending) > 0 {
		err = sm.executions.AddPendingNodes(ctx, executionID, pending...)
		if err != nil {
			return nil, err
		}
	}

	sm.logger.InfoContext(ctx, "Execution reopened", "execution_id", executionID, "nodes", reopened)

	return reopened, nil
}
