// Package models provides core data structures for the genflow execution orchestrator.
package models

import (
	"slices"
	"time"
)

// Node is a single step of a workflow graph.
type Node struct {
	ID   string         `json:"id"   validate:"required"`
	Type string         `json:"type" validate:"required"`
	Data map[string]any `json:"data"`
}

// Edge connects the output handle of a source node to the input handle of a target node.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"                  validate:"required"`
	Target       string `json:"target"                  validate:"required"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
}

// Graph is the read-only node/edge description of a workflow.
type Graph struct {
	Nodes []Node `json:"nodes" validate:"dive"`
	Edges []Edge `json:"edges" validate:"dive"`
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node, true
		}
	}

	return Node{}, false
}

// IncomingEdges returns the edges targeting nodeID in graph order.
func (g *Graph) IncomingEdges(nodeID string) []Edge {
	var edges []Edge

	for _, edge := range g.Edges {
		if edge.Target == nodeID {
			edges = append(edges, edge)
		}
	}

	return edges
}

// Dependencies returns the distinct source node ids feeding nodeID, in edge order.
func (g *Graph) Dependencies(nodeID string) []string {
	var deps []string

	for _, edge := range g.IncomingEdges(nodeID) {
		if !slices.Contains(deps, edge.Source) {
			deps = append(deps, edge.Source)
		}
	}

	return deps
}

// Workflow is the minimal read model of a stored workflow document.
type Workflow struct {
	ID        string    `json:"id"         validate:"required"`
	Name      string    `json:"name"       validate:"required"`
	Graph     Graph     `json:"graph"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
