// Package graph implements the DAG scheduler described in SPEC_FULL.md
// §4.8: topological scheduling, cycle detection, per-node dispatch through
// a HandlerRegistry, and output propagation along indexed ports. It knows
// nothing about emergency state, resilience wrapping, or event
// publication — those are layered on by the workflow runtime (C9) so the
// executor stays unit-testable in isolation.
package graph

import (
	"fmt"
	"sort"
	"time"
)

// Node categories, per spec.md §3.
const (
	CategoryProviders  = "providers"
	CategoryTriggers   = "triggers"
	CategoryConditions = "conditions"
	CategoryActions    = "actions"
	CategoryRisk       = "risk"
)

// Node is one vertex of a WorkflowDefinition.
type Node struct {
	ID         string
	Category   string
	Type       string
	Name       string
	Properties map[string]any
	Timeout    *time.Duration // nil falls back to the runtime's default
}

// Edge connects an output port of one node to an input port of another.
type Edge struct {
	FromNodeID      string
	FromOutputIndex int
	ToNodeID        string
	ToInputIndex    int
}

// WorkflowDefinition is the graph submitted for execution.
type WorkflowDefinition struct {
	Nodes []Node
	Edges []Edge
}

// CycleError reports that the graph is not a DAG.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph: cycle detected among nodes %v", e.Nodes)
}

func (d *WorkflowDefinition) nodeByID() map[string]Node {
	out := make(map[string]Node, len(d.Nodes))
	for _, n := range d.Nodes {
		out[n.ID] = n
	}
	return out
}

// dependencies returns, for each node, the set of node IDs it depends on.
func (d *WorkflowDefinition) dependencies() map[string]map[string]bool {
	deps := make(map[string]map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		deps[n.ID] = make(map[string]bool)
	}
	for _, e := range d.Edges {
		if deps[e.ToNodeID] == nil {
			deps[e.ToNodeID] = make(map[string]bool)
		}
		deps[e.ToNodeID][e.FromNodeID] = true
	}
	return deps
}

// dependents returns, for each node, the set of node IDs depending on it.
func (d *WorkflowDefinition) dependents() map[string][]string {
	out := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		out[e.FromNodeID] = append(out[e.FromNodeID], e.ToNodeID)
	}
	return out
}

// terminalNodes returns the set of node IDs that have no outbound edges.
func (d *WorkflowDefinition) terminalNodes() map[string]bool {
	hasOutgoing := make(map[string]bool)
	for _, e := range d.Edges {
		hasOutgoing[e.FromNodeID] = true
	}
	out := make(map[string]bool)
	for _, n := range d.Nodes {
		if !hasOutgoing[n.ID] {
			out[n.ID] = true
		}
	}
	return out
}

// topologicalOrder performs Kahn's algorithm with a stable lexicographic
// tie-break among ready nodes, per spec.md §4.8. Returns *CycleError
// naming every node that never became ready if the graph is not acyclic.
func (d *WorkflowDefinition) topologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.Nodes))
	for _, n := range d.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range d.Edges {
		indegree[e.ToNodeID]++
	}
	deps := d.dependents()

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, child := range deps[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(d.Nodes) {
		visited := make(map[string]bool, len(order))
		for _, id := range order {
			visited[id] = true
		}
		var remaining []string
		for _, n := range d.Nodes {
			if !visited[n.ID] {
				remaining = append(remaining, n.ID)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Nodes: remaining}
	}
	return order, nil
}
