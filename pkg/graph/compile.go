package graph

import (
	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/registry"
)

// Compile validates a visual graph and, when valid, produces its immutable
// execution form. Validation errors block compilation entirely: no partial
// graph is ever returned.
//
// The result is a pure function of the input: node ids are preserved
// byte-for-byte (runs and historical links depend on id stability across
// versions), presentation fields are dropped, and section nodes never reach
// the execution graph.
func Compile(g *models.VisualGraph, reg *registry.Registry) (*models.ExecutionGraph, []ValidationError) {
	if errs := Validate(g, reg); len(errs) > 0 {
		return nil, errs
	}

	exec := &models.ExecutionGraph{
		Nodes:         make(map[string]*models.ExecutionNode),
		Adjacency:     make(map[string][]string),
		Parents:       make(map[string][]string),
		EdgeData:      make(map[string]*models.EdgeData),
		EntryNodes:    make([]string, 0),
		TerminalNodes: make([]string, 0),
	}

	for _, n := range g.Nodes {
		if !n.Type.Runtime() {
			continue
		}

		exec.Nodes[n.ID] = compileNode(n, reg)
	}

	hasInbound := make(map[string]bool)
	hasOutbound := make(map[string]bool)

	for _, e := range g.Edges {
		// Edges touching section nodes are presentation-only.
		if exec.Nodes[e.Source] == nil || exec.Nodes[e.Target] == nil {
			continue
		}

		exec.Adjacency[e.Source] = append(exec.Adjacency[e.Source], e.Target)
		exec.Parents[e.Target] = append(exec.Parents[e.Target], e.Source)

		mapping := &models.EdgeData{Mapping: map[string]string{}}
		if e.Data != nil {
			for k, v := range e.Data.Mapping {
				mapping.Mapping[k] = v
			}
		}

		exec.EdgeData[models.EdgeKey(e.Source, e.Target)] = mapping

		hasInbound[e.Target] = true
		hasOutbound[e.Source] = true
	}

	for _, n := range g.Nodes {
		if exec.Nodes[n.ID] == nil {
			continue
		}

		if !hasInbound[n.ID] {
			exec.EntryNodes = append(exec.EntryNodes, n.ID)
		}

		if !hasOutbound[n.ID] {
			exec.TerminalNodes = append(exec.TerminalNodes, n.ID)
		}
	}

	return exec, nil
}

// compileNode strips a canvas node down to its execution-relevant fields.
func compileNode(n *models.VisualNode, reg *registry.Registry) *models.ExecutionNode {
	node := &models.ExecutionNode{
		ID:         n.ID,
		Type:       n.Type,
		WorkerType: n.WorkerType,
		EntityMove: n.EntityMove,
	}

	if len(n.Config) > 0 {
		node.Config = make(map[string]any, len(n.Config))
		for k, v := range n.Config {
			node.Config[k] = v
		}
	}

	if n.Type == models.NodeTypeWorker {
		if def, ok := reg.Worker(n.WorkerType); ok {
			node.InputSchema = def.InputSchema
			node.OutputSchema = def.OutputSchema
		}
	}

	return node
}
