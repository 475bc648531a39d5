package graph

import (
	"fmt"
	"strings"

	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/registry"
)

// dfs colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // in progress
	colorBlack        // done
)

// Validate checks a visual graph against the worker registry and returns
// every problem found. An empty result means the graph is valid. The
// function is pure: it never mutates the graph and has no side effects.
func Validate(g *models.VisualGraph, reg *registry.Registry) []ValidationError {
	errs := make([]ValidationError, 0)

	nodesByID := make(map[string]*models.VisualNode, len(g.Nodes))
	for _, n := range g.Nodes {
		nodesByID[n.ID] = n
	}

	errs = append(errs, validateNodeIDs(g)...)
	errs = append(errs, validateCycles(g, nodesByID)...)
	errs = append(errs, validateWorkerTypes(g, reg)...)
	errs = append(errs, validateRequiredInputs(g, reg)...)
	errs = append(errs, validateEdgeMappings(g, nodesByID, reg)...)
	errs = append(errs, validateWorkerConfigs(g, reg)...)

	return errs
}

// validateNodeIDs reports node ids declared more than once. Every other
// check indexes nodes by id, so a duplicate would silently shadow the
// earlier declaration.
func validateNodeIDs(g *models.VisualGraph) []ValidationError {
	seen := make(map[string]bool, len(g.Nodes))
	errs := make([]ValidationError, 0)

	for _, n := range g.Nodes {
		if seen[n.ID] {
			errs = append(errs, ValidationError{
				Code:    CodeDuplicateNode,
				NodeID:  n.ID,
				Message: fmt.Sprintf("node id %q is declared more than once", n.ID),
			})

			continue
		}

		seen[n.ID] = true
	}

	return errs
}

// validateCycles runs a three-color depth-first traversal from every
// unvisited node, so cycles in disconnected components are found too. Any
// back-edge to an in-progress node reports the node it points at.
func validateCycles(g *models.VisualGraph, nodesByID map[string]*models.VisualNode) []ValidationError {
	adjacency := make(map[string][]string)

	for _, e := range g.Edges {
		if nodesByID[e.Source] == nil || nodesByID[e.Target] == nil {
			continue // dangling edges are reported by the mapping check
		}

		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	colors := make(map[string]int, len(g.Nodes))
	reported := make(map[string]bool)
	errs := make([]ValidationError, 0)

	var visit func(id string)
	visit = func(id string) {
		colors[id] = colorGray

		for _, child := range adjacency[id] {
			switch colors[child] {
			case colorWhite:
				visit(child)
			case colorGray:
				if !reported[child] {
					reported[child] = true
					errs = append(errs, ValidationError{
						Code:    CodeCycle,
						NodeID:  child,
						Message: fmt.Sprintf("node %s participates in a cycle", child),
					})
				}
			}
		}

		colors[id] = colorBlack
	}

	for _, n := range g.Nodes {
		if colors[n.ID] == colorWhite {
			visit(n.ID)
		}
	}

	return errs
}

func validateWorkerTypes(g *models.VisualGraph, reg *registry.Registry) []ValidationError {
	errs := make([]ValidationError, 0)

	for _, n := range g.Nodes {
		if n.Type != models.NodeTypeWorker {
			continue
		}

		if n.WorkerType == "" {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidWorker,
				NodeID:  n.ID,
				Message: "worker node has no worker type",
			})

			continue
		}

		if _, ok := reg.Worker(n.WorkerType); !ok {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidWorker,
				NodeID:  n.ID,
				Message: fmt.Sprintf("worker type %q is not registered", n.WorkerType),
			})
		}
	}

	return errs
}

// validateRequiredInputs enforces the strict input policy: a required input
// is satisfied only by an explicit inbound edge mapping entry or a declared
// schema default. A bare edge connection does not satisfy it; that would
// turn into a silent nil at runtime.
func validateRequiredInputs(g *models.VisualGraph, reg *registry.Registry) []ValidationError {
	inboundMappings := make(map[string]map[string]bool) // target node id -> mapped input names

	for _, e := range g.Edges {
		if e.Data == nil {
			continue
		}

		if inboundMappings[e.Target] == nil {
			inboundMappings[e.Target] = make(map[string]bool)
		}

		for inputName := range e.Data.Mapping {
			inboundMappings[e.Target][inputName] = true
		}
	}

	errs := make([]ValidationError, 0)

	for _, n := range g.Nodes {
		if n.Type != models.NodeTypeWorker {
			continue
		}

		def, ok := reg.Worker(n.WorkerType)
		if !ok || def.InputSchema == nil {
			continue // unknown workers are already reported
		}

		for _, required := range def.InputSchema.Required {
			if inboundMappings[n.ID][required] {
				continue
			}

			if _, hasDefault := def.InputSchema.PropertyDefault(required); hasDefault {
				continue
			}

			errs = append(errs, ValidationError{
				Code:    CodeMissingInput,
				NodeID:  n.ID,
				Field:   required,
				Message: fmt.Sprintf("required input %q is not mapped and has no default", required),
			})
		}
	}

	return errs
}

// validateEdgeMappings checks referential integrity of edges and their
// mappings: edges must connect existing nodes, mapping targets must be
// declared inputs of the target node, and mapping source paths must resolve
// structurally against the source node's output schema.
func validateEdgeMappings(g *models.VisualGraph, nodesByID map[string]*models.VisualNode, reg *registry.Registry) []ValidationError {
	errs := make([]ValidationError, 0)

	for _, e := range g.Edges {
		source := nodesByID[e.Source]
		target := nodesByID[e.Target]

		if source == nil {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidMapping,
				NodeID:  e.Target,
				Field:   e.ID,
				Message: fmt.Sprintf("edge %s references unknown source node %q", e.ID, e.Source),
			})
		}

		if target == nil {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidMapping,
				NodeID:  e.Source,
				Field:   e.ID,
				Message: fmt.Sprintf("edge %s references unknown target node %q", e.ID, e.Target),
			})
		}

		if source == nil || target == nil || e.Data == nil {
			continue
		}

		var targetInputs, sourceOutputs *models.JSONSchema

		if target.Type == models.NodeTypeWorker {
			if def, ok := reg.Worker(target.WorkerType); ok {
				targetInputs = def.InputSchema
			}
		}

		if source.Type == models.NodeTypeWorker {
			if def, ok := reg.Worker(source.WorkerType); ok {
				sourceOutputs = def.OutputSchema
			}
		}

		for inputName, sourcePath := range e.Data.Mapping {
			if targetInputs != nil && !targetInputs.HasProperty(inputName) {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidMapping,
					NodeID:  e.Target,
					Field:   inputName,
					Message: fmt.Sprintf("mapping targets input %q which node %s does not declare", inputName, e.Target),
				})
			}

			if sourceOutputs != nil {
				root := sourcePath
				if i := strings.IndexByte(sourcePath, '.'); i >= 0 {
					root = sourcePath[:i]
				}

				if !sourceOutputs.HasProperty(root) {
					errs = append(errs, ValidationError{
						Code:    CodeInvalidMapping,
						NodeID:  e.Source,
						Field:   inputName,
						Message: fmt.Sprintf("mapping source path %q does not resolve against the output schema of node %s", sourcePath, e.Source),
					})
				}
			}
		}
	}

	return errs
}

func validateWorkerConfigs(g *models.VisualGraph, reg *registry.Registry) []ValidationError {
	errs := make([]ValidationError, 0)

	for _, n := range g.Nodes {
		if n.Type != models.NodeTypeWorker {
			continue
		}

		if _, ok := reg.Worker(n.WorkerType); !ok {
			continue
		}

		violations, err := reg.ValidateWorkerConfig(n.WorkerType, n.Config)
		if err != nil {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidConfig,
				NodeID:  n.ID,
				Message: err.Error(),
			})

			continue
		}

		for _, violation := range violations {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidConfig,
				NodeID:  n.ID,
				Message: violation,
			})
		}
	}

	return errs
}
