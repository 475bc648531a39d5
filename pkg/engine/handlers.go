package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/alexfarlander/stitch-run-sub010/pkg/dispatch"
	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
)

const (
	configItemPath    = "item_path"
	configCollectMode = "collect_mode"

	collectModeArray  = "array"
	collectModeObject = "object"
	collectModeFirst  = "first"
)

// runNode executes the type handler for a node (or instance) that has just
// been moved to running. Node execution failures are recorded on the state
// and never bubble up as engine errors.
func (e *Engine) runNode(ctx context.Context, graph *models.ExecutionGraph, run *models.Run, key string) {
	nodeID := staticID(graph, key)

	node := graph.Nodes[nodeID]
	if node == nil {
		e.logger.ErrorContext(ctx, "Running unknown node", "run_id", run.ID, "node_key", key)

		return
	}

	switch node.Type {
	case models.NodeTypeWorker:
		e.runWorker(ctx, graph, run, node, key)
	case models.NodeTypeUX:
		e.runUX(ctx, run, key)
	case models.NodeTypeSplitter:
		e.runSplitter(ctx, graph, run, node, key)
	case models.NodeTypeCollector:
		e.runCollector(ctx, graph, run, node, key)
	case models.NodeTypeSection, models.NodeTypeSectionItem:
		// Compiled graphs never contain presentation nodes.
		e.markFailed(ctx, graph, run, key, fmt.Errorf("node %s has non-runtime type %s", key, node.Type))
	}
}

// runWorker dispatches asynchronous work. The node stays running until the
// worker reports back through HandleWorkerCallback.
func (e *Engine) runWorker(ctx context.Context, graph *models.ExecutionGraph, run *models.Run, node *models.ExecutionNode, key string) {
	var input map[string]any

	if key == node.ID {
		input = e.mergeUpstreamOutputs(graph, run, node.ID)
	} else {
		// Instance input was seeded by the splitter that spawned it.
		input = instanceInput(run.State(key).Output)
	}

	err := e.dispatcher.Dispatch(ctx, dispatch.Dispatch{
		RunID:      run.ID,
		NodeKey:    key,
		WorkerType: node.WorkerType,
		Config:     node.Config,
		Input:      input,
	})
	if err != nil {
		e.markFailed(ctx, graph, run, key, fmt.Errorf("dispatch failed: %w", err))

		return
	}

	e.logger.InfoContext(ctx, "Worker dispatched", "run_id", run.ID, "node_key", key, "worker_type", node.WorkerType)
}

// runUX parks the node until HandleUserInput resumes it.
func (e *Engine) runUX(ctx context.Context, run *models.Run, key string) {
	if err := run.SetNodeStatus(key, models.NodeStatusWaitingForUser); err != nil {
		e.logger.ErrorContext(ctx, "Failed to park node for user input", "run_id", run.ID, "node_key", key, "error", err)

		return
	}

	e.publishNodeResult(ctx, run, key, run.State(key))
}

// runSplitter fans a collection out into parallel instances of every
// downstream target, then completes immediately with the collection as its
// own output.
func (e *Engine) runSplitter(ctx context.Context, graph *models.ExecutionGraph, run *models.Run, node *models.ExecutionNode, key string) {
	if key != node.ID {
		// Nested fan-out is not supported; an instanced splitter passes its
		// element through untouched.
		e.completeNode(ctx, graph, run, key, run.State(key).Output)

		return
	}

	input := e.mergeUpstreamOutputs(graph, run, node.ID)

	itemPath, _ := node.Config[configItemPath].(string)

	resolved, ok := resolvePath(input, itemPath)
	if !ok {
		e.markFailed(ctx, graph, run, key, fmt.Errorf("item path %q not found in input", itemPath))

		return
	}

	collection, ok := resolved.([]any)
	if !ok {
		e.markFailed(ctx, graph, run, key, fmt.Errorf("item path %q does not resolve to a collection", itemPath))

		return
	}

	for _, target := range graph.Children(node.ID) {
		// The static target state is replaced by its instances; readiness
		// checks and Finished() look only at the instance states.
		delete(run.NodeStates, target)

		keys := make([]string, 0, len(collection))

		for i, element := range collection {
			instance := models.InstanceKey{TemplateID: target, Index: i}
			run.NodeStates[instance.String()] = &models.NodeState{
				Status: models.NodeStatusPending,
				Output: element,
			}

			keys = append(keys, instance.String())
		}

		run.SpawnInstances(target, keys)
	}

	e.logger.InfoContext(ctx, "Splitter fanned out",
		"run_id", run.ID, "node_key", key, "instances", len(collection))

	e.completeNode(ctx, graph, run, key, collection)
}

// runCollector merges the terminal upstream instances into one output and
// completes immediately. It only fires once its AND-join is satisfied, so
// every upstream instance is already terminal here.
func (e *Engine) runCollector(ctx context.Context, graph *models.ExecutionGraph, run *models.Run, node *models.ExecutionNode, key string) {
	if key != node.ID {
		e.completeNode(ctx, graph, run, key, run.State(key).Output)

		return
	}

	mode, _ := node.Config[configCollectMode].(string)
	if mode == "" {
		mode = collectModeArray
	}

	output, err := e.collect(graph, run, node.ID, mode)
	if err != nil {
		e.markFailed(ctx, graph, run, key, err)

		return
	}

	e.completeNode(ctx, graph, run, key, output)
}

func (e *Engine) collect(graph *models.ExecutionGraph, run *models.Run, collectorID, mode string) (any, error) {
	switch mode {
	case collectModeArray:
		items := make([]any, 0)

		e.eachUpstreamResult(graph, run, collectorID, func(_ string, output any) {
			items = append(items, output)
		})

		return items, nil
	case collectModeObject:
		items := make(map[string]any)

		e.eachUpstreamResult(graph, run, collectorID, func(key string, output any) {
			items[key] = output
		})

		return items, nil
	case collectModeFirst:
		var first any

		found := false

		e.eachUpstreamResult(graph, run, collectorID, func(_ string, output any) {
			if !found {
				first = output
				found = true
			}
		})

		return first, nil
	default:
		return nil, fmt.Errorf("unknown collect mode %q", mode)
	}
}

// eachUpstreamResult visits completed upstream results in deterministic
// order: parents in edge order, instances in index order. Failed instances
// contribute nothing.
func (e *Engine) eachUpstreamResult(graph *models.ExecutionGraph, run *models.Run, collectorID string, visit func(key string, output any)) {
	for _, parent := range graph.ParentsOf(collectorID) {
		if run.HasInstances(parent) {
			for _, key := range run.Instances(parent) {
				state := run.State(key)
				if state.Status == models.NodeStatusCompleted {
					visit(key, state.Output)
				}
			}

			continue
		}

		state := run.State(parent)
		if state != nil && state.Status == models.NodeStatusCompleted {
			visit(parent, state.Output)
		}
	}
}

// completeNode finishes a node locally (splitter, collector, instance
// passthrough) and walks its downstream edges.
func (e *Engine) completeNode(ctx context.Context, graph *models.ExecutionGraph, run *models.Run, key string, output any) {
	if err := run.SetNodeStatus(key, models.NodeStatusCompleted); err != nil {
		e.logger.ErrorContext(ctx, "Failed to complete node", "run_id", run.ID, "node_key", key, "error", err)

		return
	}

	state := run.State(key)
	state.Output = output
	state.Error = ""

	e.publishNodeResult(ctx, run, key, state)
	e.walkEdges(ctx, graph, run, staticID(graph, key))
}

// markFailed records a node execution failure. Failed is terminal, so
// downstream AND-joins are re-evaluated: a failure opens gates, it just
// contributes no output.
func (e *Engine) markFailed(ctx context.Context, graph *models.ExecutionGraph, run *models.Run, key string, cause error) {
	if err := run.SetNodeStatus(key, models.NodeStatusFailed); err != nil {
		e.logger.ErrorContext(ctx, "Failed to mark node failed", "run_id", run.ID, "node_key", key, "error", err)

		return
	}

	state := run.State(key)
	state.Error = cause.Error()

	e.logger.WarnContext(ctx, "Node failed", "run_id", run.ID, "node_key", key, "error", cause)

	e.publishNodeResult(ctx, run, key, state)
	e.walkEdges(ctx, graph, run, staticID(graph, key))
}

// mergeUpstreamOutputs assembles a node's input from its completed parents.
// Schema defaults seed the map first; parents apply in edge-declaration
// order, so when two parents write the same key the last inbound edge wins.
func (e *Engine) mergeUpstreamOutputs(graph *models.ExecutionGraph, run *models.Run, target string) map[string]any {
	result := make(map[string]any)

	node := graph.Nodes[target]
	if node != nil && node.InputSchema != nil {
		for name := range node.InputSchema.Properties {
			if value, ok := node.InputSchema.PropertyDefault(name); ok {
				result[name] = value
			}
		}
	}

	parents := graph.ParentsOf(target)
	if len(parents) == 0 {
		for k, v := range run.TriggerData {
			result[k] = v
		}

		return result
	}

	for _, parent := range parents {
		if run.HasInstances(parent) {
			items := make([]any, 0)

			for _, key := range run.Instances(parent) {
				state := run.State(key)
				if state.Status == models.NodeStatusCompleted {
					items = append(items, state.Output)
				}
			}

			result[parent] = items

			continue
		}

		state := run.State(parent)
		if state == nil || state.Status != models.NodeStatusCompleted {
			continue
		}

		mapping := graph.Mapping(parent, target)
		if mapping != nil && len(mapping.Mapping) > 0 {
			for targetInput, sourcePath := range mapping.Mapping {
				if value, ok := resolvePath(state.Output, sourcePath); ok {
					result[targetInput] = value
				}
			}

			continue
		}

		if m, ok := state.Output.(map[string]any); ok {
			for k, v := range m {
				result[k] = v
			}

			continue
		}

		if state.Output != nil {
			result[parent] = state.Output
		}
	}

	return result
}

// instanceInput shapes a seeded instance element into a dispatch input map.
func instanceInput(output any) map[string]any {
	if m, ok := output.(map[string]any); ok {
		return m
	}

	return map[string]any{"item": output}
}

// resolvePath walks a dot-separated path through nested maps. An empty path
// resolves to the value itself.
func resolvePath(value any, path string) (any, bool) {
	if path == "" {
		return value, true
	}

	current := value

	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}
