// Package engine walks compiled execution graphs edge by edge, firing nodes
// as their dependencies complete. There is no global scheduler: every state
// change re-derives readiness from the persisted run row, so a restarted
// process picks up exactly where the last persisted write left off.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexfarlander/stitch-run-sub010/pkg/dispatch"
	"github.com/alexfarlander/stitch-run-sub010/pkg/eventbus"
	"github.com/alexfarlander/stitch-run-sub010/pkg/events"
	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/otelhelper"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
)

// Engine executes runs against immutable execution graphs. All mutation
// entry points serialize per run id, so concurrent worker callbacks for the
// same run are applied one at a time.
type Engine struct {
	persistence persistence.Persistence
	dispatcher  dispatch.Dispatcher
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
	locks       *runLocks
}

// NewEngine creates an engine. The publisher may be nil when no event bus is
// wired (tests, offline tools).
func NewEngine(p persistence.Persistence, d dispatch.Dispatcher, publisher eventbus.EventPublisher, logger *slog.Logger) *Engine {
	return &Engine{
		persistence: p,
		dispatcher:  d,
		publisher:   publisher,
		logger:      logger.With("module", "engine"),
		locks:       newRunLocks(),
	}
}

// WithTracer attaches an OpenTelemetry tracer to the engine.
func (e *Engine) WithTracer(tracer trace.Tracer) *Engine {
	e.tracer = tracer

	return e
}

// StartRun creates a run for the given version, initializes every runtime
// node pending, persists the row, and fires the entry nodes. Trigger data
// becomes the input of entry nodes, which have no upstream outputs to merge.
func (e *Engine) StartRun(ctx context.Context, version *models.FlowVersion, trigger, entityID string, triggerData map[string]any) (*models.Run, error) {
	if version.ExecutionGraph == nil {
		return nil, fmt.Errorf("version %s has no execution graph", version.ID)
	}

	graph := version.ExecutionGraph

	run := &models.Run{
		ID:            uuid.NewString(),
		FlowID:        version.FlowID,
		FlowVersionID: version.ID,
		EntityID:      entityID,
		Trigger:       trigger,
		TriggerData:   triggerData,
		NodeStates:    make(map[string]*models.NodeState, len(graph.Nodes)),
	}

	for id := range graph.Nodes {
		run.NodeStates[id] = &models.NodeState{Status: models.NodeStatusPending}
	}

	unlock := e.locks.Lock(run.ID)
	defer unlock()

	if err := e.persistence.Runs().Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist new run: %w", err)
	}

	ctx, span := e.startSpan(ctx, "engine.start_run",
		attribute.String(otelhelper.FlowIDKey, run.FlowID),
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.TriggerKey, trigger),
	)
	defer span.End()

	e.logger.InfoContext(ctx, "Run started",
		"run_id", run.ID, "flow_id", run.FlowID, "version_id", version.ID, "trigger", trigger)

	e.publish(ctx, run.FlowID, events.RunStarted{
		BaseEvent:     events.NewBaseEvent(events.RunStartedEvent, run.FlowID),
		RunID:         run.ID,
		FlowVersionID: version.ID,
		EntityID:      entityID,
		Trigger:       trigger,
	})

	for _, entry := range graph.EntryNodes {
		e.fireNode(ctx, graph, run, entry)
	}

	if err := e.persistence.Runs().Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run after firing entry nodes: %w", err)
	}

	e.maybeFinishRun(ctx, run)

	return run, nil
}

// HandleWorkerCallback applies an asynchronous worker result: the node moves
// running -> completed/failed, the run is persisted, and downstream edges are
// walked. A callback for a node that is no longer running is ignored.
func (e *Engine) HandleWorkerCallback(ctx context.Context, cb dispatch.Callback) error {
	unlock := e.locks.Lock(cb.RunID)
	defer unlock()

	run, graph, err := e.loadRun(ctx, cb.RunID)
	if err != nil {
		return err
	}

	ctx, span := e.startSpan(ctx, "engine.worker_callback",
		attribute.String(otelhelper.RunIDKey, cb.RunID),
		attribute.String(otelhelper.NodeKeyKey, cb.NodeKey),
	)
	defer span.End()

	state := run.State(cb.NodeKey)
	if state == nil {
		return &models.NodeStateNotFoundError{RunID: run.ID, Key: cb.NodeKey}
	}

	to := cb.Status
	if to != models.NodeStatusCompleted && to != models.NodeStatusFailed {
		return fmt.Errorf("callback for node %s carries non-terminal status %q", cb.NodeKey, cb.Status)
	}

	if err := run.SetNodeStatus(cb.NodeKey, to); err != nil {
		// Duplicate or stale callback. The first result won; drop this one.
		e.logger.WarnContext(ctx, "Ignoring stale worker callback",
			"run_id", run.ID, "node_key", cb.NodeKey, "status", state.Status, "callback_status", to)

		return nil
	}

	if to == models.NodeStatusCompleted {
		state.Output = cb.Output
		state.Error = ""
	} else {
		state.Error = cb.Error
	}

	if err := e.persistence.Runs().Save(ctx, run); err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to persist run after callback: %w", err)
	}

	e.publishNodeResult(ctx, run, cb.NodeKey, state)

	e.walkEdges(ctx, graph, run, staticID(graph, cb.NodeKey))

	if err := e.persistence.Runs().Save(ctx, run); err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to persist run after edge walk: %w", err)
	}

	e.maybeFinishRun(ctx, run)

	return nil
}

// HandleUserInput resumes a node that is waiting for human input. The input
// becomes the node's output and downstream edges are walked.
func (e *Engine) HandleUserInput(ctx context.Context, runID, nodeKey string, input map[string]any) error {
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, graph, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}

	state := run.State(nodeKey)
	if state == nil {
		return &models.NodeStateNotFoundError{RunID: run.ID, Key: nodeKey}
	}

	if state.Status != models.NodeStatusWaitingForUser {
		return &models.StatusTransitionError{From: state.Status, To: models.NodeStatusRunning}
	}

	if err := run.SetNodeStatus(nodeKey, models.NodeStatusRunning); err != nil {
		return err
	}

	if err := run.SetNodeStatus(nodeKey, models.NodeStatusCompleted); err != nil {
		return err
	}

	state.Output = input
	state.Error = ""

	if err := e.persistence.Runs().Save(ctx, run); err != nil {
		return fmt.Errorf("failed to persist run after user input: %w", err)
	}

	e.logger.InfoContext(ctx, "User input applied", "run_id", run.ID, "node_key", nodeKey)
	e.publishNodeResult(ctx, run, nodeKey, state)

	e.walkEdges(ctx, graph, run, staticID(graph, nodeKey))

	if err := e.persistence.Runs().Save(ctx, run); err != nil {
		return fmt.Errorf("failed to persist run after edge walk: %w", err)
	}

	e.maybeFinishRun(ctx, run)

	return nil
}

// RetryNode re-fires a failed node or instance. The failed -> running
// transition is the only legal way back into execution.
func (e *Engine) RetryNode(ctx context.Context, runID, nodeKey string) error {
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, graph, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}

	state := run.State(nodeKey)
	if state == nil {
		return &models.NodeStateNotFoundError{RunID: run.ID, Key: nodeKey}
	}

	if state.Status != models.NodeStatusFailed {
		return &models.StatusTransitionError{From: state.Status, To: models.NodeStatusRunning}
	}

	if err := run.SetNodeStatus(nodeKey, models.NodeStatusRunning); err != nil {
		return err
	}

	state.Error = ""

	if err := e.persistence.Runs().Save(ctx, run); err != nil {
		return fmt.Errorf("failed to persist run before retry: %w", err)
	}

	e.logger.InfoContext(ctx, "Retrying node", "run_id", run.ID, "node_key", nodeKey)

	e.runNode(ctx, graph, run, nodeKey)

	if err := e.persistence.Runs().Save(ctx, run); err != nil {
		return fmt.Errorf("failed to persist run after retry: %w", err)
	}

	e.maybeFinishRun(ctx, run)

	return nil
}

// GetRun returns the persisted run row.
func (e *Engine) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return e.persistence.Runs().GetByID(ctx, runID)
}

// walkEdges fires the downstream children of a node that just reached a
// terminal status. Terminal graph nodes have no children to fire; run
// completion is derived separately.
func (e *Engine) walkEdges(ctx context.Context, graph *models.ExecutionGraph, run *models.Run, fromNodeID string) {
	if fromNodeID == "" {
		e.logger.ErrorContext(ctx, "Edge walk from unknown node", "run_id", run.ID)

		return
	}

	if graph.IsTerminal(fromNodeID) {
		return
	}

	seen := make(map[string]bool)

	for _, child := range graph.Children(fromNodeID) {
		if seen[child] {
			continue
		}

		seen[child] = true

		if !e.dependenciesSatisfied(graph, run, child) {
			continue
		}

		e.fireNode(ctx, graph, run, child)
	}
}

// dependenciesSatisfied implements the AND-join: every parent must be done.
// A parent with spawned instances counts as done when all of its instances
// are terminal; failed instances open the gate like completed ones.
func (e *Engine) dependenciesSatisfied(graph *models.ExecutionGraph, run *models.Run, target string) bool {
	for _, parent := range graph.ParentsOf(target) {
		if run.HasInstances(parent) {
			done := true

			for _, key := range run.Instances(parent) {
				if !run.State(key).Status.Terminal() {
					done = false

					break
				}
			}

			if !done {
				return false
			}

			continue
		}

		state := run.State(parent)
		if state == nil {
			// The parent's static state only disappears when a splitter
			// replaced it with instances. Zero instances (empty collection)
			// means there is nothing left to wait for.
			continue
		}

		if state.Status != models.NodeStatusCompleted {
			return false
		}
	}

	return true
}

// fireNode transitions a pending node (or its pending instances) to running
// and executes its type handler. Firing a node that is not pending is a
// no-op, which is what makes racing edge walks safe.
func (e *Engine) fireNode(ctx context.Context, graph *models.ExecutionGraph, run *models.Run, nodeID string) {
	node := graph.Nodes[nodeID]
	if node == nil {
		e.logger.ErrorContext(ctx, "Fired unknown node", "run_id", run.ID, "node_id", nodeID)

		return
	}

	if run.HasInstances(nodeID) {
		for _, key := range run.Instances(nodeID) {
			if run.State(key).Status != models.NodeStatusPending {
				continue
			}

			if err := run.SetNodeStatus(key, models.NodeStatusRunning); err != nil {
				continue
			}

			e.publishNodeFired(ctx, run, node, key)
			e.runNode(ctx, graph, run, key)
		}

		return
	}

	state := run.State(nodeID)
	if state == nil {
		// A splitter replaced this node with zero instances. There is
		// nothing to execute; walk straight through to its children.
		e.walkEdges(ctx, graph, run, nodeID)

		return
	}

	if state.Status != models.NodeStatusPending {
		return
	}

	if err := run.SetNodeStatus(nodeID, models.NodeStatusRunning); err != nil {
		return
	}

	e.publishNodeFired(ctx, run, node, nodeID)
	e.runNode(ctx, graph, run, nodeID)
}

// loadRun fetches the run and the execution graph of the version it pinned.
func (e *Engine) loadRun(ctx context.Context, runID string) (*models.Run, *models.ExecutionGraph, error) {
	run, err := e.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	version, err := e.persistence.Versions().GetByID(ctx, run.FlowVersionID)
	if err != nil {
		return nil, nil, err
	}

	if version.ExecutionGraph == nil {
		return nil, nil, fmt.Errorf("version %s has no execution graph", version.ID)
	}

	return run, version.ExecutionGraph, nil
}

// staticID resolves a node-state key back to its graph node id. A key is
// only treated as an instance key when the stripped id exists in the graph
// and the full key does not.
func staticID(graph *models.ExecutionGraph, key string) string {
	if _, ok := graph.Nodes[key]; ok {
		return key
	}

	ik, ok := models.ParseInstanceKey(key)
	if !ok {
		return ""
	}

	if _, ok := graph.Nodes[ik.TemplateID]; ok {
		return ik.TemplateID
	}

	return ""
}

func (e *Engine) maybeFinishRun(ctx context.Context, run *models.Run) {
	if !run.Finished() {
		return
	}

	failed := false

	for _, state := range run.NodeStates {
		if state.Status == models.NodeStatusFailed {
			failed = true

			break
		}
	}

	e.logger.InfoContext(ctx, "Run finished", "run_id", run.ID, "failed", failed)

	e.publish(ctx, run.FlowID, events.RunCompleted{
		BaseEvent: events.NewBaseEvent(events.RunCompletedEvent, run.FlowID),
		RunID:     run.ID,
		Failed:    failed,
	})
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) publishNodeFired(ctx context.Context, run *models.Run, node *models.ExecutionNode, key string) {
	e.publish(ctx, run.FlowID, events.NodeFired{
		BaseEvent:  events.NewBaseEvent(events.NodeFiredEvent, run.FlowID),
		RunID:      run.ID,
		NodeKey:    key,
		NodeType:   node.Type,
		WorkerType: node.WorkerType,
	})
}

func (e *Engine) publishNodeResult(ctx context.Context, run *models.Run, key string, state *models.NodeState) {
	switch state.Status {
	case models.NodeStatusCompleted:
		e.publish(ctx, run.FlowID, events.NodeCompleted{
			BaseEvent: events.NewBaseEvent(events.NodeCompletedEvent, run.FlowID),
			RunID:     run.ID,
			NodeKey:   key,
			Output:    state.Output,
		})
	case models.NodeStatusFailed:
		e.publish(ctx, run.FlowID, events.NodeFailed{
			BaseEvent: events.NewBaseEvent(events.NodeFailedEvent, run.FlowID),
			RunID:     run.ID,
			NodeKey:   key,
			Error:     state.Error,
		})
	case models.NodeStatusWaitingForUser:
		e.publish(ctx, run.FlowID, events.NodeWaiting{
			BaseEvent: events.NewBaseEvent(events.NodeWaitingEvent, run.FlowID),
			RunID:     run.ID,
			NodeKey:   key,
		})
	case models.NodeStatusPending, models.NodeStatusRunning:
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tracer == nil {
		// A span-free context yields a no-op span.
		return ctx, trace.SpanFromContext(context.Background())
	}

	return otelhelper.StartSpan(ctx, e.tracer, name, attrs...)
}
