package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexfarlander/stitch-run-sub010/pkg/dispatch"
	"github.com/alexfarlander/stitch-run-sub010/pkg/engine"
	"github.com/alexfarlander/stitch-run-sub010/pkg/graph"
	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence/file"
	"github.com/alexfarlander/stitch-run-sub010/pkg/registry"
)

// recordingDispatcher captures dispatched work instead of delivering it, so
// tests play the worker role by feeding callbacks back into the engine.
type recordingDispatcher struct {
	mu         sync.Mutex
	dispatches []dispatch.Dispatch
	failKeys   map[string]bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, work dispatch.Dispatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failKeys[work.NodeKey] {
		return errors.New("worker unavailable")
	}

	d.dispatches = append(d.dispatches, work)

	return nil
}

func (d *recordingDispatcher) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, len(d.dispatches))
	for i, w := range d.dispatches {
		keys[i] = w.NodeKey
	}

	return keys
}

func (d *recordingDispatcher) byKey(key string) (dispatch.Dispatch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range d.dispatches {
		if w.NodeKey == key {
			return w, true
		}
	}

	return dispatch.Dispatch{}, false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T, visual *models.VisualGraph) (*engine.Engine, *file.Persistence, *recordingDispatcher, *models.FlowVersion) {
	t.Helper()

	reg := registry.NewRegistry(testLogger())
	reg.RegisterWorker(&models.WorkerDefinition{Type: "notify"})

	execution, errs := graph.Compile(visual, reg)
	require.Empty(t, errs)

	p := file.NewPersistence(t.TempDir())
	require.NoError(t, p.Flows().Save(t.Context(), &models.Flow{ID: "flow-1", Name: "Engine test flow"}))

	version := &models.FlowVersion{
		ID:             "v1",
		FlowID:         "flow-1",
		VisualGraph:    visual,
		ExecutionGraph: execution,
	}
	require.NoError(t, p.Versions().Insert(t.Context(), version))

	d := &recordingDispatcher{failKeys: map[string]bool{}}
	eng := engine.NewEngine(p, d, nil, testLogger())

	return eng, p, d, version
}

func worker(id string) *models.VisualNode {
	return &models.VisualNode{ID: id, Type: models.NodeTypeWorker, WorkerType: "notify"}
}

func edge(id, source, target string) *models.Edge {
	return &models.Edge{ID: id, Source: source, Target: target}
}

func complete(t *testing.T, eng *engine.Engine, runID, nodeKey string, output any) {
	t.Helper()

	require.NoError(t, eng.HandleWorkerCallback(t.Context(), dispatch.Callback{
		RunID:   runID,
		NodeKey: nodeKey,
		Status:  models.NodeStatusCompleted,
		Output:  output,
	}))
}

func fail(t *testing.T, eng *engine.Engine, runID, nodeKey, message string) {
	t.Helper()

	require.NoError(t, eng.HandleWorkerCallback(t.Context(), dispatch.Callback{
		RunID:   runID,
		NodeKey: nodeKey,
		Status:  models.NodeStatusFailed,
		Error:   message,
	}))
}

func TestStartRun_FiresEntryNodesOnly(t *testing.T) {
	eng, p, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("b")},
		Edges: []*models.Edge{edge("e1", "a", "b")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "lead-1", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, d.keys())

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusRunning, persisted.NodeStates["a"].Status)
	assert.Equal(t, models.NodeStatusPending, persisted.NodeStates["b"].Status)
	assert.Equal(t, "lead-1", persisted.EntityID)
	assert.False(t, persisted.Finished())
}

func TestStartRun_TriggerDataFeedsEntryNodes(t *testing.T) {
	eng, _, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a")},
	})

	_, err := eng.StartRun(t.Context(), version, "queue", "", map[string]any{"lead": "acme"})
	require.NoError(t, err)

	work, ok := d.byKey("a")
	require.True(t, ok)
	assert.Equal(t, "acme", work.Input["lead"])
}

func TestStaticNodeWithNumericSuffix_StaysStatic(t *testing.T) {
	eng, p, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("a_1"), worker("b")},
		Edges: []*models.Edge{edge("e1", "a", "b")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	// a_1 is an ordinary entry node, not an instance of a; both dispatch.
	assert.ElementsMatch(t, []string{"a", "a_1"}, d.keys())

	complete(t, eng, run.ID, "a", map[string]any{"x": float64(1)})

	b, ok := d.byKey("b")
	require.True(t, ok, "b must fire once its only parent a completed")
	assert.Equal(t, float64(1), b.Input["x"])

	complete(t, eng, run.ID, "a_1", map[string]any{"y": float64(2)})
	complete(t, eng, run.ID, "b", map[string]any{"ok": true})

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Finished())
}

func TestLinearChain_CompletesThroughCallbacks(t *testing.T) {
	eng, p, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("b"), worker("c")},
		Edges: []*models.Edge{edge("e1", "a", "b"), edge("e2", "b", "c")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "a", map[string]any{"x": float64(1)})
	assert.Equal(t, []string{"a", "b"}, d.keys())

	b, ok := d.byKey("b")
	require.True(t, ok)
	assert.Equal(t, float64(1), b.Input["x"])

	complete(t, eng, run.ID, "b", map[string]any{"y": float64(2)})
	complete(t, eng, run.ID, "c", map[string]any{"done": true})

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Finished())

	for _, key := range []string{"a", "b", "c"} {
		assert.Equal(t, models.NodeStatusCompleted, persisted.NodeStates[key].Status, key)
	}
}

func TestDuplicateCallback_IsIgnored(t *testing.T) {
	eng, _, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("b")},
		Edges: []*models.Edge{edge("e1", "a", "b")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "a", map[string]any{"x": float64(1)})
	assert.Equal(t, []string{"a", "b"}, d.keys())

	// The second callback for a loses; the node stays completed with the
	// first output and b is not dispatched again.
	complete(t, eng, run.ID, "a", map[string]any{"x": float64(99)})
	assert.Equal(t, []string{"a", "b"}, d.keys())

	persisted, err := eng.GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, persisted.NodeStates["a"].Output)
}

func TestFanIn_WaitsForAllParents(t *testing.T) {
	eng, _, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("b"), worker("join")},
		Edges: []*models.Edge{edge("e1", "a", "join"), edge("e2", "b", "join")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, d.keys())

	complete(t, eng, run.ID, "a", map[string]any{"from_a": true})

	_, joined := d.byKey("join")
	assert.False(t, joined, "join must not fire before all parents are done")

	complete(t, eng, run.ID, "b", map[string]any{"from_b": true})

	join, ok := d.byKey("join")
	require.True(t, ok)
	assert.Equal(t, true, join.Input["from_a"])
	assert.Equal(t, true, join.Input["from_b"])
}

func TestFanIn_FailedParentOpensGate(t *testing.T) {
	eng, p, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("b"), worker("join")},
		Edges: []*models.Edge{edge("e1", "a", "join"), edge("e2", "b", "join")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "a", map[string]any{"from_a": true})
	fail(t, eng, run.ID, "b", "upstream exploded")

	join, ok := d.byKey("join")
	require.True(t, ok, "failed parent still counts as terminal for the AND-join")
	assert.Equal(t, true, join.Input["from_a"])
	assert.NotContains(t, join.Input, "from_b")

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusFailed, persisted.NodeStates["b"].Status)
	assert.Equal(t, "upstream exploded", persisted.NodeStates["b"].Error)
}

func TestUXNode_WaitsAndResumes(t *testing.T) {
	eng, p, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{
			worker("a"),
			{ID: "approve", Type: models.NodeTypeUX},
			worker("b"),
		},
		Edges: []*models.Edge{edge("e1", "a", "approve"), edge("e2", "approve", "b")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "a", map[string]any{"draft": "v1"})

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusWaitingForUser, persisted.NodeStates["approve"].Status)

	_, fired := d.byKey("b")
	assert.False(t, fired)

	require.NoError(t, eng.HandleUserInput(t.Context(), run.ID, "approve", map[string]any{"approved": true}))

	b, ok := d.byKey("b")
	require.True(t, ok)
	assert.Equal(t, true, b.Input["approved"])

	persisted, err = p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusCompleted, persisted.NodeStates["approve"].Status)
}

func TestUserInput_RejectedUnlessWaiting(t *testing.T) {
	eng, _, _, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	err = eng.HandleUserInput(t.Context(), run.ID, "a", map[string]any{"x": 1})
	require.Error(t, err)

	var transitionErr *models.StatusTransitionError
	assert.ErrorAs(t, err, &transitionErr)
}

func TestSplitterCollector_FanOutFanIn(t *testing.T) {
	eng, p, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{
			worker("fetch"),
			{ID: "split", Type: models.NodeTypeSplitter, Config: map[string]any{"item_path": "items"}},
			worker("work"),
			{ID: "collect", Type: models.NodeTypeCollector},
		},
		Edges: []*models.Edge{
			edge("e1", "fetch", "split"),
			edge("e2", "split", "work"),
			edge("e3", "work", "collect"),
		},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "fetch", map[string]any{"items": []any{float64(1), float64(2), float64(3)}})

	// The splitter completed synchronously and fanned work out into three
	// instances, each seeded with its element.
	assert.Equal(t, []string{"fetch", "work_0", "work_1", "work_2"}, d.keys())

	w1, ok := d.byKey("work_1")
	require.True(t, ok)
	assert.Equal(t, "notify", w1.WorkerType)
	assert.Equal(t, float64(2), w1.Input["item"])

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusCompleted, persisted.NodeStates["split"].Status)
	assert.NotContains(t, persisted.NodeStates, "work", "static state is replaced by instances")

	// Complete instances out of order; the collector must still assemble
	// outputs in instance-index order.
	complete(t, eng, run.ID, "work_2", float64(30))
	complete(t, eng, run.ID, "work_0", float64(10))

	persisted, err = p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusPending, persisted.NodeStates["collect"].Status)

	complete(t, eng, run.ID, "work_1", float64(20))

	persisted, err = p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusCompleted, persisted.NodeStates["collect"].Status)
	assert.Equal(t, []any{float64(10), float64(20), float64(30)}, persisted.NodeStates["collect"].Output)
	assert.True(t, persisted.Finished())
}

func TestSplitterCollector_FailedInstanceSkipped(t *testing.T) {
	eng, p, _, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{
			worker("fetch"),
			{ID: "split", Type: models.NodeTypeSplitter, Config: map[string]any{"item_path": "items"}},
			worker("work"),
			{ID: "collect", Type: models.NodeTypeCollector},
		},
		Edges: []*models.Edge{
			edge("e1", "fetch", "split"),
			edge("e2", "split", "work"),
			edge("e3", "work", "collect"),
		},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "fetch", map[string]any{"items": []any{float64(1), float64(2), float64(3)}})
	complete(t, eng, run.ID, "work_0", float64(10))
	fail(t, eng, run.ID, "work_1", "element rejected")
	complete(t, eng, run.ID, "work_2", float64(30))

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusCompleted, persisted.NodeStates["collect"].Status)
	assert.Equal(t, []any{float64(10), float64(30)}, persisted.NodeStates["collect"].Output)
	assert.True(t, persisted.Finished())
}

func TestSplitter_ObjectCollectMode(t *testing.T) {
	eng, p, _, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{
			worker("fetch"),
			{ID: "split", Type: models.NodeTypeSplitter, Config: map[string]any{"item_path": "items"}},
			worker("work"),
			{ID: "collect", Type: models.NodeTypeCollector, Config: map[string]any{"collect_mode": "object"}},
		},
		Edges: []*models.Edge{
			edge("e1", "fetch", "split"),
			edge("e2", "split", "work"),
			edge("e3", "work", "collect"),
		},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "fetch", map[string]any{"items": []any{"a", "b"}})
	complete(t, eng, run.ID, "work_0", "A")
	complete(t, eng, run.ID, "work_1", "B")

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"work_0": "A", "work_1": "B"}, persisted.NodeStates["collect"].Output)
}

func TestSplitter_NonCollectionInputFails(t *testing.T) {
	eng, p, _, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{
			worker("fetch"),
			{ID: "split", Type: models.NodeTypeSplitter, Config: map[string]any{"item_path": "items"}},
			worker("work"),
		},
		Edges: []*models.Edge{
			edge("e1", "fetch", "split"),
			edge("e2", "split", "work"),
		},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "fetch", map[string]any{"items": "not-a-list"})

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusFailed, persisted.NodeStates["split"].Status)
	assert.Contains(t, persisted.NodeStates["split"].Error, "items")
}

func TestSplitter_EmptyCollectionWalksThrough(t *testing.T) {
	eng, p, _, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{
			worker("fetch"),
			{ID: "split", Type: models.NodeTypeSplitter, Config: map[string]any{"item_path": "items"}},
			worker("work"),
			{ID: "collect", Type: models.NodeTypeCollector},
		},
		Edges: []*models.Edge{
			edge("e1", "fetch", "split"),
			edge("e2", "split", "work"),
			edge("e3", "work", "collect"),
		},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "fetch", map[string]any{"items": []any{}})

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusCompleted, persisted.NodeStates["collect"].Status)
	assert.Equal(t, []any{}, persisted.NodeStates["collect"].Output)
	assert.True(t, persisted.Finished())
}

func TestDispatchFailure_MarksNodeFailed(t *testing.T) {
	eng, p, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a")},
	})
	d.failKeys["a"] = true

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusFailed, persisted.NodeStates["a"].Status)
	assert.Contains(t, persisted.NodeStates["a"].Error, "dispatch failed")
	assert.True(t, persisted.Finished())
}

func TestRetryNode_ReFiresFailedWorker(t *testing.T) {
	eng, p, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("b")},
		Edges: []*models.Edge{edge("e1", "a", "b")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	fail(t, eng, run.ID, "a", "flaky worker")

	require.NoError(t, eng.RetryNode(t.Context(), run.ID, "a"))
	assert.Equal(t, []string{"a", "a"}, d.keys())

	complete(t, eng, run.ID, "a", map[string]any{"x": float64(1)})
	complete(t, eng, run.ID, "b", map[string]any{"ok": true})

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.True(t, persisted.Finished())
	assert.Empty(t, persisted.NodeStates["a"].Error)
}

func TestRetryNode_RejectsNonFailedNode(t *testing.T) {
	eng, _, _, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	err = eng.RetryNode(t.Context(), run.ID, "a")
	require.Error(t, err)

	var transitionErr *models.StatusTransitionError
	assert.ErrorAs(t, err, &transitionErr)
}

func TestCallback_UnknownNodeKey(t *testing.T) {
	eng, _, _, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	err = eng.HandleWorkerCallback(t.Context(), dispatch.Callback{
		RunID:   run.ID,
		NodeKey: "ghost",
		Status:  models.NodeStatusCompleted,
	})
	require.Error(t, err)

	var notFound *models.NodeStateNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

// A second engine instance sharing only the persistence layer picks runs up
// exactly where the persisted state left them.
func TestCallbackAfterRestart_ResumesFromPersistedState(t *testing.T) {
	eng, p, _, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("b")},
		Edges: []*models.Edge{edge("e1", "a", "b")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	restarted := engine.NewEngine(p, &recordingDispatcher{failKeys: map[string]bool{}}, nil, testLogger())
	complete(t, restarted, run.ID, "a", map[string]any{"x": float64(1)})

	persisted, err := p.Runs().GetByID(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusCompleted, persisted.NodeStates["a"].Status)
	assert.Equal(t, models.NodeStatusRunning, persisted.NodeStates["b"].Status)
}

func TestEdgeMapping_SelectsSourcePath(t *testing.T) {
	visual := &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("b")},
		Edges: []*models.Edge{
			{ID: "e1", Source: "a", Target: "b", Data: &models.EdgeData{
				Mapping: map[string]string{"lead": "result.lead"},
			}},
		},
	}

	eng, _, d, version := setup(t, visual)

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "a", map[string]any{
		"result": map[string]any{"lead": "acme", "noise": true},
		"other":  "ignored",
	})

	b, ok := d.byKey("b")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"lead": "acme"}, b.Input)
}

func TestMerge_LastInboundEdgeWins(t *testing.T) {
	eng, _, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("b"), worker("join")},
		Edges: []*models.Edge{edge("e1", "a", "join"), edge("e2", "b", "join")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "a", map[string]any{"value": "from_a"})
	complete(t, eng, run.ID, "b", map[string]any{"value": "from_b"})

	join, ok := d.byKey("join")
	require.True(t, ok)

	// b's edge is declared after a's, so b's value wins the shared key.
	assert.Equal(t, "from_b", join.Input["value"])
}

func TestMerge_ScalarOutputKeyedBySource(t *testing.T) {
	eng, _, d, version := setup(t, &models.VisualGraph{
		Nodes: []*models.VisualNode{worker("a"), worker("b")},
		Edges: []*models.Edge{edge("e1", "a", "b")},
	})

	run, err := eng.StartRun(t.Context(), version, "api", "", nil)
	require.NoError(t, err)

	complete(t, eng, run.ID, "a", float64(42))

	b, ok := d.byKey("b")
	require.True(t, ok)
	assert.Equal(t, float64(42), b.Input["a"])
}
