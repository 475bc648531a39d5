package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexfarlander/stitch-run-sub010/pkg/dispatch"
	"github.com/alexfarlander/stitch-run-sub010/pkg/engine"
	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence/file"
	"github.com/alexfarlander/stitch-run-sub010/pkg/registry"
	"github.com/alexfarlander/stitch-run-sub010/pkg/versioning"
	"github.com/alexfarlander/stitch-run-sub010/pkg/web"
)

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatches []dispatch.Dispatch
}

func (d *recordingDispatcher) Dispatch(_ context.Context, work dispatch.Dispatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dispatches = append(d.dispatches, work)

	return nil
}

func setupTestApp(t *testing.T) (*fiber.App, *file.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	persistence := file.NewPersistence(t.TempDir())

	reg := registry.NewRegistry(logger)
	reg.RegisterWorker(&models.WorkerDefinition{Type: "notify"})

	versioningService := versioning.NewService(persistence, reg, nil, logger)
	eng := engine.NewEngine(persistence, &recordingDispatcher{}, nil, logger)

	handlers := web.NewAPIHandlers(persistence, versioningService, eng, validator.New(validator.WithRequiredStructEnabled()), reg)

	app := fiber.New()
	handlers.Router(app)

	return app, persistence
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	responseBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return resp, responseBody
}

func createFlow(t *testing.T, app *fiber.App) models.Flow {
	t.Helper()

	resp, body := doJSON(t, app, http.MethodPost, "/flows", web.CreateFlowRequest{Name: "Lead onboarding"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var flow models.Flow
	require.NoError(t, json.Unmarshal(body, &flow))

	return flow
}

func workerGraph() *models.VisualGraph {
	return &models.VisualGraph{
		Nodes: []*models.VisualNode{
			{ID: "a", Type: models.NodeTypeWorker, WorkerType: "notify"},
			{ID: "b", Type: models.NodeTypeWorker, WorkerType: "notify"},
		},
		Edges: []*models.Edge{
			{ID: "e1", Source: "a", Target: "b"},
		},
	}
}

func TestCreateFlow(t *testing.T) {
	app, _ := setupTestApp(t)

	flow := createFlow(t, app)
	assert.NotEmpty(t, flow.ID)
	assert.Equal(t, "Lead onboarding", flow.Name)
	assert.Equal(t, models.CanvasTypeWorkflow, flow.CanvasType)
}

func TestCreateFlow_ValidationError(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/flows", web.CreateFlowRequest{Name: "ab"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Name")
}

func TestCreateVersion(t *testing.T) {
	app, persistence := setupTestApp(t)
	flow := createFlow(t, app)

	resp, body := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/versions", web.CreateVersionRequest{
		Graph:         workerGraph(),
		CommitMessage: "initial",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var version models.FlowVersion
	require.NoError(t, json.Unmarshal(body, &version))
	assert.NotEmpty(t, version.ID)
	assert.Equal(t, "initial", version.CommitMessage)

	stored, err := persistence.Flows().GetByID(t.Context(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, version.ID, stored.CurrentVersionID)
}

func TestCreateVersion_InvalidGraph(t *testing.T) {
	app, _ := setupTestApp(t)
	flow := createFlow(t, app)

	graph := workerGraph()
	graph.Nodes[0].WorkerType = "no-such-worker"

	resp, body := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/versions", web.CreateVersionRequest{Graph: graph})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var problem struct {
		Type   string `json:"type"`
		Errors []struct {
			Code   string `json:"code"`
			NodeID string `json:"node_id"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "invalid_graph", problem.Type)
	require.NotEmpty(t, problem.Errors)
	assert.Equal(t, "a", problem.Errors[0].NodeID)
}

func TestCreateVersion_FlowNotFound(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/flows/no-such-flow/versions", web.CreateVersionRequest{Graph: workerGraph()})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListVersions(t *testing.T) {
	app, _ := setupTestApp(t)
	flow := createFlow(t, app)

	for _, message := range []string{"first", "second"} {
		resp, _ := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/versions", web.CreateVersionRequest{
			Graph:         workerGraph(),
			CommitMessage: message,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := doJSON(t, app, http.MethodGet, "/flows/"+flow.ID+"/versions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Versions []models.VersionSummary `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Versions, 2)
	assert.Equal(t, "second", listing.Versions[0].CommitMessage)
}

func TestStartRunAndCallback(t *testing.T) {
	app, _ := setupTestApp(t)
	flow := createFlow(t, app)

	resp, body := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/runs", web.StartRunRequest{
		Graph:    workerGraph(),
		EntityID: "lead-7",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var run models.Run
	require.NoError(t, json.Unmarshal(body, &run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "lead-7", run.EntityID)
	assert.Equal(t, models.NodeStatusRunning, run.NodeStates["a"].Status)

	resp, _ = doJSON(t, app, http.MethodPost, "/runs/"+run.ID+"/callbacks", web.CallbackRequest{
		NodeKey: "a",
		Status:  "completed",
		Output:  map[string]any{"sent": true},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = doJSON(t, app, http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.Run
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, models.NodeStatusCompleted, fetched.NodeStates["a"].Status)
	assert.Equal(t, models.NodeStatusRunning, fetched.NodeStates["b"].Status)
}

func TestStartRun_ReusesCurrentVersion(t *testing.T) {
	app, _ := setupTestApp(t)
	flow := createFlow(t, app)

	resp, body := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/versions", web.CreateVersionRequest{Graph: workerGraph()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var version models.FlowVersion
	require.NoError(t, json.Unmarshal(body, &version))

	// No graph in the body: the run executes the current version.
	resp, body = doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/runs", web.StartRunRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var run models.Run
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, version.ID, run.FlowVersionID)
}

func TestStartRun_NoVersionNoGraph(t *testing.T) {
	app, _ := setupTestApp(t)
	flow := createFlow(t, app)

	resp, _ := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/runs", web.StartRunRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUserInput_ConflictWhenNotWaiting(t *testing.T) {
	app, _ := setupTestApp(t)
	flow := createFlow(t, app)

	resp, body := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/runs", web.StartRunRequest{Graph: workerGraph()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var run models.Run
	require.NoError(t, json.Unmarshal(body, &run))

	resp, _ = doJSON(t, app, http.MethodPost, "/runs/"+run.ID+"/nodes/a/input", web.UserInputRequest{
		Input: map[string]any{"approved": true},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRetry_ConflictWhenNotFailed(t *testing.T) {
	app, _ := setupTestApp(t)
	flow := createFlow(t, app)

	resp, body := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/runs", web.StartRunRequest{Graph: workerGraph()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var run models.Run
	require.NoError(t, json.Unmarshal(body, &run))

	resp, _ = doJSON(t, app, http.MethodPost, "/runs/"+run.ID+"/nodes/a/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeleteFlow(t *testing.T) {
	app, _ := setupTestApp(t)
	flow := createFlow(t, app)

	resp, _ := doJSON(t, app, http.MethodDelete, "/flows/"+flow.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodGet, "/flows/"+flow.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRuns(t *testing.T) {
	app, _ := setupTestApp(t)
	flow := createFlow(t, app)

	resp, _ := doJSON(t, app, http.MethodPost, "/flows/"+flow.ID+"/runs", web.StartRunRequest{Graph: workerGraph()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, app, http.MethodGet, "/flows/"+flow.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Runs []models.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	assert.Len(t, listing.Runs, 1)
}

func TestGetRun_NotFound(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/runs/no-such-run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}
