package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/alexfarlander/stitch-run-sub010/pkg/dispatch"
	"github.com/alexfarlander/stitch-run-sub010/pkg/engine"
	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
	"github.com/alexfarlander/stitch-run-sub010/pkg/registry"
	"github.com/alexfarlander/stitch-run-sub010/pkg/versioning"
)

// APIHandlers serves the flow, version, and run endpoints.
type APIHandlers struct {
	persistence persistence.Persistence
	versioning  *versioning.Service
	engine      *engine.Engine
	validator   *validator.Validate
	registry    *registry.Registry
}

func NewAPIHandlers(
	p persistence.Persistence,
	versioningService *versioning.Service,
	eng *engine.Engine,
	validate *validator.Validate,
	reg *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		persistence: p,
		versioning:  versioningService,
		engine:      eng,
		validator:   validate,
		registry:    reg,
	}
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	canvasType := req.CanvasType
	if canvasType == "" {
		canvasType = models.CanvasTypeWorkflow
	}

	flow := &models.Flow{
		ID:         uuid.NewString(),
		Name:       req.Name,
		CanvasType: canvasType,
		ParentID:   req.ParentID,
	}

	if err := h.persistence.Flows().Save(c.Context(), flow); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.persistence.Flows().GetByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) ListFlows(c fiber.Ctx) error {
	flows, err := h.persistence.Flows().List(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"flows": flows})
}

// DeleteFlow soft-deletes a flow. Versions and runs stay readable; the flow
// just disappears from listings.
func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	if err := h.persistence.Flows().Delete(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// CreateVersion saves a new immutable version of the flow's canvas. A graph
// that fails validation produces a 422 listing every violation and writes
// nothing.
func (h *APIHandlers) CreateVersion(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req CreateVersionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	version, err := h.versioning.CreateVersion(c.Context(), id, req.Graph, req.CommitMessage)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

func (h *APIHandlers) ListVersions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	summaries, err := h.versioning.ListVersions(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"versions": summaries})
}

func (h *APIHandlers) GetVersion(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Version ID is required")
	}

	version, err := h.versioning.GetVersion(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

// StartRun resolves the version to execute and starts a run against it. The
// submitted graph is versioned first when it drifted from the current
// version, so the run always points at a persisted version.
func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var req StartRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	version, err := h.versioning.ResolveForRun(c.Context(), id, req.Graph)
	if err != nil {
		return handleServiceError(c, err)
	}

	run, err := h.engine.StartRun(c.Context(), version, "api", req.EntityID, req.TriggerData)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	if _, err := h.persistence.Flows().GetByID(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	runs, err := h.persistence.Runs().ListByFlow(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"runs": runs})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.engine.GetRun(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

// WorkerCallback applies an asynchronous worker result. Duplicate callbacks
// are accepted and ignored; the first result wins.
func (h *APIHandlers) WorkerCallback(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	var req CallbackRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.engine.HandleWorkerCallback(c.Context(), dispatch.Callback{
		RunID:   id,
		NodeKey: req.NodeKey,
		Status:  models.NodeStatus(req.Status),
		Output:  req.Output,
		Error:   req.Error,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) UserInput(c fiber.Ctx) error {
	id := c.Params("id")
	nodeID := c.Params("nodeId")

	if id == "" || nodeID == "" {
		return badRequest(c, "Run ID and node ID are required")
	}

	var req UserInputRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.engine.HandleUserInput(c.Context(), id, nodeID, req.Input); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) RetryNode(c fiber.Ctx) error {
	id := c.Params("id")
	nodeID := c.Params("nodeId")

	if id == "" || nodeID == "" {
		return badRequest(c, "Run ID and node ID are required")
	}

	if err := h.engine.RetryNode(c.Context(), id, nodeID); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()

	repositoryCheck := "ok"
	repOk := true

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		repositoryCheck = err.Error()
		repOk = false
	}

	status := "unhealthy"
	message := "Stitch API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && repOk {
		status = "healthy"
		message = "Stitch API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// Router mounts all API routes on the given app.
func (h *APIHandlers) Router(app *fiber.App) {
	f := app.Group("/flows")
	f.Get("/", h.ListFlows)
	f.Post("/", h.CreateFlow)
	f.Get("/:id", h.GetFlow)
	f.Delete("/:id", h.DeleteFlow)
	f.Post("/:id/versions", h.CreateVersion)
	f.Get("/:id/versions", h.ListVersions)
	f.Post("/:id/runs", h.StartRun)
	f.Get("/:id/runs", h.ListRuns)

	r := app.Group("/runs")
	r.Get("/:id", h.GetRun)
	r.Post("/:id/callbacks", h.WorkerCallback)
	r.Post("/:id/nodes/:nodeId/input", h.UserInput)
	r.Post("/:id/nodes/:nodeId/retry", h.RetryNode)

	app.Get("/versions/:id", h.GetVersion)
	app.Get("/health", h.HealthCheck)
}
