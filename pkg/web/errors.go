package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/alexfarlander/stitch-run-sub010/pkg/graph"
	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
)

// graphProblem is an RFC 7807 problem carrying the per-node validation
// errors that blocked compilation.
type graphProblem struct {
	*problems.Problem

	Errors []graph.ValidationError `json:"errors"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func invalidGraph(c fiber.Ctx, compErr *graph.CompilationError) error {
	problem := &graphProblem{
		Problem: problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("invalid_graph").
			WithDetail("graph failed validation"),
		Errors: compErr.Errors,
	}

	return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps domain errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var compErr *graph.CompilationError
	if errors.As(err, &compErr) {
		return invalidGraph(c, compErr)
	}

	var transitionErr *models.StatusTransitionError
	if errors.As(err, &transitionErr) {
		return conflict(c, transitionErr.Error())
	}

	var stateErr *models.NodeStateNotFoundError
	if errors.As(err, &stateErr) {
		return notFound(c, "node_not_found", stateErr.Error())
	}

	switch {
	case persistence.IsFlowNotFound(err):
		return notFound(c, "flow_not_found", "flow not found")
	case persistence.IsVersionNotFound(err):
		return notFound(c, "version_not_found", "version not found")
	case persistence.IsRunNotFound(err):
		return notFound(c, "run_not_found", "run not found")
	default:
		return internalError(c, err)
	}
}
