// Package versioning manages the append-only history of flow versions.
package versioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alexfarlander/stitch-run-sub010/pkg/eventbus"
	"github.com/alexfarlander/stitch-run-sub010/pkg/events"
	"github.com/alexfarlander/stitch-run-sub010/pkg/graph"
	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
	"github.com/alexfarlander/stitch-run-sub010/pkg/registry"
)

// Service creates and reads flow versions. Every save compiles the visual
// graph first; a graph that fails validation never produces a version row.
type Service struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

// NewService creates a versioning service. The publisher may be nil when no
// event bus is wired (tests, offline tools).
func NewService(p persistence.Persistence, reg *registry.Registry, publisher eventbus.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		persistence: p,
		registry:    reg,
		publisher:   publisher,
		logger:      logger.With("module", "versioning"),
	}
}

// CreateVersion compiles the visual graph and appends a new immutable
// version, moving the flow's current-version pointer to it. On validation
// failure a *graph.CompilationError is returned and nothing is written.
func (s *Service) CreateVersion(ctx context.Context, flowID string, visual *models.VisualGraph, commitMessage string) (*models.FlowVersion, error) {
	flow, err := s.persistence.Flows().GetByID(ctx, flowID)
	if err != nil {
		return nil, err
	}

	execution, validationErrs := graph.Compile(visual, s.registry)
	if len(validationErrs) > 0 {
		return nil, &graph.CompilationError{Errors: validationErrs}
	}

	version := &models.FlowVersion{
		ID:             uuid.NewString(),
		FlowID:         flow.ID,
		VisualGraph:    visual,
		ExecutionGraph: execution,
		CommitMessage:  commitMessage,
	}

	err = s.persistence.Versions().Insert(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("failed to insert version: %w", err)
	}

	err = s.persistence.Flows().SetCurrentVersion(ctx, flow.ID, version.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to move current version pointer: %w", err)
	}

	s.logger.InfoContext(ctx, "Created flow version", "flow_id", flow.ID, "version_id", version.ID)

	s.publishVersionCreated(ctx, version)

	return version, nil
}

// GetVersion returns the full version row, graphs included.
func (s *Service) GetVersion(ctx context.Context, id string) (*models.FlowVersion, error) {
	return s.persistence.Versions().GetByID(ctx, id)
}

// ListVersions returns metadata summaries for a flow's history, newest first.
func (s *Service) ListVersions(ctx context.Context, flowID string) ([]models.VersionSummary, error) {
	_, err := s.persistence.Flows().GetByID(ctx, flowID)
	if err != nil {
		return nil, err
	}

	return s.persistence.Versions().ListByFlow(ctx, flowID)
}

// ResolveForRun returns the version a new run should execute. When the
// submitted graph structurally matches the flow's current version, that
// version is reused; any drift produces a new version first, so every run
// points at a version that exactly matches what was on the canvas.
func (s *Service) ResolveForRun(ctx context.Context, flowID string, visual *models.VisualGraph) (*models.FlowVersion, error) {
	flow, err := s.persistence.Flows().GetByID(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if flow.CurrentVersionID != "" {
		current, err := s.persistence.Versions().GetByID(ctx, flow.CurrentVersionID)
		if err != nil {
			return nil, err
		}

		if visual == nil {
			return current, nil
		}

		same, err := graphsEqual(current.VisualGraph, visual)
		if err != nil {
			return nil, err
		}

		if same {
			return current, nil
		}
	}

	if visual == nil {
		return nil, persistence.NewStoreError("ResolveForRun", flowID, persistence.ErrVersionNotFound)
	}

	return s.CreateVersion(ctx, flowID, visual, "auto-created on run")
}

func (s *Service) publishVersionCreated(ctx context.Context, version *models.FlowVersion) {
	if s.publisher == nil {
		return
	}

	event := events.VersionCreated{
		BaseEvent:     events.NewBaseEvent(events.VersionCreatedEvent, version.FlowID),
		VersionID:     version.ID,
		CommitMessage: version.CommitMessage,
	}

	err := s.publisher.Publish(ctx, version.FlowID, event)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish version created event", "version_id", version.ID, "error", err)
	}
}

// graphsEqual compares graphs structurally through their canonical JSON
// encoding. Map key order does not matter; slice order does, since edge
// order is execution-relevant.
func graphsEqual(a, b *models.VisualGraph) (bool, error) {
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("failed to marshal graph: %w", err)
	}

	bJSON, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("failed to marshal graph: %w", err)
	}

	return bytes.Equal(aJSON, bJSON), nil
}
