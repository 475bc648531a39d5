// Package persistence provides the storage abstraction layer for flows,
// versions, and runs.
package persistence

import (
	"context"

	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
)

// FlowRepository stores workflow containers. SetCurrentVersion is the only
// pointer mutation versioning needs; it must be atomic per flow row.
type FlowRepository interface {
	Save(ctx context.Context, flow *models.Flow) error
	GetByID(ctx context.Context, id string) (*models.Flow, error)
	List(ctx context.Context) ([]*models.Flow, error)
	Delete(ctx context.Context, id string) error
	SetCurrentVersion(ctx context.Context, flowID, versionID string) error
}

// VersionRepository is append-only: versions are immutable once inserted and
// are kept indefinitely for historical-run fidelity.
type VersionRepository interface {
	Insert(ctx context.Context, version *models.FlowVersion) error
	GetByID(ctx context.Context, id string) (*models.FlowVersion, error)
	// ListByFlow returns metadata-only summaries, newest first.
	ListByFlow(ctx context.Context, flowID string) ([]models.VersionSummary, error)
}

// RunRepository stores run rows. Save persists the whole row; callers
// serialize writes to the same run through the engine's per-run lock.
type RunRepository interface {
	Save(ctx context.Context, run *models.Run) error
	GetByID(ctx context.Context, id string) (*models.Run, error)
	ListByFlow(ctx context.Context, flowID string) ([]*models.Run, error)
}

type Persistence interface {
	Flows() FlowRepository
	Versions() VersionRepository
	Runs() RunRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
