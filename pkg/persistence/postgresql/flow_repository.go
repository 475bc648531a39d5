package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
)

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

// Save upserts the flow row.
func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	query := `
		INSERT INTO flows (id, name, canvas_type, parent_id, current_version_id, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			canvas_type = EXCLUDED.canvas_type,
			parent_id = EXCLUDED.parent_id,
			current_version_id = EXCLUDED.current_version_id,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err := r.db.ExecContext(ctx, query,
		flow.ID,
		flow.Name,
		flow.CanvasType,
		flow.ParentID,
		flow.CurrentVersionID,
		flow.CreatedAt,
		flow.UpdatedAt,
		flow.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}

	return nil
}

// GetByID returns a flow by its ID. Soft-deleted flows are not returned.
func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	query := `
		SELECT
			id
		  , name
		  , COALESCE(canvas_type, '')
		  , COALESCE(parent_id::text, '')
		  , COALESCE(current_version_id::text, '')
		  , created_at
		  , updated_at
		  , deleted_at
		FROM flows
		WHERE id = $1 AND deleted_at IS NULL
	`

	flow, err := scanFlow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow %s: %w", id, err)
	}

	return flow, nil
}

// List returns all live flows, newest first.
func (r *FlowRepository) List(ctx context.Context) ([]*models.Flow, error) {
	query := `
		SELECT
			id
		  , name
		  , COALESCE(canvas_type, '')
		  , COALESCE(parent_id::text, '')
		  , COALESCE(current_version_id::text, '')
		  , created_at
		  , updated_at
		  , deleted_at
		FROM flows
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

// Delete soft deletes a flow by setting deleted_at. Versions and runs stay.
func (r *FlowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE flows SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result for flow %s: %w", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Delete", id, persistence.ErrFlowNotFound)
	}

	return nil
}

// SetCurrentVersion atomically moves the flow's current-version pointer.
func (r *FlowRepository) SetCurrentVersion(ctx context.Context, flowID, versionID string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE flows SET current_version_id = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL",
		flowID, versionID)
	if err != nil {
		return fmt.Errorf("failed to set current version for flow %s: %w", flowID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result for flow %s: %w", flowID, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("SetCurrentVersion", flowID, persistence.ErrFlowNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*models.Flow, error) {
	var flow models.Flow

	err := row.Scan(
		&flow.ID,
		&flow.Name,
		&flow.CanvasType,
		&flow.ParentID,
		&flow.CurrentVersionID,
		&flow.CreatedAt,
		&flow.UpdatedAt,
		&flow.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	return &flow, nil
}
