package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
)

const uniqueViolation = "23505"

// VersionRepository handles flow-version database operations. Versions are
// immutable rows: there is no update or delete path.
type VersionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(db *sql.DB, logger *slog.Logger) *VersionRepository {
	return &VersionRepository{db: db, logger: logger}
}

// Insert writes a new version row. A duplicate id is rejected.
func (r *VersionRepository) Insert(ctx context.Context, version *models.FlowVersion) error {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	visualJSON, err := json.Marshal(version.VisualGraph)
	if err != nil {
		return fmt.Errorf("failed to marshal visual graph for version %s: %w", version.ID, err)
	}

	executionJSON, err := json.Marshal(version.ExecutionGraph)
	if err != nil {
		return fmt.Errorf("failed to marshal execution graph for version %s: %w", version.ID, err)
	}

	query := `
		INSERT INTO flow_versions (id, flow_id, visual_graph, execution_graph, commit_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.ExecContext(ctx, query,
		version.ID,
		version.FlowID,
		visualJSON,
		executionJSON,
		version.CommitMessage,
		version.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewStoreError("Insert", version.ID, persistence.ErrVersionExists)
		}

		return fmt.Errorf("failed to insert version %s: %w", version.ID, err)
	}

	return nil
}

// GetByID returns a full version row, graphs included.
func (r *VersionRepository) GetByID(ctx context.Context, id string) (*models.FlowVersion, error) {
	query := `
		SELECT
			id
		  , flow_id
		  , visual_graph
		  , execution_graph
		  , COALESCE(commit_message, '')
		  , created_at
		FROM flow_versions
		WHERE id = $1
	`

	var (
		version       models.FlowVersion
		visualJSON    []byte
		executionJSON []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&version.ID,
		&version.FlowID,
		&visualJSON,
		&executionJSON,
		&version.CommitMessage,
		&version.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrVersionNotFound)
		}

		return nil, fmt.Errorf("failed to scan version %s: %w", id, err)
	}

	err = json.Unmarshal(visualJSON, &version.VisualGraph)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal visual graph for version %s: %w", id, err)
	}

	err = json.Unmarshal(executionJSON, &version.ExecutionGraph)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution graph for version %s: %w", id, err)
	}

	return &version, nil
}

// ListByFlow returns metadata summaries for a flow's versions, newest first.
// Graph payloads stay in the database.
func (r *VersionRepository) ListByFlow(ctx context.Context, flowID string) ([]models.VersionSummary, error) {
	query := `
		SELECT
			id
		  , flow_id
		  , COALESCE(commit_message, '')
		  , created_at
		FROM flow_versions
		WHERE flow_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions for flow %s: %w", flowID, err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	summaries := make([]models.VersionSummary, 0)

	for rows.Next() {
		var summary models.VersionSummary

		err := rows.Scan(&summary.ID, &summary.FlowID, &summary.CommitMessage, &summary.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version summary: %w", err)
		}

		summaries = append(summaries, summary)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return summaries, nil
}
