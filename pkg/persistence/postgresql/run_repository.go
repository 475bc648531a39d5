package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
)

// RunRepository handles run-related database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// Save upserts the whole run row, node states included. The engine holds the
// per-run lock while calling this, so last-write-wins is safe here.
func (r *RunRepository) Save(ctx context.Context, run *models.Run) error {
	now := time.Now().UTC()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	statesJSON, err := json.Marshal(run.NodeStates)
	if err != nil {
		return fmt.Errorf("failed to marshal node states for run %s: %w", run.ID, err)
	}

	triggerJSON, err := json.Marshal(run.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data for run %s: %w", run.ID, err)
	}

	instancesJSON, err := json.Marshal(run.InstanceKeys)
	if err != nil {
		return fmt.Errorf("failed to marshal instance keys for run %s: %w", run.ID, err)
	}

	query := `
		INSERT INTO runs (id, flow_id, flow_version_id, entity_id, trigger_source, trigger_data, node_states, instance_keys, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			node_states = EXCLUDED.node_states,
			instance_keys = EXCLUDED.instance_keys,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.FlowID,
		run.FlowVersionID,
		run.EntityID,
		run.Trigger,
		triggerJSON,
		statesJSON,
		instancesJSON,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	return nil
}

// GetByID returns a run by its ID.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	query := `
		SELECT
			id
		  , flow_id
		  , flow_version_id
		  , COALESCE(entity_id, '')
		  , COALESCE(trigger_source, '')
		  , trigger_data
		  , node_states
		  , instance_keys
		  , created_at
		  , updated_at
		FROM runs
		WHERE id = $1
	`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan run %s: %w", id, err)
	}

	return run, nil
}

// ListByFlow returns all runs for a flow, newest first.
func (r *RunRepository) ListByFlow(ctx context.Context, flowID string) ([]*models.Run, error) {
	query := `
		SELECT
			id
		  , flow_id
		  , flow_version_id
		  , COALESCE(entity_id, '')
		  , COALESCE(trigger_source, '')
		  , trigger_data
		  , node_states
		  , instance_keys
		  , created_at
		  , updated_at
		FROM runs
		WHERE flow_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for flow %s: %w", flowID, err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run           models.Run
		triggerJSON   []byte
		statesJSON    []byte
		instancesJSON []byte
	)

	err := row.Scan(
		&run.ID,
		&run.FlowID,
		&run.FlowVersionID,
		&run.EntityID,
		&run.Trigger,
		&triggerJSON,
		&statesJSON,
		&instancesJSON,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(triggerJSON) > 0 {
		err = json.Unmarshal(triggerJSON, &run.TriggerData)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger data for run %s: %w", run.ID, err)
		}
	}

	err = json.Unmarshal(statesJSON, &run.NodeStates)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal node states for run %s: %w", run.ID, err)
	}

	if len(instancesJSON) > 0 {
		err = json.Unmarshal(instancesJSON, &run.InstanceKeys)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance keys for run %s: %w", run.ID, err)
		}
	}

	return &run, nil
}
