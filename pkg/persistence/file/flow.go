package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
)

// FlowRepository handles flow-related file operations.
type FlowRepository struct {
	root string // File system root for storing flows
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(root string) *FlowRepository {
	return &FlowRepository{root: root}
}

func (fr *FlowRepository) dir() string {
	return path.Join(fr.root, "flows")
}

// Save writes a flow to the file system.
func (fr *FlowRepository) Save(_ context.Context, flow *models.Flow) error {
	err := os.MkdirAll(fr.dir(), 0750)
	if err != nil {
		return fmt.Errorf("failed to create flows directory: %w", err)
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	data, err := json.MarshalIndent(flow, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.ID, err)
	}

	return os.WriteFile(path.Join(fr.dir(), flow.ID+".json"), data, 0600)
}

// GetByID retrieves a flow by its ID from the file system.
func (fr *FlowRepository) GetByID(_ context.Context, id string) (*models.Flow, error) {
	filePath := filepath.Clean(path.Join(fr.dir(), id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to fetch flow %s: %w", id, err)
	}

	var flow models.Flow

	err = json.Unmarshal(body, &flow)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow %s: %w", id, err)
	}

	// Soft-deleted flows read like missing ones, matching the SQL backend.
	if flow.DeletedAt != nil {
		return nil, persistence.NewStoreError("GetByID", id, persistence.ErrFlowNotFound)
	}

	return &flow, nil
}

// List returns all flows sorted by creation time, newest first.
func (fr *FlowRepository) List(ctx context.Context) ([]*models.Flow, error) {
	jsonFiles, err := fs.Glob(os.DirFS(fr.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list flow files: %w", err)
	}

	flows := make([]*models.Flow, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		flowID := file[:len(file)-5] // Remove .json extension

		flow, err := fr.GetByID(ctx, flowID)
		if err != nil {
			if persistence.IsFlowNotFound(err) {
				continue
			}

			return nil, fmt.Errorf("failed to load flow %s: %w", flowID, err)
		}

		flows = append(flows, flow)
	}

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})

	return flows, nil
}

// Delete soft-deletes a flow. Versions and runs referencing it stay intact.
func (fr *FlowRepository) Delete(ctx context.Context, id string) error {
	flow, err := fr.GetByID(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	flow.DeletedAt = &now

	return fr.Save(ctx, flow)
}

// SetCurrentVersion moves the flow's current-version pointer.
func (fr *FlowRepository) SetCurrentVersion(ctx context.Context, flowID, versionID string) error {
	flow, err := fr.GetByID(ctx, flowID)
	if err != nil {
		return err
	}

	flow.CurrentVersionID = versionID

	return fr.Save(ctx, flow)
}
