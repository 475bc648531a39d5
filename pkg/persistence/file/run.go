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

// RunRepository handles run-related file operations.
type RunRepository struct {
	root string
}

// NewRunRepository creates a new run repository.
func NewRunRepository(root string) *RunRepository {
	return &RunRepository{root: root}
}

func (rr *RunRepository) dir() string {
	return path.Join(rr.root, "runs")
}

// Save writes the whole run row, node states included.
func (rr *RunRepository) Save(_ context.Context, run *models.Run) error {
	err := os.MkdirAll(rr.dir(), 0750)
	if err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	return os.WriteFile(path.Join(rr.dir(), run.ID+".json"), data, 0600)
}

// GetByID retrieves a run by its ID from the file system.
func (rr *RunRepository) GetByID(_ context.Context, id string) (*models.Run, error) {
	filePath := filepath.Clean(path.Join(rr.dir(), id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to fetch run %s: %w", id, err)
	}

	var run models.Run

	err = json.Unmarshal(body, &run)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}

	return &run, nil
}

// ListByFlow returns all runs for a flow, newest first.
func (rr *RunRepository) ListByFlow(ctx context.Context, flowID string) ([]*models.Run, error) {
	jsonFiles, err := fs.Glob(os.DirFS(rr.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list run files: %w", err)
	}

	runs := make([]*models.Run, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		runID := file[:len(file)-5]

		run, err := rr.GetByID(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
		}

		if run.FlowID != flowID {
			continue
		}

		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	return runs, nil
}
