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

// VersionRepository handles flow-version file operations. Versions are
// immutable: Insert refuses to overwrite an existing file.
type VersionRepository struct {
	root string
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(root string) *VersionRepository {
	return &VersionRepository{root: root}
}

func (vr *VersionRepository) dir() string {
	return path.Join(vr.root, "versions")
}

// Insert writes a new version file. It fails if the version already exists.
func (vr *VersionRepository) Insert(_ context.Context, version *models.FlowVersion) error {
	err := os.MkdirAll(vr.dir(), 0750)
	if err != nil {
		return fmt.Errorf("failed to create versions directory: %w", err)
	}

	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(version, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal version %s: %w", version.ID, err)
	}

	filePath := path.Join(vr.dir(), version.ID+".json")

	// O_EXCL enforces append-only semantics at the file system level.
	f, err := os.OpenFile(filepath.Clean(filePath), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return persistence.NewStoreError("Insert", version.ID, persistence.ErrVersionExists)
		}

		return fmt.Errorf("failed to create version %s: %w", version.ID, err)
	}
	defer f.Close()

	_, err = f.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write version %s: %w", version.ID, err)
	}

	return nil
}

// GetByID retrieves a full version row, execution graph included.
func (vr *VersionRepository) GetByID(_ context.Context, id string) (*models.FlowVersion, error) {
	filePath := filepath.Clean(path.Join(vr.dir(), id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewStoreError("GetByID", id, persistence.ErrVersionNotFound)
		}

		return nil, fmt.Errorf("failed to fetch version %s: %w", id, err)
	}

	var version models.FlowVersion

	err = json.Unmarshal(body, &version)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal version %s: %w", id, err)
	}

	return &version, nil
}

// ListByFlow returns metadata summaries for a flow's versions, newest first.
func (vr *VersionRepository) ListByFlow(ctx context.Context, flowID string) ([]models.VersionSummary, error) {
	jsonFiles, err := fs.Glob(os.DirFS(vr.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list version files: %w", err)
	}

	summaries := make([]models.VersionSummary, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		versionID := file[:len(file)-5]

		version, err := vr.GetByID(ctx, versionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load version %s: %w", versionID, err)
		}

		if version.FlowID != flowID {
			continue
		}

		summaries = append(summaries, version.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})

	return summaries, nil
}
