// Package file provides JSON-file persistence for local development and tests.
package file

import (
	"context"
	"fmt"
	"os"

	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
)

// Persistence implements the persistence layer on top of a directory of
// JSON files. It is not meant for production traffic; it exists so the
// engine can run (and be tested) without a database.
type Persistence struct {
	root     string
	flows    *FlowRepository
	versions *VersionRepository
	runs     *RunRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{
		root:     root,
		flows:    NewFlowRepository(root),
		versions: NewVersionRepository(root),
		runs:     NewRunRepository(root),
	}
}

func (p *Persistence) Flows() persistence.FlowRepository {
	return p.flows
}

func (p *Persistence) Versions() persistence.VersionRepository {
	return p.versions
}

func (p *Persistence) Runs() persistence.RunRepository {
	return p.runs
}

// HealthCheck verifies the data directory is writable.
func (p *Persistence) HealthCheck(_ context.Context) error {
	err := os.MkdirAll(p.root, 0750)
	if err != nil {
		return fmt.Errorf("data directory %s is not writable: %w", p.root, err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}
