// Package postgresql provides the PostgreSQL persistence implementation for
// flows, versions, and runs.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db       *sql.DB
	logger   *slog.Logger
	flows    *FlowRepository
	versions *VersionRepository
	runs     *RunRepository
}

// NewPersistence connects to PostgreSQL and runs pending migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:       database,
		logger:   logger,
		flows:    NewFlowRepository(database, logger),
		versions: NewVersionRepository(database, logger),
		runs:     NewRunRepository(database, logger),
	}, nil
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

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
