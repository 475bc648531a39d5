// Package cmd provides common initialization for command-line binaries.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence/file"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence/postgresql"
)

// NewPersistence selects the persistence backend from the database URL
// scheme. postgres:// and postgresql:// use PostgreSQL; anything else is
// treated as a directory path for file persistence.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(err)
		}

		return p
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}

func parseProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return scheme
}
