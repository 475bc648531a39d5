package cmd

import (
	"log/slog"

	"github.com/alexfarlander/stitch-run-sub010/pkg/registry"
)

// NewRegistry builds the worker registry. When workersPath is set, worker
// definitions are loaded from that JSON file; an empty registry is still
// usable but fails its health check.
func NewRegistry(logger *slog.Logger, workersPath string) *registry.Registry {
	reg := registry.NewRegistry(logger)

	if workersPath != "" {
		if err := reg.LoadFromFile(workersPath); err != nil {
			panic(err)
		}
	}

	return reg
}
