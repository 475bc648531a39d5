// Package registry provides the worker type registry consulted by the
// validator, the compiler, and the engine.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"github.com/alexfarlander/stitch-run-sub010/pkg/models"
)

// Registry is a read-only lookup of worker type -> definition. It is
// populated at startup and treated as static reference data afterwards.
type Registry struct {
	logger  *slog.Logger
	workers map[string]*models.WorkerDefinition
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("module", "registry"),
		workers: make(map[string]*models.WorkerDefinition),
	}
}

// RegisterWorker adds or replaces a worker definition.
func (r *Registry) RegisterWorker(def *models.WorkerDefinition) {
	r.workers[def.Type] = def
}

// Worker returns the definition for the given worker type.
func (r *Registry) Worker(workerType string) (*models.WorkerDefinition, bool) {
	def, ok := r.workers[workerType]

	return def, ok
}

// Workers returns all registered definitions sorted by type.
func (r *Registry) Workers() []*models.WorkerDefinition {
	defs := make([]*models.WorkerDefinition, 0, len(r.workers))
	for _, def := range r.workers {
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })

	return defs
}

// ValidateWorkerConfig checks a node's config against the worker's declared
// config schema. It returns one message per schema violation; an empty slice
// means the config is valid. Workers without a config schema accept anything.
func (r *Registry) ValidateWorkerConfig(workerType string, config map[string]any) ([]string, error) {
	def, ok := r.workers[workerType]
	if !ok {
		return nil, fmt.Errorf("worker type %q not registered", workerType)
	}

	if def.ConfigSchema == nil {
		return nil, nil
	}

	schemaJSON, err := json.Marshal(def.ConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config schema for %q: %w", workerType, err)
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate config for %q: %w", workerType, err)
	}

	if result.Valid() {
		return nil, nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		messages = append(messages, violation.String())
	}

	sort.Strings(messages)

	return messages, nil
}

// LoadFromFile loads worker definitions from a JSON file containing an array
// of definitions, replacing any existing entries with the same type.
func (r *Registry) LoadFromFile(path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read worker definitions: %w", err)
	}

	var defs []*models.WorkerDefinition
	if err := json.Unmarshal(body, &defs); err != nil {
		return fmt.Errorf("failed to unmarshal worker definitions: %w", err)
	}

	for _, def := range defs {
		if def.Type == "" {
			return fmt.Errorf("worker definition %q is missing a type", def.Name)
		}

		r.RegisterWorker(def)
	}

	r.logger.Info("Loaded worker definitions", "path", path, "count", len(defs))

	return nil
}

// HealthCheck reports whether the registry has any workers registered.
func (r *Registry) HealthCheck() (string, bool) {
	if len(r.workers) == 0 {
		return "No worker types registered", false
	}

	return fmt.Sprintf("%d worker types registered", len(r.workers)), true
}
