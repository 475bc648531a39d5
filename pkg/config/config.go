// Package config provides YAML configuration loading for the engine daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the structure of the stitch-engine YAML config file.
// Values from the file are overridden by CLI flags and environment
// variables where both are given.
type EngineConfig struct {
	DatabaseURL string      `yaml:"database_url"`
	WorkersPath string      `yaml:"workers_path"`
	EventBus    string      `yaml:"event_bus"`
	Queue       QueueConfig `yaml:"queue"`
}

// QueueConfig configures the run queue consumer.
type QueueConfig struct {
	Provider   string            `yaml:"provider"`
	Name       string            `yaml:"name"`
	Connection map[string]string `yaml:"connection"`
}

// LoadEngineConfig loads and validates the engine configuration file.
func LoadEngineConfig(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config EngineConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return EngineConfig{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	applyDefaults(&config)

	if err := ValidateEngineConfig(config); err != nil {
		return EngineConfig{}, err
	}

	return config, nil
}

// DefaultEngineConfig returns the configuration used when no file is given.
func DefaultEngineConfig() EngineConfig {
	config := EngineConfig{}
	applyDefaults(&config)

	return config
}

func applyDefaults(config *EngineConfig) {
	if config.EventBus == "" {
		config.EventBus = "gochannel"
	}

	if config.Queue.Provider == "" {
		config.Queue.Provider = "redis"
	}

	if config.Queue.Name == "" {
		config.Queue.Name = "stitch_runs"
	}
}

// ValidateEngineConfig rejects configurations the daemon cannot start with.
func ValidateEngineConfig(config EngineConfig) error {
	if config.Queue.Name == "" {
		return errors.New("queue.name is required")
	}

	switch config.EventBus {
	case "gochannel", "kafka":
	default:
		return fmt.Errorf("unsupported event bus provider: %s", config.EventBus)
	}

	return nil
}

// TriggerConfig shapes the queue section into the map the queue trigger
// constructor expects.
func (c EngineConfig) TriggerConfig() map[string]any {
	connection := make(map[string]any, len(c.Queue.Connection))
	for k, v := range c.Queue.Connection {
		connection[k] = v
	}

	return map[string]any{
		"provider":   c.Queue.Provider,
		"queue":      c.Queue.Name,
		"connection": connection,
	}
}
