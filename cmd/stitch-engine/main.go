// Package main provides the Stitch engine daemon: it consumes the run queue
// and executes runs against their pinned flow versions.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/alexfarlander/stitch-run-sub010/pkg/cmd"
	"github.com/alexfarlander/stitch-run-sub010/pkg/config"
	"github.com/alexfarlander/stitch-run-sub010/pkg/dispatch"
	"github.com/alexfarlander/stitch-run-sub010/pkg/engine"
	"github.com/alexfarlander/stitch-run-sub010/pkg/events"
	"github.com/alexfarlander/stitch-run-sub010/pkg/log"
	"github.com/alexfarlander/stitch-run-sub010/pkg/otelhelper"
	"github.com/alexfarlander/stitch-run-sub010/pkg/triggers/queue"
	"github.com/alexfarlander/stitch-run-sub010/pkg/versioning"
)

func main() {
	command := &cli.Command{
		Name:                  "stitch-engine",
		Usage:                 "Consume the run queue and execute workflow runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the engine YAML config file",
				Sources: cli.EnvVars("ENGINE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "workers-path",
				Usage:   "Path to the worker definitions JSON file",
				Sources: cli.EnvVars("WORKERS_PATH"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "queue",
				Usage:   "Redis list to consume run requests from",
				Sources: cli.EnvVars("QUEUE_NAME"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the run queue",
				Value:   "localhost:6379",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password for the run queue",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("engine")
	logger.InfoContext(ctx, "Initializing Stitch engine")

	cfg, err := loadConfig(command)
	if err != nil {
		return err
	}

	registry := cmd.NewRegistry(logger, cfg.WorkersPath)
	persistence := cmd.NewPersistence(ctx, logger, cfg.DatabaseURL)

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus := cmd.NewEventBus(cfg.EventBus, "stitch-engine", logger)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	err = eventBus.Handle(events.RunCompletedEvent, func(ctx context.Context, event any) error {
		if completed, ok := event.(*events.RunCompleted); ok {
			logger.InfoContext(ctx, "Run completed", "run_id", completed.RunID, "failed", completed.Failed)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if err := eventBus.Subscribe(ctx); err != nil {
		return err
	}

	versioningService := versioning.NewService(persistence, registry, eventBus, logger)
	eng := engine.NewEngine(persistence, dispatch.NewWebhookDispatcher(logger), eventBus, logger)

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, "stitch-engine")
		if err != nil {
			return err
		}

		eng = eng.WithTracer(tracer)
	}

	trigger, err := queue.NewTrigger(ctx, cfg.TriggerConfig(), logger)
	if err != nil {
		return err
	}

	err = trigger.Start(ctx, func(ctx context.Context, msg queue.Message) error {
		version, err := versioningService.ResolveForRun(ctx, msg.FlowID, nil)
		if err != nil {
			return err
		}

		_, err = eng.StartRun(ctx, version, "queue", msg.EntityID, msg.TriggerData)

		return err
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Stitch engine started", "queue", cfg.Queue.Name)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.InfoContext(ctx, "Shutting down")

	return trigger.Stop(ctx)
}

// loadConfig merges the YAML config file with CLI flags. Flags win wherever
// both are set.
func loadConfig(command *cli.Command) (config.EngineConfig, error) {
	cfg := config.DefaultEngineConfig()

	if path := command.String("config"); path != "" {
		loaded, err := config.LoadEngineConfig(path)
		if err != nil {
			return config.EngineConfig{}, err
		}

		cfg = loaded
	}

	if v := command.String("database-url"); v != "" {
		cfg.DatabaseURL = v
	}

	if v := command.String("workers-path"); v != "" {
		cfg.WorkersPath = v
	}

	if v := command.String("event-bus"); v != "" {
		cfg.EventBus = v
	}

	if v := command.String("queue"); v != "" {
		cfg.Queue.Name = v
	}

	if cfg.Queue.Connection == nil {
		cfg.Queue.Connection = make(map[string]string)
	}

	if v := command.String("redis-addr"); v != "" {
		cfg.Queue.Connection["addr"] = v
	}

	if v := command.String("redis-password"); v != "" {
		cfg.Queue.Connection["password"] = v
	}

	if cfg.DatabaseURL == "" {
		return config.EngineConfig{}, errors.New("database-url is required")
	}

	return cfg, config.ValidateEngineConfig(cfg)
}
