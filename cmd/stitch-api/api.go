// Package main provides the Stitch API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/alexfarlander/stitch-run-sub010/pkg/dispatch"
	"github.com/alexfarlander/stitch-run-sub010/pkg/engine"
	"github.com/alexfarlander/stitch-run-sub010/pkg/eventbus"
	"github.com/alexfarlander/stitch-run-sub010/pkg/persistence"
	"github.com/alexfarlander/stitch-run-sub010/pkg/registry"
	"github.com/alexfarlander/stitch-run-sub010/pkg/versioning"
	"github.com/alexfarlander/stitch-run-sub010/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		persistence: persistence,
		logger:      logger,
		registry:    registry,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	versioningService := versioning.NewService(a.persistence, a.registry, a.eventBus, a.logger)
	eng := engine.NewEngine(a.persistence, dispatch.NewWebhookDispatcher(a.logger), a.eventBus, a.logger)

	handlers := web.NewAPIHandlers(a.persistence, versioningService, eng, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Stitch API")
	})

	handlers.Router(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
