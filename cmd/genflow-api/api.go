// Package main provides the genflow API server.
package main

import (
	"log/slog"

	"github.com/dukex/genflow/pkg/registry"
	"github.com/dukex/genflow/pkg/services"
	"github.com/dukex/genflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger     *slog.Logger
	executions *services.Executions
	registry   *registry.Registry
	hub        *web.Hub
	validate   *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	executions *services.Executions,
	registry *registry.Registry,
	hub *web.Hub,
) *API {
	return &API{
		logger:     logger,
		executions: executions,
		registry:   registry,
		hub:        hub,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.executions, a.validate, a.registry, a.hub)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Genflow API")
	})

	app.Get("/node-types", handlers.GetNodeTypes)

	w := app.Group("/workflows")
	w.Post("/:id/executions", handlers.StartExecution)
	w.Post("/:id/executions/partial", handlers.StartPartialExecution)

	e := app.Group("/executions")
	e.Get("/:id", handlers.GetExecution)
	e.Get("/:id/events", handlers.StreamExecution)
	e.Get("/:id/jobs", handlers.GetExecutionJobs)
	e.Post("/:id/stop", handlers.StopExecution)
	e.Post("/:id/resume", handlers.ResumeExecution)
	e.Post("/:id/recover", handlers.RecoverExecution)

	j := app.Group("/jobs")
	j.Get("/stats", handlers.GetJobStats)
	j.Get("/predictions/:predictionId", handlers.GetJobByPrediction)

	d := app.Group("/dlq")
	d.Get("/", handlers.GetDeadLetterJobs)
	d.Post("/:jobId/retry", handlers.RetryDeadLetterJob)

	app.Get("/health", handlers.HealthCheck)

	return app
}
