package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-lab-api/internal/config"
	"github.com/noah-isme/gema-lab-api/internal/handler"
	"github.com/noah-isme/gema-lab-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	CatalogHandler    *handler.CatalogHandler
	ClassHandler      *handler.ClassHandler
	SubmissionHandler *handler.SubmissionHandler
	StreamHandler     *handler.StreamHandler
	HealthChecks      map[string]handler.DependencyCheck
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	lab := api.Group("/lab", jwtMiddleware)
	if deps.CatalogHandler != nil {
		deps.CatalogHandler.Register(lab)
	}
	if deps.ClassHandler != nil {
		deps.ClassHandler.Register(lab)
	}
	if deps.SubmissionHandler != nil {
		deps.SubmissionHandler.Register(lab)
	}
	if deps.StreamHandler != nil {
		deps.StreamHandler.Register(lab)
	}
}
