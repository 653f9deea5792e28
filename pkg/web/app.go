package web

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/loomlabs/loom/pkg/engine"
	"github.com/loomlabs/loom/pkg/persistence"
)

// API assembles the fiber application over the engine and the stores.
type API struct {
	engine      *engine.Engine
	persistence persistence.Persistence
	logger      *slog.Logger
	validate    *validator.Validate
}

func NewAPI(eng *engine.Engine, store persistence.Persistence, logger *slog.Logger) *API {
	return &API{
		engine:      eng,
		persistence: store,
		logger:      logger,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := NewAPIHandlers(a.engine, a.persistence, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Loom API")
	})

	app.Get("/health", handlers.HealthCheck)

	workflows := app.Group("/workflows")
	workflows.Get("/", handlers.GetWorkflows)
	workflows.Post("/", handlers.CreateWorkflow)
	workflows.Get("/:id", handlers.GetWorkflow)
	workflows.Delete("/:id", handlers.DeleteWorkflow)
	workflows.Post("/:id/execute", handlers.ExecuteWorkflow)
	workflows.Post("/:id/execute/stream", handlers.ExecuteWorkflowStream)
	workflows.Get("/:id/executions", handlers.ListWorkflowExecutions)

	executions := app.Group("/executions")
	executions.Get("/:id", handlers.GetExecution)
	executions.Get("/:id/trace", handlers.GetExecutionTrace)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
