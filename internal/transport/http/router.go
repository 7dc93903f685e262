package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
	"github.com/caat/taskwatch/internal/transport/http/handlers"
)

type RouterConfig struct {
	Tasks  ports.TaskService
	Logger *logger.Logger
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	taskHandler := handlers.NewTaskHandler(cfg.Tasks, cfg.Logger)

	// API v1 routes
	api := app.Group("/api/v1")

	// Task routes. The static batch paths must be registered before /:id.
	tasks := api.Group("/tasks")
	tasks.Post("/", taskHandler.CreateTask)
	tasks.Get("/", taskHandler.ListTasks)
	tasks.Post("/delete", taskHandler.DeleteTasks)
	tasks.Post("/purge", taskHandler.PurgeTasks)
	tasks.Get("/:id", taskHandler.GetTask)
	tasks.Delete("/:id", taskHandler.DeleteTask)
	tasks.Post("/:id/cancel", taskHandler.CancelTask)
	tasks.Get("/:id/download", taskHandler.DownloadArtifact)
}
