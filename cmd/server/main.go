package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/pflag"
	"gorm.io/gorm"

	"github.com/caat/taskwatch/internal/config"
	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/core/services"
	"github.com/caat/taskwatch/internal/infrastructure/db"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
	"github.com/caat/taskwatch/internal/infrastructure/memory"
	"github.com/caat/taskwatch/internal/infrastructure/storage"
	transporthttp "github.com/caat/taskwatch/internal/transport/http"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file")
	pflag.Parse()

	path := *configPath
	if path == "" {
		path = "config/config.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = "../config/config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	var database *gorm.DB
	var repo ports.TaskRepository
	switch cfg.Storage.Driver {
	case "postgres":
		database, err = db.NewPostgresConnection(cfg.Database)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		log.Info("database connection established")

		if err := db.RunMigrations(database); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.Info("database migrations completed")
		repo = db.NewTaskRepository(database, log.Named("db"))
	default:
		log.Warn("using in-memory task storage; tasks are lost on restart")
		repo = memory.NewTaskRepository()
	}

	artifacts, err := storage.New(cfg.Artifacts, log)
	if err != nil {
		log.Fatalf("failed to initialize artifact store: %v", err)
	}
	log.Infow("artifact_store_ready", "backend", cfg.Artifacts.Backend)

	runner := services.NewTaskRunner(services.TaskRunnerConfig{
		Repository: repo,
		Artifacts:  artifacts,
		Operations: services.DefaultOperations(artifacts, cfg.Runner.StepDelay),
		Workers:    cfg.Runner.Workers,
		QueueSize:  cfg.Runner.QueueSize,
		Logger:     log.Named("runner"),
	})
	if _, err := runner.RecoverInterrupted(context.Background()); err != nil {
		log.Errorf("failed to recover interrupted tasks: %v", err)
	}
	runner.Start(context.Background())

	taskService := services.NewTaskService(services.TaskServiceConfig{
		Repository: repo,
		Artifacts:  artifacts,
		Queue:      runner,
		Logger:     log.Named("tasks"),
	})

	app := transporthttp.NewApp(cfg.Server, log)
	transporthttp.SetupRoutes(app, transporthttp.RouterConfig{
		Tasks:  taskService,
		Logger: log.Named("http"),
	})

	addr := cfg.Server.Address()
	go func() {
		if err := app.Listen(addr); err != nil {
			log.Fatalf("server failed to start: %v", err)
		}
	}()
	log.Infof("server started on %s", addr)

	gracefulShutdown(app, runner, database, log)
}

func gracefulShutdown(app *fiber.App, runner *services.TaskRunner, database *gorm.DB, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
	}

	runner.Stop()

	if database != nil {
		if err := db.Close(database); err != nil {
			log.Errorf("failed to close database connection: %v", err)
		}
	}

	log.Info("server exited gracefully")
}
