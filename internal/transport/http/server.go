package http

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/caat/taskwatch/internal/config"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
	"github.com/caat/taskwatch/internal/transport/http/dto"
)

type requestIDKey struct{}

const requestIDLocal = "request_id"

// RequestID returns the id the request-id middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewApp builds the fiber app with the shared middleware stack and a health route.
func NewApp(cfg config.ServerConfig, log *logger.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "http://localhost:3000"
	if len(cfg.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, " + requestIDHeader(cfg),
		AllowMethods: "GET, POST, HEAD, DELETE",
	}))

	app.Use(requestIDMiddleware(requestIDHeader(cfg)))

	if cfg.RequestLogging {
		app.Use(accessLogMiddleware(log))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	return app
}

func requestIDHeader(cfg config.ServerConfig) string {
	if cfg.RequestIDHeader == "" {
		return fiber.HeaderXRequestID
	}
	return cfg.RequestIDHeader
}

func requestIDMiddleware(header string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(header)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals(requestIDLocal, reqID)
		c.SetUserContext(context.WithValue(c.UserContext(), requestIDKey{}, reqID))
		c.Set(header, reqID)
		return c.Next()
	}
}

func accessLogMiddleware(log *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		routePath := ""
		if c.Route() != nil {
			routePath = c.Route().Path
		}
		log.Infow("http_access",
			"method", c.Method(),
			"path", c.Path(),
			"route", routePath,
			"query", string(c.Request().URI().QueryString()),
			"status", c.Response().StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.IP(),
			"user_agent", string(c.Request().Header.UserAgent()),
			"request_id", c.Locals(requestIDLocal),
			"req_bytes", len(c.Request().Body()),
		)
		return err
	}
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		// Unknown routes and client timeouts are routine.
		if code == fiber.StatusRequestTimeout || code == fiber.StatusNotFound || code == fiber.StatusMethodNotAllowed {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals(requestIDLocal),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals(requestIDLocal),
			)
		}

		return c.Status(code).JSON(dto.ErrorResponse{
			Error: err.Error(),
		})
	}
}
