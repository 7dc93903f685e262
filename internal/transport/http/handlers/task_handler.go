package handlers

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/core/services"
	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
	"github.com/caat/taskwatch/internal/transport/http/dto"
)

type TaskHandler struct {
	service ports.TaskService
	logger  *logger.Logger
}

func NewTaskHandler(service ports.TaskService, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{service: service, logger: logger}
}

func (h *TaskHandler) CreateTask(c *fiber.Ctx) error {
	var req dto.CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("task_create_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}

	if errs := req.Validate(); len(errs) > 0 {
		h.logger.Warnw("task_create_validation_failed", "details", errs)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: errs,
		})
	}

	h.logger.Infow("task_create_request", "kind", req.Kind, "category", req.Category, "owner", req.Owner)
	task, err := h.service.CreateTask(c.UserContext(), ports.CreateTaskInput{
		Kind:       req.Kind,
		Category:   req.Category,
		Owner:      req.Owner,
		Parameters: req.Parameters,
	})
	if err != nil {
		return h.writeError(c, "task_create", err)
	}

	h.logger.Infow("task_create_success", "task_id", task.ID)
	return c.Status(fiber.StatusCreated).JSON(task)
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	id := c.Params("id")
	task, err := h.service.GetTask(c.UserContext(), id)
	if err != nil {
		return h.writeError(c, "task_get", err)
	}
	return c.JSON(task)
}

func (h *TaskHandler) ListTasks(c *fiber.Ctx) error {
	var q domain.ListQuery
	var details []string

	if raw := c.Query("category"); raw != "" {
		category, err := domain.ParseTaskCategory(raw)
		if err != nil {
			details = append(details, err.Error())
		}
		q.Category = category
	}
	if raw := c.Query("kind"); raw != "" {
		kind, err := domain.ParseTaskKind(raw)
		if err != nil {
			details = append(details, err.Error())
		}
		q.Kind = kind
	}
	q.Owner = strings.TrimSpace(c.Query("owner"))
	q.Page = c.QueryInt("page", 0)
	q.Size = c.QueryInt("size", domain.DefaultPageSize)

	if len(details) > 0 {
		h.logger.Warnw("task_list_invalid_query", "details", details)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "invalid query",
			Details: details,
		})
	}

	page, err := h.service.ListTasks(c.UserContext(), q)
	if err != nil {
		return h.writeError(c, "task_list", err)
	}
	return c.JSON(page)
}

func (h *TaskHandler) DeleteTask(c *fiber.Ctx) error {
	id := c.Params("id")
	h.logger.Infow("task_delete_request", "task_id", id)
	if err := h.service.DeleteTask(c.UserContext(), id); err != nil {
		return h.writeError(c, "task_delete", err)
	}
	return c.JSON(dto.SuccessResponse{Message: "task deleted"})
}

func (h *TaskHandler) DeleteTasks(c *fiber.Ctx) error {
	var req dto.DeleteTasksRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("task_batch_delete_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}
	if errs := req.Validate(); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: errs,
		})
	}

	h.logger.Infow("task_batch_delete_request", "count", len(req.IDs))
	deleted, err := h.service.DeleteTasks(c.UserContext(), req.IDs)
	if err != nil {
		return h.writeError(c, "task_batch_delete", err)
	}
	return c.JSON(dto.DeletedResponse{Deleted: deleted})
}

func (h *TaskHandler) PurgeTasks(c *fiber.Ctx) error {
	var req dto.PurgeTasksRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("task_purge_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}
	if errs := req.Validate(); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: errs,
		})
	}

	h.logger.Infow("task_purge_request", "category", req.Category)
	deleted, err := h.service.DeleteTasksByCategory(c.UserContext(), domain.TaskCategory(req.Category), req.ConfirmText)
	if err != nil {
		return h.writeError(c, "task_purge", err)
	}
	return c.JSON(dto.DeletedResponse{Deleted: deleted})
}

func (h *TaskHandler) CancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	h.logger.Infow("task_cancel_request", "task_id", id)
	task, err := h.service.CancelTask(c.UserContext(), id)
	if err != nil {
		return h.writeError(c, "task_cancel", err)
	}
	return c.JSON(task)
}

func (h *TaskHandler) DownloadArtifact(c *fiber.Ctx) error {
	id := c.Params("id")
	rc, task, err := h.service.OpenArtifact(c.UserContext(), id)
	if err != nil {
		return h.writeError(c, "task_download", err)
	}

	filename := task.ID + path.Ext(task.ResultLocation)
	contentType := mime.TypeByExtension(path.Ext(filename))
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, filename))

	h.logger.Infow("task_download_started", "task_id", id, "bytes", task.ResultSize)
	// fasthttp closes the stream once the body has been written.
	if task.ResultSize > 0 {
		return c.SendStream(rc, int(task.ResultSize))
	}
	return c.SendStream(rc)
}

func (h *TaskHandler) writeError(c *fiber.Ctx, op string, err error) error {
	status := fiber.StatusInternalServerError
	message := "internal server error"

	switch {
	case errors.Is(err, services.ErrTaskNotFound):
		status, message = fiber.StatusNotFound, "task not found"
	case errors.Is(err, services.ErrTaskMissingOwner):
		status, message = fiber.StatusBadRequest, "owner is required"
	case errors.Is(err, services.ErrTaskInvalidInput):
		status, message = fiber.StatusBadRequest, "invalid input"
	case errors.Is(err, services.ErrPurgeConfirmMismatch):
		status, message = fiber.StatusBadRequest, "confirmation text does not match"
	case errors.Is(err, services.ErrTaskNotCancellable):
		status, message = fiber.StatusConflict, "task is already finished"
	case errors.Is(err, services.ErrTaskNotCompleted), errors.Is(err, services.ErrTaskNoArtifact):
		status, message = fiber.StatusConflict, "task has no downloadable file"
	case errors.Is(err, ports.ErrArtifactNotFound):
		status, message = fiber.StatusGone, "file is no longer available"
	case errors.Is(err, services.ErrRunnerQueueFull):
		status, message = fiber.StatusTooManyRequests, "too many tasks queued, try again later"
	case errors.Is(err, services.ErrRunnerStopped):
		status, message = fiber.StatusServiceUnavailable, "server is shutting down"
	}

	if status >= fiber.StatusInternalServerError {
		h.logger.Errorw(op+"_failed", "path", c.Path(), "error", err)
	} else {
		h.logger.Warnw(op+"_rejected", "path", c.Path(), "status", status, "error", err)
	}
	return c.Status(status).JSON(dto.ErrorResponse{
		Error:   message,
		Details: []string{err.Error()},
	})
}
