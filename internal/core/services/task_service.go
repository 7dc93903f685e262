package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

const artifactDeleteParallelism = 4

type taskService struct {
	repo      ports.TaskRepository
	artifacts ports.ArtifactStore
	queue     ports.TaskQueue
	logger    *logger.Logger
	now       func() time.Time
}

type TaskServiceConfig struct {
	Repository ports.TaskRepository
	Artifacts  ports.ArtifactStore
	Queue      ports.TaskQueue
	Logger     *logger.Logger
}

func NewTaskService(cfg TaskServiceConfig) ports.TaskService {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &taskService{
		repo:      cfg.Repository,
		artifacts: cfg.Artifacts,
		queue:     cfg.Queue,
		logger:    log,
		now:       time.Now,
	}
}

// PurgeConfirmation is the text a caller must send to delete a whole category.
func PurgeConfirmation(category domain.TaskCategory) string {
	return "DELETE " + string(category)
}

func (s *taskService) CreateTask(ctx context.Context, input ports.CreateTaskInput) (*domain.TaskRecord, error) {
	kind, err := domain.ParseTaskKind(input.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTaskInvalidInput, err)
	}
	category := domain.TaskCategoryManual
	if strings.TrimSpace(input.Category) != "" {
		category, err = domain.ParseTaskCategory(input.Category)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTaskInvalidInput, err)
		}
	}
	owner := strings.TrimSpace(input.Owner)
	if owner == "" {
		return nil, ErrTaskMissingOwner
	}
	if kind == domain.TaskKindContentFetch {
		if _, err := fetchLimit(input.Parameters); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	task := &domain.TaskRecord{
		ID:          uuid.New().String(),
		Category:    category,
		Kind:        kind,
		Owner:       owner,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      domain.TaskStatusPending,
		LogMessages: domain.StringList{"Task created"},
		Parameters:  input.Parameters,
	}
	if err := s.repo.Create(ctx, task); err != nil {
		s.logger.Errorw("task_create_failed", "kind", kind, "owner", owner, "error", err)
		return nil, err
	}

	if err := s.queue.Enqueue(task.ID); err != nil {
		// Nothing will ever pick the task up, so it must not stay PENDING.
		s.logger.Warnw("task_enqueue_failed", "task_id", task.ID, "error", err)
		if _, derr := s.repo.Delete(ctx, task.ID); derr != nil {
			s.logger.Errorw("task_enqueue_rollback_failed", "task_id", task.ID, "error", derr)
		}
		return nil, err
	}

	s.logger.Infow("task_created", "task_id", task.ID, "kind", kind, "category", category, "owner", owner)
	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, id string) (*domain.TaskRecord, error) {
	if !validTaskID(id) {
		return nil, ErrTaskNotFound
	}
	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, s.mapRepoError(err)
	}
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, q domain.ListQuery) (domain.TaskPage, error) {
	q = q.Normalize()
	tasks, total, err := s.repo.List(ctx, q)
	if err != nil {
		s.logger.Errorw("task_list_failed", "error", err)
		return domain.TaskPage{}, err
	}
	if tasks == nil {
		tasks = []domain.TaskRecord{}
	}
	return domain.TaskPage{Content: tasks, TotalElements: total, Page: q.Page, Size: q.Size}, nil
}

func (s *taskService) DeleteTask(ctx context.Context, id string) error {
	if !validTaskID(id) {
		return ErrTaskNotFound
	}
	task, err := s.repo.Delete(ctx, id)
	if err != nil {
		return s.mapRepoError(err)
	}
	s.removeArtifact(ctx, *task)
	s.logger.Infow("task_deleted", "task_id", id, "status", task.Status)
	return nil
}

func (s *taskService) DeleteTasks(ctx context.Context, ids []string) (int, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		// Malformed ids cannot match a task and would fail the whole statement.
		if !validTaskID(id) {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return 0, nil
	}

	deleted, err := s.repo.DeleteMany(ctx, unique)
	if err != nil {
		s.logger.Errorw("task_batch_delete_failed", "count", len(unique), "error", err)
		return 0, fmt.Errorf("%w: %w", ErrTaskDeleteFailed, err)
	}
	s.removeArtifacts(ctx, deleted)
	s.logger.Infow("task_batch_deleted", "requested", len(unique), "deleted", len(deleted))
	return len(deleted), nil
}

func (s *taskService) DeleteTasksByCategory(ctx context.Context, category domain.TaskCategory, confirmText string) (int, error) {
	category, err := domain.ParseTaskCategory(string(category))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTaskInvalidInput, err)
	}
	if confirmText != PurgeConfirmation(category) {
		s.logger.Warnw("task_purge_rejected", "category", category)
		return 0, ErrPurgeConfirmMismatch
	}

	deleted, err := s.repo.DeleteByCategory(ctx, category)
	if err != nil {
		s.logger.Errorw("task_purge_failed", "category", category, "error", err)
		return 0, fmt.Errorf("%w: %w", ErrTaskDeleteFailed, err)
	}
	s.removeArtifacts(ctx, deleted)
	s.logger.Infow("task_purged", "category", category, "deleted", len(deleted))
	return len(deleted), nil
}

func (s *taskService) CancelTask(ctx context.Context, id string) (*domain.TaskRecord, error) {
	if !validTaskID(id) {
		return nil, ErrTaskNotFound
	}
	task, err := s.repo.Mutate(ctx, id, func(t *domain.TaskRecord) error {
		if !domain.CanTransition(t.Status, domain.TaskStatusCancelled) {
			return ErrTaskNotCancellable
		}
		now := s.now().UTC()
		t.Status = domain.TaskStatusCancelled
		t.CompletedAt = &now
		t.UpdatedAt = now
		t.LogMessages = append(t.LogMessages, "Task cancelled")
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTaskNotCancellable) {
			return nil, err
		}
		return nil, s.mapRepoError(err)
	}
	s.logger.Infow("task_cancelled", "task_id", id)
	return task, nil
}

// OpenArtifact returns a reader over the finished document. The caller closes it.
func (s *taskService) OpenArtifact(ctx context.Context, id string) (io.ReadCloser, *domain.TaskRecord, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != domain.TaskStatusCompleted {
		return nil, task, ErrTaskNotCompleted
	}
	if task.ResultLocation == "" {
		return nil, task, ErrTaskNoArtifact
	}

	rc, err := s.artifacts.Open(ctx, task.ResultLocation)
	if err != nil {
		s.logger.Errorw("task_artifact_open_failed", "task_id", id, "location", task.ResultLocation, "error", err)
		return nil, task, err
	}
	return rc, task, nil
}

// validTaskID accepts the canonical form ids are issued in.
func validTaskID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *taskService) removeArtifacts(ctx context.Context, tasks []domain.TaskRecord) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(artifactDeleteParallelism)
	for _, t := range tasks {
		g.Go(func() error {
			s.removeArtifact(gctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// removeArtifact never fails the delete: a stray file is preferable to a record
// that can no longer be removed.
func (s *taskService) removeArtifact(ctx context.Context, task domain.TaskRecord) {
	if task.ResultLocation == "" {
		return
	}
	if err := s.artifacts.Delete(ctx, task.ResultLocation); err != nil {
		s.logger.Warnw("task_artifact_delete_failed", "task_id", task.ID, "location", task.ResultLocation, "error", err)
	}
}

func (s *taskService) mapRepoError(err error) error {
	if errors.Is(err, ports.ErrNotFound) {
		return ErrTaskNotFound
	}
	return err
}
