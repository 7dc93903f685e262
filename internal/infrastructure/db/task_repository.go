package db

import (
	"context"
	"errors"

	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type taskRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepository(db *gorm.DB, log *logger.Logger) ports.TaskRepository {
	return &taskRepository{db: db, log: log}
}

func (r *taskRepository) Create(ctx context.Context, task *domain.TaskRecord) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		r.log.Errorw("task_repo_create_failed", "id", task.ID, "error", err)
		return err
	}
	r.log.Infow("task_repo_create_ok", "id", task.ID, "kind", task.Kind)
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.TaskRecord, error) {
	var task domain.TaskRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		r.log.Errorw("task_repo_get_failed", "id", id, "error", err)
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) List(ctx context.Context, q domain.ListQuery) ([]domain.TaskRecord, int64, error) {
	q = q.Normalize()
	scope := r.db.WithContext(ctx).Model(&domain.TaskRecord{})
	if q.Category != "" {
		scope = scope.Where("category = ?", q.Category)
	}
	if q.Owner != "" {
		scope = scope.Where("owner = ?", q.Owner)
	}
	if q.Kind != "" {
		scope = scope.Where("kind = ?", q.Kind)
	}

	var total int64
	if err := scope.Count(&total).Error; err != nil {
		r.log.Errorw("task_repo_count_failed", "error", err)
		return nil, 0, err
	}

	var tasks []domain.TaskRecord
	err := scope.
		Order("created_at DESC").
		Order("id DESC").
		Offset(q.Page * q.Size).
		Limit(q.Size).
		Find(&tasks).Error
	if err != nil {
		r.log.Errorw("task_repo_list_failed", "error", err)
		return nil, 0, err
	}
	r.log.Debugw("task_repo_list_ok", "count", len(tasks), "total", total)
	return tasks, total, nil
}

func (r *taskRepository) ListByStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.TaskRecord, error) {
	var tasks []domain.TaskRecord
	if err := r.db.WithContext(ctx).Where("status IN ?", statuses).Find(&tasks).Error; err != nil {
		r.log.Errorw("task_repo_list_by_status_failed", "error", err)
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) Mutate(ctx context.Context, id string, fn func(task *domain.TaskRecord) error) (*domain.TaskRecord, error) {
	var task domain.TaskRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&task).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ports.ErrNotFound
			}
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		return tx.Save(&task).Error
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) Delete(ctx context.Context, id string) (*domain.TaskRecord, error) {
	var task domain.TaskRecord
	res := r.db.WithContext(ctx).Clauses(clause.Returning{}).Where("id = ?", id).Delete(&task)
	if res.Error != nil {
		r.log.Errorw("task_repo_delete_failed", "id", id, "error", res.Error)
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ports.ErrNotFound
	}
	r.log.Infow("task_repo_delete_ok", "id", id)
	return &task, nil
}

func (r *taskRepository) DeleteMany(ctx context.Context, ids []string) ([]domain.TaskRecord, error) {
	var tasks []domain.TaskRecord
	if len(ids) == 0 {
		return tasks, nil
	}
	if err := r.db.WithContext(ctx).Clauses(clause.Returning{}).Where("id IN ?", ids).Delete(&tasks).Error; err != nil {
		r.log.Errorw("task_repo_delete_many_failed", "count", len(ids), "error", err)
		return nil, err
	}
	r.log.Infow("task_repo_delete_many_ok", "requested", len(ids), "deleted", len(tasks))
	return tasks, nil
}

func (r *taskRepository) DeleteByCategory(ctx context.Context, category domain.TaskCategory) ([]domain.TaskRecord, error) {
	var tasks []domain.TaskRecord
	if err := r.db.WithContext(ctx).Clauses(clause.Returning{}).Where("category = ?", category).Delete(&tasks).Error; err != nil {
		r.log.Errorw("task_repo_delete_by_category_failed", "category", category, "error", err)
		return nil, err
	}
	r.log.Infow("task_repo_delete_by_category_ok", "category", category, "deleted", len(tasks))
	return tasks, nil
}
