package ports

import (
	"context"
	"errors"

	"github.com/caat/taskwatch/internal/domain"
)

var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("repository: record not found")
	// ErrArtifactNotFound is returned by artifact stores for a missing location.
	ErrArtifactNotFound = errors.New("artifact: not found")
)

type TaskRepository interface {
	Create(ctx context.Context, task *domain.TaskRecord) error
	GetByID(ctx context.Context, id string) (*domain.TaskRecord, error)
	List(ctx context.Context, q domain.ListQuery) ([]domain.TaskRecord, int64, error)
	ListByStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.TaskRecord, error)
	// Mutate loads the task, applies fn and persists the result atomically with respect to
	// other Mutate calls on the same id. The record is left untouched when fn returns an error.
	Mutate(ctx context.Context, id string, fn func(task *domain.TaskRecord) error) (*domain.TaskRecord, error)
	Delete(ctx context.Context, id string) (*domain.TaskRecord, error)
	// DeleteMany returns the records that existed and were removed.
	DeleteMany(ctx context.Context, ids []string) ([]domain.TaskRecord, error)
	DeleteByCategory(ctx context.Context, category domain.TaskCategory) ([]domain.TaskRecord, error)
}
