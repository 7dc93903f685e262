package ports

import (
	"context"
	"io"

	"github.com/caat/taskwatch/internal/domain"
)

type TaskService interface {
	CreateTask(ctx context.Context, input CreateTaskInput) (*domain.TaskRecord, error)
	GetTask(ctx context.Context, id string) (*domain.TaskRecord, error)
	ListTasks(ctx context.Context, q domain.ListQuery) (domain.TaskPage, error)
	DeleteTask(ctx context.Context, id string) error
	DeleteTasks(ctx context.Context, ids []string) (int, error)
	DeleteTasksByCategory(ctx context.Context, category domain.TaskCategory, confirmText string) (int, error)
	CancelTask(ctx context.Context, id string) (*domain.TaskRecord, error)
	OpenArtifact(ctx context.Context, id string) (io.ReadCloser, *domain.TaskRecord, error)
}

type CreateTaskInput struct {
	Kind       string
	Category   string
	Owner      string
	Parameters domain.JSONB
}

// TaskQueue hands persisted PENDING tasks to background workers.
type TaskQueue interface {
	Enqueue(id string) error
}

// ArtifactStore keeps the documents produced by finished tasks.
type ArtifactStore interface {
	// Save writes r under name and returns the location to record on the task.
	Save(ctx context.Context, name string, r io.Reader) (location string, size int64, err error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	// Delete succeeds when the artifact is already gone.
	Delete(ctx context.Context, location string) error
}
