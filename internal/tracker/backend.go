package tracker

import (
	"context"
	"io"

	"github.com/caat/taskwatch/internal/domain"
)

// SubmitRequest asks the server to start one long-running task.
type SubmitRequest struct {
	Kind       domain.TaskKind     `json:"kind"`
	Category   domain.TaskCategory `json:"category"`
	Owner      string              `json:"owner"`
	Parameters domain.JSONB        `json:"parameters,omitempty"`
}

// Backend is the task API consumed by the tracker.
type Backend interface {
	TaskFetcher
	TaskLister
	CreateTask(ctx context.Context, req SubmitRequest) (domain.TaskRecord, error)
	DeleteTask(ctx context.Context, id string) error
	DeleteTasks(ctx context.Context, ids []string) (int, error)
	DeleteTasksByCategory(ctx context.Context, category domain.TaskCategory, confirmText string) (int, error)
	CancelTask(ctx context.Context, id string) (domain.TaskRecord, error)
	DownloadArtifact(ctx context.Context, id string, w io.Writer) (int64, error)
}

type TaskFetcher interface {
	GetTask(ctx context.Context, id string) (domain.TaskRecord, error)
}

type TaskLister interface {
	ListTasks(ctx context.Context, q domain.ListQuery) (domain.TaskPage, error)
}
