package tracker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

// PurgeRequest deletes every task of one category. ConfirmText must equal
// ConfirmationPhrase(Category).
type PurgeRequest struct {
	Category    domain.TaskCategory
	ConfirmText string
}

// ConfirmationPhrase is the text a user has to type to purge a category.
func ConfirmationPhrase(category domain.TaskCategory) string {
	return "DELETE " + string(category)
}

// Lifecycle performs the user-initiated operations on existing tasks.
type Lifecycle struct {
	backend Backend
	logger  *logger.Logger
	// changed is called after any operation that altered the task set.
	changed func(ctx context.Context)
}

func NewLifecycle(backend Backend, log *logger.Logger, changed func(ctx context.Context)) *Lifecycle {
	if log == nil {
		log = logger.NewNop()
	}
	if changed == nil {
		changed = func(context.Context) {}
	}
	return &Lifecycle{backend: backend, logger: log, changed: changed}
}

// DeleteOne removes a task and its artifact. A missing task yields ErrTaskNotFound.
func (l *Lifecycle) DeleteOne(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidRequest)
	}
	if err := l.backend.DeleteTask(ctx, id); err != nil {
		return err
	}
	l.logger.Infow("task_deleted", "task_id", id)
	l.changed(ctx)
	return nil
}

// MaxDeleteBatch is the most ids the server accepts in one batch delete request.
const MaxDeleteBatch = 500

// DeleteMany removes whichever of ids still exist and returns how many were removed.
// Larger id sets are sent in batches of MaxDeleteBatch; after a failed batch the count
// removed so far is returned with the error.
func (l *Lifecycle) DeleteMany(ctx context.Context, ids []string) (int, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return 0, nil
	}

	deleted := 0
	for start := 0; start < len(unique); start += MaxDeleteBatch {
		end := min(start+MaxDeleteBatch, len(unique))
		n, err := l.backend.DeleteTasks(ctx, unique[start:end])
		if err != nil {
			if deleted > 0 {
				l.logger.Warnw("tasks_delete_partial", "requested", len(unique), "deleted", deleted, "error", err)
				l.changed(ctx)
			}
			return deleted, err
		}
		deleted += n
	}
	l.logger.Infow("tasks_deleted", "requested", len(unique), "deleted", deleted)
	l.changed(ctx)
	return deleted, nil
}

// DeleteAllByCategory purges a category after checking the confirmation text.
func (l *Lifecycle) DeleteAllByCategory(ctx context.Context, req PurgeRequest) (int, error) {
	category, err := domain.ParseTaskCategory(string(req.Category))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.ConfirmText) != ConfirmationPhrase(category) {
		return 0, ErrConfirmationMismatch
	}

	deleted, err := l.backend.DeleteTasksByCategory(ctx, category, ConfirmationPhrase(category))
	if err != nil {
		return 0, err
	}
	l.logger.Warnw("tasks_purged", "category", category, "deleted", deleted)
	l.changed(ctx)
	return deleted, nil
}

// Cancel asks the server to stop a PENDING or RUNNING task.
func (l *Lifecycle) Cancel(ctx context.Context, id string) (domain.TaskRecord, error) {
	task, err := l.backend.CancelTask(ctx, id)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	l.logger.Infow("task_cancel_requested", "task_id", id, "status", task.Status)
	l.changed(ctx)
	return task, nil
}

// Download writes the artifact of a COMPLETED task to w.
func (l *Lifecycle) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	task, err := l.backend.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}
	if !task.HasArtifact() {
		return 0, fmt.Errorf("%w: task %s is %s", ErrNotDownloadable, id, task.Status)
	}
	return l.backend.DownloadArtifact(ctx, id, w)
}
