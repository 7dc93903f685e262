package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/domain"
)

// TaskRepository keeps tasks in process memory. Records are copied on the way in and
// out so callers never share state with the store.
type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]*domain.TaskRecord
}

var _ ports.TaskRepository = (*TaskRepository)(nil)

func NewTaskRepository() *TaskRepository {
	return &TaskRepository{tasks: make(map[string]*domain.TaskRecord)}
}

func (r *TaskRepository) Create(_ context.Context, task *domain.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := task.Clone()
	r.tasks[task.ID] = &stored
	return nil
}

func (r *TaskRepository) GetByID(_ context.Context, id string) (*domain.TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	out := task.Clone()
	return &out, nil
}

func (r *TaskRepository) List(_ context.Context, q domain.ListQuery) ([]domain.TaskRecord, int64, error) {
	q = q.Normalize()

	r.mu.RLock()
	matched := make([]domain.TaskRecord, 0, len(r.tasks))
	for _, t := range r.tasks {
		if q.Category != "" && t.Category != q.Category {
			continue
		}
		if q.Owner != "" && t.Owner != q.Owner {
			continue
		}
		if q.Kind != "" && t.Kind != q.Kind {
			continue
		}
		matched = append(matched, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := q.Page * q.Size
	if start >= len(matched) {
		return []domain.TaskRecord{}, total, nil
	}
	end := start + q.Size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (r *TaskRepository) ListByStatus(_ context.Context, statuses ...domain.TaskStatus) ([]domain.TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.TaskRecord
	for _, t := range r.tasks {
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t.Clone())
				break
			}
		}
	}
	return out, nil
}

func (r *TaskRepository) Mutate(_ context.Context, id string, fn func(task *domain.TaskRecord) error) (*domain.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tasks[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	working := current.Clone()
	if err := fn(&working); err != nil {
		return nil, err
	}
	stored := working.Clone()
	r.tasks[id] = &stored
	return &working, nil
}

func (r *TaskRepository) Delete(_ context.Context, id string) (*domain.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	delete(r.tasks, id)
	return task, nil
}

func (r *TaskRepository) DeleteMany(_ context.Context, ids []string) ([]domain.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := make([]domain.TaskRecord, 0, len(ids))
	for _, id := range ids {
		if task, ok := r.tasks[id]; ok {
			deleted = append(deleted, *task)
			delete(r.tasks, id)
		}
	}
	return deleted, nil
}

func (r *TaskRepository) DeleteByCategory(_ context.Context, category domain.TaskCategory) ([]domain.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted []domain.TaskRecord
	for id, task := range r.tasks {
		if task.Category == category {
			deleted = append(deleted, *task)
			delete(r.tasks, id)
		}
	}
	return deleted, nil
}
