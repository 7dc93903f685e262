package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, r *TaskRepository, id string, category domain.TaskCategory, owner string, offset time.Duration) {
	t.Helper()
	require.NoError(t, r.Create(context.Background(), &domain.TaskRecord{
		ID:        id,
		Category:  category,
		Kind:      domain.TaskKindCSV,
		Owner:     owner,
		Status:    domain.TaskStatusPending,
		CreatedAt: base.Add(offset),
	}))
}

func TestListOrdersNewestFirstAndPages(t *testing.T) {
	r := NewTaskRepository()
	seed(t, r, "a", domain.TaskCategoryManual, "u1", 0)
	seed(t, r, "b", domain.TaskCategoryManual, "u1", time.Minute)
	seed(t, r, "c", domain.TaskCategoryManual, "u2", 2*time.Minute)
	seed(t, r, "d", domain.TaskCategoryScheduled, "u1", 3*time.Minute)

	tasks, total, err := r.List(context.Background(), domain.ListQuery{Category: domain.TaskCategoryManual, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, tasks, 2)
	assert.Equal(t, "c", tasks[0].ID)
	assert.Equal(t, "b", tasks[1].ID)

	tasks, _, err = r.List(context.Background(), domain.ListQuery{Category: domain.TaskCategoryManual, Page: 1, Size: 2})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].ID)

	tasks, total, err = r.List(context.Background(), domain.ListQuery{Owner: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, "d", tasks[0].ID)

	tasks, _, err = r.List(context.Background(), domain.ListQuery{Page: 5})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMutateLeavesRecordOnError(t *testing.T) {
	r := NewTaskRepository()
	seed(t, r, "a", domain.TaskCategoryManual, "u1", 0)
	boom := errors.New("boom")

	_, err := r.Mutate(context.Background(), "a", func(task *domain.TaskRecord) error {
		task.Status = domain.TaskStatusRunning
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := r.GetByID(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)

	updated, err := r.Mutate(context.Background(), "a", func(task *domain.TaskRecord) error {
		task.Status = domain.TaskStatusRunning
		task.LogMessages = append(task.LogMessages, "started")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, updated.Status)

	// The returned copy is detached from the store.
	updated.LogMessages[0] = "tampered"
	got, err = r.GetByID(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StringList{"started"}, got.LogMessages)

	_, err = r.Mutate(context.Background(), "missing", func(*domain.TaskRecord) error { return nil })
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestDeletes(t *testing.T) {
	r := NewTaskRepository()
	seed(t, r, "a", domain.TaskCategoryManual, "u1", 0)
	seed(t, r, "b", domain.TaskCategoryManual, "u1", time.Minute)
	seed(t, r, "c", domain.TaskCategoryScheduled, "u1", 2*time.Minute)
	ctx := context.Background()

	deleted, err := r.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", deleted.ID)
	_, err = r.Delete(ctx, "a")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	many, err := r.DeleteMany(ctx, []string{"a", "b", "zzz"})
	require.NoError(t, err)
	require.Len(t, many, 1)
	assert.Equal(t, "b", many[0].ID)

	byCategory, err := r.DeleteByCategory(ctx, domain.TaskCategoryScheduled)
	require.NoError(t, err)
	require.Len(t, byCategory, 1)

	_, total, err := r.List(ctx, domain.ListQuery{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestListByStatus(t *testing.T) {
	r := NewTaskRepository()
	seed(t, r, "a", domain.TaskCategoryManual, "u1", 0)
	seed(t, r, "b", domain.TaskCategoryManual, "u1", time.Minute)
	_, err := r.Mutate(context.Background(), "b", func(task *domain.TaskRecord) error {
		task.Status = domain.TaskStatusCompleted
		return nil
	})
	require.NoError(t, err)

	active, err := r.ListByStatus(context.Background(), domain.TaskStatusPending, domain.TaskStatusRunning)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)
}
