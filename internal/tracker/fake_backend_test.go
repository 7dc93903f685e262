package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/caat/taskwatch/internal/domain"
)

type getResult struct {
	task domain.TaskRecord
	err  error
}

// fakeBackend is an in-process task API. GetTask replays a per-id script when one is set
// (the last entry repeats) and otherwise reads the task map.
type fakeBackend struct {
	mu sync.Mutex

	tasks     map[string]domain.TaskRecord
	artifacts map[string][]byte
	getScript map[string][]getResult
	getCalls  map[string]int

	createFn    func(req SubmitRequest) (domain.TaskRecord, error)
	createCalls int
	createReqs  []SubmitRequest

	listFn      func(q domain.ListQuery) (domain.TaskPage, error)
	listCalls   int
	listQueries []domain.ListQuery

	deleteBatches [][]string
	purges        []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tasks:     make(map[string]domain.TaskRecord),
		artifacts: make(map[string][]byte),
		getScript: make(map[string][]getResult),
		getCalls:  make(map[string]int),
	}
}

func notFound() error {
	return &APIError{StatusCode: http.StatusNotFound, Message: "task not found"}
}

func transportTimeout() error {
	return fmt.Errorf("%w: POST /api/v1/tasks: %w", ErrTransport, context.DeadlineExceeded)
}

func (f *fakeBackend) put(tasks ...domain.TaskRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
}

func (f *fakeBackend) script(id string, results ...getResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getScript[id] = results
}

func (f *fakeBackend) gets(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[id]
}

func (f *fakeBackend) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeBackend) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeBackend) lastListQuery() domain.ListQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.listQueries) == 0 {
		return domain.ListQuery{}
	}
	return f.listQueries[len(f.listQueries)-1]
}

func (f *fakeBackend) CreateTask(_ context.Context, req SubmitRequest) (domain.TaskRecord, error) {
	f.mu.Lock()
	f.createCalls++
	f.createReqs = append(f.createReqs, req)
	fn := f.createFn
	f.mu.Unlock()

	if fn == nil {
		return domain.TaskRecord{}, fmt.Errorf("%w: no create handler", ErrTransport)
	}
	task, err := fn(req)
	if err == nil {
		f.put(task)
	}
	return task, err
}

func (f *fakeBackend) GetTask(_ context.Context, id string) (domain.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := f.getCalls[id]
	f.getCalls[id]++

	if script, ok := f.getScript[id]; ok && len(script) > 0 {
		if call >= len(script) {
			call = len(script) - 1
		}
		r := script[call]
		return r.task.Clone(), r.err
	}

	t, ok := f.tasks[id]
	if !ok {
		return domain.TaskRecord{}, notFound()
	}
	return t.Clone(), nil
}

func (f *fakeBackend) ListTasks(_ context.Context, q domain.ListQuery) (domain.TaskPage, error) {
	f.mu.Lock()
	f.listCalls++
	f.listQueries = append(f.listQueries, q)
	fn := f.listFn
	f.mu.Unlock()

	if fn != nil {
		return fn(q)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	q = q.Normalize()
	var matched []domain.TaskRecord
	for _, t := range f.tasks {
		if q.Category != "" && t.Category != q.Category {
			continue
		}
		if q.Kind != "" && t.Kind != q.Kind {
			continue
		}
		if q.Owner != "" && t.Owner != q.Owner {
			continue
		}
		matched = append(matched, t.Clone())
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	page := domain.TaskPage{TotalElements: int64(len(matched)), Page: q.Page, Size: q.Size}
	start := q.Page * q.Size
	if start < len(matched) {
		end := start + q.Size
		if end > len(matched) {
			end = len(matched)
		}
		page.Content = matched[start:end]
	}
	return page, nil
}

func (f *fakeBackend) DeleteTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return notFound()
	}
	delete(f.tasks, id)
	delete(f.artifacts, id)
	return nil
}

func (f *fakeBackend) DeleteTasks(_ context.Context, ids []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteBatches = append(f.deleteBatches, append([]string(nil), ids...))
	deleted := 0
	for _, id := range ids {
		if _, ok := f.tasks[id]; ok {
			delete(f.tasks, id)
			delete(f.artifacts, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeBackend) DeleteTasksByCategory(_ context.Context, category domain.TaskCategory, confirmText string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges = append(f.purges, confirmText)
	deleted := 0
	for id, t := range f.tasks {
		if t.Category == category {
			delete(f.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeBackend) CancelTask(_ context.Context, id string) (domain.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.TaskRecord{}, notFound()
	}
	if !domain.CanTransition(t.Status, domain.TaskStatusCancelled) {
		return domain.TaskRecord{}, &APIError{StatusCode: http.StatusConflict, Message: "task is already finished"}
	}
	t.Status = domain.TaskStatusCancelled
	f.tasks[id] = t
	return t.Clone(), nil
}

func (f *fakeBackend) DownloadArtifact(_ context.Context, id string, w io.Writer) (int64, error) {
	f.mu.Lock()
	data, ok := f.artifacts[id]
	f.mu.Unlock()
	if !ok {
		return 0, notFound()
	}
	n, err := w.Write(data)
	return int64(n), err
}

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func newTask(id string, status domain.TaskStatus) domain.TaskRecord {
	return domain.TaskRecord{
		ID:       id,
		Category: domain.TaskCategoryManual,
		Kind:     domain.TaskKindWord,
		Owner:    "user-1",
		Status:   status,
	}
}

func got(t domain.TaskRecord) getResult { return getResult{task: t} }

func fail(err error) getResult { return getResult{err: err} }

// waitEvent returns the next notification, or false when none arrives within a second.
func waitEvent(ch <-chan Event) (Event, bool) {
	select {
	case e, open := <-ch:
		return e, open
	case <-time.After(time.Second):
		return Event{}, false
	}
}
