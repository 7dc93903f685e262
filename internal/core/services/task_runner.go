package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caat/taskwatch/internal/core/ports"
	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

const (
	defaultRunnerWorkers   = 2
	defaultRunnerQueueSize = 100
	maxTaskLogMessages     = 200

	restartInterruptedMessage  = "interrupted by server restart"
	shutdownInterruptedMessage = "interrupted by server shutdown"
)

// TaskRunner executes queued tasks on a fixed pool of workers.
type TaskRunner struct {
	repo       ports.TaskRepository
	artifacts  ports.ArtifactStore
	operations map[domain.TaskKind]ports.Operation
	workers    int
	logger     *logger.Logger
	now        func() time.Time

	queue   chan string
	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type TaskRunnerConfig struct {
	Repository ports.TaskRepository
	Artifacts  ports.ArtifactStore
	Operations map[domain.TaskKind]ports.Operation
	Workers    int
	QueueSize  int
	Logger     *logger.Logger
}

var _ ports.TaskQueue = (*TaskRunner)(nil)

func NewTaskRunner(cfg TaskRunnerConfig) *TaskRunner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultRunnerWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultRunnerQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &TaskRunner{
		repo:       cfg.Repository,
		artifacts:  cfg.Artifacts,
		operations: cfg.Operations,
		workers:    workers,
		logger:     log,
		now:        time.Now,
		queue:      make(chan string, queueSize),
	}
}

// Start launches the workers. Tasks enqueued earlier are picked up immediately.
func (r *TaskRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(runCtx, i)
	}
	r.logger.Infow("task_runner_started", "workers", r.workers, "queue_size", cap(r.queue))
}

// Stop interrupts running operations and waits for the workers to exit. Tasks still
// queued stay PENDING and are failed by RecoverInterrupted on the next start.
func (r *TaskRunner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.queue)
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Infow("task_runner_stopped")
}

func (r *TaskRunner) Enqueue(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	select {
	case r.queue <- id:
		return nil
	default:
		return ErrRunnerQueueFull
	}
}

// RecoverInterrupted fails every task a previous process left PENDING or RUNNING.
func (r *TaskRunner) RecoverInterrupted(ctx context.Context) (int, error) {
	leftovers, err := r.repo.ListByStatus(ctx, domain.TaskStatusPending, domain.TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list interrupted tasks: %w", err)
	}

	recovered := 0
	for _, t := range leftovers {
		_, err := r.repo.Mutate(ctx, t.ID, func(task *domain.TaskRecord) error {
			if !task.Status.IsActive() {
				return ErrRunnerTaskNotRunning
			}
			r.fail(task, restartInterruptedMessage)
			return nil
		})
		if err != nil {
			if !errors.Is(err, ErrRunnerTaskNotRunning) && !errors.Is(err, ports.ErrNotFound) {
				r.logger.Warnw("task_recovery_failed", "task_id", t.ID, "error", err)
			}
			continue
		}
		recovered++
	}
	if recovered > 0 {
		r.logger.Warnw("task_recovery_marked_failed", "count", recovered)
	}
	return recovered, nil
}

func (r *TaskRunner) worker(ctx context.Context, n int) {
	defer r.wg.Done()
	for id := range r.queue {
		if ctx.Err() != nil {
			r.logger.Infow("task_run_skipped_shutdown", "task_id", id, "worker", n)
			continue
		}
		r.process(ctx, id)
	}
}

func (r *TaskRunner) process(ctx context.Context, id string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("task_run_panic", "task_id", id, "panic", rec)
			r.finish(ctx, id, ports.OperationResult{}, fmt.Errorf("operation panic: %v", rec))
		}
	}()

	task, err := r.repo.Mutate(ctx, id, func(t *domain.TaskRecord) error {
		if t.Status != domain.TaskStatusPending {
			return ErrRunnerIllegalTransition
		}
		now := r.now().UTC()
		t.Status = domain.TaskStatusRunning
		t.StartedAt = &now
		t.UpdatedAt = now
		appendLog(t, "Task started")
		return nil
	})
	if err != nil {
		// Cancelled or deleted while queued.
		r.logger.Infow("task_run_skipped", "task_id", id, "error", err)
		return
	}

	op, ok := r.operations[task.Kind]
	if !ok {
		r.finish(ctx, id, ports.OperationResult{}, fmt.Errorf("%w: %s", ErrRunnerNoOperation, task.Kind))
		return
	}

	r.logger.Infow("task_run_started", "task_id", id, "kind", task.Kind)
	start := time.Now()
	result, runErr := op.Run(ctx, *task, &progressReporter{runner: r, id: id})
	r.logger.Infow("task_run_finished", "task_id", id, "duration_ms", time.Since(start).Milliseconds(), "error", runErr)
	r.finish(ctx, id, result, runErr)
}

// finish records the outcome unless the task already left RUNNING, in which case any
// artifact the operation produced is thrown away.
func (r *TaskRunner) finish(ctx context.Context, id string, result ports.OperationResult, runErr error) {
	interrupted := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)

	_, err := r.repo.Mutate(ctx, id, func(t *domain.TaskRecord) error {
		if t.Status != domain.TaskStatusRunning {
			return ErrRunnerTaskNotRunning
		}
		if runErr != nil {
			msg := runErr.Error()
			if interrupted {
				msg = shutdownInterruptedMessage
			}
			r.fail(t, msg)
			return nil
		}
		now := r.now().UTC()
		t.Status = domain.TaskStatusCompleted
		t.Progress = 100
		t.ResultLocation = result.ResultLocation
		t.ResultSize = result.ResultSize
		t.CompletedAt = &now
		t.UpdatedAt = now
		appendLog(t, "Task completed")
		return nil
	})
	if err == nil {
		return
	}

	if errors.Is(err, ErrRunnerTaskNotRunning) || errors.Is(err, ports.ErrNotFound) {
		r.logger.Infow("task_run_discarded", "task_id", id, "reason", err)
		if result.ResultLocation != "" {
			if derr := r.artifacts.Delete(ctx, result.ResultLocation); derr != nil {
				r.logger.Warnw("task_artifact_delete_failed", "task_id", id, "location", result.ResultLocation, "error", derr)
			}
		}
		return
	}
	r.logger.Errorw("task_finish_failed", "task_id", id, "error", err)
}

func (r *TaskRunner) fail(t *domain.TaskRecord, msg string) {
	now := r.now().UTC()
	t.Status = domain.TaskStatusFailed
	t.ErrorMessage = msg
	t.CompletedAt = &now
	t.UpdatedAt = now
	appendLog(t, "Task failed: "+msg)
}

func appendLog(t *domain.TaskRecord, msg string) {
	t.LogMessages = append(t.LogMessages, msg)
	if over := len(t.LogMessages) - maxTaskLogMessages; over > 0 {
		t.LogMessages = append(domain.StringList(nil), t.LogMessages[over:]...)
	}
}

type progressReporter struct {
	runner *TaskRunner
	id     string
}

func (p *progressReporter) Progress(ctx context.Context, percent int, message string) error {
	return p.update(ctx, message, func(t *domain.TaskRecord) {
		percent = clampProgress(percent)
		if percent > t.Progress {
			t.Progress = percent
		}
	})
}

func (p *progressReporter) Counts(ctx context.Context, fetched int, total *int, message string) error {
	return p.update(ctx, message, func(t *domain.TaskRecord) {
		if fetched > t.FetchedCount {
			t.FetchedCount = fetched
		}
		if total != nil {
			n := *total
			t.TotalCount = &n
		}
	})
}

func (p *progressReporter) Log(ctx context.Context, message string) error {
	return p.update(ctx, message, nil)
}

func (p *progressReporter) update(ctx context.Context, message string, fn func(t *domain.TaskRecord)) error {
	_, err := p.runner.repo.Mutate(ctx, p.id, func(t *domain.TaskRecord) error {
		if t.Status != domain.TaskStatusRunning {
			return ErrRunnerTaskNotRunning
		}
		if fn != nil {
			fn(t)
		}
		if message != "" {
			appendLog(t, message)
		}
		t.UpdatedAt = p.runner.now().UTC()
		return nil
	})
	if errors.Is(err, ports.ErrNotFound) {
		return ErrRunnerTaskNotRunning
	}
	return err
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
