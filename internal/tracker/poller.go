package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

const defaultPollInterval = 20 * time.Second

type PollerConfig struct {
	Interval time.Duration
	// MaxConsecutiveFailures stops polling after that many failed fetches in a row.
	// Zero polls until a terminal state or Stop.
	MaxConsecutiveFailures int
}

// Poller keeps one local task record in step with the server until the task is terminal.
// All fetches run on a single goroutine, so a tick never overlaps an in-flight fetch.
type Poller struct {
	fetcher  TaskFetcher
	cfg      PollerConfig
	notifier *Notifier
	logger   *logger.Logger

	mu        sync.Mutex
	record    domain.TaskRecord
	started   bool
	stopped   bool
	deleted   bool
	abandoned bool
	failures  int
	cancel    context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

// NewPoller prepares a poller for seed. Only seed.ID is required; the remaining fields are
// filled from the first fetch.
func NewPoller(fetcher TaskFetcher, seed domain.TaskRecord, cfg PollerConfig, notifier *Notifier, log *logger.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if log == nil {
		log = logger.NewNop()
	}
	if seed.Status == "" {
		seed.Status = domain.TaskStatusPending
	}
	return &Poller{
		fetcher:  fetcher,
		cfg:      cfg,
		notifier: notifier,
		logger:   log,
		record:   seed.Clone(),
		done:     make(chan struct{}),
	}
}

// Start fetches immediately, then every interval. Calling Start more than once, or after
// Stop, does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	if p.record.Status.IsTerminal() {
		p.notifier.Publish(terminalEvent(p.record.Clone(), false))
		p.closeDone()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runCtx)
}

// Stop cancels the schedule. The local record keeps whatever it last absorbed and is not
// mutated again; the server-side task is untouched.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	started := p.started
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		p.closeDone()
	}
}

func (p *Poller) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.ID
}

// Record returns a snapshot of the local task record.
func (p *Poller) Record() domain.TaskRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record.Clone()
}

// Done is closed once polling has ended for any reason.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) Wait(ctx context.Context) (domain.TaskRecord, error) {
	select {
	case <-p.done:
		return p.Record(), nil
	case <-ctx.Done():
		return p.Record(), ctx.Err()
	}
}

// Deleted reports whether the task disappeared from the server while being polled.
func (p *Poller) Deleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleted
}

func (p *Poller) Abandoned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.abandoned
}

func (p *Poller) closeDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Poller) run(ctx context.Context) {
	defer p.closeDone()

	if p.poll(ctx) {
		return
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.poll(ctx) {
				return
			}
			// A tick that fired during a slow fetch is skipped rather than run back to back.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// poll performs one fetch and reports whether polling is over.
func (p *Poller) poll(ctx context.Context) bool {
	id := p.ID()
	fresh, err := p.fetcher.GetTask(ctx, id)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || ctx.Err() != nil {
		return true
	}

	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			p.deleted = true
			if !p.record.Status.IsTerminal() {
				p.record.Status = domain.TaskStatusCancelled
			}
			p.logger.Infow("task_poll_deleted", "task_id", id)
			p.notifier.Publish(terminalEvent(p.record.Clone(), true))
			return true
		}

		p.failures++
		p.logger.Warnw("task_poll_failed", "task_id", id, "failures", p.failures, "error", err)
		if p.cfg.MaxConsecutiveFailures > 0 && p.failures >= p.cfg.MaxConsecutiveFailures {
			p.abandoned = true
			p.logger.Warnw("task_poll_abandoned", "task_id", id, "failures", p.failures)
			p.notifier.Publish(abandonedEvent(p.record.Clone(), p.failures))
			return true
		}
		return false
	}

	p.failures = 0
	if !p.record.Absorb(fresh) {
		p.logger.Debugw("task_poll_stale_response", "task_id", id, "local", p.record.Status, "remote", fresh.Status)
		return p.record.Status.IsTerminal()
	}

	p.logger.Debugw("task_poll_tick",
		"task_id", id,
		"status", p.record.Status,
		"progress", p.record.CompletionPercent(),
	)

	if p.record.Status.IsTerminal() {
		p.logger.Infow("task_poll_terminal", "task_id", id, "status", p.record.Status)
		p.notifier.Publish(terminalEvent(p.record.Clone(), false))
		return true
	}
	return false
}
