package tracker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/caat/taskwatch/internal/config"
	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

type Config struct {
	PollInterval           time.Duration
	ListRefreshInterval    time.Duration
	MaxConsecutiveFailures int
	ReconcileWindow        int
	ReconcileSkew          time.Duration
	NotificationBuffer     int
}

func ConfigFrom(cfg config.TrackerConfig) Config {
	return Config{
		PollInterval:           cfg.PollInterval,
		ListRefreshInterval:    cfg.ListRefreshInterval,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		ReconcileWindow:        cfg.ReconcileWindow,
		ReconcileSkew:          cfg.ReconcileSkew,
	}
}

// Tracker ties submission, per-task polling, the task list and lifecycle operations to a
// single backend and one notification stream.
type Tracker struct {
	backend     Backend
	cfg         Config
	logger      *logger.Logger
	notifier    *Notifier
	submitter   *Submitter
	conciliator *Conciliator
	lifecycle   *Lifecycle

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pollers map[string]*Poller
	// claims holds ids adopted by reconciliation whose poller is not registered yet.
	claims  map[string]struct{}
	closed  bool
}

func New(backend Backend, cfg Config, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracker{
		backend: backend,
		cfg:     cfg,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		pollers: make(map[string]*Poller),
		claims:  make(map[string]struct{}),
	}
	t.notifier = NewNotifier(cfg.NotificationBuffer, log.Named("notifier"))
	t.conciliator = NewConciliator(backend, ConciliatorConfig{RefreshInterval: cfg.ListRefreshInterval}, log.Named("list"))
	t.submitter = NewSubmitter(backend,
		SubmitterConfig{ReconcileWindow: cfg.ReconcileWindow, ReconcileSkew: cfg.ReconcileSkew},
		log.Named("submit"),
		WithUnconfirmedHook(t.refreshList),
		WithClaimedFilter(t.claim),
	)
	t.lifecycle = NewLifecycle(backend, log.Named("lifecycle"), t.refreshList)
	return t
}

// NewFromConfig builds a tracker talking HTTP to cfg.BaseURL.
func NewFromConfig(cfg config.TrackerConfig, log *logger.Logger) *Tracker {
	client := NewAPIClient(ClientConfig{
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.RequestTimeout,
		SubmitTimeout:  cfg.SubmitTimeout,
		Logger:         log.Named("api"),
	})
	return New(client, ConfigFrom(cfg), log)
}

func (t *Tracker) Notifications() <-chan Event {
	return t.notifier.Events()
}

// Submit creates a task and starts polling it, whether it was created directly or found
// by reconciliation.
func (t *Tracker) Submit(ctx context.Context, req SubmitRequest) (*Poller, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	task, err := t.submitter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	p := t.watch(task)
	t.refreshList(ctx)
	return p, nil
}

// StartPolling follows an existing task by id. A task that is already polled keeps its
// current poller.
func (t *Tracker) StartPolling(id string) *Poller {
	return t.watch(domain.TaskRecord{ID: id, Status: domain.TaskStatusPending})
}

// StopPolling stops the poller for id, if any, and reports whether one was running.
func (t *Tracker) StopPolling(id string) bool {
	t.mu.Lock()
	p, ok := t.pollers[id]
	delete(t.pollers, id)
	t.mu.Unlock()

	if ok {
		p.Stop()
	}
	return ok
}

func (t *Tracker) Poller(id string) (*Poller, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pollers[id]
	return p, ok
}

func (t *Tracker) LoadPage(ctx context.Context, q domain.ListQuery) (domain.TaskPage, error) {
	return t.conciliator.LoadPage(ctx, q)
}

func (t *Tracker) List() *Conciliator {
	return t.conciliator
}

func (t *Tracker) DeleteOne(ctx context.Context, id string) error {
	return t.lifecycle.DeleteOne(ctx, id)
}

func (t *Tracker) DeleteMany(ctx context.Context, ids []string) (int, error) {
	return t.lifecycle.DeleteMany(ctx, ids)
}

func (t *Tracker) DeleteAllByCategory(ctx context.Context, req PurgeRequest) (int, error) {
	return t.lifecycle.DeleteAllByCategory(ctx, req)
}

func (t *Tracker) Cancel(ctx context.Context, id string) (domain.TaskRecord, error) {
	return t.lifecycle.Cancel(ctx, id)
}

func (t *Tracker) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	return t.lifecycle.Download(ctx, id, w)
}

// Close stops every poller and the list refresh, then closes the notification channel.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pollers := make([]*Poller, 0, len(t.pollers))
	for _, p := range t.pollers {
		pollers = append(pollers, p)
	}
	t.pollers = map[string]*Poller{}
	t.mu.Unlock()

	t.cancel()
	for _, p := range pollers {
		p.Stop()
		<-p.Done()
	}
	t.conciliator.Close()
	t.notifier.Close()
}

func (t *Tracker) watch(seed domain.TaskRecord) *Poller {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.claims, seed.ID)
	if p, ok := t.pollers[seed.ID]; ok {
		select {
		case <-p.Done():
		default:
			return p
		}
	}

	p := NewPoller(t.backend, seed, PollerConfig{
		Interval:               t.cfg.PollInterval,
		MaxConsecutiveFailures: t.cfg.MaxConsecutiveFailures,
	}, t.notifier, t.logger.Named("poller"))
	if t.closed {
		p.Stop()
		return p
	}
	t.pollers[seed.ID] = p
	p.Start(t.ctx)
	go t.forget(seed.ID, p)
	return p
}

// forget drops p from the poller map once it stops, unless a newer poller replaced it.
func (t *Tracker) forget(id string, p *Poller) {
	<-p.Done()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pollers[id] == p {
		delete(t.pollers, id)
	}
}

// claim reports whether id is already owned by a poller or an earlier claim. An
// unowned id is reserved for the caller in the same step, so two concurrent
// submissions never adopt the same task.
func (t *Tracker) claim(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pollers[id]; ok {
		return true
	}
	if _, ok := t.claims[id]; ok {
		return true
	}
	t.claims[id] = struct{}{}
	return false
}

func (t *Tracker) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// refreshList reloads the visible list if one has been loaded.
func (t *Tracker) refreshList(ctx context.Context) {
	if t.isClosed() {
		return
	}
	if !t.conciliator.Loaded() {
		return
	}
	if _, err := t.conciliator.Refresh(ctx); err != nil {
		t.logger.Debugw("task_list_refresh_failed", "error", err)
	}
}
