package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

const defaultListRefreshInterval = 10 * time.Second

type ConciliatorConfig struct {
	RefreshInterval time.Duration
}

// Conciliator holds the currently displayed task page and keeps it fresh while any task
// on it is still PENDING or RUNNING. One shared refresh timer serves the whole list.
type Conciliator struct {
	lister TaskLister
	cfg    ConciliatorConfig
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	query    domain.ListQuery
	hasQuery bool
	seq      uint64
	applied  uint64
	loading  int
	current  domain.TaskPage
	armed    bool
	stopTick chan struct{}
	subs     []chan domain.TaskPage
	closed   bool
}

func NewConciliator(lister TaskLister, cfg ConciliatorConfig, log *logger.Logger) *Conciliator {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultListRefreshInterval
	}
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conciliator{
		lister: lister,
		cfg:    cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// LoadPage makes q the query the list follows and loads it. The refresh timer is armed if
// the loaded page holds an active task and disarmed otherwise.
func (c *Conciliator) LoadPage(ctx context.Context, q domain.ListQuery) (domain.TaskPage, error) {
	q = q.Normalize()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.TaskPage{}, ErrClosed
	}
	c.query = q
	c.hasQuery = true
	seq := c.begin()
	c.mu.Unlock()

	return c.load(ctx, seq, q)
}

// Refresh reloads the most recently requested query now. Before any LoadPage it loads the
// first page with no filter.
func (c *Conciliator) Refresh(ctx context.Context) (domain.TaskPage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.TaskPage{}, ErrClosed
	}
	if !c.hasQuery {
		c.query = domain.ListQuery{}.Normalize()
		c.hasQuery = true
	}
	q := c.query
	seq := c.begin()
	c.mu.Unlock()

	return c.load(ctx, seq, q)
}

// Current returns the last page applied to the list.
func (c *Conciliator) Current() domain.TaskPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

func (c *Conciliator) Query() domain.ListQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query
}

// Loaded reports whether a query has been requested yet.
func (c *Conciliator) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasQuery
}

func (c *Conciliator) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Subscribe returns a channel receiving every page applied from now on. A slow reader only
// ever sees the newest page.
func (c *Conciliator) Subscribe() <-chan domain.TaskPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan domain.TaskPage, 1)
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// Close disarms the timer, waits for it to exit and closes subscriber channels.
func (c *Conciliator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.disarm()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	c.mu.Unlock()
}

// begin must be called with c.mu held.
func (c *Conciliator) begin() uint64 {
	c.seq++
	c.loading++
	return c.seq
}

func (c *Conciliator) load(ctx context.Context, seq uint64, q domain.ListQuery) (domain.TaskPage, error) {
	page, err := c.lister.ListTasks(ctx, q)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading--

	if err != nil {
		c.logger.Warnw("task_list_load_failed", "page", q.Page, "category", q.Category, "error", err)
		return domain.TaskPage{}, err
	}
	if c.closed {
		return page, nil
	}

	// A response is applied only if nothing newer was applied and it still answers the
	// query the list follows.
	if seq <= c.applied || (seq != c.seq && q != c.query) {
		c.logger.Debugw("task_list_superseded", "seq", seq, "applied", c.applied)
		return page, nil
	}

	c.applied = seq
	c.current = page.Clone()

	if page.HasActive() {
		c.arm()
	} else {
		c.disarm()
	}

	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- page.Clone()
	}
	return page, nil
}

// arm must be called with c.mu held.
func (c *Conciliator) arm() {
	if c.armed {
		return
	}
	c.armed = true
	c.stopTick = make(chan struct{})
	c.wg.Add(1)
	go c.refreshLoop(c.stopTick)
	c.logger.Debugw("task_list_refresh_armed", "interval", c.cfg.RefreshInterval)
}

// disarm must be called with c.mu held.
func (c *Conciliator) disarm() {
	if !c.armed {
		return
	}
	c.armed = false
	close(c.stopTick)
	c.stopTick = nil
	c.logger.Debugw("task_list_refresh_disarmed")
}

func (c *Conciliator) refreshLoop(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Conciliator) tick() {
	c.mu.Lock()
	if c.closed || !c.armed || c.loading > 0 {
		c.mu.Unlock()
		return
	}
	q := c.query
	seq := c.begin()
	c.mu.Unlock()

	_, _ = c.load(c.ctx, seq, q)
}
