package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

type EventKind string

const (
	EventCompleted EventKind = "COMPLETED"
	EventFailed    EventKind = "FAILED"
	EventCancelled EventKind = "CANCELLED"
	// EventAbandoned means polling gave up before the task reached a terminal state.
	EventAbandoned EventKind = "ABANDONED"
)

// Event is a user-visible notice about one task.
type Event struct {
	Kind    EventKind
	Task    domain.TaskRecord
	Message string
	// Silent events update views but should not pop a notice.
	Silent bool
	// Deleted is set when the task vanished from the server while being polled.
	Deleted bool
	At      time.Time
}

// Notifier fans task events out on a buffered channel. Publishing never blocks: when the
// buffer is full the event is dropped and logged.
type Notifier struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	logger *logger.Logger
}

func NewNotifier(buffer int, log *logger.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Notifier{ch: make(chan Event, buffer), logger: log}
}

func (n *Notifier) Events() <-chan Event {
	return n.ch
}

func (n *Notifier) Publish(e Event) {
	if n == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- e:
	default:
		n.logger.Warnw("task_event_dropped", "task_id", e.Task.ID, "kind", e.Kind)
	}
}

// Close closes the event channel. Later publishes are ignored.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
}

func terminalEvent(task domain.TaskRecord, deleted bool) Event {
	e := Event{Task: task, Deleted: deleted}
	switch task.Status {
	case domain.TaskStatusCompleted:
		e.Kind = EventCompleted
		e.Message = completedMessage(task)
	case domain.TaskStatusFailed:
		e.Kind = EventFailed
		e.Message = "Task failed"
		if task.ErrorMessage != "" {
			e.Message = "Task failed: " + task.ErrorMessage
		}
	default:
		e.Kind = EventCancelled
		e.Silent = true
		e.Message = "Task cancelled"
		if deleted {
			e.Message = "Task was deleted"
		}
	}
	return e
}

func completedMessage(task domain.TaskRecord) string {
	if task.Kind == domain.TaskKindContentFetch {
		if task.TotalCount != nil {
			return fmt.Sprintf("Fetch finished: %d of %d items", task.FetchedCount, *task.TotalCount)
		}
		return fmt.Sprintf("Fetch finished: %d items", task.FetchedCount)
	}
	if task.Kind != "" {
		return fmt.Sprintf("%s export is ready to download", task.Kind)
	}
	return "Task completed"
}

func abandonedEvent(task domain.TaskRecord, failures int) Event {
	return Event{
		Kind:    EventAbandoned,
		Task:    task,
		Message: fmt.Sprintf("Lost contact after %d failed checks; look for the task in the task list later", failures),
	}
}
