package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

const (
	defaultReconcileWindow = 5
	defaultReconcileSkew   = 30 * time.Second
)

type SubmitterConfig struct {
	// ReconcileWindow is how many of the newest matching tasks are inspected after an
	// ambiguous submission.
	ReconcileWindow int
	// ReconcileSkew widens the creation-time window on both sides to absorb clock drift.
	ReconcileSkew time.Duration
}

// Submitter creates tasks without ever sending the same create request twice. When the
// outcome of a create is unknown it looks, once, for the task the server may have made.
type Submitter struct {
	backend Backend
	cfg     SubmitterConfig
	logger  *logger.Logger
	now     func() time.Time

	// unconfirmed runs when reconciliation finds nothing, so visible lists can catch up.
	unconfirmed func(ctx context.Context)
	// claimed reports task ids already owned by this client, which are never adopted.
	// A false answer may reserve the id for this submission.
	claimed func(id string) bool
}

type SubmitterOption func(*Submitter)

func WithClock(now func() time.Time) SubmitterOption {
	return func(s *Submitter) { s.now = now }
}

func WithUnconfirmedHook(fn func(ctx context.Context)) SubmitterOption {
	return func(s *Submitter) { s.unconfirmed = fn }
}

func WithClaimedFilter(fn func(id string) bool) SubmitterOption {
	return func(s *Submitter) { s.claimed = fn }
}

func NewSubmitter(backend Backend, cfg SubmitterConfig, log *logger.Logger, opts ...SubmitterOption) *Submitter {
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = defaultReconcileWindow
	}
	if cfg.ReconcileWindow > domain.MaxPageSize {
		cfg.ReconcileWindow = domain.MaxPageSize
	}
	if cfg.ReconcileSkew < 0 {
		cfg.ReconcileSkew = defaultReconcileSkew
	}
	if log == nil {
		log = logger.NewNop()
	}

	s := &Submitter{
		backend:     backend,
		cfg:         cfg,
		logger:      log,
		now:         time.Now,
		unconfirmed: func(context.Context) {},
		claimed:     func(string) bool { return false },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a task. Explicit server rejections come back unchanged (they match
// ErrRejected). A timeout or connection failure triggers one reconciliation pass; if no
// matching task turns up the error matches ErrSubmissionUnconfirmed.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (domain.TaskRecord, error) {
	req, err := normalizeSubmit(req)
	if err != nil {
		return domain.TaskRecord{}, err
	}

	submittedAt := s.now()
	task, err := s.backend.CreateTask(ctx, req)
	if err == nil {
		s.logger.Infow("task_submitted", "task_id", task.ID, "kind", task.Kind, "owner", task.Owner)
		return task, nil
	}
	if !IsAmbiguous(err) {
		s.logger.Warnw("task_submit_rejected", "kind", req.Kind, "owner", req.Owner, "error", err)
		return domain.TaskRecord{}, err
	}

	s.logger.Warnw("task_submit_ambiguous", "kind", req.Kind, "owner", req.Owner, "error", err)

	// The caller's context may be the one that expired; detection still runs once, bounded
	// by the client's own request timeout.
	reconcileCtx := context.WithoutCancel(ctx)

	adopted, found := s.reconcile(reconcileCtx, req, submittedAt)
	if found {
		s.logger.Infow("task_submit_reconciled", "task_id", adopted.ID, "status", adopted.Status)
		return adopted, nil
	}

	s.logger.Warnw("task_submit_unconfirmed", "kind", req.Kind, "owner", req.Owner)
	s.unconfirmed(reconcileCtx)
	return domain.TaskRecord{}, fmt.Errorf("%w: %w", ErrSubmissionUnconfirmed, err)
}

func (s *Submitter) reconcile(ctx context.Context, req SubmitRequest, submittedAt time.Time) (domain.TaskRecord, bool) {
	page, err := s.backend.ListTasks(ctx, domain.ListQuery{
		Category: req.Category,
		Owner:    req.Owner,
		Kind:     req.Kind,
		Page:     0,
		Size:     s.cfg.ReconcileWindow,
	})
	if err != nil {
		s.logger.Warnw("task_reconcile_list_failed", "kind", req.Kind, "error", err)
		return domain.TaskRecord{}, false
	}

	from := submittedAt.Add(-s.cfg.ReconcileSkew)
	to := s.now().Add(s.cfg.ReconcileSkew)

	// Content is newest first, so the first match is the most recent candidate.
	for _, t := range page.Content {
		if !matchesSubmission(t, req) || !t.Status.IsActive() {
			continue
		}
		if t.CreatedAt.Before(from) || t.CreatedAt.After(to) {
			continue
		}
		if s.claimed(t.ID) {
			continue
		}
		return t, true
	}
	return domain.TaskRecord{}, false
}

func matchesSubmission(t domain.TaskRecord, req SubmitRequest) bool {
	if t.Kind != req.Kind {
		return false
	}
	if req.Owner != "" && t.Owner != req.Owner {
		return false
	}
	if req.Category != "" && t.Category != req.Category {
		return false
	}
	return true
}

func normalizeSubmit(req SubmitRequest) (SubmitRequest, error) {
	kind, err := domain.ParseTaskKind(string(req.Kind))
	if err != nil {
		return req, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	req.Kind = kind

	if req.Category == "" {
		req.Category = domain.TaskCategoryManual
	} else {
		category, err := domain.ParseTaskCategory(string(req.Category))
		if err != nil {
			return req, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		req.Category = category
	}

	req.Owner = strings.TrimSpace(req.Owner)
	return req, nil
}
