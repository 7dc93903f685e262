package ports

import (
	"context"

	"github.com/caat/taskwatch/internal/domain"
)

// Operation is the work behind one task kind.
type Operation interface {
	Run(ctx context.Context, task domain.TaskRecord, progress ProgressReporter) (OperationResult, error)
}

type OperationResult struct {
	ResultLocation string
	ResultSize     int64
}

// ProgressReporter records intermediate state on a RUNNING task. Every method fails once
// the task has left RUNNING (for instance after a cancel), which tells the operation to stop.
type ProgressReporter interface {
	Progress(ctx context.Context, percent int, message string) error
	Counts(ctx context.Context, fetched int, total *int, message string) error
	Log(ctx context.Context, message string) error
}
