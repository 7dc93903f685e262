package services

import "errors"

// Task errors
var (
	ErrTaskNotFound       = errors.New("task: not found")
	ErrTaskInvalidInput   = errors.New("task: invalid input")
	ErrTaskMissingOwner   = errors.New("task: owner is required")
	ErrTaskNotCancellable = errors.New("task: only pending or running tasks can be cancelled")
	ErrTaskNotCompleted   = errors.New("task: artifact is only available once the task has completed")
	ErrTaskNoArtifact     = errors.New("task: task produced no artifact")
	ErrTaskDeleteFailed   = errors.New("task: delete failed")
)

// Runner errors
var (
	ErrRunnerQueueFull         = errors.New("runner: queue is full")
	ErrRunnerStopped           = errors.New("runner: stopped")
	ErrRunnerNoOperation       = errors.New("runner: no operation registered for kind")
	ErrRunnerTaskNotRunning    = errors.New("runner: task is no longer running")
	ErrRunnerIllegalTransition = errors.New("runner: illegal status transition")
)

// Purge errors
var (
	ErrPurgeConfirmMismatch = errors.New("purge: validation failed - confirm_text must be 'DELETE <CATEGORY>'")
)
