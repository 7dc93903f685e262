package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTaskNotFound          = errors.New("tracker: task not found")
	ErrTransport             = errors.New("tracker: backend unreachable")
	ErrRejected              = errors.New("tracker: request rejected by server")
	ErrSubmissionUnconfirmed = errors.New("tracker: submission outcome unknown")
	ErrNotDownloadable       = errors.New("tracker: task has no downloadable artifact")
	ErrConfirmationMismatch  = errors.New("tracker: confirmation text does not match")
	ErrInvalidRequest        = errors.New("tracker: invalid request")
	ErrClosed                = errors.New("tracker: closed")
)

// APIError is a response the server actually produced with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels. Gateway failures count as
// transport errors: the origin may or may not have handled the request.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTaskNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrTransport:
		return isGatewayStatus(e.StatusCode)
	case ErrRejected:
		return e.StatusCode >= 400 && !isGatewayStatus(e.StatusCode)
	}
	return false
}

func isGatewayStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// IsAmbiguous reports whether err leaves open whether the server acted on the request.
func IsAmbiguous(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}

// UserMessage turns any tracker error into one short sentence for a person to read.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	switch {
	case errors.Is(err, ErrSubmissionUnconfirmed):
		return "The request timed out and no matching task was found. Check the task list before trying again."
	case errors.Is(err, ErrConfirmationMismatch):
		return "Confirmation text does not match."
	case errors.Is(err, ErrTaskNotFound):
		return "Task not found. It may have been deleted."
	case errors.Is(err, ErrNotDownloadable):
		return "The task has not produced a file yet."
	case errors.Is(err, ErrClosed):
		return "The tracker has been shut down."
	case IsAmbiguous(err):
		return "Cannot reach the server. Check your connection and try again."
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return apiErr.Message
	case errors.Is(err, ErrInvalidRequest):
		return err.Error()
	}
	return "Something went wrong. Please try again."
}
