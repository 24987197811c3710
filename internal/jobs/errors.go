package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled marks a job that stopped because cancellation was requested.
	ErrCancelled = errors.New("job cancelled")

	ErrNotRunning       = errors.New("job is not running")
	ErrNotPaused        = errors.New("job is not paused")
	ErrPauseLocked      = errors.New("job is writing output and cannot be paused")
	ErrJobNotFound      = errors.New("job not found")
	ErrDuplicateFolder  = errors.New("folder already has an active job")
	ErrJobActive        = errors.New("job is still active")
	ErrNoPendingRequest = errors.New("job is not waiting for an answer")
)

// ValidationError is returned when a job cannot start because its input or
// settings are unusable. It is never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// OutputIntegrityError reports that the output file vanished or became
// unwritable while it was being written. Jobs end cancelled with this error.
type OutputIntegrityError struct {
	Path string
	Err  error
}

func (e *OutputIntegrityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("output file %s is no longer accessible", e.Path)
	}
	return fmt.Sprintf("output file %s is no longer accessible: %v", e.Path, e.Err)
}

func (e *OutputIntegrityError) Unwrap() error {
	return e.Err
}
