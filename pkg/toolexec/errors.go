package toolexec

import "errors"

var (
	// ErrNotStarted is returned when submitting to an executor that was never started
	ErrNotStarted = errors.New("tool executor is not started")

	// ErrShutdown is returned when using an executor after shutdown
	ErrShutdown = errors.New("tool executor is shut down")

	// ErrNilDispatcher is returned by Start when no dispatcher was configured
	ErrNilDispatcher = errors.New("tool dispatcher is required")

	// ErrProcessNotFound is returned when a background process id is not tracked
	ErrProcessNotFound = errors.New("background process not found")

	// ErrProcessControl wraps failures to signal or wait for a background process
	ErrProcessControl = errors.New("background process control failed")
)
