package work

import "errors"

var (
	// ErrInvalidArgument marks a malformed submit request. It is reported, never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyRunning is returned by the dispatcher when the task is already executing.
	ErrAlreadyRunning = errors.New("already running")
	// ErrTimeout marks an execution that did not finish within its deadline.
	ErrTimeout = errors.New("execution timed out")
	// ErrExecutionFailure marks an error reported by the task itself.
	ErrExecutionFailure = errors.New("execution failed")
	// ErrConstraintUnmet marks a deferred dispatch. It is never surfaced to users.
	ErrConstraintUnmet = errors.New("constraint unmet")

	ErrNotFound = errors.New("work item not found")
	ErrConflict = errors.New("work item version conflict")
)
