package task

import "errors"

var (
	// ErrTaskActive rejects a submission for a requester that already has an
	// in-flight task.
	ErrTaskActive = errors.New("a task is already active for this requester")
	// ErrCancelled marks the non-error terminal outcome of a cancelled task.
	ErrCancelled = errors.New("cancelled by requester")
)
