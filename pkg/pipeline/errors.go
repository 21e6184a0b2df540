package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden rejects a batch that fails a permission or security
	// check. The batch is never partially applied.
	ErrForbidden = errors.New("forbidden")

	// ErrTriggerDepthExceeded aborts a trigger cascade that re-entered
	// the pipeline more times than the configured bound allows.
	ErrTriggerDepthExceeded = errors.New("trigger recursion depth exceeded")
)

// Forbiddenf builds a forbidden error with detail.
func Forbiddenf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrForbidden)...)
}
