package workflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for workflow operations.
var (
	// ErrWorkflowNotActive is returned when executing a workflow that
	// is not in the active state.
	ErrWorkflowNotActive = errors.New("workflow is not active")

	// ErrExecutionTimeout is returned when an execution exceeds its
	// wall-clock budget.
	ErrExecutionTimeout = errors.New("workflow execution timed out")

	// ErrNotValid is returned when activating a workflow whose
	// validation produced errors.
	ErrNotValid = errors.New("workflow validation failed")
)

// TransientStepError marks a step failure as retryable. The engine
// retries these under the step's retry policy; any other error fails
// the step immediately.
type TransientStepError struct {
	StepID string
	Err    error
}

func (e *TransientStepError) Error() string {
	return fmt.Sprintf("transient failure in step %s: %v", e.StepID, e.Err)
}

func (e *TransientStepError) Unwrap() error {
	return e.Err
}

// NewTransientStepError wraps err as retryable for the given step.
func NewTransientStepError(stepID string, err error) *TransientStepError {
	return &TransientStepError{StepID: stepID, Err: err}
}

// IsTransient reports whether err is a retryable step failure.
func IsTransient(err error) bool {
	var t *TransientStepError
	return errors.As(err, &t)
}
