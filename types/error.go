package types

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

var (
	_ error = &GraphError{}
	_ error = &GraphValidationError{}
	_ error = &TaskExecutionError{}
	_ error = &WorkflowExecutionError{}
	_ error = &GuardError{}
)

var (
	ErrMaxWavesExceeded   = errors.New("max waves exceeded")
	ErrContextKeyConflict = errors.New("context key written by sibling tasks")
	ErrExecutionCancelled = errors.New("execution cancelled")
)

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	if e.BaseErr == nil {
		return "<nil>"
	}
	return e.BaseErr.Error()
}

func (e *baseError) Unwrap() error {
	return e.BaseErr
}

// GraphError reports a malformed graph-building call, e.g. an edge to an
// unknown task.
type GraphError struct {
	*baseError
}

func NewGraphErrorf(format string, args ...interface{}) error {
	return &GraphError{&baseError{errors.Errorf(format, args...)}}
}

// GraphValidationError is returned before any task runs.
type GraphValidationError struct {
	Workflow    string
	Reason      string
	Unreachable []string
}

func NewGraphValidationError(workflow, reason string, unreachable []string) error {
	return &GraphValidationError{Workflow: workflow, Reason: reason, Unreachable: unreachable}
}

func (e *GraphValidationError) Error() string {
	msg := fmt.Sprintf("workflow %s is invalid: %s", e.Workflow, e.Reason)
	if len(e.Unreachable) > 0 {
		msg += " [" + strings.Join(e.Unreachable, ", ") + "]"
	}
	return msg
}

// TaskExecutionError carries the failing task name and its original cause.
type TaskExecutionError struct {
	*baseError
	Task string
}

func NewTaskExecutionError(task string, cause error) error {
	return &TaskExecutionError{baseError: &baseError{cause}, Task: task}
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.Task, e.baseError.Error())
}

func (e *TaskExecutionError) Cause() error {
	return e.BaseErr
}

// WorkflowExecutionError is the error of an aborted run.
type WorkflowExecutionError struct {
	*baseError
	Workflow    string
	ExecutionID string
}

func NewWorkflowExecutionError(workflow, executionID string, cause error) error {
	return &WorkflowExecutionError{baseError: &baseError{cause}, Workflow: workflow, ExecutionID: executionID}
}

func (e *WorkflowExecutionError) Error() string {
	return fmt.Sprintf("workflow %s execution %s failed: %s", e.Workflow, e.ExecutionID, e.baseError.Error())
}

// FailedTask returns the name of the task that aborted the run, if any.
func (e *WorkflowExecutionError) FailedTask() (string, bool) {
	var te *TaskExecutionError
	if errors.As(e.BaseErr, &te) {
		return te.Task, true
	}
	return "", false
}

// GuardError is raised when a guard predicate panics.
type GuardError struct {
	*baseError
	From string
	To   string
}

func NewGuardError(from, to string, cause error) error {
	return &GuardError{baseError: &baseError{cause}, From: from, To: to}
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard %s -> %s: %s", e.From, e.To, e.baseError.Error())
}

func IsGraphError(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge)
}
