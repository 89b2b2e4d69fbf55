package types

import (
	"context"
	"strings"

	"github.com/juju/errors"
)

type StatusType int32

const (
	Pending   StatusType = 1
	Running   StatusType = 2
	Completed StatusType = 3
	Failed    StatusType = 4
	Cancelled StatusType = 5
)

var statusNames = map[StatusType]string{
	Pending:   "PENDING",
	Running:   "RUNNING",
	Completed: "COMPLETED",
	Failed:    "FAILED",
	Cancelled: "CANCELLED",
}

func (s StatusType) String() string {
	if name, exists := statusNames[s]; exists {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal reports whether no further transition is allowed from s.
func (s StatusType) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

func (s StatusType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StatusType) UnmarshalText(b []byte) error {
	name := strings.ToUpper(string(b))
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return errors.NotValidf("status %q", string(b))
}

// Context is handed to every task execution.
type Context interface {
	context.Context

	GetExecutionID() string
	GetTaskName() string
	GetWave() int
}

// Reserved context keys written by the engine.
const (
	ExecutionIDKey = "__execution_id__"
	ErrorKey       = "__error__"
	FailedTaskKey  = "__failed_task__"
)

// ResultKey holds the value of a function task that did not return a mapping.
const ResultKey = "result"
