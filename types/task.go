package types

import "time"

type TaskType string

const (
	FunctionTaskType TaskType = "function"
	DelegateTaskType TaskType = "delegate"
)

// Task is a named unit of work. Execute must not mutate input, the returned
// mapping is merged into the execution context by the engine.
type Task interface {
	Name() string
	Description() string
	Type() TaskType
	Metadata() Data
	Execute(ctx Context, input Data) (Data, error)
}

// Guard decides whether an edge fires, given the context after the wave of
// its source task. A nil Guard always fires.
type Guard func(ctx Data) bool

// Publisher receives lifecycle events of executions.
type Publisher interface {
	Publish(queue string, payload Data) (string, error)
}

type TaskRecord struct {
	Task      string
	Wave      int
	Runs      int
	Status    StatusType
	Output    Data   `json:",omitempty"`
	Error     string `json:",omitempty"`
	StartTime time.Time
	EndTime   time.Time
}

type ExecutionStatus struct {
	ExecutionID    string     `json:"execution_id"`
	WorkflowName   string     `json:"workflow_name"`
	Status         StatusType `json:"status"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	CompletedTasks []string   `json:"completed_tasks"`
	FailedTasks    []string   `json:"failed_tasks"`
	CurrentTasks   []string   `json:"current_tasks"`
	Wave           int        `json:"wave"`
	Error          string     `json:"error,omitempty"`
}

type ExecutionMetrics struct {
	ExecutionID    string
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	Progress       float64
	Duration       time.Duration
	Waves          int
}
