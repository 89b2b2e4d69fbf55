package runtime

import (
	"context"

	"github.com/warriorguo/agentflow/types"
)

var (
	_ types.Context = &taskContext{}
)

type taskContext struct {
	context.Context

	executionID string
	taskName    string
	wave        int
}

func newTaskContext(ctx context.Context, executionID, taskName string, wave int) *taskContext {
	return &taskContext{Context: ctx, executionID: executionID, taskName: taskName, wave: wave}
}

func (t *taskContext) GetExecutionID() string {
	return t.executionID
}

func (t *taskContext) GetTaskName() string {
	return t.taskName
}

func (t *taskContext) GetWave() int {
	return t.wave
}
