package runtime

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/warriorguo/agentflow/types"
)

var (
	_ types.Task = &FunctionTask{}
	_ types.Task = &DelegateTask{}
)

type taskBase struct {
	name        string
	description string
	metadata    types.Data
}

func (t *taskBase) Name() string {
	return t.name
}

func (t *taskBase) Description() string {
	return t.description
}

func (t *taskBase) Metadata() types.Data {
	return t.metadata
}

type TaskOption func(*taskBase)

func WithTaskMetadata(metadata types.Data) TaskOption {
	return func(t *taskBase) {
		t.metadata = metadata.Clone()
	}
}

func newTaskBase(name, description string, opts []TaskOption) taskBase {
	t := taskBase{name: name, description: description, metadata: types.Data{}}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// TaskFunc may return a mapping (types.Data or map[string]any), any other
// value is stored under types.ResultKey.
type TaskFunc func(ctx types.Context, input types.Data) (any, error)

// FunctionTask runs a plain computation over the context.
type FunctionTask struct {
	taskBase
	fn TaskFunc
}

func NewFunctionTask(name, description string, fn TaskFunc, opts ...TaskOption) *FunctionTask {
	return &FunctionTask{taskBase: newTaskBase(name, description, opts), fn: fn}
}

func (t *FunctionTask) Type() types.TaskType {
	return types.FunctionTaskType
}

func (t *FunctionTask) Execute(ctx types.Context, input types.Data) (types.Data, error) {
	if t.fn == nil {
		return nil, types.NewTaskExecutionError(t.name, errors.NotImplementedf("function of task %s", t.name))
	}
	v, err := t.fn(ctx, input)
	if err != nil {
		return nil, types.NewTaskExecutionError(t.name, err)
	}
	return normalizeResult(v), nil
}

func normalizeResult(v any) types.Data {
	switch r := v.(type) {
	case nil:
		return types.Data{}
	case types.Data:
		return r
	case map[string]any:
		return types.Data(r)
	default:
		return types.Data{types.ResultKey: v}
	}
}

// Delegate is an external collaborator, e.g. an agent calling a language
// model. It receives the whole context as request.
type Delegate interface {
	Handle(ctx context.Context, request types.Data) (types.Data, error)
}

type DelegateFunc func(ctx context.Context, request types.Data) (types.Data, error)

func (f DelegateFunc) Handle(ctx context.Context, request types.Data) (types.Data, error) {
	return f(ctx, request)
}

// DelegateTask forwards execution to a Delegate and uses its response as
// the task result.
type DelegateTask struct {
	taskBase
	delegate Delegate
	timeout  time.Duration
}

type DelegateOption func(*DelegateTask)

// WithDelegateTimeout bounds a single Handle call.
func WithDelegateTimeout(timeout time.Duration) DelegateOption {
	return func(t *DelegateTask) {
		t.timeout = timeout
	}
}

func WithDelegateMetadata(metadata types.Data) DelegateOption {
	return func(t *DelegateTask) {
		t.metadata = metadata.Clone()
	}
}

func NewDelegateTask(name, description string, delegate Delegate, opts ...DelegateOption) *DelegateTask {
	t := &DelegateTask{taskBase: newTaskBase(name, description, nil), delegate: delegate}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *DelegateTask) Type() types.TaskType {
	return types.DelegateTaskType
}

func (t *DelegateTask) Execute(ctx types.Context, input types.Data) (types.Data, error) {
	if t.delegate == nil {
		return nil, types.NewTaskExecutionError(t.name, errors.NotImplementedf("delegate of task %s", t.name))
	}

	var callCtx context.Context = ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	resp, err := t.delegate.Handle(callCtx, input)
	if err != nil {
		return nil, types.NewTaskExecutionError(t.name, err)
	}
	if resp == nil {
		resp = types.Data{}
	}
	return resp, nil
}

// runTask executes one task, converting panics and foreign errors into a
// TaskExecutionError.
func runTask(ctx types.Context, task types.Task, input types.Data) (output types.Data, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			retErr = types.NewTaskExecutionError(task.Name(), errors.Errorf("panic: %v", r))
		}
	}()

	output, err := task.Execute(ctx, input)
	if err != nil {
		var te *types.TaskExecutionError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, types.NewTaskExecutionError(task.Name(), err)
	}
	if output == nil {
		output = types.Data{}
	}
	return output, nil
}
