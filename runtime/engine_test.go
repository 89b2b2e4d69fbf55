package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warriorguo/agentflow/bus"
	"github.com/warriorguo/agentflow/store/mem"
	"github.com/warriorguo/agentflow/types"
)

func newTestEngine(t *testing.T, opts ...types.EngineOption) *Engine {
	options := types.NewEngineOptions()
	for _, opt := range opts {
		opt(options)
	}
	engine := NewEngine(mem.NewMemStore(), nil, options)
	t.Cleanup(func() {
		assert.Nil(t, engine.Close(context.Background()))
	})
	return engine
}

// counter records how many times every task ran.
type counter struct {
	mu   sync.Mutex
	runs map[string]int
}

func newCounter() *counter {
	return &counter{runs: make(map[string]int)}
}

func (c *counter) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[name]++
}

func (c *counter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[name]
}

func (c *counter) task(name string, output types.Data) types.Task {
	return NewFunctionTask(name, "", func(ctx types.Context, input types.Data) (any, error) {
		c.inc(name)
		return output.Clone(), nil
	})
}

func boolGuard(key string, expect bool) types.Guard {
	return func(ctx types.Data) bool {
		v, _ := ctx.GetBool(key)
		return v == expect
	}
}

func TestLinearWorkflow(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("linear", "")
	assert.Nil(t, wf.AddTask(c.task("A", types.Data{"a": 1})))
	assert.Nil(t, wf.AddTask(NewFunctionTask("B", "", func(ctx types.Context, input types.Data) (any, error) {
		c.inc("B")
		a, exists := input.GetInt("a")
		assert.True(t, exists)
		assert.Equal(t, 2, ctx.GetWave())
		return a + 1, nil
	})))
	assert.Nil(t, wf.AddEdge("A", "B", nil))
	assert.Nil(t, wf.SetStartTasks("A"))

	result, err := engine.ExecuteWorkflow(context.Background(), wf, types.Data{"seed": "x"}, types.WithExecutionID("linear-1"))
	require.Nil(t, err)
	assert.Equal(t, 1, c.get("A"))
	assert.Equal(t, 1, c.get("B"))
	assert.Equal(t, 1, result["a"])
	assert.Equal(t, 2, result[types.ResultKey])
	assert.Equal(t, "x", result["seed"])
	assert.Equal(t, "linear-1", result[types.ExecutionIDKey])

	status, err := engine.GetExecutionStatus(context.Background(), "linear-1")
	require.Nil(t, err)
	assert.Equal(t, types.Completed, status.Status)
	assert.Equal(t, []string{"A", "B"}, status.CompletedTasks)
	assert.Empty(t, status.FailedTasks)
	assert.Empty(t, status.CurrentTasks)
	assert.Equal(t, 2, status.Wave)
	assert.False(t, status.EndTime.Before(status.StartTime))

	exec, exists := engine.GetExecution("linear-1")
	require.True(t, exists)
	records := exec.Records()
	assert.Equal(t, 1, records["A"].Wave)
	assert.Equal(t, 2, records["B"].Wave)
	assert.Equal(t, types.Completed, records["B"].Status)
}

func TestInitialContextNotMutated(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("immutable", "")
	assert.Nil(t, wf.AddTask(c.task("A", types.Data{"a": 1})))
	assert.Nil(t, wf.SetStartTasks("A"))

	initial := types.Data{"seed": 1}
	_, err := engine.ExecuteWorkflow(context.Background(), wf, initial)
	assert.Nil(t, err)
	assert.Equal(t, types.Data{"seed": 1}, initial)
}

func TestExclusiveBranch(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("branch", "")
	assert.Nil(t, wf.AddTask(c.task("check", types.Data{"has_errors": true})))
	assert.Nil(t, wf.AddTask(c.task("debug", types.Data{"debugged": true})))
	assert.Nil(t, wf.AddTask(c.task("optimize", types.Data{"optimized": true})))
	assert.Nil(t, wf.AddEdge("check", "debug", boolGuard("has_errors", true)))
	assert.Nil(t, wf.AddEdge("check", "optimize", boolGuard("has_errors", false)))
	assert.Nil(t, wf.SetStartTasks("check"))

	result, err := engine.ExecuteWorkflow(context.Background(), wf, nil)
	assert.Nil(t, err)
	assert.Equal(t, 1, c.get("debug"))
	assert.Equal(t, 0, c.get("optimize"))
	assert.Equal(t, true, result["debugged"])
	_, exists := result["optimized"]
	assert.False(t, exists)
}

func TestGuardSeesMergedContext(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("merged", "")
	assert.Nil(t, wf.AddTask(c.task("A", types.Data{"ready": false})))
	assert.Nil(t, wf.AddTask(c.task("B", types.Data{"ready": true})))
	assert.Nil(t, wf.AddTask(c.task("C", nil)))
	assert.Nil(t, wf.AddTask(c.task("D", nil)))
	// B finishes in the same wave as A, the guard on A -> C sees its output
	assert.Nil(t, wf.AddEdge("A", "C", func(ctx types.Data) bool {
		_, exists := ctx["ready"]
		return exists
	}))
	assert.Nil(t, wf.AddEdge("B", "C", nil))
	assert.Nil(t, wf.AddEdge("B", "D", nil))
	assert.Nil(t, wf.SetStartTasks("A", "B"))

	_, err := engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("merged-1"))
	assert.Nil(t, err)
	// C is reached from A and B but runs once
	assert.Equal(t, 1, c.get("C"))
	assert.Equal(t, 1, c.get("D"))

	status, err := engine.GetExecutionStatus(context.Background(), "merged-1")
	assert.Nil(t, err)
	assert.Equal(t, 2, status.Wave)
}

func TestSelfLoop(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("loop", "")
	assert.Nil(t, wf.AddTask(NewFunctionTask("optimize", "", func(ctx types.Context, input types.Data) (any, error) {
		c.inc("optimize")
		n, _ := input.GetInt("iterations")
		return types.Data{"iterations": n + 1}, nil
	})))
	assert.Nil(t, wf.AddTask(c.task("evaluate", types.Data{"evaluated": true})))
	assert.Nil(t, wf.AddEdge("optimize", "optimize", func(ctx types.Data) bool {
		n, _ := ctx.GetInt("iterations")
		return n < 3
	}))
	assert.Nil(t, wf.AddEdge("optimize", "evaluate", func(ctx types.Data) bool {
		n, _ := ctx.GetInt("iterations")
		return n >= 3
	}))
	assert.Nil(t, wf.SetStartTasks("optimize"))

	result, err := engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("loop-1"))
	require.Nil(t, err)
	assert.Equal(t, 3, c.get("optimize"))
	assert.Equal(t, 1, c.get("evaluate"))
	assert.Equal(t, 3, result["iterations"])

	exec, _ := engine.GetExecution("loop-1")
	records := exec.Records()
	assert.Equal(t, 3, records["optimize"].Runs)
	assert.Equal(t, 3, records["optimize"].Wave)
	assert.Equal(t, 4, exec.Wave())
}

func failingTask(name string, cause error) types.Task {
	return NewFunctionTask(name, "", func(ctx types.Context, input types.Data) (any, error) {
		return nil, cause
	})
}

func TestFailurePropagation(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	cause := errors.New("syntax error")
	wf := NewWorkflow("failing", "")
	assert.Nil(t, wf.AddTask(c.task("A", types.Data{"a": 1})))
	assert.Nil(t, wf.AddTask(failingTask("B", cause)))
	assert.Nil(t, wf.AddTask(c.task("C", nil)))
	assert.Nil(t, wf.AddEdge("A", "B", nil))
	assert.Nil(t, wf.AddEdge("B", "C", nil))
	assert.Nil(t, wf.SetStartTasks("A"))

	result, err := engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("fail-1"))
	require.NotNil(t, err)

	var we *types.WorkflowExecutionError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "failing", we.Workflow)
	assert.Equal(t, "fail-1", we.ExecutionID)
	failed, exists := we.FailedTask()
	assert.True(t, exists)
	assert.Equal(t, "B", failed)

	var te *types.TaskExecutionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, cause, te.Cause())

	assert.Equal(t, 0, c.get("C"))
	assert.Equal(t, 1, result["a"])
	assert.Equal(t, "B", result[types.FailedTaskKey])
	assert.Contains(t, result[types.ErrorKey], "syntax error")

	status, err := engine.GetExecutionStatus(context.Background(), "fail-1")
	require.Nil(t, err)
	assert.Equal(t, types.Failed, status.Status)
	assert.Equal(t, []string{"A"}, status.CompletedTasks)
	assert.Equal(t, []string{"B"}, status.FailedTasks)
	assert.Contains(t, status.Error, "syntax error")
}

func TestSiblingOutputsKeptOnFailure(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("siblings", "")
	assert.Nil(t, wf.AddTask(c.task("ok", types.Data{"ok": true})))
	assert.Nil(t, wf.AddTask(failingTask("bad", errors.New("bad"))))
	assert.Nil(t, wf.AddTask(c.task("next", nil)))
	assert.Nil(t, wf.AddEdge("ok", "next", nil))
	assert.Nil(t, wf.SetStartTasks("ok", "bad"))

	result, err := engine.ExecuteWorkflow(context.Background(), wf, nil)
	assert.NotNil(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "bad", result[types.FailedTaskKey])
	assert.Equal(t, 0, c.get("next"))
}

// rendezvousTask closes mine and waits for the sibling to close its own
// channel, it only returns nil when both run at the same time.
func rendezvousTask(name string, mine, other chan struct{}) types.Task {
	return NewFunctionTask(name, "", func(ctx types.Context, input types.Data) (any, error) {
		close(mine)
		select {
		case <-other:
			return types.Data{name: true}, nil
		case <-time.After(5 * time.Second):
			return nil, errors.Timeoutf("waiting for the sibling of %s", name)
		}
	})
}

func TestWaveTasksRunConcurrently(t *testing.T) {
	engine := newTestEngine(t)
	a, b := make(chan struct{}), make(chan struct{})

	wf := NewWorkflow("rendezvous", "")
	assert.Nil(t, wf.AddTask(rendezvousTask("A", a, b)))
	assert.Nil(t, wf.AddTask(rendezvousTask("B", b, a)))
	assert.Nil(t, wf.SetStartTasks("A", "B"))

	result, err := engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("rendezvous-1"))
	require.Nil(t, err)
	assert.Equal(t, true, result["A"])
	assert.Equal(t, true, result["B"])

	exec, exists := engine.GetExecution("rendezvous-1")
	require.True(t, exists)
	records := exec.Records()
	require.Len(t, records, 2)
	assert.Equal(t, 1, records["A"].Wave)
	assert.Equal(t, records["A"].Wave, records["B"].Wave)
}

func TestTaskPanicFailsRun(t *testing.T) {
	engine := newTestEngine(t)

	wf := NewWorkflow("panic", "")
	assert.Nil(t, wf.AddTask(NewFunctionTask("boom", "", func(ctx types.Context, input types.Data) (any, error) {
		panic("unexpected")
	})))
	assert.Nil(t, wf.SetStartTasks("boom"))

	_, err := engine.ExecuteWorkflow(context.Background(), wf, nil)
	var te *types.TaskExecutionError
	if assert.True(t, errors.As(err, &te)) {
		assert.Equal(t, "boom", te.Task)
	}
}

func TestGuardPanicFailsRun(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("guard-panic", "")
	assert.Nil(t, wf.AddTask(c.task("A", nil)))
	assert.Nil(t, wf.AddTask(c.task("B", nil)))
	assert.Nil(t, wf.AddEdge("A", "B", func(ctx types.Data) bool { panic("broken guard") }))
	assert.Nil(t, wf.SetStartTasks("A"))

	_, err := engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("guard-1"))
	var ge *types.GuardError
	assert.True(t, errors.As(err, &ge))
	assert.Equal(t, 0, c.get("B"))

	exec, _ := engine.GetExecution("guard-1")
	assert.Equal(t, types.Failed, exec.Status())
}

func TestValidationBeforeRun(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("invalid", "")
	assert.Nil(t, wf.AddTask(c.task("A", nil)))
	assert.Nil(t, wf.AddTask(c.task("orphan", nil)))
	assert.Nil(t, wf.SetStartTasks("A"))

	result, err := engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("invalid-1"))
	assert.Nil(t, result)
	var ve *types.GraphValidationError
	if assert.True(t, errors.As(err, &ve)) {
		assert.Equal(t, []string{"orphan"}, ve.Unreachable)
	}
	assert.Equal(t, 0, c.get("A"))

	_, exists := engine.GetExecution("invalid-1")
	assert.False(t, exists)
	_, err = engine.GetExecutionStatus(context.Background(), "invalid-1")
	assert.True(t, errors.IsNotFound(err))

	_, err = engine.ExecuteWorkflow(context.Background(), nil, nil)
	assert.True(t, errors.IsNotValid(err))
}

func TestDuplicateExecutionID(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("dup", "")
	assert.Nil(t, wf.AddTask(c.task("A", nil)))
	assert.Nil(t, wf.SetStartTasks("A"))

	_, err := engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("same"))
	assert.Nil(t, err)
	_, err = engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("same"))
	assert.True(t, errors.IsAlreadyExists(err))
	assert.Equal(t, 1, c.get("A"))
}

func TestMaxWaves(t *testing.T) {
	engine := newTestEngine(t, types.SetMaxWaves(3))
	c := newCounter()

	wf := NewWorkflow("forever", "")
	assert.Nil(t, wf.AddTask(c.task("spin", nil)))
	assert.Nil(t, wf.AddEdge("spin", "spin", nil))
	assert.Nil(t, wf.SetStartTasks("spin"))

	_, err := engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("forever-1"))
	assert.True(t, errors.Is(err, types.ErrMaxWavesExceeded))
	assert.Equal(t, 3, c.get("spin"))

	status, _ := engine.GetExecutionStatus(context.Background(), "forever-1")
	assert.Equal(t, types.Failed, status.Status)
	assert.Equal(t, 3, status.Wave)
}

func newCollisionWorkflow(c *counter) *Workflow {
	wf := NewWorkflow("collision", "")
	_ = wf.AddTask(c.task("left", types.Data{"answer": "left"}))
	_ = wf.AddTask(c.task("right", types.Data{"answer": "right"}))
	_ = wf.SetStartTasks("left", "right")
	return wf
}

func TestContextKeyCollision(t *testing.T) {
	engine := newTestEngine(t)
	result, err := engine.ExecuteWorkflow(context.Background(), newCollisionWorkflow(newCounter()), nil)
	assert.Nil(t, err)
	assert.Contains(t, []any{"left", "right"}, result["answer"])

	strict := newTestEngine(t, types.EnableStrictContextKeys())
	_, err = strict.ExecuteWorkflow(context.Background(), newCollisionWorkflow(newCounter()), nil)
	assert.True(t, errors.Is(err, types.ErrContextKeyConflict))
}

func TestCancelExecution(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	wf := NewWorkflow("cancel", "")
	assert.Nil(t, wf.AddTask(NewFunctionTask("wait", "", func(ctx types.Context, input types.Data) (any, error) {
		c.inc("wait")
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	})))
	assert.Nil(t, wf.AddEdge("wait", "wait", nil))
	assert.Nil(t, wf.SetStartTasks("wait"))

	id, err := engine.StartWorkflow(context.Background(), wf, nil)
	require.Nil(t, err)
	<-started

	assert.Nil(t, engine.CancelExecution(context.Background(), id))
	close(release)

	_, err = engine.Wait(context.Background(), id)
	assert.True(t, errors.Is(err, types.ErrExecutionCancelled))
	assert.Equal(t, 1, c.get("wait"))

	status, _ := engine.GetExecutionStatus(context.Background(), id)
	assert.Equal(t, types.Cancelled, status.Status)
	assert.Equal(t, []string{"wait"}, status.CompletedTasks)

	// terminal executions cannot be cancelled again
	assert.NotNil(t, engine.CancelExecution(context.Background(), id))
	assert.True(t, errors.IsNotFound(engine.CancelExecution(context.Background(), "unknown")))
}

func TestCancelledCallerContext(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("caller", "")
	assert.Nil(t, wf.AddTask(c.task("A", nil)))
	assert.Nil(t, wf.SetStartTasks("A"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.ExecuteWorkflow(ctx, wf, nil, types.WithExecutionID("caller-1"))
	assert.True(t, errors.Is(err, types.ErrExecutionCancelled))
	assert.Equal(t, 0, c.get("A"))

	exec, _ := engine.GetExecution("caller-1")
	assert.Equal(t, types.Cancelled, exec.Status())
}

func TestStartAndWait(t *testing.T) {
	engine := newTestEngine(t)

	wf := NewWorkflow("async", "")
	assert.Nil(t, wf.AddTask(NewFunctionTask("sleep", "", func(ctx types.Context, input types.Data) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return types.Data{"slept": true}, nil
	})))
	assert.Nil(t, wf.SetStartTasks("sleep"))

	id, err := engine.StartWorkflow(context.Background(), wf, nil)
	require.Nil(t, err)
	assert.NotEmpty(t, id)

	result, err := engine.Wait(context.Background(), id)
	assert.Nil(t, err)
	assert.Equal(t, true, result["slept"])

	_, err = engine.Wait(context.Background(), "unknown")
	assert.True(t, errors.IsNotFound(err))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.StartWorkflow(cancelled, wf, nil, types.WithExecutionID("async-cancelled"))
	assert.True(t, errors.Is(err, context.Canceled))
	_, exists := engine.GetExecution("async-cancelled")
	assert.False(t, exists)
}

func TestExecuteNamed(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("named", "")
	assert.Nil(t, wf.AddTask(c.task("A", types.Data{"a": 1})))
	assert.Nil(t, wf.SetStartTasks("A"))
	assert.Nil(t, engine.Registry().Register(wf))

	result, err := engine.ExecuteNamed(context.Background(), "named", nil)
	assert.Nil(t, err)
	assert.Equal(t, 1, result["a"])

	_, err = engine.ExecuteNamed(context.Background(), "missing", nil)
	assert.True(t, errors.IsNotFound(err))
}

func TestLifecycleEvents(t *testing.T) {
	b := bus.New()
	engine := newTestEngine(t, types.WithPublisher(b), types.WithEventQueue("events"))
	c := newCounter()

	wf := NewWorkflow("events", "")
	assert.Nil(t, wf.AddTask(c.task("A", nil)))
	assert.Nil(t, wf.AddTask(c.task("B", nil)))
	assert.Nil(t, wf.AddEdge("A", "B", nil))
	assert.Nil(t, wf.SetStartTasks("A"))

	_, err := engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("events-1"))
	require.Nil(t, err)

	events := make([]string, 0)
	for msg := b.Receive(context.Background(), "events", 0); msg != nil; msg = b.Receive(context.Background(), "events", 0) {
		assert.Equal(t, "events-1", msg.Payload["execution_id"])
		events = append(events, msg.Payload["event"].(string))
	}
	assert.Equal(t, []string{
		EventExecutionStarted,
		EventTaskCompleted,
		EventWaveCompleted,
		EventTaskCompleted,
		EventWaveCompleted,
		EventExecutionCompleted,
	}, events)
}

func TestStatusFallsBackToStore(t *testing.T) {
	engine := newTestEngine(t)
	c := newCounter()

	wf := NewWorkflow("persisted", "")
	assert.Nil(t, wf.AddTask(c.task("A", nil)))
	assert.Nil(t, wf.AddTask(failingTask("B", errors.New("bad"))))
	assert.Nil(t, wf.AddEdge("A", "B", nil))
	assert.Nil(t, wf.SetStartTasks("A"))
	assert.Nil(t, engine.Registry().Register(wf))

	_, err := engine.ExecuteWorkflow(context.Background(), wf, nil, types.WithExecutionID("persisted-1"))
	assert.NotNil(t, err)

	assert.Equal(t, 1, engine.PruneExecutions(time.Now().Add(time.Second)))
	_, exists := engine.GetExecution("persisted-1")
	assert.False(t, exists)

	status, err := engine.GetExecutionStatus(context.Background(), "persisted-1")
	require.Nil(t, err)
	assert.Equal(t, types.Failed, status.Status)
	assert.Equal(t, "persisted", status.WorkflowName)
	assert.Equal(t, []string{"A"}, status.CompletedTasks)
	assert.Equal(t, []string{"B"}, status.FailedTasks)

	dot, err := engine.RenderExecution(context.Background(), "persisted-1")
	require.Nil(t, err)
	assert.Contains(t, dot, `A [label="A" shape="doublecircle" style="filled" color="green"`)
	assert.Contains(t, dot, `B [label="B" shape="box" style="filled" color="red"`)
}

func TestStoreFailureDoesNotFailRun(t *testing.T) {
	options := types.NewEngineOptions()
	engine := NewEngine(mem.NewMemStoreWithErrHandler(func() error {
		return errors.New("store down")
	}), nil, options)
	defer engine.Close(context.Background())

	c := newCounter()
	wf := NewWorkflow("unstable", "")
	assert.Nil(t, wf.AddTask(c.task("A", types.Data{"a": 1})))
	assert.Nil(t, wf.SetStartTasks("A"))

	result, err := engine.ExecuteWorkflow(context.Background(), wf, nil)
	assert.Nil(t, err)
	assert.Equal(t, 1, result["a"])
}

func TestClosedEngine(t *testing.T) {
	engine := NewEngine(mem.NewMemStore(), nil, nil)
	assert.Nil(t, engine.Close(context.Background()))
	assert.Nil(t, engine.Close(context.Background()))

	wf := NewWorkflow("closed", "")
	assert.Nil(t, wf.AddTask(dumbTask("A")))
	assert.Nil(t, wf.SetStartTasks("A"))
	_, err := engine.ExecuteWorkflow(context.Background(), wf, nil)
	assert.True(t, errors.IsMethodNotAllowed(err))
}
