package runtime

import (
	"sync"
	"time"

	"github.com/warriorguo/agentflow/types"
	"github.com/warriorguo/agentflow/utils"
)

/**
 * Execution is the state of one run. Only the engine mutates it, every
 * mutation happens under mu so status queries can read it while the run
 * is in flight. Once terminal it never changes again.
 */
type Execution struct {
	mu sync.RWMutex

	id       string
	workflow *Workflow

	status    types.StatusType
	startTime time.Time
	endTime   time.Time
	wave      int
	lastErr   error

	context types.Data
	records map[string]*types.TaskRecord

	current   map[string]struct{}
	completed map[string]struct{}
	failed    map[string]struct{}

	cancelRequested bool
	done            chan struct{}
}

func newExecution(id string, wf *Workflow, initial types.Data) *Execution {
	ctx := initial.Clone()
	ctx.Set(types.ExecutionIDKey, id)

	return &Execution{
		id:        id,
		workflow:  wf,
		status:    types.Pending,
		context:   ctx,
		records:   make(map[string]*types.TaskRecord),
		current:   make(map[string]struct{}),
		completed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

func (e *Execution) ID() string {
	return e.id
}

func (e *Execution) Workflow() *Workflow {
	return e.workflow
}

func (e *Execution) Status() types.StatusType {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.status
}

func (e *Execution) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.lastErr
}

// Wave is the number of waves started so far.
func (e *Execution) Wave() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.wave
}

// Context returns a copy of the shared execution context.
func (e *Execution) Context() types.Data {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.context.Clone()
}

// Records returns a copy of the latest record of every task that ran.
func (e *Execution) Records() map[string]*types.TaskRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	records := make(map[string]*types.TaskRecord, len(e.records))
	for name, r := range e.records {
		c := *r
		records[name] = &c
	}
	return records
}

// Done is closed once the execution is terminal.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

func (e *Execution) start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status = types.Running
	e.startTime = time.Now()
}

// beginWave marks tasks in flight and returns the wave number with the
// context snapshot the tasks read.
func (e *Execution) beginWave(tasks []string) (int, types.Data) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.wave++
	e.current = make(map[string]struct{}, len(tasks))
	for _, name := range tasks {
		e.current[name] = struct{}{}
	}
	return e.wave, e.context.Clone()
}

func (e *Execution) recordSuccess(r *taskResult) *types.TaskRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.context.Merge(r.output)
	e.completed[r.task] = struct{}{}
	delete(e.current, r.task)
	return e.putRecordLocked(r, types.Completed)
}

func (e *Execution) recordFailure(r *taskResult) *types.TaskRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failed[r.task] = struct{}{}
	delete(e.current, r.task)
	return e.putRecordLocked(r, types.Failed)
}

func (e *Execution) putRecordLocked(r *taskResult, status types.StatusType) *types.TaskRecord {
	record := &types.TaskRecord{
		Task:      r.task,
		Wave:      r.wave,
		Status:    status,
		Output:    r.output,
		StartTime: r.startTime,
		EndTime:   r.endTime,
	}
	if r.err != nil {
		record.Error = r.err.Error()
	}
	if prev, exists := e.records[r.task]; exists {
		record.Runs = prev.Runs
	}
	record.Runs++
	e.records[r.task] = record

	c := *record
	return &c
}

func (e *Execution) requestCancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.IsTerminal() {
		return false
	}
	e.cancelRequested = true
	return true
}

func (e *Execution) cancelPending() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.cancelRequested
}

// finish moves the execution to a terminal status exactly once.
func (e *Execution) finish(status types.StatusType, err error, failedTask string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.IsTerminal() {
		return false
	}
	e.status = status
	e.endTime = time.Now()
	e.lastErr = err
	e.current = make(map[string]struct{})
	if err != nil {
		e.context.Set(types.ErrorKey, err.Error())
		if failedTask != "" {
			e.context.Set(types.FailedTaskKey, failedTask)
		}
	}
	close(e.done)
	return true
}

func (e *Execution) snapshot() *types.ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := &types.ExecutionStatus{
		ExecutionID:    e.id,
		WorkflowName:   e.workflow.Name,
		Status:         e.status,
		StartTime:      e.startTime,
		EndTime:        e.endTime,
		CompletedTasks: utils.SortedKeys(e.completed),
		FailedTasks:    utils.SortedKeys(e.failed),
		CurrentTasks:   utils.SortedKeys(e.current),
		Wave:           e.wave,
	}
	if e.lastErr != nil {
		status.Error = e.lastErr.Error()
	}
	return status
}
