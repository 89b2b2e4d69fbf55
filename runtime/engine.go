package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/agentflow/store"
	"github.com/warriorguo/agentflow/types"
)

const (
	EventExecutionStarted   = "execution.started"
	EventTaskCompleted      = "task.completed"
	EventTaskFailed         = "task.failed"
	EventWaveCompleted      = "wave.completed"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
)

/**
 * Engine runs workflows wave by wave. All the tasks of a wave are submitted
 * to one worker pool shared by every execution of the engine, the next wave
 * starts once every task of the current one has returned.
 */
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    store.Store
	opts     *types.EngineOptions
	registry *Registry
	runner   *waveRunner

	mu         sync.RWMutex
	running    bool
	executions map[string]*Execution
	wg         sync.WaitGroup
}

// NewEngine creates an engine, a nil registry is replaced by an empty one
// bound to the same store.
func NewEngine(store store.Store, registry *Registry, opts *types.EngineOptions) *Engine {
	if opts == nil {
		opts = types.NewEngineOptions()
	}
	if registry == nil {
		registry = NewRegistry(store)
	}
	parent := opts.Ctx
	if parent == nil {
		parent = context.Background()
	}

	e := &Engine{
		store:      store,
		opts:       opts,
		registry:   registry,
		runner:     newWaveRunner(opts.MaxTaskConcurrency),
		running:    true,
		executions: make(map[string]*Execution),
	}
	e.ctx, e.cancel = context.WithCancel(parent)
	return e
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// ExecuteWorkflow runs wf to a terminal status and returns the final
// context. A *types.GraphValidationError is returned before anything runs,
// a failed run returns the context with the reserved error keys together
// with a *types.WorkflowExecutionError.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf *Workflow, initial types.Data, opts ...types.ExecuteOption) (types.Data, error) {
	exec, err := e.prepare(wf, initial, opts)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, exec)
}

// ExecuteNamed runs a workflow registered under name.
func (e *Engine) ExecuteNamed(ctx context.Context, name string, initial types.Data, opts ...types.ExecuteOption) (types.Data, error) {
	wf, exists := e.registry.Get(name)
	if !exists {
		return nil, errors.NotFoundf("workflow %s", name)
	}
	return e.ExecuteWorkflow(ctx, wf, initial, opts...)
}

// StartWorkflow launches wf in the background and returns its execution id.
// A done ctx rejects the start, once launched the run is bound to the engine
// lifetime, not to ctx.
func (e *Engine) StartWorkflow(ctx context.Context, wf *Workflow, initial types.Data, opts ...types.ExecuteOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Annotatef(err, "start workflow")
	}
	exec, err := e.prepare(wf, initial, opts)
	if err != nil {
		return "", err
	}
	go e.run(e.ctx, exec)
	return exec.id, nil
}

// Wait blocks until the execution is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, executionID string) (types.Data, error) {
	exec, exists := e.GetExecution(executionID)
	if !exists {
		return nil, errors.NotFoundf("execution %s", executionID)
	}
	select {
	case <-exec.Done():
		return exec.Context(), exec.Err()
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "wait execution %s", executionID)
	}
}

func (e *Engine) GetExecution(executionID string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	exec, exists := e.executions[executionID]
	return exec, exists
}

// GetExecutionStatus falls back to the persisted snapshot for executions
// no longer held in memory.
func (e *Engine) GetExecutionStatus(ctx context.Context, executionID string) (*types.ExecutionStatus, error) {
	if exec, exists := e.GetExecution(executionID); exists {
		return exec.snapshot(), nil
	}
	status, err := e.loadExecutionStatus(ctx, executionID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return status, nil
}

// CancelExecution asks a run to stop, it becomes CANCELLED at the next wave
// boundary.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) error {
	exec, exists := e.GetExecution(executionID)
	if !exists {
		return errors.NotFoundf("execution %s", executionID)
	}
	if !exec.requestCancel() {
		return errors.Forbiddenf("execution %s is already %v", executionID, exec.Status())
	}
	log.WithField("execution_id", executionID).Info("execution cancel requested")
	return nil
}

func (e *Engine) RenderExecution(ctx context.Context, executionID string) (string, error) {
	if exec, exists := e.GetExecution(executionID); exists {
		return renderDOT(exec.workflow, exec.Records(), exec.snapshot().CurrentTasks)
	}

	status, err := e.loadExecutionStatus(ctx, executionID)
	if err != nil {
		return "", errors.Trace(err)
	}
	wf, exists := e.registry.Get(status.WorkflowName)
	if !exists {
		return "", errors.NotFoundf("workflow %s of execution %s", status.WorkflowName, executionID)
	}
	records, err := e.loadTaskRecords(ctx, executionID)
	if err != nil {
		return "", errors.Trace(err)
	}
	return renderDOT(wf, records, status.CurrentTasks)
}

// PruneExecutions drops terminal executions which ended before the given
// time from memory, their snapshots stay in the store.
func (e *Engine) PruneExecutions(before time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	pruned := 0
	for id, exec := range e.executions {
		s := exec.snapshot()
		if s.Status.IsTerminal() && s.EndTime.Before(before) {
			delete(e.executions, id)
			pruned++
		}
	}
	return pruned
}

// Close cancels the running executions, waits for them and releases the
// worker pool and the store.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()

	doneCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "wait running executions")
	}

	e.runner.stopWait()
	if closer, ok := e.store.(io.Closer); ok {
		return errors.Trace(closer.Close())
	}
	return nil
}

func (e *Engine) prepare(wf *Workflow, initial types.Data, opts []types.ExecuteOption) (*Execution, error) {
	if wf == nil {
		return nil, errors.NotValidf("nil workflow")
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	options := &types.ExecuteOptions{}
	for _, opt := range opts {
		opt(options)
	}
	executionID := options.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil, errors.MethodNotAllowedf("not running")
	}
	if _, exists := e.executions[executionID]; exists {
		return nil, errors.AlreadyExistsf("execution %s", executionID)
	}
	exec := newExecution(executionID, wf, initial)
	e.executions[executionID] = exec
	e.wg.Add(1)
	return exec, nil
}

func (e *Engine) run(ctx context.Context, exec *Execution) (types.Data, error) {
	defer e.wg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	wf := exec.workflow
	logger := log.WithFields(log.Fields{"execution_id": exec.id, "workflow": wf.Name})

	exec.start()
	e.saveExecution(runCtx, exec)
	e.publish(EventExecutionStarted, exec, nil)
	logger.Info("execution started")

	frontier := wf.StartTasks()
	for len(frontier) > 0 {
		if err := e.interrupted(runCtx, exec); err != nil {
			return e.finish(runCtx, exec, types.Cancelled, err, "")
		}
		if e.opts.MaxWaves > 0 && exec.Wave() >= e.opts.MaxWaves {
			err := fmt.Errorf("%w: limit %d", types.ErrMaxWavesExceeded, e.opts.MaxWaves)
			return e.finish(runCtx, exec, types.Failed, err, "")
		}

		tasks := make([]types.Task, 0, len(frontier))
		for _, name := range frontier {
			task, _ := wf.Task(name)
			tasks = append(tasks, task)
		}
		wave, snapshot := exec.beginWave(frontier)
		e.saveExecution(runCtx, exec)
		logger.WithFields(log.Fields{"wave": wave, "tasks": frontier}).Debug("wave started")

		results := e.runner.run(runCtx, exec.id, wave, tasks, snapshot)

		var failure *taskResult
		var conflict error
		writers := make(map[string]string)
		completed := make([]string, 0, len(results))
		for _, r := range results {
			if r.err != nil {
				record := exec.recordFailure(r)
				e.saveTaskRecord(runCtx, exec.id, record)
				e.publish(EventTaskFailed, exec, types.Data{"task": r.task, "wave": wave, "error": record.Error})
				if failure == nil {
					failure = r
				}
				continue
			}

			for _, key := range r.output.Keys() {
				if other, exists := writers[key]; exists {
					if !e.opts.StrictContextKeys {
						logger.WithFields(log.Fields{"wave": wave, "key": key}).
							Warnf("context key written by both %s and %s", other, r.task)
					} else if conflict == nil {
						conflict = fmt.Errorf("%w: %s written by %s and %s", types.ErrContextKeyConflict, key, other, r.task)
					}
				}
				writers[key] = r.task
			}
			record := exec.recordSuccess(r)
			e.saveTaskRecord(runCtx, exec.id, record)
			e.publish(EventTaskCompleted, exec, types.Data{"task": r.task, "wave": wave})
			completed = append(completed, r.task)
		}

		if err := e.interrupted(runCtx, exec); err != nil {
			return e.finish(runCtx, exec, types.Cancelled, err, "")
		}
		if failure != nil {
			return e.finish(runCtx, exec, types.Failed, failure.err, failure.task)
		}
		if conflict != nil {
			return e.finish(runCtx, exec, types.Failed, conflict, "")
		}
		e.publish(EventWaveCompleted, exec, types.Data{"wave": wave})

		next, err := e.nextFrontier(wf, completed, exec.Context())
		if err != nil {
			return e.finish(runCtx, exec, types.Failed, err, "")
		}
		frontier = next
	}

	return e.finish(runCtx, exec, types.Completed, nil, "")
}

// nextFrontier evaluates the outgoing edges of the tasks completed in the
// last wave against the merged context. Targets are kept in discovery
// order, each at most once.
func (e *Engine) nextFrontier(wf *Workflow, completed []string, ctx types.Data) ([]string, error) {
	next := make([]string, 0)
	scheduled := make(map[string]bool)
	for _, name := range completed {
		for _, edge := range wf.Edges(name) {
			fired, err := edge.fires(ctx)
			if err != nil {
				return nil, err
			}
			if fired && !scheduled[edge.To] {
				scheduled[edge.To] = true
				next = append(next, edge.To)
			}
		}
	}
	return next, nil
}

func (e *Engine) interrupted(ctx context.Context, exec *Execution) error {
	if exec.cancelPending() {
		return types.ErrExecutionCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrExecutionCancelled, err)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, exec *Execution, status types.StatusType, cause error, failedTask string) (types.Data, error) {
	var err error
	if cause != nil {
		err = types.NewWorkflowExecutionError(exec.workflow.Name, exec.id, cause)
	}
	exec.finish(status, err, failedTask)
	e.saveExecution(ctx, exec)

	logger := log.WithFields(log.Fields{
		"execution_id": exec.id,
		"workflow":     exec.workflow.Name,
		"waves":        exec.Wave(),
	})
	switch status {
	case types.Completed:
		e.publish(EventExecutionCompleted, exec, nil)
		logger.Info("execution completed")
	case types.Cancelled:
		e.publish(EventExecutionCancelled, exec, types.Data{"error": err.Error()})
		logger.Info("execution cancelled")
	default:
		e.publish(EventExecutionFailed, exec, types.Data{"error": err.Error(), "task": failedTask})
		logger.Errorf("execution failed: %v", err)
	}
	return exec.Context(), err
}

func (e *Engine) publish(event string, exec *Execution, fields types.Data) {
	if e.opts.Publisher == nil {
		return
	}
	payload := types.Data{
		"event":        event,
		"execution_id": exec.id,
		"workflow":     exec.workflow.Name,
		"status":       exec.Status().String(),
	}
	payload.Merge(fields)
	if _, err := e.opts.Publisher.Publish(e.opts.EventQueue, payload); err != nil {
		log.WithFields(log.Fields{"execution_id": exec.id, "queue": e.opts.EventQueue}).
			Errorf("publish %s failed: %v", event, err)
	}
}
