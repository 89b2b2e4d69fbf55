package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/agentflow/types"
)

type taskResult struct {
	task      string
	wave      int
	output    types.Data
	err       error
	startTime time.Time
	endTime   time.Time
}

/**
 * waveRunner executes the tasks of one wave on a shared worker pool.
 * run blocks until every task of the wave has returned, which is the only
 * synchronization point between two waves.
 */
type waveRunner struct {
	wp *workerpool.WorkerPool
}

func newWaveRunner(concurrency int) *waveRunner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &waveRunner{wp: workerpool.New(concurrency)}
}

// run returns one result per task, in the order of tasks. Every task reads
// its own copy of snapshot.
func (w *waveRunner) run(ctx context.Context, executionID string, wave int, tasks []types.Task, snapshot types.Data) []*taskResult {
	results := make([]*taskResult, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		i, task := i, task
		wg.Add(1)
		w.wp.Submit(func() {
			defer wg.Done()
			results[i] = w.runOne(ctx, executionID, wave, task, snapshot.Clone())
		})
	}
	wg.Wait()
	return results
}

func (w *waveRunner) runOne(ctx context.Context, executionID string, wave int, task types.Task, input types.Data) *taskResult {
	logger := log.WithFields(log.Fields{"execution_id": executionID, "task": task.Name(), "wave": wave})
	logger.Debug("task started")

	r := &taskResult{task: task.Name(), wave: wave, startTime: time.Now()}
	r.output, r.err = runTask(newTaskContext(ctx, executionID, task.Name(), wave), task, input)
	r.endTime = time.Now()

	if r.err != nil {
		logger.WithField("duration", r.endTime.Sub(r.startTime)).Debugf("task failed: %v", r.err)
	} else {
		logger.WithField("duration", r.endTime.Sub(r.startTime)).Debug("task completed")
	}
	return r
}

func (w *waveRunner) stopWait() {
	w.wp.StopWait()
}
