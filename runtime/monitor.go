package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/agentflow/types"
)

// Monitor reports on a set of tracked executions of one engine.
type Monitor struct {
	engine *Engine

	mu      sync.Mutex
	tracked map[string]struct{}
}

func NewMonitor(engine *Engine) *Monitor {
	return &Monitor{engine: engine, tracked: make(map[string]struct{})}
}

func (m *Monitor) Track(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracked[executionID] = struct{}{}
}

func (m *Monitor) Untrack(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tracked, executionID)
}

func (m *Monitor) trackedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	return ids
}

// GetActiveExecutions returns the status of every tracked execution,
// ids unknown to the engine are left out.
func (m *Monitor) GetActiveExecutions(ctx context.Context) map[string]*types.ExecutionStatus {
	statuses := make(map[string]*types.ExecutionStatus)
	for _, id := range m.trackedIDs() {
		status, err := m.engine.GetExecutionStatus(ctx, id)
		if err != nil {
			log.WithField("execution_id", id).Debugf("status unavailable: %v", err)
			continue
		}
		statuses[id] = status
	}
	return statuses
}

func (m *Monitor) GetExecutionMetrics(ctx context.Context, executionID string) (*types.ExecutionMetrics, error) {
	status, err := m.engine.GetExecutionStatus(ctx, executionID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	total := 0
	if exec, exists := m.engine.GetExecution(executionID); exists {
		total = exec.workflow.TaskCount()
	} else if wf, exists := m.engine.registry.Get(status.WorkflowName); exists {
		total = wf.TaskCount()
	}

	metrics := &types.ExecutionMetrics{
		ExecutionID:    executionID,
		TotalTasks:     total,
		CompletedTasks: len(status.CompletedTasks),
		FailedTasks:    len(status.FailedTasks),
		Waves:          status.Wave,
	}
	if total > 0 {
		metrics.Progress = float64(metrics.CompletedTasks) / float64(total)
	}
	if !status.StartTime.IsZero() {
		end := status.EndTime
		if end.IsZero() {
			end = time.Now()
		}
		metrics.Duration = end.Sub(status.StartTime)
	}
	return metrics, nil
}
