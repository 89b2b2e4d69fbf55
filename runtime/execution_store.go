package runtime

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/agentflow/types"
	"github.com/warriorguo/agentflow/utils"
)

const (
	ExecutionPath = "/execution/"
	RecordPath    = "/record/"
)

func recordSavePath(executionID string) string {
	return RecordPath + executionID
}

func recordKey(task string, wave int) string {
	return fmt.Sprintf("%s#%d", task, wave)
}

// saveExecution persists the status snapshot. Failures are logged only,
// the snapshot is diagnostic and never resumes a run.
func (e *Engine) saveExecution(ctx context.Context, exec *Execution) {
	ctx = context.WithoutCancel(ctx)
	b, err := utils.Serialize(exec.snapshot())
	if err == nil {
		err = e.store.Set(ctx, ExecutionPath, exec.id, b)
	}
	if err != nil {
		log.WithField("execution_id", exec.id).Errorf("failed to save execution: %v", err)
	}
}

func (e *Engine) saveTaskRecord(ctx context.Context, executionID string, record *types.TaskRecord) {
	ctx = context.WithoutCancel(ctx)
	b, err := utils.Serialize(record)
	if err == nil {
		err = e.store.Set(ctx, recordSavePath(executionID), recordKey(record.Task, record.Wave), b)
	}
	if err != nil {
		log.WithFields(log.Fields{"execution_id": executionID, "task": record.Task}).
			Errorf("failed to save record: %v", err)
	}
}

func (e *Engine) loadExecutionStatus(ctx context.Context, executionID string) (*types.ExecutionStatus, error) {
	b, err := e.store.Get(ctx, ExecutionPath, executionID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if b == nil {
		return nil, errors.NotFoundf("execution %s", executionID)
	}
	status := &types.ExecutionStatus{}
	if err := utils.Unserialize(b, status); err != nil {
		return nil, errors.Annotatef(err, "unserialize execution %s", executionID)
	}
	return status, nil
}

// loadTaskRecords returns the record of the latest wave of every task.
func (e *Engine) loadTaskRecords(ctx context.Context, executionID string) (map[string]*types.TaskRecord, error) {
	records := make(map[string]*types.TaskRecord)
	recordPath := recordSavePath(executionID)
	err := e.store.List(ctx, recordPath, func(key string) bool {
		b, err := e.store.Get(ctx, recordPath, key)
		if err != nil {
			log.Errorf("load %s %s from store failed: %v", recordPath, key, err)
			return true
		}
		record := &types.TaskRecord{}
		if err := utils.Unserialize(b, record); err != nil {
			log.Errorf("unserialize %s %s from store:%s failed: %v", recordPath, key, string(b), err)
			return true
		}
		if prev, exists := records[record.Task]; !exists || prev.Wave < record.Wave {
			records[record.Task] = record
		}
		return true
	})
	return records, errors.Trace(err)
}
