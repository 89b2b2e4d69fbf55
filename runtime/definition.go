package runtime

import (
	"github.com/juju/errors"
	"github.com/warriorguo/agentflow/types"
)

// WorkflowDefinition is the structural description of a workflow. Task
// behaviour and guards are code, they are bound again by Rebuild.
type WorkflowDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks       []TaskDefinition `json:"tasks" yaml:"tasks"`
	Edges       []EdgeDefinition `json:"edges" yaml:"edges"`
	StartTasks  []string         `json:"start_tasks" yaml:"start_tasks"`
	Metadata    types.Data       `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type TaskDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Type        types.TaskType `json:"type" yaml:"type"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
}

type EdgeDefinition struct {
	From     string `json:"from" yaml:"from"`
	To       string `json:"to" yaml:"to"`
	HasGuard bool   `json:"has_guard" yaml:"has_guard"`
}

// TaskResolver returns the task to bind to a definition entry.
type TaskResolver func(def TaskDefinition) (types.Task, error)

// GuardResolver returns the guard of a guarded edge, nil if unknown.
type GuardResolver func(from, to string) types.Guard

func DefinitionOf(wf *Workflow) *WorkflowDefinition {
	def := &WorkflowDefinition{
		Name:        wf.Name,
		Description: wf.Description,
		Tasks:       make([]TaskDefinition, 0, wf.TaskCount()),
		Edges:       make([]EdgeDefinition, 0),
		StartTasks:  wf.StartTasks(),
		Metadata:    wf.Metadata.Clone(),
	}
	for _, task := range wf.Tasks() {
		def.Tasks = append(def.Tasks, TaskDefinition{
			Name:        task.Name(),
			Type:        task.Type(),
			Description: task.Description(),
		})
	}
	for _, task := range wf.Tasks() {
		for _, e := range wf.Edges(task.Name()) {
			def.Edges = append(def.Edges, EdgeDefinition{From: e.From, To: e.To, HasGuard: e.HasGuard()})
		}
	}
	return def
}

// Rebuild binds a definition to live tasks and guards. The resulting
// workflow is not validated.
func Rebuild(def *WorkflowDefinition, tasks TaskResolver, guards GuardResolver) (*Workflow, error) {
	if def == nil {
		return nil, errors.NotValidf("nil definition")
	}
	if tasks == nil {
		return nil, errors.NotValidf("nil task resolver of workflow %s", def.Name)
	}

	wf := NewWorkflow(def.Name, def.Description)
	if def.Metadata != nil {
		wf.Metadata = def.Metadata.Clone()
	}
	for _, td := range def.Tasks {
		task, err := tasks(td)
		if err != nil {
			return nil, errors.Annotatef(err, "resolve task %s of workflow %s", td.Name, def.Name)
		}
		if task == nil {
			return nil, types.NewGraphErrorf("workflow %s: task %s not resolved", def.Name, td.Name)
		}
		if task.Name() != td.Name {
			return nil, types.NewGraphErrorf("workflow %s: task %s resolved as %s", def.Name, td.Name, task.Name())
		}
		if err := wf.AddTask(task); err != nil {
			return nil, err
		}
	}
	for _, ed := range def.Edges {
		var guard types.Guard
		if ed.HasGuard {
			if guards != nil {
				guard = guards(ed.From, ed.To)
			}
			if guard == nil {
				return nil, types.NewGraphErrorf("workflow %s: guard of %s -> %s not resolved", def.Name, ed.From, ed.To)
			}
		}
		if err := wf.AddEdge(ed.From, ed.To, guard); err != nil {
			return nil, err
		}
	}
	if err := wf.SetStartTasks(def.StartTasks...); err != nil {
		return nil, err
	}
	return wf, nil
}
