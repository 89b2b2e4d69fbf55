package runtime

import (
	"github.com/juju/errors"
	"github.com/warriorguo/agentflow/types"
)

type Edge struct {
	From  string
	To    string
	Guard types.Guard
}

func (e *Edge) HasGuard() bool {
	return e.Guard != nil
}

// fires reports whether the edge target joins the next frontier.
func (e *Edge) fires(ctx types.Data) (fired bool, err error) {
	if e.Guard == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = types.NewGuardError(e.From, e.To, errors.Errorf("panic: %v", r))
		}
	}()
	return e.Guard(ctx), nil
}

/**
 * Workflow is built once and treated as read-only while it executes.
 * Every name referenced by an edge or by the start list is checked by
 * the builder, reachability is left to Validate.
 */
type Workflow struct {
	Name        string
	Description string
	Metadata    types.Data

	tasks map[string]types.Task
	// insertion order, used for stable listing and rendering
	order []string
	edges map[string][]*Edge
	start []string
}

func NewWorkflow(name, description string) *Workflow {
	return &Workflow{
		Name:        name,
		Description: description,
		Metadata:    types.Data{},
		tasks:       make(map[string]types.Task),
		edges:       make(map[string][]*Edge),
	}
}

func (w *Workflow) AddTask(task types.Task) error {
	if task == nil {
		return types.NewGraphErrorf("workflow %s: nil task", w.Name)
	}
	name := task.Name()
	if name == "" {
		return types.NewGraphErrorf("workflow %s: task without name", w.Name)
	}
	if _, exists := w.tasks[name]; exists {
		return types.NewGraphErrorf("workflow %s: task %s already exists", w.Name, name)
	}
	w.tasks[name] = task
	w.order = append(w.order, name)
	return nil
}

// AddEdge appends an edge, guard may be nil. from == to is a self loop.
func (w *Workflow) AddEdge(from, to string, guard types.Guard) error {
	if _, exists := w.tasks[from]; !exists {
		return types.NewGraphErrorf("workflow %s: edge from unknown task %s", w.Name, from)
	}
	if _, exists := w.tasks[to]; !exists {
		return types.NewGraphErrorf("workflow %s: edge to unknown task %s", w.Name, to)
	}
	w.edges[from] = append(w.edges[from], &Edge{From: from, To: to, Guard: guard})
	return nil
}

// AttachGuard binds a guard to the first unguarded edge from -> to. It is
// used after a workflow has been rebuilt from its definition.
func (w *Workflow) AttachGuard(from, to string, guard types.Guard) error {
	if guard == nil {
		return types.NewGraphErrorf("workflow %s: nil guard for %s -> %s", w.Name, from, to)
	}
	for _, e := range w.edges[from] {
		if e.To == to && e.Guard == nil {
			e.Guard = guard
			return nil
		}
	}
	return types.NewGraphErrorf("workflow %s: no unguarded edge %s -> %s", w.Name, from, to)
}

func (w *Workflow) SetStartTasks(names ...string) error {
	start := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if _, exists := w.tasks[name]; !exists {
			return types.NewGraphErrorf("workflow %s: unknown start task %s", w.Name, name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		start = append(start, name)
	}
	w.start = start
	return nil
}

func (w *Workflow) Task(name string) (types.Task, bool) {
	t, exists := w.tasks[name]
	return t, exists
}

// Tasks returns the tasks in insertion order.
func (w *Workflow) Tasks() []types.Task {
	tasks := make([]types.Task, 0, len(w.order))
	for _, name := range w.order {
		tasks = append(tasks, w.tasks[name])
	}
	return tasks
}

func (w *Workflow) TaskCount() int {
	return len(w.tasks)
}

// Edges returns the outgoing edges of a task in the order they were added.
func (w *Workflow) Edges(from string) []*Edge {
	return w.edges[from]
}

func (w *Workflow) StartTasks() []string {
	start := make([]string, len(w.start))
	copy(start, w.start)
	return start
}
