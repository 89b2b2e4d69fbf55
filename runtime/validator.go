package runtime

import (
	"sort"

	"github.com/warriorguo/agentflow/types"
	"github.com/warriorguo/agentflow/utils"
)

// Validate checks the workflow is runnable: a non-empty start set, no
// dangling references and every task reachable from the start set. It
// never mutates the workflow.
func (w *Workflow) Validate() error {
	if len(w.tasks) == 0 {
		return types.NewGraphValidationError(w.Name, "no tasks", nil)
	}
	if len(w.start) == 0 {
		return types.NewGraphValidationError(w.Name, "empty start task set", nil)
	}

	dangling := make([]string, 0)
	for _, name := range w.start {
		if _, exists := w.tasks[name]; !exists {
			dangling = append(dangling, name)
		}
	}
	for from, edges := range w.edges {
		if _, exists := w.tasks[from]; !exists {
			dangling = append(dangling, from)
		}
		for _, e := range edges {
			if _, exists := w.tasks[e.To]; !exists {
				dangling = append(dangling, e.To)
			}
		}
	}
	if len(dangling) > 0 {
		sort.Strings(dangling)
		return types.NewGraphValidationError(w.Name, "references to unknown tasks", utils.UniqueSlice(dangling))
	}

	reachable := w.reachable()
	if len(reachable) == len(w.tasks) {
		return nil
	}

	unreachable := make([]string, 0, len(w.tasks)-len(reachable))
	for _, name := range w.order {
		if !reachable[name] {
			unreachable = append(unreachable, name)
		}
	}
	return types.NewGraphValidationError(w.Name, "tasks unreachable from the start set", unreachable)
}

func (w *Workflow) Valid() bool {
	return w.Validate() == nil
}

// reachable runs a breadth-first traversal from the start set, guards are
// ignored.
func (w *Workflow) reachable() map[string]bool {
	visited := make(map[string]bool, len(w.tasks))
	queue := make([]string, 0, len(w.tasks))
	for _, name := range w.start {
		if !visited[name] {
			visited[name] = true
			queue = append(queue, name)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range w.edges[current] {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return visited
}
