// Package pipeline builds the code pipeline workflow: generate the code,
// debug it until it compiles, then alternate optimize and evaluate until
// the score is high enough.
package pipeline

import (
	"context"

	"github.com/juju/errors"
	"github.com/warriorguo/agentflow/runtime"
	"github.com/warriorguo/agentflow/types"
)

const (
	Name = "pipeline"

	Generate = "generate"
	Debug    = "debug"
	Optimize = "optimize"
	Evaluate = "evaluate"
)

const (
	CodeKey          = "code"
	HasErrorsKey     = "has_errors"
	ErrorCountKey    = "error_count"
	OptimizationsKey = "optimizations"
	ScoreKey         = "score"
)

// TargetScore ends the optimize/evaluate loop.
const TargetScore = 0.8

// Agents are the collaborators behind the four tasks, a nil agent is
// replaced by its local implementation.
type Agents struct {
	Generate runtime.Delegate
	Debug    runtime.Delegate
	Optimize runtime.Delegate
	Evaluate runtime.Delegate
}

func (a *Agents) withDefaults() *Agents {
	local := LocalAgents()
	if a == nil {
		return local
	}
	c := *a
	if c.Generate == nil {
		c.Generate = local.Generate
	}
	if c.Debug == nil {
		c.Debug = local.Debug
	}
	if c.Optimize == nil {
		c.Optimize = local.Optimize
	}
	if c.Evaluate == nil {
		c.Evaluate = local.Evaluate
	}
	return &c
}

// New returns the pipeline workflow, run it with has_errors set in the
// initial context to go through the debug loop.
func New(agents *Agents) (*runtime.Workflow, error) {
	agents = agents.withDefaults()

	wf := runtime.NewWorkflow(Name, "generate, debug, optimize and evaluate code")
	tasks := []types.Task{
		runtime.NewDelegateTask(Generate, "write the first version of the code", agents.Generate),
		runtime.NewDelegateTask(Debug, "fix one compile error per run", agents.Debug),
		runtime.NewDelegateTask(Optimize, "improve the code", agents.Optimize),
		runtime.NewDelegateTask(Evaluate, "score the code", agents.Evaluate),
	}
	for _, task := range tasks {
		if err := wf.AddTask(task); err != nil {
			return nil, errors.Trace(err)
		}
	}

	edges := []struct {
		from, to string
	}{
		{Generate, Debug},
		{Debug, Optimize},
		{Debug, Debug},
		{Optimize, Evaluate},
		{Evaluate, Optimize},
	}
	for _, e := range edges {
		if err := wf.AddEdge(e.from, e.to, Guards(e.from, e.to)); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := wf.SetStartTasks(Generate); err != nil {
		return nil, errors.Trace(err)
	}
	return wf, nil
}

// Guards resolves the guards of the pipeline edges, it is also the
// runtime.GuardResolver used when the pipeline is rebuilt from its
// definition.
func Guards(from, to string) types.Guard {
	switch {
	case from == Debug && to == Debug:
		return hasErrors
	case from == Debug && to == Optimize:
		return func(ctx types.Data) bool { return !hasErrors(ctx) }
	case from == Evaluate && to == Optimize:
		return func(ctx types.Data) bool {
			score, _ := ctx.GetFloat64(ScoreKey)
			return score < TargetScore
		}
	default:
		return nil
	}
}

func hasErrors(ctx types.Data) bool {
	v, _ := ctx.GetBool(HasErrorsKey)
	return v
}

// LocalAgents are deterministic stand-ins for the language model agents.
// The generated code carries two errors, every optimization adds 0.2 to a
// base score of 0.5.
func LocalAgents() *Agents {
	return &Agents{
		Generate: runtime.DelegateFunc(func(ctx context.Context, request types.Data) (types.Data, error) {
			return types.Data{CodeKey: "func main() { fmt.Println(\"hello\") }", ErrorCountKey: 2}, nil
		}),
		Debug: runtime.DelegateFunc(func(ctx context.Context, request types.Data) (types.Data, error) {
			n, _ := request.GetInt(ErrorCountKey)
			if n > 0 {
				n--
			}
			return types.Data{ErrorCountKey: n, HasErrorsKey: n > 0}, nil
		}),
		Optimize: runtime.DelegateFunc(func(ctx context.Context, request types.Data) (types.Data, error) {
			n, _ := request.GetInt(OptimizationsKey)
			return types.Data{OptimizationsKey: n + 1}, nil
		}),
		Evaluate: runtime.DelegateFunc(func(ctx context.Context, request types.Data) (types.Data, error) {
			n, _ := request.GetInt(OptimizationsKey)
			return types.Data{ScoreKey: 0.5 + 0.2*float64(n)}, nil
		}),
	}
}
