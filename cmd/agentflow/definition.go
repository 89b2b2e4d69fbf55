package main

import (
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/warriorguo/agentflow/runtime"
	"github.com/warriorguo/agentflow/types"
	"gopkg.in/yaml.v3"
)

var definitionFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a workflow definition",
	Long: `Validate loads a workflow definition and checks that every referenced
task exists and every task is reachable from the start tasks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := loadWorkflow(definitionFile)
		if err != nil {
			return err
		}
		if err := wf.Validate(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "workflow %s is valid: %d tasks, start %v\n",
			wf.Name, wf.TaskCount(), wf.StartTasks())
		return nil
	},
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print a workflow definition as a DOT graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := loadWorkflow(definitionFile)
		if err != nil {
			return err
		}
		registry := runtime.NewRegistry(nil)
		if err := registry.Register(wf); err != nil {
			return err
		}
		dot, err := registry.Render(wf.Name)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), dot)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{validateCmd, renderCmd} {
		cmd.Flags().StringVarP(&definitionFile, "file", "f", "", "Workflow definition file")
		_ = cmd.MarkFlagRequired("file")
	}
}

func readDefinition(path string) (*runtime.WorkflowDefinition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read definition %s", path)
	}
	def := &runtime.WorkflowDefinition{}
	if err := yaml.Unmarshal(b, def); err != nil {
		return nil, errors.Annotatef(err, "parse definition %s", path)
	}
	return def, nil
}

// loadWorkflow binds the definition to placeholder tasks and guards, enough
// to check and draw its structure.
func loadWorkflow(path string) (*runtime.Workflow, error) {
	def, err := readDefinition(path)
	if err != nil {
		return nil, err
	}
	return runtime.Rebuild(def, placeholderTask, placeholderGuard)
}

func placeholderTask(def runtime.TaskDefinition) (types.Task, error) {
	return runtime.NewFunctionTask(def.Name, def.Description, func(ctx types.Context, input types.Data) (any, error) {
		return nil, nil
	}), nil
}

func placeholderGuard(from, to string) types.Guard {
	return func(ctx types.Data) bool { return true }
}
