package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/warriorguo/agentflow"
	"github.com/warriorguo/agentflow/bus"
	"github.com/warriorguo/agentflow/pipeline"
	"github.com/warriorguo/agentflow/runtime"
	"github.com/warriorguo/agentflow/types"
)

const demoQueue = "agentflow.demo"

var (
	demoMaxWaves int
	demoDOT      bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the generate/debug/optimize/evaluate pipeline with local agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	demoCmd.Flags().IntVar(&demoMaxWaves, "max-waves", 20, "Fail the run after this many waves, 0 for no limit")
	demoCmd.Flags().BoolVar(&demoDOT, "dot", false, "Print the executed graph as DOT")
}

func runDemo(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b := bus.New()
	if _, err := b.Subscribe(demoQueue, func(msg *bus.Message) error {
		switch msg.Payload["event"] {
		case runtime.EventTaskCompleted, runtime.EventTaskFailed:
			fmt.Fprintf(out, "wave %v: %s %s\n", msg.Payload["wave"], msg.Payload["task"], msg.Payload["event"])
		}
		return nil
	}); err != nil {
		return err
	}

	engine, err := agentflow.NewEngine(
		types.EnableMemStore(),
		types.SetMaxWaves(demoMaxWaves),
		types.WithPublisher(b),
		types.WithEventQueue(demoQueue),
	)
	if err != nil {
		return err
	}
	defer engine.Close(context.Background())

	wf, err := pipeline.New(nil)
	if err != nil {
		return err
	}

	id, err := engine.StartWorkflow(ctx, wf, types.Data{pipeline.HasErrorsKey: true})
	if err != nil {
		return err
	}
	result, err := engine.Wait(ctx, id)
	if err != nil {
		return err
	}

	status, err := engine.GetExecutionStatus(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "execution %s %v after %d waves\n", id, status.Status, status.Wave)
	for _, key := range result.Keys() {
		fmt.Fprintf(out, "  %s = %v\n", key, result[key])
	}

	if demoDOT {
		dot, err := engine.RenderExecution(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprint(out, dot)
	}
	return nil
}
