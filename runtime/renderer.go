package runtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warriorguo/agentflow/types"
)

func renderDOT(wf *Workflow, records map[string]*types.TaskRecord, current []string) (string, error) {
	renderer := newWorkflowRenderer(records, current)
	return renderer.generateDOT(wf)
}

func newWorkflowRenderer(records map[string]*types.TaskRecord, current []string) *workflowRenderer {
	if records == nil {
		records = make(map[string]*types.TaskRecord)
	}
	running := make(map[string]bool, len(current))
	for _, name := range current {
		running[name] = true
	}
	return &workflowRenderer{records: records, running: running, sb: &strings.Builder{}}
}

type workflowRenderer struct {
	records map[string]*types.TaskRecord
	running map[string]bool
	sb      *strings.Builder
}

func (d *workflowRenderer) generateDOT(wf *Workflow) (string, error) {
	start := make(map[string]bool)
	for _, name := range wf.StartTasks() {
		start[name] = true
	}

	d.write("digraph D {")
	for _, task := range wf.Tasks() {
		d.drawTask(task, start[task.Name()])
	}
	for _, task := range wf.Tasks() {
		d.drawEdges(wf.Edges(task.Name()))
	}
	d.write("label=%s", quoteString(wf.Name))
	d.write("}")
	return d.sb.String(), nil
}

func packToComment(r *types.TaskRecord) string {
	s, _ := json.Marshal(r)
	return formatNL(addSlashes(string(s)))
}

func (d *workflowRenderer) calcAttr(name string) string {
	if d.running[name] {
		return " style=\"filled\" color=\"yellow\""
	}
	record, exists := d.records[name]
	if !exists {
		return ""
	}

	color := ""
	switch record.Status {
	case types.Completed:
		color = "green"
	case types.Failed:
		color = "red"
	case types.Running:
		color = "yellow"
	default:
		color = "white"
	}
	return fmt.Sprintf(" style=\"filled\" color=\"%s\" comment=\"%s\"", color, packToComment(record))
}

func (d *workflowRenderer) drawTask(task types.Task, isStart bool) {
	shape := "box"
	if isStart {
		shape = "doublecircle"
	}
	name := task.Name()
	d.write("%s [label=%s shape=\"%s\"%s]", idString(name), quoteString(name), shape, d.calcAttr(name))
}

func (d *workflowRenderer) drawEdges(edges []*Edge) {
	for _, e := range edges {
		if e.HasGuard() {
			d.write("%s -> %s [label=\"guard\" style=\"dashed\"]", idString(e.From), idString(e.To))
			continue
		}
		d.write("%s -> %s", idString(e.From), idString(e.To))
	}
}

func (d *workflowRenderer) write(format string, s ...any) {
	d.sb.WriteString(fmt.Sprintf(format+"\n", s...))
}

var (
	slashesToken = []string{"\\", "\"", "'", " "}
)

func addSlashes(s string) string {
	for _, token := range slashesToken {
		s = strings.ReplaceAll(s, token, "\\"+token)
	}
	return s
}

func formatNL(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func quoteString(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}

var idleChars = []string{" ", "'", "\"", "(", ")", "*", "&", "^", "%", "$", "#", "@", "!", "?", "<", ">", "[", "]", "{", "}", ".", "-"}

func idString(s string) string {
	for _, ch := range idleChars {
		s = strings.ReplaceAll(s, ch, "_")
	}
	return s
}
