package workflow

import (
	"gopkg.in/yaml.v3"

	"github.com/flowline/flowline/engine/task"
)

// ExportedNode is a built task with its resolved dependencies.
type ExportedNode struct {
	Name    string       `json:"name"              yaml:"name"`
	Cmd     task.Command `json:"cmd"               yaml:"cmd"`
	After   []string     `json:"after,omitempty"   yaml:"after,omitempty"`
	Slots   int          `json:"slots,omitempty"   yaml:"slots,omitempty"`
	Timeout string       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries int          `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Export lists nodes in topological order.
func (w *Workflow) Export() []ExportedNode {
	out := make([]ExportedNode, 0, len(w.nodes))
	for _, i := range w.order {
		n := w.nodes[i]
		out = append(out, ExportedNode{
			Name:    n.Name(),
			Cmd:     n.Spec.Cmd,
			After:   w.PredecessorNames(i),
			Slots:   n.Spec.Slots,
			Timeout: n.Spec.Timeout,
			Retries: n.Spec.Retries,
		})
	}
	return out
}

func (w *Workflow) ToYAML() ([]byte, error) {
	return yaml.Marshal(w.Export())
}
