package workflow

import (
	"slices"

	"github.com/flowline/flowline/engine/task"
)

// Node is one task in the arena. Edges are stored as sorted node indexes.
type Node struct {
	Index int
	Spec  *task.Spec
	preds []int
	succs []int
}

func (n *Node) Name() string {
	return n.Spec.Name
}

// Workflow is an immutable validated DAG. Node indexes follow declared input order.
type Workflow struct {
	nodes  []*Node
	byName map[string]int
	order  []int
}

func (w *Workflow) Len() int {
	return len(w.nodes)
}

func (w *Workflow) Node(i int) *Node {
	return w.nodes[i]
}

func (w *Workflow) Nodes() []*Node {
	return slices.Clone(w.nodes)
}

func (w *Workflow) Lookup(name string) (*Node, bool) {
	i, ok := w.byName[name]
	if !ok {
		return nil, false
	}
	return w.nodes[i], true
}

// Predecessors returns the indexes node i depends on.
func (w *Workflow) Predecessors(i int) []int {
	return slices.Clone(w.nodes[i].preds)
}

// Successors returns the indexes depending on node i.
func (w *Workflow) Successors(i int) []int {
	return slices.Clone(w.nodes[i].succs)
}

// Order returns a topological order. Ties go to the lower declared index.
func (w *Workflow) Order() []int {
	return slices.Clone(w.order)
}

// Names returns task names in declared order.
func (w *Workflow) Names() []string {
	names := make([]string, len(w.nodes))
	for i, n := range w.nodes {
		names[i] = n.Name()
	}
	return names
}

// Specs returns the specs in declared order.
func (w *Workflow) Specs() []*task.Spec {
	specs := make([]*task.Spec, len(w.nodes))
	for i, n := range w.nodes {
		specs[i] = n.Spec
	}
	return specs
}

// Descendants returns every node reachable from i, sorted by index.
func (w *Workflow) Descendants(i int) []int {
	seen := make([]bool, len(w.nodes))
	stack := slices.Clone(w.nodes[i].succs)
	var out []int
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		stack = append(stack, w.nodes[n].succs...)
	}
	slices.Sort(out)
	return out
}

// PredecessorNames returns the names of the tasks node i depends on, in index order.
func (w *Workflow) PredecessorNames(i int) []string {
	preds := w.nodes[i].preds
	names := make([]string, len(preds))
	for k, p := range preds {
		names[k] = w.nodes[p].Name()
	}
	return names
}
