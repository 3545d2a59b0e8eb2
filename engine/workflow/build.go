package workflow

import (
	"container/heap"
	"errors"
	"slices"

	"github.com/flowline/flowline/engine/task"
)

// Build validates specs and resolves their references into a DAG.
//
// Resolution of an after/before reference tries, in order: an exact task name,
// every task carrying the reference as a tag, every task declaring it as an
// output. Inputs resolve against outputs only. Candidates are taken in declared
// order and the referencing task never matches its own tag or output.
func Build(specs []*task.Spec) (*Workflow, error) {
	byName := make(map[string]int, len(specs))
	for i, s := range specs {
		if s == nil {
			return nil, errors.New("nil task specification")
		}
		if _, dup := byName[s.Name]; dup {
			return nil, &GraphError{Kind: ErrDuplicateTask, Task: s.Name}
		}
		byName[s.Name] = i
	}

	nodes := make([]*Node, len(specs))
	for i, s := range specs {
		nodes[i] = &Node{Index: i, Spec: s.Clone()}
	}
	r := newResolver(nodes, byName)

	for i, n := range nodes {
		for _, ref := range n.Spec.After {
			targets := r.resolve(ref, i)
			if len(targets) == 0 {
				return nil, &GraphError{Kind: ErrDanglingDependency, Task: n.Name(), Ref: ref, Field: "after"}
			}
			for _, t := range targets {
				addEdge(nodes, t, i)
			}
		}
		for _, ref := range n.Spec.Inputs {
			targets := r.outputs(ref, i)
			if len(targets) == 0 {
				return nil, &GraphError{Kind: ErrDanglingDependency, Task: n.Name(), Ref: ref, Field: "inputs"}
			}
			for _, t := range targets {
				addEdge(nodes, t, i)
			}
		}
		for _, ref := range n.Spec.Before {
			targets := r.resolve(ref, i)
			if len(targets) == 0 {
				return nil, &GraphError{Kind: ErrDanglingDependency, Task: n.Name(), Ref: ref, Field: "before"}
			}
			for _, t := range targets {
				addEdge(nodes, i, t)
			}
		}
	}
	for _, n := range nodes {
		slices.Sort(n.preds)
		n.preds = slices.Compact(n.preds)
		slices.Sort(n.succs)
		n.succs = slices.Compact(n.succs)
	}

	if cycle := findCycle(nodes); cycle != nil {
		names := make([]string, len(cycle))
		for k, idx := range cycle {
			names[k] = nodes[idx].Name()
		}
		return nil, &GraphError{Kind: ErrCyclicDependency, Task: names[0], Cycle: names}
	}
	return &Workflow{nodes: nodes, byName: byName, order: topoOrder(nodes)}, nil
}

// addEdge records that to depends on from.
func addEdge(nodes []*Node, from, to int) {
	nodes[to].preds = append(nodes[to].preds, from)
	nodes[from].succs = append(nodes[from].succs, to)
}

type resolver struct {
	byName   map[string]int
	byTag    map[string][]int
	byOutput map[string][]int
}

func newResolver(nodes []*Node, byName map[string]int) *resolver {
	r := &resolver{
		byName:   byName,
		byTag:    make(map[string][]int),
		byOutput: make(map[string][]int),
	}
	for i, n := range nodes {
		for _, tag := range n.Spec.Tags {
			if !slices.Contains(r.byTag[tag], i) {
				r.byTag[tag] = append(r.byTag[tag], i)
			}
		}
		for _, out := range n.Spec.Outputs {
			if !slices.Contains(r.byOutput[out], i) {
				r.byOutput[out] = append(r.byOutput[out], i)
			}
		}
	}
	return r
}

func (r *resolver) resolve(ref string, self int) []int {
	if i, ok := r.byName[ref]; ok {
		return []int{i}
	}
	if tagged := without(r.byTag[ref], self); len(tagged) > 0 {
		return tagged
	}
	return r.outputs(ref, self)
}

func (r *resolver) outputs(ref string, self int) []int {
	return without(r.byOutput[ref], self)
}

func without(idx []int, self int) []int {
	out := make([]int, 0, len(idx))
	for _, i := range idx {
		if i != self {
			out = append(out, i)
		}
	}
	return out
}

// findCycle runs a DFS in index order and returns the first cycle found as
// a closed path [v, ..., v], or nil.
func findCycle(nodes []*Node) []int {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(nodes))
	var stack []int
	var cycle []int

	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range nodes[u].succs {
			switch color[v] {
			case gray:
				start := slices.Index(stack, v)
				cycle = append(slices.Clone(stack[start:]), v)
				return true
			case white:
				if visit(v) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}
	for i := range nodes {
		if color[i] == white && visit(i) {
			return cycle
		}
	}
	return nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm with the ready queue ordered by declared index.
func topoOrder(nodes []*Node) []int {
	indeg := make([]int, len(nodes))
	ready := &intMinHeap{}
	for i, n := range nodes {
		indeg[i] = len(n.preds)
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range nodes[n].succs {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}
