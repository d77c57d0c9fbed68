package engine

import (
	"strings"

	"github.com/rendis/skillflow/pkg/schema"
)

// Linearize returns every node of g exactly once, ordered so that the source
// of each edge precedes its target.
//
// It runs a depth-first search from each unvisited node in stored order and
// visits a node's predecessors (in stored edge order) before appending it.
// Reaching a node that is still on the recursion stack fails immediately
// with CYCLE_DETECTED; the error names the node that closed the cycle and
// carries the cycle path in Details["path"]. No partial order is returned.
func Linearize(g *Graph) ([]*Node, error) {
	nodes := g.Nodes()
	edges := g.Edges()

	preds := make(map[string][]string, len(nodes))
	for _, e := range edges {
		preds[e.Target] = append(preds[e.Target], e.Source)
	}

	const (
		unvisited = iota
		onStack
		done
	)
	mark := make(map[string]int, len(nodes))
	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID()] = n
	}

	order := make([]*Node, 0, len(nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch mark[id] {
		case done:
			return nil
		case onStack:
			return cycleError(stack, id)
		}

		mark[id] = onStack
		stack = append(stack, id)
		for _, p := range preds[id] {
			if err := visit(p); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		mark[id] = done
		order = append(order, byID[id])
		return nil
	}

	for _, n := range nodes {
		if mark[n.ID()] != unvisited {
			continue
		}
		if err := visit(n.ID()); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// cycleError reports the cycle closed by reaching id again. The search walks
// edges backwards, so the stack segment is reversed to read source to target.
func cycleError(stack []string, id string) error {
	start := len(stack) - 1
	for start > 0 && stack[start] != id {
		start--
	}
	path := make([]string, 0, len(stack)-start+1)
	path = append(path, id)
	for i := len(stack) - 1; i >= start; i-- {
		path = append(path, stack[i])
	}

	return schema.NewErrorf(schema.ErrCodeCycleDetected,
		"workflow contains a cycle: %s", strings.Join(path, " -> ")).
		WithNode(id).
		WithDetails(map[string]any{"path": path})
}

// LinearizeIDs is Linearize returning node IDs only.
func LinearizeIDs(g *Graph) ([]string, error) {
	order, err := Linearize(g)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(order))
	for i, n := range order {
		ids[i] = n.ID()
	}
	return ids, nil
}
