package engine

import (
	"context"
	"log/slog"
	"maps"
	"strings"

	"github.com/rendis/skillflow/internal/expressions"
	"github.com/rendis/skillflow/internal/logging"
)

// inputGatherer merges upstream outputs into a node's inputs.
type inputGatherer struct {
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// gather starts from the node's static inputs and, for every inbound edge
// whose source recorded a Success, writes the source output under the edge's
// input slot. A source handle narrows the output first: a handle starting
// with "." is a jq path, anything else is a top-level key. Edges from absent
// or failed sources, or whose handle selects nothing, are omitted. Edge
// values replace static literals of the same name; several edges into one
// slot are collected into a list in edge order.
func (ig *inputGatherer) gather(ctx context.Context, g *Graph, n *Node, results *ResultStore) map[string]any {
	inputs := maps.Clone(n.Inputs)
	if inputs == nil {
		inputs = map[string]any{}
	}

	fromEdges := map[string]int{}
	for _, e := range g.Inbound(n.ID()) {
		r, ok := results.Get(e.Source)
		if !ok || !r.OK() {
			continue
		}
		val, ok := ig.narrow(ctx, e, r.Output)
		if !ok {
			continue
		}

		slot := e.Slot()
		switch fromEdges[slot] {
		case 0:
			inputs[slot] = val
		case 1:
			inputs[slot] = []any{inputs[slot], val}
		default:
			inputs[slot] = append(inputs[slot].([]any), val)
		}
		fromEdges[slot]++
	}
	return inputs
}

func (ig *inputGatherer) narrow(ctx context.Context, e Edge, output any) (any, bool) {
	handle := e.SourceHandle
	if handle == "" {
		return output, true
	}

	if strings.HasPrefix(handle, ".") {
		v, err := ig.jq.Query(ctx, handle, output)
		if err != nil {
			logging.LogWith(ctx, ig.logger).Warn("source handle did not apply",
				"edge", e.ID, "handle", handle, "error", err)
			return nil, false
		}
		return v, v != nil
	}

	obj, ok := output.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj[handle]
	return v, ok
}

// priorOutput returns the recorded Success output of the node's first
// inbound source, or nil. Chat sessions pass only this upstream value.
func priorOutput(g *Graph, n *Node, results *ResultStore) any {
	in := g.Inbound(n.ID())
	if len(in) == 0 {
		return nil
	}
	r, ok := results.Get(in[0].Source)
	if !ok || !r.OK() {
		return nil
	}
	return r.Output
}
