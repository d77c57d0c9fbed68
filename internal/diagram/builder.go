package diagram

import (
	"fmt"

	"github.com/rendis/skillflow/internal/engine"
	"github.com/rendis/skillflow/pkg/schema"
)

// Build constructs a DiagramModel from a graph. Node statuses come from the
// graph; results, when non-nil, add failure messages. Nodes are laid out in
// linearized order, grouped into levels by their longest predecessor chain.
func Build(g *engine.Graph, results *engine.ResultStore) (*DiagramModel, error) {
	order, err := engine.Linearize(g)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	model := &DiagramModel{Title: g.Name}
	if model.Title == "" {
		model.Title = "Workflow"
	}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	hasOut := make(map[string]bool, len(order))
	for _, e := range g.Edges() {
		hasOut[e.Source] = true
	}

	level := make(map[string]int, len(order))
	for _, n := range order {
		model.Nodes = append(model.Nodes, toNode(n, results))

		lv := 1
		inbound := g.Inbound(n.ID())
		for _, e := range inbound {
			lv = max(lv, level[e.Source]+1)
			model.Edges = append(model.Edges, Edge{From: e.Source, To: e.Target, Label: edgeLabel(e)})
		}
		if len(inbound) == 0 {
			model.Edges = append(model.Edges, Edge{From: startID, To: n.ID()})
		}
		if !hasOut[n.ID()] {
			model.Edges = append(model.Edges, Edge{From: n.ID(), To: endID})
		}
		level[n.ID()] = lv
		for len(model.Levels) <= lv {
			model.Levels = append(model.Levels, nil)
		}
		model.Levels[lv] = append(model.Levels[lv], n.ID())
	}
	if len(order) == 0 {
		model.Edges = append(model.Edges, Edge{From: startID, To: endID})
		model.Levels = append(model.Levels, nil)
	}

	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	model.Levels[0] = []string{startID}
	model.Levels = append(model.Levels, []string{endID})
	return model, nil
}

// BuildDefinition builds the diagram of a definition with every node pending.
func BuildDefinition(def *schema.WorkflowDefinition) (*DiagramModel, error) {
	g, err := engine.FromDefinition(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}
	return Build(g, nil)
}

func toNode(n *engine.Node, results *engine.ResultStore) *Node {
	label := n.Skill()
	if n.Label != "" {
		label = n.Label + "\n" + n.Skill()
	}
	kind := NodeKindSkill
	if n.AwaitInput || n.AwaitWhen != "" {
		kind = NodeKindAwait
	}

	node := &Node{ID: n.ID(), Label: label, Skill: n.Skill(), Kind: kind}
	status := n.Status()
	if status == schema.NodeStatusPending && results == nil {
		return node
	}
	node.Status = &StatusOverlay{Status: string(status)}
	if results != nil {
		if r, ok := results.Get(n.ID()); ok && !r.OK() {
			node.Status.Error = r.Message
		}
	}
	return node
}

func edgeLabel(e engine.Edge) string {
	switch {
	case e.SourceHandle == "" && e.TargetHandle == "":
		return ""
	case e.SourceHandle == "":
		return "→ " + e.TargetHandle
	case e.TargetHandle == "":
		return e.SourceHandle + " →"
	}
	return e.SourceHandle + " → " + e.TargetHandle
}
