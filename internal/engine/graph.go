package engine

import (
	"slices"
	"sync"

	"github.com/rendis/skillflow/pkg/schema"
)

// Node is one skill invocation in a graph. ID and Skill are fixed at creation;
// Status is the only field the executors mutate.
type Node struct {
	id    string
	skill string

	Label      string
	Guidance   string
	Inputs     map[string]any
	AwaitInput bool
	AwaitWhen  string

	mu     sync.RWMutex
	status schema.NodeStatus
}

// ID returns the node identity.
func (n *Node) ID() string { return n.id }

// Skill returns the capability kind the node invokes.
func (n *Node) Skill() string { return n.skill }

// Status returns the node's current lifecycle status.
func (n *Node) Status() schema.NodeStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func (n *Node) setStatus(s schema.NodeStatus) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
}

// Edge connects the output of Source to an input slot of Target.
type Edge struct {
	ID           string
	Source       string
	Target       string
	SourceHandle string // output slot; empty passes the whole output
	TargetHandle string // input slot; empty means schema.DefaultInputSlot
}

// Slot returns the input slot the edge writes to.
func (e Edge) Slot() string {
	if e.TargetHandle == "" {
		return schema.DefaultInputSlot
	}
	return e.TargetHandle
}

// Graph holds the nodes and edges of one workflow instance.
// Node order is insertion order and is what makes linearization deterministic.
type Graph struct {
	mu sync.RWMutex

	ID          string
	Name        string
	Description string
	StartPrompt string
	Model       string

	nodes []*Node
	index map[string]*Node
	edges []Edge
}

// NewGraph creates an empty graph.
func NewGraph(id, name string) *Graph {
	return &Graph{ID: id, Name: name, index: make(map[string]*Node)}
}

// FromDefinition builds a graph from a workflow definition, preserving node and edge order.
func FromDefinition(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	g := NewGraph(def.ID, def.Name)
	g.Description = def.Description
	g.StartPrompt = def.StartPrompt
	g.Model = def.Model

	for _, nd := range def.Nodes {
		if _, err := g.AddNode(nd); err != nil {
			return nil, err
		}
	}
	for _, ed := range def.Edges {
		if err := g.AddEdge(Edge(ed)); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddNode adds a pending node. IDs must be unique and non-empty.
func (g *Graph) AddNode(def schema.NodeDefinition) (*Node, error) {
	if def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "node id is empty")
	}
	if def.Skill == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has no skill", def.ID).WithNode(def.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.index[def.ID]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", def.ID).WithNode(def.ID)
	}
	n := &Node{
		id:         def.ID,
		skill:      def.Skill,
		Label:      def.Label,
		Guidance:   def.Guidance,
		Inputs:     def.Inputs,
		AwaitInput: def.AwaitInput,
		AwaitWhen:  def.AwaitWhen,
		status:     schema.NodeStatusPending,
	}
	g.nodes = append(g.nodes, n)
	g.index[n.id] = n
	return n, nil
}

// AddEdge connects two existing nodes. Self-loops are accepted here and
// rejected by Linearize.
func (g *Graph) AddEdge(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[e.Source]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "edge source %q does not exist", e.Source).
			WithDetails(map[string]any{"edge_id": e.ID})
	}
	if _, ok := g.index[e.Target]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "edge target %q does not exist", e.Target).
			WithDetails(map[string]any{"edge_id": e.ID})
	}
	if e.ID == "" {
		e.ID = e.Source + "->" + e.Target
		if e.SourceHandle != "" || e.TargetHandle != "" {
			e.ID += ":" + e.SourceHandle + ":" + e.TargetHandle
		}
	}
	g.edges = append(g.edges, e)
	return nil
}

// RemoveNode deletes a node together with every edge referencing it and its
// entry in results (which may be nil). Both prunes happen under the graph lock.
func (g *Graph) RemoveNode(id string, results *ResultStore) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id).WithNode(id)
	}
	delete(g.index, id)
	g.nodes = slices.DeleteFunc(g.nodes, func(n *Node) bool { return n.id == id })
	g.edges = slices.DeleteFunc(g.edges, func(e Edge) bool { return e.Source == id || e.Target == id })
	if results != nil {
		results.Delete(id)
	}
	return nil
}

// Node looks up a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.index[id]
	return n, ok
}

// Nodes returns the nodes in stored order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.nodes)
}

// Edges returns the edges in stored order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.edges)
}

// Inbound returns the edges whose target is id, in stored order.
func (g *Graph) Inbound(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var in []Edge
	for _, e := range g.edges {
		if e.Target == id {
			in = append(in, e)
		}
	}
	return in
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Statuses returns a snapshot of every node's status.
func (g *Graph) Statuses() map[string]schema.NodeStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]schema.NodeStatus, len(g.nodes))
	for _, n := range g.nodes {
		out[n.id] = n.Status()
	}
	return out
}

// Definition converts the graph back to its serializable form.
func (g *Graph) Definition() *schema.WorkflowDefinition {
	g.mu.RLock()
	defer g.mu.RUnlock()

	def := &schema.WorkflowDefinition{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		StartPrompt: g.StartPrompt,
		Model:       g.Model,
		Nodes:       make([]schema.NodeDefinition, 0, len(g.nodes)),
		Edges:       make([]schema.EdgeDefinition, 0, len(g.edges)),
	}
	for _, n := range g.nodes {
		def.Nodes = append(def.Nodes, schema.NodeDefinition{
			ID:         n.id,
			Skill:      n.skill,
			Label:      n.Label,
			Guidance:   n.Guidance,
			Inputs:     n.Inputs,
			AwaitInput: n.AwaitInput,
			AwaitWhen:  n.AwaitWhen,
		})
	}
	for _, e := range g.edges {
		def.Edges = append(def.Edges, schema.EdgeDefinition(e))
	}
	return def
}
