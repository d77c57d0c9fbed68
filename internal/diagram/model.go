package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindSkill NodeKind = "skill"
	NodeKindAwait NodeKind = "await" // skill that pauses for user input in chat mode
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single skill node in the diagram.
type Node struct {
	ID     string
	Label  string
	Skill  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status string // from schema.NodeStatus
	Error  string
}

// Edge represents a data connection between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

const (
	startID = "__start__"
	endID   = "__end__"
)
