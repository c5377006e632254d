package flowline

import "strings"

// NodeKind classifies a graph node. Kinds are decided once at parse time so
// the rest of the engine can switch on a closed set instead of raw type text.
type NodeKind string

const (
	NodeKindUnknown   NodeKind = "unknown"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
	NodeKindHumanTask NodeKind = "humanTask"
	NodeKindAutomatic NodeKind = "automatic"
	NodeKindGateway   NodeKind = "gateway"
	NodeKindTimer     NodeKind = "timer"
)

// ParseNodeKind maps raw node type text to a NodeKind. Matching is
// case-insensitive and tolerates the underscore spellings used by older
// definitions. Anything unrecognized maps to NodeKindUnknown.
func ParseNodeKind(s string) NodeKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start":
		return NodeKindStart
	case "end":
		return NodeKindEnd
	case "humantask", "human_task", "usertask", "user_task":
		return NodeKindHumanTask
	case "automatic", "auto", "service", "servicetask", "service_task":
		return NodeKindAutomatic
	case "gateway":
		return NodeKindGateway
	case "timer":
		return NodeKindTimer
	default:
		return NodeKindUnknown
	}
}

// Node is a single node in a workflow definition graph.
type Node struct {
	ID            string
	Type          string // raw type text as authored
	Kind          NodeKind
	Name          string
	AssigneeRoles []string
	DueInMinutes  int
	DelayMinutes  int
	Properties    map[string]any // unrecognized properties, preserved as-is
}

// DisplayName returns the node name, falling back to the node ID.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// IsHumanTask reports whether the node materializes a human task when
// reached by the execution engine.
func (n *Node) IsHumanTask() bool {
	return n.Kind == NodeKindHumanTask
}

// AssignedRole returns the single role a task at this node should be
// assigned to. It returns false for non-task nodes and for nodes declaring
// zero or multiple candidate roles.
func (n *Node) AssignedRole() (string, bool) {
	if n.Kind != NodeKindHumanTask || len(n.AssigneeRoles) != 1 {
		return "", false
	}
	return n.AssigneeRoles[0], true
}

// Edge connects two nodes in a workflow definition graph. Older definitions
// use "from"/"to" for the endpoints; EffectiveSource and EffectiveTarget
// resolve both spellings.
type Edge struct {
	ID         string
	Source     string
	Target     string
	From       string
	To         string
	Label      string
	Condition  string
	Properties map[string]any
}

// EffectiveSource returns the edge's source node ID regardless of which key
// spelling the definition used.
func (e *Edge) EffectiveSource() string {
	if e.Source != "" {
		return e.Source
	}
	return e.From
}

// EffectiveTarget returns the edge's target node ID regardless of which key
// spelling the definition used.
func (e *Edge) EffectiveTarget() string {
	if e.Target != "" {
		return e.Target
	}
	return e.To
}
