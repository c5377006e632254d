package flowline

import (
	"encoding/json"
	"fmt"
)

// nodeKeys and edgeKeys are the recognized JSON properties. Everything else
// is carried in the property bag and round-tripped by Marshal.
var nodeKeys = map[string]bool{
	"id": true, "type": true, "name": true,
	"assigneeRoles": true, "dueInMinutes": true, "delayMinutes": true,
}

var edgeKeys = map[string]bool{
	"id": true, "source": true, "target": true,
	"from": true, "to": true, "label": true, "condition": true,
}

// Graph is the parsed form of a workflow definition's JSON graph. It indexes
// nodes and outgoing edges so structural queries do not re-parse the text.
type Graph struct {
	nodes    []*Node
	edges    []*Edge
	nodesByID map[string]*Node
	outgoing  map[string][]*Edge
	extra     map[string]any // unrecognized top-level properties
}

// ParseGraph parses a graph definition JSON blob. It fails with a
// malformed-definition error when the text is not a JSON object or the
// "nodes"/"edges" containers are missing.
func ParseGraph(text string) (*Graph, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, NewError(ErrMalformedDefinition, fmt.Sprintf("definition is not a JSON object: %v", err))
	}
	rawNodes, ok := doc["nodes"].([]any)
	if !ok {
		return nil, NewError(ErrMalformedDefinition, "definition is missing the \"nodes\" list")
	}
	rawEdges, ok := doc["edges"].([]any)
	if !ok {
		return nil, NewError(ErrMalformedDefinition, "definition is missing the \"edges\" list")
	}

	g := &Graph{
		nodesByID: map[string]*Node{},
		outgoing:  map[string][]*Edge{},
		extra:     map[string]any{},
	}
	for key, value := range doc {
		if key != "nodes" && key != "edges" {
			g.extra[key] = value
		}
	}

	for i, raw := range rawNodes {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, NewError(ErrMalformedDefinition, fmt.Sprintf("node at index %d is not an object", i))
		}
		node := parseNode(obj)
		g.nodes = append(g.nodes, node)
		if _, exists := g.nodesByID[node.ID]; !exists {
			g.nodesByID[node.ID] = node
		}
	}
	for i, raw := range rawEdges {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, NewError(ErrMalformedDefinition, fmt.Sprintf("edge at index %d is not an object", i))
		}
		edge := parseEdge(obj)
		g.edges = append(g.edges, edge)
		if src := edge.EffectiveSource(); src != "" {
			g.outgoing[src] = append(g.outgoing[src], edge)
		}
	}
	return g, nil
}

func parseNode(obj map[string]any) *Node {
	node := &Node{
		ID:   stringProp(obj, "id"),
		Type: stringProp(obj, "type"),
		Name: stringProp(obj, "name"),
	}
	node.Kind = ParseNodeKind(node.Type)
	node.AssigneeRoles = parseRoles(obj["assigneeRoles"])
	node.DueInMinutes = intProp(obj, "dueInMinutes")
	node.DelayMinutes = intProp(obj, "delayMinutes")
	for key, value := range obj {
		if !nodeKeys[key] {
			if node.Properties == nil {
				node.Properties = map[string]any{}
			}
			node.Properties[key] = value
		}
	}
	return node
}

func parseEdge(obj map[string]any) *Edge {
	edge := &Edge{
		ID:        stringProp(obj, "id"),
		Source:    stringProp(obj, "source"),
		Target:    stringProp(obj, "target"),
		From:      stringProp(obj, "from"),
		To:        stringProp(obj, "to"),
		Label:     stringProp(obj, "label"),
		Condition: stringProp(obj, "condition"),
	}
	for key, value := range obj {
		if !edgeKeys[key] {
			if edge.Properties == nil {
				edge.Properties = map[string]any{}
			}
			edge.Properties[key] = value
		}
	}
	return edge
}

// parseRoles accepts either a single role string or a list of role strings.
func parseRoles(value any) []string {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		var roles []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
		return roles
	default:
		return nil
	}
}

func stringProp(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func intProp(obj map[string]any, key string) int {
	if f, ok := obj[key].(float64); ok {
		return int(f)
	}
	return 0
}

// Nodes returns all nodes in definition order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Edges returns all edges in definition order.
func (g *Graph) Edges() []*Edge {
	return g.edges
}

// GetNode returns a node by ID.
func (g *Graph) GetNode(id string) (*Node, bool) {
	node, ok := g.nodesByID[id]
	return node, ok
}

// OutgoingEdges returns the edges whose effective source is the given node.
func (g *Graph) OutgoingEdges(nodeID string) []*Edge {
	return g.outgoing[nodeID]
}

// StartNodes returns every node of kind Start.
func (g *Graph) StartNodes() []*Node {
	return g.nodesOfKind(NodeKindStart)
}

// EndNodes returns every node of kind End.
func (g *Graph) EndNodes() []*Node {
	return g.nodesOfKind(NodeKindEnd)
}

func (g *Graph) nodesOfKind(kind NodeKind) []*Node {
	var result []*Node
	for _, node := range g.nodes {
		if node.Kind == kind {
			result = append(result, node)
		}
	}
	return result
}

// RolesInUse returns the distinct assignee roles declared by human task
// nodes, in first-seen order. Used by role-usage auditing.
func (g *Graph) RolesInUse() []string {
	seen := map[string]bool{}
	var roles []string
	for _, node := range g.nodes {
		if !node.IsHumanTask() {
			continue
		}
		for _, role := range node.AssigneeRoles {
			if !seen[role] {
				seen[role] = true
				roles = append(roles, role)
			}
		}
	}
	return roles
}

// NormalizeGatewayLabels backfills a label on gateway outgoing edges that
// declare neither a label nor a condition, deriving it from the target
// node's display name. The derivation is a pure function of current graph
// content, so applying it twice yields the same result. It reports whether
// any edge changed.
func (g *Graph) NormalizeGatewayLabels() bool {
	changed := false
	for _, edge := range g.edges {
		if edge.Label != "" || edge.Condition != "" {
			continue
		}
		source, ok := g.nodesByID[edge.EffectiveSource()]
		if !ok || source.Kind != NodeKindGateway {
			continue
		}
		if target, ok := g.nodesByID[edge.EffectiveTarget()]; ok {
			edge.Label = target.DisplayName()
			changed = true
		}
	}
	return changed
}

// Marshal serializes the graph back to canonical JSON text: known properties
// under their canonical keys ("source"/"target" rather than "from"/"to"),
// property bags preserved, object keys in deterministic order.
func (g *Graph) Marshal() (string, error) {
	doc := map[string]any{}
	for key, value := range g.extra {
		doc[key] = value
	}

	nodes := make([]map[string]any, 0, len(g.nodes))
	for _, node := range g.nodes {
		obj := map[string]any{
			"id":   node.ID,
			"type": node.Type,
		}
		if node.Name != "" {
			obj["name"] = node.Name
		}
		if len(node.AssigneeRoles) > 0 {
			obj["assigneeRoles"] = node.AssigneeRoles
		}
		if node.DueInMinutes > 0 {
			obj["dueInMinutes"] = node.DueInMinutes
		}
		if node.DelayMinutes > 0 {
			obj["delayMinutes"] = node.DelayMinutes
		}
		for key, value := range node.Properties {
			obj[key] = value
		}
		nodes = append(nodes, obj)
	}
	doc["nodes"] = nodes

	edges := make([]map[string]any, 0, len(g.edges))
	for _, edge := range g.edges {
		obj := map[string]any{
			"id":     edge.ID,
			"source": edge.EffectiveSource(),
			"target": edge.EffectiveTarget(),
		}
		if edge.Label != "" {
			obj["label"] = edge.Label
		}
		if edge.Condition != "" {
			obj["condition"] = edge.Condition
		}
		for key, value := range edge.Properties {
			obj[key] = value
		}
		edges = append(edges, obj)
	}
	doc["edges"] = edges

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal graph: %w", err)
	}
	return string(data), nil
}
