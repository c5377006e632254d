package flowline

import "fmt"

// ValidationResult is the outcome of a structural validation pass. Errors
// block publish; warnings never do.
type ValidationResult struct {
	IsValid  bool           `json:"is_valid"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// finding is one rule violation together with its severity class.
// Structural violations are fatal in both validation tiers; topology
// violations are demoted to warnings when validating a draft.
type finding struct {
	message    string
	structural bool
}

// ValidateGraph checks the structural invariants of a definition graph.
// All violations are accumulated; nothing short-circuits. With strict=true
// (the publish tier) every violation is fatal. With strict=false (the draft
// tier) only duplicate IDs, unresolved edges, and a missing Start node are
// fatal, letting incomplete drafts be saved while a broken graph still
// cannot publish.
func ValidateGraph(g *Graph, strict bool) *ValidationResult {
	var findings []finding
	var warnings []string

	// Duplicate node and edge IDs.
	seenNodes := map[string]bool{}
	for _, node := range g.Nodes() {
		if seenNodes[node.ID] {
			findings = append(findings, finding{
				message:    fmt.Sprintf("duplicate node id %q", node.ID),
				structural: true,
			})
			continue
		}
		seenNodes[node.ID] = true
	}
	seenEdges := map[string]bool{}
	for _, edge := range g.Edges() {
		if seenEdges[edge.ID] {
			findings = append(findings, finding{
				message:    fmt.Sprintf("duplicate edge id %q", edge.ID),
				structural: true,
			})
			continue
		}
		seenEdges[edge.ID] = true
	}

	// Start and End node counts. Zero Start nodes is structural: a graph
	// without an entry point is broken even as a draft.
	starts := g.StartNodes()
	ends := g.EndNodes()
	switch {
	case len(starts) == 0:
		findings = append(findings, finding{
			message:    "graph has no Start node",
			structural: true,
		})
	case len(starts) > 1:
		findings = append(findings, finding{
			message: fmt.Sprintf("graph has %d Start nodes, expected exactly one", len(starts)),
		})
	}
	if len(ends) == 0 {
		findings = append(findings, finding{
			message: "graph has no End node",
		})
	}

	// Every edge endpoint must resolve to an existing node.
	for _, edge := range g.Edges() {
		if _, ok := g.GetNode(edge.EffectiveSource()); !ok {
			findings = append(findings, finding{
				message:    fmt.Sprintf("edge %q references unknown source node %q", edge.ID, edge.EffectiveSource()),
				structural: true,
			})
		}
		if _, ok := g.GetNode(edge.EffectiveTarget()); !ok {
			findings = append(findings, finding{
				message:    fmt.Sprintf("edge %q references unknown target node %q", edge.ID, edge.EffectiveTarget()),
				structural: true,
			})
		}
	}

	// Reachability from the Start node. Skipped when the Start count is
	// already wrong, since there is no well-defined origin to walk from.
	reachable := map[string]bool{}
	if len(starts) == 1 {
		reachable = reachableFrom(g, starts[0].ID)
		for _, node := range g.Nodes() {
			if node.Kind == NodeKindStart {
				continue
			}
			if !reachable[node.ID] {
				if node.Kind == NodeKindEnd {
					findings = append(findings, finding{
						message: fmt.Sprintf("End node %q is not reachable from Start", node.ID),
					})
				} else {
					findings = append(findings, finding{
						message: fmt.Sprintf("node %q is not reachable from Start", node.ID),
					})
				}
			}
		}
	}

	// Advisory warnings: gateway outgoing edges without classification.
	for _, node := range g.Nodes() {
		if node.Kind != NodeKindGateway {
			continue
		}
		for _, edge := range g.OutgoingEdges(node.ID) {
			if edge.Label == "" && edge.Condition == "" {
				warnings = append(warnings, fmt.Sprintf("gateway %q edge %q has neither label nor condition", node.ID, edge.ID))
			}
		}
	}

	result := &ValidationResult{
		Warnings: warnings,
		Metadata: map[string]any{
			"nodeCount":      len(g.Nodes()),
			"edgeCount":      len(g.Edges()),
			"startCount":     len(starts),
			"endCount":       len(ends),
			"reachableCount": len(reachable),
		},
	}
	for _, f := range findings {
		if strict || f.structural {
			result.Errors = append(result.Errors, f.message)
		} else {
			result.Warnings = append(result.Warnings, f.message)
		}
	}
	result.IsValid = len(result.Errors) == 0
	return result
}

// reachableFrom walks edges breadth-first from the given node, returning the
// set of visited node IDs (including the origin).
func reachableFrom(g *Graph, startID string) map[string]bool {
	visited := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, edge := range g.OutgoingEdges(current) {
			target := edge.EffectiveTarget()
			if _, ok := g.GetNode(target); !ok {
				continue
			}
			if !visited[target] {
				visited[target] = true
				queue = append(queue, target)
			}
		}
	}
	return visited
}
