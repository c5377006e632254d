package flowline

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/flowline/script"
)

// GatewayDecision is the outcome of evaluating a gateway node's outgoing
// edges for one instance.
type GatewayDecision struct {
	ChosenEdges     []*Edge
	Strategy        string
	ConditionResult bool
	Diagnostics     map[string]any
}

// GatewayDecider selects which outgoing edges of a gateway node traversal
// should follow. It is the extension point that keeps condition-evaluation
// policy out of the traversal algorithm: the default decider follows every
// edge, and a script-based decider can evaluate edge conditions against
// instance context instead.
type GatewayDecider interface {
	Decide(ctx context.Context, g *Graph, node *Node, instance *Instance, outgoing []*Edge) (*GatewayDecision, error)
}

// PassthroughDecider follows every outgoing edge unconditionally.
type PassthroughDecider struct{}

// NewPassthroughDecider creates the default gateway decider.
func NewPassthroughDecider() *PassthroughDecider {
	return &PassthroughDecider{}
}

func (d *PassthroughDecider) Decide(ctx context.Context, g *Graph, node *Node, instance *Instance, outgoing []*Edge) (*GatewayDecision, error) {
	return &GatewayDecision{
		ChosenEdges:     outgoing,
		Strategy:        "passthrough",
		ConditionResult: true,
	}, nil
}

// ScriptDecider evaluates each outgoing edge's condition against the
// instance context and follows the edges whose condition is truthy. Edges
// without a condition act as the default branch: they are followed only
// when no conditioned edge matched.
type ScriptDecider struct {
	compiler script.Compiler
}

// NewScriptDecider creates a condition-evaluating gateway decider.
func NewScriptDecider(compiler script.Compiler) *ScriptDecider {
	return &ScriptDecider{compiler: compiler}
}

func (d *ScriptDecider) Decide(ctx context.Context, g *Graph, node *Node, instance *Instance, outgoing []*Edge) (*GatewayDecision, error) {
	globals := map[string]any{"context": instance.ContextValues()}
	diagnostics := map[string]any{}

	var chosen []*Edge
	var defaults []*Edge
	for _, edge := range outgoing {
		if edge.Condition == "" {
			defaults = append(defaults, edge)
			continue
		}
		compiled, err := d.compiler.Compile(ctx, edge.Condition)
		if err != nil {
			return nil, fmt.Errorf("failed to compile condition on edge %q: %w", edge.ID, err)
		}
		value, err := compiled.Evaluate(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate condition on edge %q: %w", edge.ID, err)
		}
		truthy := value.IsTruthy()
		diagnostics[edge.ID] = truthy
		if truthy {
			chosen = append(chosen, edge)
		}
	}

	conditionResult := len(chosen) > 0
	if !conditionResult {
		chosen = defaults
	}
	return &GatewayDecision{
		ChosenEdges:     chosen,
		Strategy:        "script",
		ConditionResult: conditionResult,
		Diagnostics:     diagnostics,
	}, nil
}
