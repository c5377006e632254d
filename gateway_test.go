package flowline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flowline/script"
)

const deciderGraph = `{
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "gw", "type": "gateway"},
		{"id": "high", "type": "humanTask"},
		{"id": "low", "type": "end"}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "gw"},
		{"id": "e2", "source": "gw", "target": "high", "condition": "context.amount > 100"},
		{"id": "e3", "source": "gw", "target": "low"}
	]
}`

func deciderFixture(t *testing.T) (*Graph, *Node, []*Edge) {
	t.Helper()
	g, err := ParseGraph(deciderGraph)
	require.NoError(t, err)
	node, ok := g.GetNode("gw")
	require.True(t, ok)
	return g, node, g.OutgoingEdges("gw")
}

func TestPassthroughDecider(t *testing.T) {
	g, node, outgoing := deciderFixture(t)
	instance := &Instance{}

	decision, err := NewPassthroughDecider().Decide(context.Background(), g, node, instance, outgoing)
	require.NoError(t, err)
	require.Len(t, decision.ChosenEdges, 2)
	require.Equal(t, "passthrough", decision.Strategy)
	require.True(t, decision.ConditionResult)
}

func TestScriptDecider(t *testing.T) {
	decider := NewScriptDecider(script.NewExprScriptingEngine(nil))

	t.Run("matching condition wins over the default edge", func(t *testing.T) {
		g, node, outgoing := deciderFixture(t)
		instance := &Instance{}
		require.NoError(t, instance.SetContextValues(map[string]any{"amount": 250}))

		decision, err := decider.Decide(context.Background(), g, node, instance, outgoing)
		require.NoError(t, err)
		require.Len(t, decision.ChosenEdges, 1)
		require.Equal(t, "e2", decision.ChosenEdges[0].ID)
		require.True(t, decision.ConditionResult)
		require.Equal(t, true, decision.Diagnostics["e2"])
	})

	t.Run("default edge is the fallback", func(t *testing.T) {
		g, node, outgoing := deciderFixture(t)
		instance := &Instance{}
		require.NoError(t, instance.SetContextValues(map[string]any{"amount": 10}))

		decision, err := decider.Decide(context.Background(), g, node, instance, outgoing)
		require.NoError(t, err)
		require.Len(t, decision.ChosenEdges, 1)
		require.Equal(t, "e3", decision.ChosenEdges[0].ID)
		require.False(t, decision.ConditionResult)
		require.Equal(t, false, decision.Diagnostics["e2"])
	})

	t.Run("broken condition surfaces an error", func(t *testing.T) {
		g, err := ParseGraph(`{
			"nodes": [
				{"id": "gw", "type": "gateway"},
				{"id": "end", "type": "end"}
			],
			"edges": [{"id": "e1", "source": "gw", "target": "end", "condition": "1 +"}]
		}`)
		require.NoError(t, err)
		node, _ := g.GetNode("gw")

		_, err = decider.Decide(context.Background(), g, node, &Instance{}, g.OutgoingEdges("gw"))
		require.Error(t, err)
		require.Contains(t, err.Error(), `edge "e1"`)
	})
}
