package flowline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGraph(t *testing.T) {
	t.Run("basic graph", func(t *testing.T) {
		g, err := ParseGraph(approvalGraph)
		require.NoError(t, err)
		require.Len(t, g.Nodes(), 3)
		require.Len(t, g.Edges(), 2)

		approve, ok := g.GetNode("approve")
		require.True(t, ok)
		require.Equal(t, NodeKindHumanTask, approve.Kind)
		require.Equal(t, []string{"manager"}, approve.AssigneeRoles)
		require.Equal(t, 60, approve.DueInMinutes)
	})

	t.Run("not a json object", func(t *testing.T) {
		_, err := ParseGraph(`[1, 2, 3]`)
		require.Error(t, err)
		require.True(t, IsCode(err, ErrMalformedDefinition))
	})

	t.Run("missing nodes list", func(t *testing.T) {
		_, err := ParseGraph(`{"edges": []}`)
		require.Error(t, err)
		require.True(t, IsCode(err, ErrMalformedDefinition))
	})

	t.Run("missing edges list", func(t *testing.T) {
		_, err := ParseGraph(`{"nodes": []}`)
		require.Error(t, err)
		require.True(t, IsCode(err, ErrMalformedDefinition))
	})

	t.Run("from and to edge spellings", func(t *testing.T) {
		g, err := ParseGraph(`{
			"nodes": [
				{"id": "a", "type": "start"},
				{"id": "b", "type": "end"}
			],
			"edges": [{"id": "e1", "from": "a", "to": "b"}]
		}`)
		require.NoError(t, err)
		edges := g.OutgoingEdges("a")
		require.Len(t, edges, 1)
		require.Equal(t, "a", edges[0].EffectiveSource())
		require.Equal(t, "b", edges[0].EffectiveTarget())
	})

	t.Run("single role string is accepted", func(t *testing.T) {
		g, err := ParseGraph(`{
			"nodes": [{"id": "t", "type": "humanTask", "assigneeRoles": "clerk"}],
			"edges": []
		}`)
		require.NoError(t, err)
		node, ok := g.GetNode("t")
		require.True(t, ok)
		require.Equal(t, []string{"clerk"}, node.AssigneeRoles)
	})

	t.Run("unknown properties are preserved", func(t *testing.T) {
		g, err := ParseGraph(`{
			"layout": {"zoom": 1.5},
			"nodes": [{"id": "a", "type": "start", "x": 100, "y": 200}],
			"edges": []
		}`)
		require.NoError(t, err)
		node, _ := g.GetNode("a")
		require.Equal(t, float64(100), node.Properties["x"])

		text, err := g.Marshal()
		require.NoError(t, err)
		reparsed, err := ParseGraph(text)
		require.NoError(t, err)
		node, _ = reparsed.GetNode("a")
		require.Equal(t, float64(100), node.Properties["x"])
	})
}

func TestMarshalCanonicalizesEdgeKeys(t *testing.T) {
	g, err := ParseGraph(`{
		"nodes": [
			{"id": "a", "type": "start"},
			{"id": "b", "type": "end"}
		],
		"edges": [{"id": "e1", "from": "a", "to": "b"}]
	}`)
	require.NoError(t, err)

	text, err := g.Marshal()
	require.NoError(t, err)
	require.Contains(t, text, `"source":"a"`)
	require.Contains(t, text, `"target":"b"`)
	require.NotContains(t, text, `"from"`)
}

func TestNormalizeGatewayLabels(t *testing.T) {
	const gatewayGraph = `{
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "gw", "type": "gateway"},
			{"id": "a", "type": "humanTask", "name": "Review"},
			{"id": "b", "type": "end"}
		],
		"edges": [
			{"id": "e1", "source": "start", "target": "gw"},
			{"id": "e2", "source": "gw", "target": "a"},
			{"id": "e3", "source": "gw", "target": "b", "condition": "done"}
		]
	}`

	g, err := ParseGraph(gatewayGraph)
	require.NoError(t, err)

	changed := g.NormalizeGatewayLabels()
	require.True(t, changed)

	var e2, e3 *Edge
	for _, edge := range g.Edges() {
		switch edge.ID {
		case "e2":
			e2 = edge
		case "e3":
			e3 = edge
		}
	}
	require.Equal(t, "Review", e2.Label)
	require.Empty(t, e3.Label, "conditioned edges keep their classification")

	// Applying enrichment again changes nothing.
	require.False(t, g.NormalizeGatewayLabels())

	// Non-gateway edges are never labeled.
	var e1 *Edge
	for _, edge := range g.Edges() {
		if edge.ID == "e1" {
			e1 = edge
		}
	}
	require.Empty(t, e1.Label)
}

func TestRolesInUse(t *testing.T) {
	g, err := ParseGraph(`{
		"nodes": [
			{"id": "t1", "type": "humanTask", "assigneeRoles": ["manager", "clerk"]},
			{"id": "t2", "type": "humanTask", "assigneeRoles": ["manager"]},
			{"id": "auto", "type": "automatic", "assigneeRoles": ["ignored"]}
		],
		"edges": []
	}`)
	require.NoError(t, err)
	require.Equal(t, []string{"manager", "clerk"}, g.RolesInUse())
}
