package flowline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, text string) *Graph {
	t.Helper()
	g, err := ParseGraph(text)
	require.NoError(t, err)
	return g
}

func TestValidateGraph(t *testing.T) {
	t.Run("valid graph passes both tiers", func(t *testing.T) {
		g := mustParse(t, approvalGraph)
		for _, strict := range []bool{false, true} {
			result := ValidateGraph(g, strict)
			require.True(t, result.IsValid)
			require.Empty(t, result.Errors)
		}
	})

	t.Run("duplicate node ids are fatal in both tiers", func(t *testing.T) {
		g := mustParse(t, `{
			"nodes": [
				{"id": "start", "type": "start"},
				{"id": "start", "type": "start"},
				{"id": "end", "type": "end"}
			],
			"edges": [{"id": "e1", "source": "start", "target": "end"}]
		}`)
		for _, strict := range []bool{false, true} {
			result := ValidateGraph(g, strict)
			require.False(t, result.IsValid)
			require.Contains(t, result.Errors[0], "duplicate node id")
		}
	})

	t.Run("missing start node is fatal even for drafts", func(t *testing.T) {
		g := mustParse(t, `{
			"nodes": [{"id": "end", "type": "end"}],
			"edges": []
		}`)
		result := ValidateGraph(g, false)
		require.False(t, result.IsValid)
		require.Contains(t, result.Errors[0], "no Start node")
	})

	t.Run("missing end node is a draft warning but a publish error", func(t *testing.T) {
		g := mustParse(t, `{
			"nodes": [{"id": "start", "type": "start"}],
			"edges": []
		}`)
		draft := ValidateGraph(g, false)
		require.True(t, draft.IsValid)
		require.Contains(t, draft.Warnings, "graph has no End node")

		strict := ValidateGraph(g, true)
		require.False(t, strict.IsValid)
		require.Contains(t, strict.Errors, "graph has no End node")
	})

	t.Run("multiple start nodes are a publish error only", func(t *testing.T) {
		g := mustParse(t, `{
			"nodes": [
				{"id": "s1", "type": "start"},
				{"id": "s2", "type": "start"},
				{"id": "end", "type": "end"}
			],
			"edges": [
				{"id": "e1", "source": "s1", "target": "end"},
				{"id": "e2", "source": "s2", "target": "end"}
			]
		}`)
		require.True(t, ValidateGraph(g, false).IsValid)
		require.False(t, ValidateGraph(g, true).IsValid)
	})

	t.Run("unresolved edge endpoints are fatal", func(t *testing.T) {
		g := mustParse(t, `{
			"nodes": [
				{"id": "start", "type": "start"},
				{"id": "end", "type": "end"}
			],
			"edges": [{"id": "e1", "source": "start", "target": "ghost"}]
		}`)
		result := ValidateGraph(g, false)
		require.False(t, result.IsValid)
		require.Contains(t, result.Errors[0], "unknown target node")
	})

	t.Run("unreachable nodes are reported with their ids", func(t *testing.T) {
		g := mustParse(t, `{
			"nodes": [
				{"id": "start", "type": "start"},
				{"id": "island", "type": "humanTask"},
				{"id": "end", "type": "end"},
				{"id": "lonely_end", "type": "end"}
			],
			"edges": [{"id": "e1", "source": "start", "target": "end"}]
		}`)
		result := ValidateGraph(g, true)
		require.False(t, result.IsValid)
		require.Contains(t, result.Errors, `node "island" is not reachable from Start`)
		require.Contains(t, result.Errors, `End node "lonely_end" is not reachable from Start`)
	})

	t.Run("all violations are accumulated", func(t *testing.T) {
		g := mustParse(t, `{
			"nodes": [
				{"id": "a", "type": "humanTask"},
				{"id": "a", "type": "humanTask"}
			],
			"edges": [{"id": "e1", "source": "a", "target": "ghost"}]
		}`)
		result := ValidateGraph(g, true)
		require.False(t, result.IsValid)
		require.GreaterOrEqual(t, len(result.Errors), 3)
	})

	t.Run("gateway edges without classification warn", func(t *testing.T) {
		g := mustParse(t, `{
			"nodes": [
				{"id": "start", "type": "start"},
				{"id": "gw", "type": "gateway"},
				{"id": "end", "type": "end"}
			],
			"edges": [
				{"id": "e1", "source": "start", "target": "gw"},
				{"id": "e2", "source": "gw", "target": "end"}
			]
		}`)
		result := ValidateGraph(g, true)
		require.True(t, result.IsValid)
		require.Len(t, result.Warnings, 1)
		require.Contains(t, result.Warnings[0], "neither label nor condition")
	})

	t.Run("metadata counters", func(t *testing.T) {
		g := mustParse(t, approvalGraph)
		result := ValidateGraph(g, true)
		require.Equal(t, 3, result.Metadata["nodeCount"])
		require.Equal(t, 2, result.Metadata["edgeCount"])
		require.Equal(t, 1, result.Metadata["startCount"])
		require.Equal(t, 1, result.Metadata["endCount"])
		require.Equal(t, 3, result.Metadata["reachableCount"])
	})
}
