package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vecdb-io/vecdb/pkg/distance"
)

func TestAddEdgeRejectsSelfLoop(t *testing.T) {
	g := New()
	_, err := g.AddEdge(Edge{Source: "a", Target: "a", RelationshipType: "SIMILAR_TO"})
	require.Error(t, err)
}

func TestAddEdgeDedupAndConflictRule(t *testing.T) {
	g := New()

	_, err := g.AddEdge(Edge{Source: "a", Target: "b", RelationshipType: "LINK", Weight: 0.5, AutoDiscovered: true})
	require.NoError(t, err)
	require.Equal(t, 1, g.EdgeCount())

	// Auto-discovered replaces auto-discovered.
	e2, err := g.AddEdge(Edge{Source: "a", Target: "b", RelationshipType: "LINK", Weight: 0.9, AutoDiscovered: true})
	require.NoError(t, err)
	require.Equal(t, 0.9, e2.Weight)
	require.Equal(t, 1, g.EdgeCount())

	// Explicit edge wins over auto-discovered.
	e3, err := g.AddEdge(Edge{Source: "a", Target: "b", RelationshipType: "LINK", Weight: 0.1, AutoDiscovered: false})
	require.NoError(t, err)
	require.Equal(t, 0.1, e3.Weight)

	// A later auto-discovered candidate does not overwrite the explicit edge.
	e4, err := g.AddEdge(Edge{Source: "a", Target: "b", RelationshipType: "LINK", Weight: 0.99, AutoDiscovered: true})
	require.NoError(t, err)
	require.Equal(t, 0.1, e4.Weight)
}

func TestDeleteNodeRemovesIncidentEdges(t *testing.T) {
	g := New()
	_, err := g.AddEdge(Edge{Source: "a", Target: "b", RelationshipType: "LINK", Weight: 1})
	require.NoError(t, err)
	_, err = g.AddEdge(Edge{Source: "c", Target: "a", RelationshipType: "LINK", Weight: 1})
	require.NoError(t, err)
	require.Equal(t, 2, g.EdgeCount())

	g.DeleteNode("a")
	require.Equal(t, 0, g.EdgeCount())
}

func TestFindRelatedBoundedBFS(t *testing.T) {
	g := New()
	_, _ = g.AddEdge(Edge{Source: "a", Target: "b", RelationshipType: "LINK", Weight: 1})
	_, _ = g.AddEdge(Edge{Source: "b", Target: "c", RelationshipType: "LINK", Weight: 0.5})
	_, _ = g.AddEdge(Edge{Source: "c", Target: "d", RelationshipType: "LINK", Weight: 0.5})

	related, truncated := g.FindRelated("a", 2, 0)
	require.False(t, truncated)

	ids := map[string]bool{}
	for _, r := range related {
		ids[r.ID] = true
	}
	require.True(t, ids["b"])
	require.True(t, ids["c"])
	require.False(t, ids["d"]) // 3 hops away, beyond maxHops=2
}

func TestFindPathNoPath(t *testing.T) {
	g := New()
	g.UpsertNode(Node{ID: "a"})
	g.UpsertNode(Node{ID: "z"})

	res := g.FindPath("a", "z", 4, 0)
	require.False(t, res.Found)
	require.False(t, res.Truncated)
}

func TestFindPathPrefersHigherWeight(t *testing.T) {
	g := New()
	_, _ = g.AddEdge(Edge{Source: "a", Target: "b", RelationshipType: "LINK", Weight: 0.9})
	_, _ = g.AddEdge(Edge{Source: "b", Target: "z", RelationshipType: "LINK", Weight: 0.9})
	_, _ = g.AddEdge(Edge{Source: "a", Target: "c", RelationshipType: "LINK", Weight: 0.1})
	_, _ = g.AddEdge(Edge{Source: "c", Target: "z", RelationshipType: "LINK", Weight: 0.1})

	res := g.FindPath("a", "z", 4, 0)
	require.True(t, res.Found)
	require.Equal(t, []string{"a", "b", "z"}, res.Path)
}

func TestFindPathPrefersFewerHopsOverHigherWeight(t *testing.T) {
	g := New()
	// Direct 1-hop edge is weak; a 2-hop detour is much stronger. Hop
	// count must still win: the 1-hop path is the answer.
	_, _ = g.AddEdge(Edge{Source: "a", Target: "z", RelationshipType: "LINK", Weight: 0.01})
	_, _ = g.AddEdge(Edge{Source: "a", Target: "m", RelationshipType: "LINK", Weight: 0.99})
	_, _ = g.AddEdge(Edge{Source: "m", Target: "z", RelationshipType: "LINK", Weight: 0.99})

	res := g.FindPath("a", "z", 4, 0)
	require.True(t, res.Found)
	require.Equal(t, []string{"a", "z"}, res.Path)
}

func TestDiscoverSkipsExistingAndSelf(t *testing.T) {
	g := New()
	search := func(id string, k int) ([]string, []float32, error) {
		return []string{id, "b", "c"}, []float32{1, 0.95, 0.4}, nil
	}

	res := g.Discover([]string{"a"}, distance.Cosine, search, 0.8, 5, DiscoveryCursor{})
	require.Equal(t, 1, res.EdgesAdded)
	require.True(t, res.Done)

	res2 := g.Discover([]string{"a"}, distance.Cosine, search, 0.8, 5, DiscoveryCursor{})
	require.Equal(t, 0, res2.EdgesAdded, "re-running discovery with unchanged data must not duplicate edges")
}
