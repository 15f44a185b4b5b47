package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/pkg/bmerrors"
)

func mustApply(t *testing.T, s *Store, ws, branch, doc string, op GraphOp) DocEntry {
	t.Helper()
	entry, applied, err := s.GraphApply(context.Background(), ws, branch, doc, op, "")
	require.NoError(t, err)
	require.True(t, applied)
	return entry
}

func nodeUpsert(n GraphNode) GraphOp  { return GraphOp{NodeUpsert: &n} }
func nodeDelete(id string) GraphOp    { return GraphOp{NodeDelete: &id} }
func edgeUpsert(e GraphEdge) GraphOp  { return GraphOp{EdgeUpsert: &e} }
func edgeDelete(e GraphEdge) GraphOp  { return GraphOp{EdgeDelete: &e} }

func TestGraphQueryLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "n1", Type: "idea", Title: "first"}))
	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "n1", Type: "idea", Title: "second"}))

	page, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{})
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, "second", page.Nodes[0].Title, "highest-seq write wins")
}

func TestGraphQueryTombstoneHidesNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "n1", Type: "idea"}))
	mustApply(t, s, "ws1", "main", "g", nodeDelete("n1"))

	page, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Nodes)

	// an upsert after the delete supersedes the tombstone.
	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "n1", Type: "idea", Title: "revived"}))
	page, err = s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{})
	require.NoError(t, err)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, "revived", page.Nodes[0].Title)
}

func TestGraphQueryHonorsInheritance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "base", Type: "idea"}))
	_, err := s.BranchCreate(ctx, "ws1", "derived", "main")
	require.NoError(t, err)
	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "after-branch", Type: "idea"}))
	mustApply(t, s, "ws1", "derived", "g", nodeUpsert(GraphNode{ID: "local", Type: "idea"}))

	page, err := s.GraphQuery(ctx, "ws1", "derived", "g", GraphFilter{})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, n := range page.Nodes {
		ids[n.ID] = true
	}
	assert.True(t, ids["base"], "parent history up to the branch point is visible")
	assert.True(t, ids["local"])
	assert.False(t, ids["after-branch"], "parent writes past the cutoff are invisible")
}

func TestGraphQueryDerivedSeesVersionAtBranchPoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "n1", Type: "idea", Title: "v1"}))
	_, err := s.BranchCreate(ctx, "ws1", "derived", "main")
	require.NoError(t, err)
	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "n1", Type: "idea", Title: "v2"}))

	derived, err := s.GraphQuery(ctx, "ws1", "derived", "g", GraphFilter{})
	require.NoError(t, err)
	require.Len(t, derived.Nodes, 1)
	assert.Equal(t, "v1", derived.Nodes[0].Title,
		"a parent update past the cutoff must not leak into the derived view; the branch-point version stays visible")

	parent, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{})
	require.NoError(t, err)
	require.Len(t, parent.Nodes, 1)
	assert.Equal(t, "v2", parent.Nodes[0].Title)
}

func TestGraphQueryDerivedDeleteShadowsParentNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "shared", Type: "idea"}))
	_, err := s.BranchCreate(ctx, "ws1", "derived", "main")
	require.NoError(t, err)
	mustApply(t, s, "ws1", "derived", "g", nodeDelete("shared"))

	derived, err := s.GraphQuery(ctx, "ws1", "derived", "g", GraphFilter{})
	require.NoError(t, err)
	assert.Empty(t, derived.Nodes, "derived tombstone wins by higher seq")

	parent, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{})
	require.NoError(t, err)
	assert.Len(t, parent.Nodes, 1, "parent view is untouched by derived tombstones")
}

func TestGraphQueryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "h1", Type: "hypothesis", Status: "active", Tags: []string{"a:core", "k:cache"}, Title: "cache is stale"}))
	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "d1", Type: "decision", Status: "done", Tags: []string{"a:core"}, Text: "use WAL"}))

	byType, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{Types: []string{"hypothesis"}})
	require.NoError(t, err)
	require.Len(t, byType.Nodes, 1)
	assert.Equal(t, "h1", byType.Nodes[0].ID)

	byTags, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{TagsAll: []string{"a:core", "k:cache"}})
	require.NoError(t, err)
	require.Len(t, byTags.Nodes, 1)
	assert.Equal(t, "h1", byTags.Nodes[0].ID)

	byText, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{Text: "wal"})
	require.NoError(t, err)
	require.Len(t, byText.Nodes, 1)
	assert.Equal(t, "d1", byText.Nodes[0].ID, "text filter matches title+text, case-insensitive")

	byStatus, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{Status: []string{"active"}})
	require.NoError(t, err)
	require.Len(t, byStatus.Nodes, 1)
	assert.Equal(t, "h1", byStatus.Nodes[0].ID)
}

func TestGraphQueryPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2", "n3"} {
		mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: id, Type: "idea"}))
	}

	first, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Nodes, 2)
	assert.True(t, first.HasMore)

	second, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Nodes, 1)
	assert.False(t, second.HasMore)
	assert.NotEqual(t, first.Nodes[0].ID, second.Nodes[0].ID)
}

func TestGraphQueryIncludeEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "a", Type: "idea"}))
	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "b", Type: "idea"}))
	mustApply(t, s, "ws1", "main", "g", edgeUpsert(GraphEdge{From: "a", Rel: "supports", To: "b"}))

	page, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{IncludeEdges: true})
	require.NoError(t, err)
	require.Len(t, page.Edges, 1)
	assert.Equal(t, "supports", page.Edges[0].Rel)
}

func TestGraphApplyAllowsDanglingEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// edge endpoints need not exist at apply time.
	mustApply(t, s, "ws1", "main", "g", edgeUpsert(GraphEdge{From: "ghost-a", Rel: "supports", To: "ghost-b"}))

	issues, err := s.GraphValidate(ctx, "ws1", "main", "g")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "EDGE_ENDPOINT_MISSING", issues[0].Code)
}

func TestGraphApplyRejectsInvalidIDs(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.GraphApply(context.Background(), "ws1", "main", "g",
		nodeUpsert(GraphNode{ID: "has space", Type: "idea"}), "")
	var invalid *bmerrors.InvalidInput
	assert.ErrorAs(t, err, &invalid)

	_, _, err = s.GraphApply(context.Background(), "ws1", "main", "g",
		edgeUpsert(GraphEdge{From: "a", Rel: "Not-Valid", To: "b"}), "")
	assert.ErrorAs(t, err, &invalid)
}

func TestGraphApplyDedupKeyIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, applied, err := s.GraphApply(ctx, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "n1", Type: "idea"}), "k1")
	require.NoError(t, err)
	assert.True(t, applied)

	_, applied, err = s.GraphApply(ctx, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "n1", Type: "idea"}), "k1")
	require.NoError(t, err)
	assert.False(t, applied, "repeated dedup key suppresses the duplicate op")

	page, err := s.Tail(ctx, "ws1", "main", "g", 0, 50)
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
}

func TestNodeDeleteTombstonesIncidentEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "a", Type: "idea"}))
	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "b", Type: "idea"}))
	mustApply(t, s, "ws1", "main", "g", edgeUpsert(GraphEdge{From: "a", Rel: "supports", To: "b"}))
	mustApply(t, s, "ws1", "main", "g", nodeDelete("b"))

	page, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{IncludeEdges: true})
	require.NoError(t, err)
	assert.Empty(t, page.Edges, "deleting a node tombstones its incident edges in the view")

	issues, err := s.GraphValidate(ctx, "ws1", "main", "g")
	require.NoError(t, err)
	assert.Empty(t, issues, "a tombstoned edge is not a dangling edge")
}

func TestEdgeDeleteTombstonesAndReupsertRevives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "a", Type: "idea"}))
	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "b", Type: "idea"}))
	mustApply(t, s, "ws1", "main", "g", edgeUpsert(GraphEdge{From: "a", Rel: "supports", To: "b"}))
	mustApply(t, s, "ws1", "main", "g", edgeDelete(GraphEdge{From: "a", Rel: "supports", To: "b"}))

	page, err := s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{IncludeEdges: true})
	require.NoError(t, err)
	assert.Empty(t, page.Edges)

	mustApply(t, s, "ws1", "main", "g", edgeUpsert(GraphEdge{From: "a", Rel: "supports", To: "b", MetaJSON: `{"v":2}`}))
	page, err = s.GraphQuery(ctx, "ws1", "main", "g", GraphFilter{IncludeEdges: true})
	require.NoError(t, err)
	require.Len(t, page.Edges, 1)
	assert.Equal(t, `{"v":2}`, page.Edges[0].MetaJSON)
}

func TestGraphDiffReturnsChangesInToNotInFrom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustApply(t, s, "ws1", "main", "g", nodeUpsert(GraphNode{ID: "shared", Type: "idea"}))
	_, err := s.BranchCreate(ctx, "ws1", "derived", "main")
	require.NoError(t, err)
	mustApply(t, s, "ws1", "derived", "g", nodeUpsert(GraphNode{ID: "only-derived", Type: "idea"}))
	mustApply(t, s, "ws1", "derived", "g", edgeUpsert(GraphEdge{From: "shared", Rel: "supports", To: "only-derived"}))

	page, err := s.GraphDiff(ctx, "ws1", "main", "derived", "g", 0, 50)
	require.NoError(t, err)
	require.Len(t, page.Changes, 2)
	var sawNode, sawEdge bool
	for _, c := range page.Changes {
		switch c.Kind {
		case "node":
			sawNode = true
			assert.Equal(t, "only-derived", c.Node.ID)
		case "edge":
			sawEdge = true
		}
	}
	assert.True(t, sawNode)
	assert.True(t, sawEdge)

	// reverse direction: nothing in main that derived lacks.
	reverse, err := s.GraphDiff(ctx, "ws1", "derived", "main", "g", 0, 50)
	require.NoError(t, err)
	assert.Empty(t, reverse.Changes)
}

func TestCanonicalMetaIgnoresKeyOrder(t *testing.T) {
	a := GraphNodeRow{GraphNode: GraphNode{ID: "n", Type: "idea", MetaJSON: `{"x":1,"y":"z"}`}}
	b := GraphNodeRow{GraphNode: GraphNode{ID: "n", Type: "idea", MetaJSON: `{"y":"z","x":1}`}}
	assert.True(t, nodesSemanticEqual(a, b), "meta_json compares canonically, not byte-wise")

	c := GraphNodeRow{GraphNode: GraphNode{ID: "n", Type: "idea", Tags: []string{"t2", "t1"}}}
	d := GraphNodeRow{GraphNode: GraphNode{ID: "n", Type: "idea", Tags: []string{"t1", "t2"}}}
	assert.True(t, nodesSemanticEqual(c, d), "tags compare as multisets")
}
