package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkspaceID(t *testing.T) {
	t.Run("trims and normalizes", func(t *testing.T) {
		id, err := NewWorkspaceID("  my-workspace  ")
		require.NoError(t, err)
		assert.Equal(t, "my-workspace", id.String())
		assert.False(t, id.IsZero())
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := NewWorkspaceID("   ")
		assert.Error(t, err)
	})

	t.Run("rejects too long", func(t *testing.T) {
		_, err := NewWorkspaceID(strings.Repeat("a", MaxWorkspaceLen+1))
		assert.Error(t, err)
	})

	t.Run("rejects invalid characters", func(t *testing.T) {
		_, err := NewWorkspaceID("ws with spaces")
		assert.Error(t, err)
	})

	t.Run("zero value is zero", func(t *testing.T) {
		var z WorkspaceID
		assert.True(t, z.IsZero())
	})
}

func TestNewBranchName(t *testing.T) {
	_, err := NewBranchName("")
	assert.Error(t, err)

	_, err = NewBranchName("feature/x")
	assert.Error(t, err, "branch names reject the ':' and '/' separators colon test expects rejection of slash too")

	b, err := NewBranchName("feature-x.v2")
	require.NoError(t, err)
	assert.Equal(t, "feature-x.v2", b.String())

	_, err = NewBranchName(strings.Repeat("a", 201))
	assert.Error(t, err)
}

func TestStepPathRoundTrip(t *testing.T) {
	p := RootStepPath(0).Child(2).Child(1)
	assert.Equal(t, "s:0.s:2.s:1", p.String())
	assert.Equal(t, 3, p.Depth())

	parsed, err := ParseStepPath("s:0.s:2.s:1")
	require.NoError(t, err)
	assert.Equal(t, p.String(), parsed.String())

	parent, ok := parsed.Parent()
	require.True(t, ok)
	assert.Equal(t, "s:0.s:2", parent.String())

	root := RootStepPath(5)
	_, ok = root.Parent()
	assert.False(t, ok, "a root path has no parent")
}

func TestParseStepPathRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "0.1", "s:x", "s:-1", "s:0..s:1"} {
		_, err := ParseStepPath(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestGraphNodeID(t *testing.T) {
	id, err := GraphNodeID("task:ABC-1")
	require.NoError(t, err)
	assert.Equal(t, "task:ABC-1", id)

	_, err = GraphNodeID("")
	assert.Error(t, err)

	_, err = GraphNodeID("has spaces")
	assert.Error(t, err)

	_, err = GraphNodeID(strings.Repeat("a", 257))
	assert.Error(t, err)
}

func TestRelation(t *testing.T) {
	rel, err := Relation("tested_by")
	require.NoError(t, err)
	assert.Equal(t, "tested_by", rel)

	_, err = Relation("Tested_By")
	assert.Error(t, err, "relation names must be lowercase")

	_, err = Relation("0start")
	assert.Error(t, err)
}

func TestAnchorSlugAndID(t *testing.T) {
	slug, err := AnchorSlug("auth-flow")
	require.NoError(t, err)
	assert.Equal(t, "a:auth-flow", AnchorID(slug))

	_, err = AnchorSlug("Auth-Flow")
	assert.Error(t, err, "slugs must be lowercase")

	_, err = AnchorSlug(strings.Repeat("a", 129))
	assert.Error(t, err)
}

func TestTaskAndStepNodeID(t *testing.T) {
	assert.Equal(t, "task:T-1", TaskNodeID("T-1"))
	assert.Equal(t, "step:STEP-1", StepNodeID("STEP-1"))
}
