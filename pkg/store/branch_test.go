package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/pkg/bmerrors"
	"github.com/branchmind/branchmind/pkg/ids"
)

func TestBranchCreateRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.BranchCreate(ctx, "ws1", "main", "")
	require.NoError(t, err)
	assert.Equal(t, "main", b.Name)
	assert.False(t, b.HasParent)
	assert.Zero(t, b.BaseSeq)
}

func TestBranchCreateDerivedRecordsParentHead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.BranchCreate(ctx, "ws1", "main", "")
	require.NoError(t, err)
	_, err = s.AppendDocEntry(ctx, "ws1", DocEntry{Branch: "main", Doc: "notes", Kind: DocKindNotes, Content: "a"})
	require.NoError(t, err)
	_, err = s.AppendDocEntry(ctx, "ws1", DocEntry{Branch: "main", Doc: "notes", Kind: DocKindNotes, Content: "b"})
	require.NoError(t, err)

	feature, err := s.BranchCreate(ctx, "ws1", "feature", "main")
	require.NoError(t, err)
	assert.True(t, feature.HasParent)
	assert.Equal(t, "main", feature.ParentBranch)
	assert.EqualValues(t, 2, feature.BaseSeq)
}

func TestBranchCreateRejectsDuplicateAndUnknownParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.BranchCreate(ctx, "ws1", "main", "")
	require.NoError(t, err)

	_, err = s.BranchCreate(ctx, "ws1", "main", "")
	var already *bmerrors.BranchAlreadyExists
	assert.ErrorAs(t, err, &already)

	_, err = s.BranchCreate(ctx, "ws1", "feature", "ghost")
	var unknown *bmerrors.UnknownBranch
	assert.ErrorAs(t, err, &unknown)
}

func TestBranchCreateRejectsInvalidName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.BranchCreate(ctx, "ws1", "has space", "")
	var invalid *bmerrors.InvalidInput
	assert.ErrorAs(t, err, &invalid)
}

func TestBranchCreateDetectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.BranchCreate(ctx, "ws1", "a", "")
	require.NoError(t, err)
	_, err = s.BranchCreate(ctx, "ws1", "b", "a")
	require.NoError(t, err)

	// manufacture a cycle directly: a's parent becomes b, forming a->b->a.
	_, err = s.db.ExecContext(ctx, `UPDATE branches SET parent_branch='b', base_seq=0 WHERE workspace='ws1' AND name='a'`)
	require.NoError(t, err)

	_, err = s.resolveInheritance(ctx, "ws1", "a")
	var cyc *bmerrors.BranchCycle
	assert.ErrorAs(t, err, &cyc)
}

func TestBranchCreateDetectsDepthExceeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.BranchCreate(ctx, "ws1", "b0", "")
	require.NoError(t, err)
	parent := "b0"
	var depth *bmerrors.BranchDepthExceeded
	for i := 1; i <= 40; i++ {
		name := "b" + string(rune('0'+i%10)) + "-" + parent
		_, err := s.BranchCreate(ctx, "ws1", name, parent)
		if i <= ids.MaxBranchDepth {
			require.NoError(t, err)
			parent = name
			continue
		}
		require.ErrorAs(t, err, &depth, "creating a branch %d levels below the root is rejected", i)
		break
	}
	require.NotNil(t, depth, "an over-deep branch creation was rejected")

	// the deepest branch that was created still resolves.
	_, err = s.resolveInheritance(ctx, "ws1", parent)
	assert.NoError(t, err)
}

func TestResolveInheritanceUnknownBranch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureWorkspace(ctx, "ws1"))

	_, err := s.resolveInheritance(ctx, "ws1", "ghost")
	var unknown *bmerrors.UnknownBranch
	assert.ErrorAs(t, err, &unknown)
}

func TestBranchDeleteRejectedWhileChildrenExist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.BranchCreate(ctx, "ws1", "main", "")
	require.NoError(t, err)
	_, err = s.BranchCreate(ctx, "ws1", "child", "main")
	require.NoError(t, err)

	err = s.BranchDelete(ctx, "ws1", "main")
	var invalid *bmerrors.InvalidInput
	require.ErrorAs(t, err, &invalid)

	require.NoError(t, s.BranchDelete(ctx, "ws1", "child"))
	require.NoError(t, s.BranchDelete(ctx, "ws1", "main"))

	_, err = s.resolveInheritance(ctx, "ws1", "main")
	var unknown *bmerrors.UnknownBranch
	assert.ErrorAs(t, err, &unknown)
}

func TestBranchDeleteDoesNotReuseSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1, err := s.AppendDocEntry(ctx, "ws1", DocEntry{Branch: "scratch", Doc: "notes", Kind: DocKindNotes, Content: "x"})
	require.NoError(t, err)
	require.NoError(t, s.BranchDelete(ctx, "ws1", "scratch"))

	e2, err := s.AppendDocEntry(ctx, "ws1", DocEntry{Branch: "main", Doc: "notes", Kind: DocKindNotes, Content: "y"})
	require.NoError(t, err)
	assert.Greater(t, e2.Seq, e1.Seq, "seq values are never reused after a delete")
}

func TestTailHonorsBranchInheritance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.BranchCreate(ctx, "ws1", "main", "")
	require.NoError(t, err)
	_, err = s.AppendDocEntry(ctx, "ws1", DocEntry{Branch: "main", Doc: "notes", Kind: DocKindNotes, Content: "on-main-1"})
	require.NoError(t, err)

	_, err = s.BranchCreate(ctx, "ws1", "feature", "main")
	require.NoError(t, err)
	_, err = s.AppendDocEntry(ctx, "ws1", DocEntry{Branch: "main", Doc: "notes", Kind: DocKindNotes, Content: "on-main-after-branch"})
	require.NoError(t, err)
	_, err = s.AppendDocEntry(ctx, "ws1", DocEntry{Branch: "feature", Doc: "notes", Kind: DocKindNotes, Content: "on-feature"})
	require.NoError(t, err)

	page, err := s.Tail(ctx, "ws1", "feature", "notes", 0, 50)
	require.NoError(t, err)
	var contents []string
	for _, e := range page.Entries {
		contents = append(contents, e.Content)
	}
	assert.Contains(t, contents, "on-main-1")
	assert.Contains(t, contents, "on-feature")
	assert.NotContains(t, contents, "on-main-after-branch",
		"feature's cutoff into main is frozen at branch-creation time")
}
