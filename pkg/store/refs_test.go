package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReasoningRefReadOnlyReportsWouldBeTuple(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.GetReasoningRef(ctx, "ws1", "TASK-X", false)
	require.NoError(t, err)
	assert.False(t, ref.Existed)
	assert.Equal(t, "ref-task-x", ref.Branch)
	assert.Equal(t, "TASK-X/notes", ref.NotesDoc)
	assert.Equal(t, "TASK-X/graph", ref.GraphDoc)
	assert.Equal(t, "TASK-X/trace", ref.TraceDoc)

	// read-only mode creates nothing.
	again, err := s.GetReasoningRef(ctx, "ws1", "TASK-X", false)
	require.NoError(t, err)
	assert.False(t, again.Existed)
}

func TestGetReasoningRefWriteModeBindsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.GetReasoningRef(ctx, "ws1", "TASK-X", true)
	require.NoError(t, err)
	assert.False(t, ref.Existed, "first write-mode call creates the binding")

	again, err := s.GetReasoningRef(ctx, "ws1", "TASK-X", false)
	require.NoError(t, err)
	assert.True(t, again.Existed)
	assert.Equal(t, ref.Branch, again.Branch, "the tuple is deterministic")
}

// TestBranchingPreservesParentNotes: a derived
// branch sees the parent's notes up to the branch point plus its own.
func TestBranchingPreservesParentNotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PlanCreate(ctx, "ws1", "PLAN-A", "Plan A")
	require.NoError(t, err)
	_, err = s.TaskCreate(ctx, "ws1", "TASK-A", "PLAN-A", "Task A", ReasoningDefault)
	require.NoError(t, err)

	ref, err := s.GetReasoningRef(ctx, "ws1", "TASK-A", true)
	require.NoError(t, err)

	_, err = s.AppendDocEntry(ctx, "ws1", DocEntry{Branch: ref.Branch, Doc: ref.NotesDoc, Kind: DocKindNotes, Content: "base note"})
	require.NoError(t, err)

	derived := ref.Branch + ".alt"
	_, err = s.BranchCreate(ctx, "ws1", derived, ref.Branch)
	require.NoError(t, err)
	_, err = s.AppendDocEntry(ctx, "ws1", DocEntry{Branch: derived, Doc: ref.NotesDoc, Kind: DocKindNotes, Content: "derived note"})
	require.NoError(t, err)

	derivedPage, err := s.Tail(ctx, "ws1", derived, ref.NotesDoc, 0, 50)
	require.NoError(t, err)
	var derivedContents []string
	for _, e := range derivedPage.Entries {
		derivedContents = append(derivedContents, e.Content)
	}
	assert.Contains(t, derivedContents, "base note")
	assert.Contains(t, derivedContents, "derived note")

	basePage, err := s.Tail(ctx, "ws1", ref.Branch, ref.NotesDoc, 0, 50)
	require.NoError(t, err)
	var baseContents []string
	for _, e := range basePage.Entries {
		baseContents = append(baseContents, e.Content)
	}
	assert.Contains(t, baseContents, "base note")
	assert.NotContains(t, baseContents, "derived note")

	// merging the derived branch back copies exactly the derived note,
	// and re-merging is a no-op.
	merged, err := s.NotesMerge(ctx, "ws1", derived, ref.Branch, ref.NotesDoc)
	require.NoError(t, err)
	assert.Equal(t, 1, merged)
	merged, err = s.NotesMerge(ctx, "ws1", derived, ref.Branch, ref.NotesDoc)
	require.NoError(t, err)
	assert.Zero(t, merged)
}

func TestEventMirroredIntoTraceDoc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PlanCreate(ctx, "ws1", "PLAN-A", "Plan A")
	require.NoError(t, err)
	_, err = s.TaskCreate(ctx, "ws1", "TASK-A", "PLAN-A", "Task A", ReasoningDefault)
	require.NoError(t, err)

	ref, err := s.GetReasoningRef(ctx, "ws1", "TASK-A", false)
	require.NoError(t, err)
	page, err := s.Tail(ctx, "ws1", ref.Branch, ref.TraceDoc, 0, 50)
	require.NoError(t, err)
	require.NotEmpty(t, page.Entries, "task_created is mirrored into the trace document")
	assert.Equal(t, "task_created", page.Entries[0].EventType)
}
