package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/pkg/bmerrors"
)

// stepState reads the fields the step snapshot codec captures.
func stepState(t *testing.T, s *Store, ws, stepID string) stepSnapshot {
	t.Helper()
	var snap stepSnapshot
	var completed, criteria, tests, security, perf, docs, blocked int
	err := s.db.QueryRowContext(context.Background(), `
		SELECT completed, criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed, blocked
		FROM steps WHERE workspace=? AND step_id=?`, ws, stepID).Scan(
		&completed, &criteria, &tests, &security, &perf, &docs, &blocked)
	require.NoError(t, err)
	snap.Completed = completed != 0
	snap.Checkpoints = Checkpoints{Criteria: criteria != 0, Tests: tests != 0, Security: security != 0, Perf: perf != 0, Docs: docs != 0}
	snap.Blocked = blocked != 0
	return snap
}

// TestUndoRedoLaw: undo restores the captured before-state,
// redo restores the after-state.
func TestUndoRedoLaw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)
	stepID := refs[0].StepID

	before := stepState(t, s, "ws1", stepID)
	require.False(t, before.Completed)

	require.NoError(t, s.StepClose(ctx, "ws1", "TASK-A", stepID, Checkpoints{Criteria: true, Tests: true}, nil))
	after := stepState(t, s, "ws1", stepID)
	require.True(t, after.Completed)

	require.NoError(t, s.Undo(ctx, "ws1", "TASK-A"))
	assert.Equal(t, before, stepState(t, s, "ws1", stepID), "undo restores the before snapshot")

	require.NoError(t, s.Redo(ctx, "ws1", "TASK-A"))
	assert.Equal(t, after, stepState(t, s, "ws1", stepID), "redo restores the after snapshot")
}

func TestUndoWithNothingToUndo(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureWorkspace(context.Background(), "ws1"))

	err := s.Undo(context.Background(), "ws1", "")
	var invalid *bmerrors.InvalidInput
	assert.ErrorAs(t, err, &invalid)

	err = s.Redo(context.Background(), "ws1", "")
	assert.ErrorAs(t, err, &invalid)
}

func TestUndoScopesToTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.PlanCreate(ctx, "ws1", "PLAN-A", "Plan A")
	require.NoError(t, err)
	for _, taskID := range []string{"TASK-A", "TASK-B"} {
		_, err = s.TaskCreate(ctx, "ws1", taskID, "PLAN-A", taskID, ReasoningDefault)
		require.NoError(t, err)
		_, refs, err := s.StepsDecompose(ctx, "ws1", taskID, nil, "", []NewStep{{Title: "only"}})
		require.NoError(t, err)
		require.NoError(t, s.StepClose(ctx, "ws1", taskID, refs[0].StepID, Checkpoints{Criteria: true, Tests: true}, nil))
	}

	// undo scoped to TASK-A must not touch TASK-B's later close.
	require.NoError(t, s.Undo(ctx, "ws1", "TASK-A"))

	var aCompleted, bCompleted int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steps WHERE workspace='ws1' AND task_id='TASK-A' AND completed=1`).Scan(&aCompleted))
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steps WHERE workspace='ws1' AND task_id='TASK-B' AND completed=1`).Scan(&bCompleted))
	assert.Zero(t, aCompleted)
	assert.Equal(t, 1, bCompleted)
}

func TestUndoEmitsAuditEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)
	require.NoError(t, s.StepClose(ctx, "ws1", "TASK-A", refs[0].StepID, Checkpoints{Criteria: true, Tests: true}, nil))
	require.NoError(t, s.Undo(ctx, "ws1", "TASK-A"))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE workspace='ws1' AND event_type='undo_applied'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestUndoSkipsNonUndoableOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)
	require.NoError(t, s.StepClose(ctx, "ws1", "TASK-A", refs[0].StepID, Checkpoints{Criteria: true, Tests: true}, nil))

	// record a non-undoable op after the close; undo must still pick the close.
	require.NoError(t, s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := recordOpTx(ctx, tx, "ws1", "task_status_set", "TASK-A", "", "", "", "", false, nowMs())
		return err
	}))

	require.NoError(t, s.Undo(ctx, "ws1", "TASK-A"))
	state := stepState(t, s, "ws1", refs[0].StepID)
	assert.False(t, state.Completed)
}
