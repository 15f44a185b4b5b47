package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/branchmind/branchmind/pkg/bmerrors"
)

// stepSnapshot is the typed before/after codec for step_close/step_done
// (the supplemented ops-history typed-snapshot feature): only the fields
// those two operations touch, so undo/redo never clobbers unrelated state
// such as the step's title or its sibling criteria/tests rows.
type stepSnapshot struct {
	Completed     bool   `json:"completed"`
	CompletedAtMs int64  `json:"completed_at_ms"`
	Checkpoints   Checkpoints `json:"checkpoints"`
	Blocked       bool   `json:"blocked"`
	BlockReason   string `json:"block_reason"`
}

func snapshotStepTx(ctx context.Context, tx *sql.Tx, workspace, stepID string) (stepSnapshot, error) {
	var s stepSnapshot
	var completed int
	var completedAt sql.NullInt64
	var criteria, tests, security, perf, docs, blocked int
	var blockReason sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT completed, completed_at_ms, criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed, blocked, block_reason
		FROM steps WHERE workspace=? AND step_id=?`, workspace, stepID).Scan(
		&completed, &completedAt, &criteria, &tests, &security, &perf, &docs, &blocked, &blockReason)
	if err != nil {
		return stepSnapshot{}, err
	}
	s.Completed = completed != 0
	s.CompletedAtMs = completedAt.Int64
	s.Checkpoints = Checkpoints{Criteria: criteria != 0, Tests: tests != 0, Security: security != 0, Perf: perf != 0, Docs: docs != 0}
	s.Blocked = blocked != 0
	s.BlockReason = blockReason.String
	return s, nil
}

// recordOpTx persists an ops-history entry. Only a
// small enumerated set of operations calls this with undoable=true; others
// are recorded with undoable=false purely for audit completeness.
func recordOpTx(ctx context.Context, tx *sql.Tx, workspace, intent, taskID, path string, payloadJSON, beforeJSON, afterJSON string, undoable bool, now int64) (int64, error) {
	seq, err := nextSeqTx(ctx, tx, workspace)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ops_history(seq, workspace, intent, task_id, path, payload_json, before_json, after_json, undoable, undone, created_at_ms)
		VALUES (?,?,?,?,?,?,?,?,?,0,?)`,
		seq, workspace, intent, nullableText(taskID), nullableText(path), nullableText(payloadJSON),
		nullableText(beforeJSON), nullableText(afterJSON), boolToInt(undoable), now)
	if err != nil {
		return 0, fmt.Errorf("insert ops_history: %w", err)
	}
	return seq, nil
}

type opsHistoryRow struct {
	Seq       int64
	Intent    string
	TaskID    string
	Path      string
	Before    string
	After     string
	Undoable  bool
	Undone    bool
}

func latestUndoableOpTx(ctx context.Context, tx *sql.Tx, workspace, taskID string, wantUndone bool) (opsHistoryRow, bool, error) {
	query := `SELECT seq, intent, task_id, path, before_json, after_json, undoable, undone FROM ops_history
		WHERE workspace=? AND undoable=1 AND undone=?`
	args := []any{workspace, boolToInt(wantUndone)}
	if taskID != "" {
		query += ` AND task_id=?`
		args = append(args, taskID)
	}
	query += ` ORDER BY seq DESC LIMIT 1`
	row := tx.QueryRowContext(ctx, query, args...)
	var r opsHistoryRow
	var task, path, before, after sql.NullString
	var undoable, undone int
	err := row.Scan(&r.Seq, &r.Intent, &task, &path, &before, &after, &undoable, &undone)
	if err == sql.ErrNoRows {
		return opsHistoryRow{}, false, nil
	}
	if err != nil {
		return opsHistoryRow{}, false, err
	}
	r.TaskID, r.Path, r.Before, r.After = task.String, path.String, before.String, after.String
	r.Undoable, r.Undone = undoable != 0, undone != 0
	return r, true, nil
}

// applyStepSnapshotTx writes a stepSnapshot back onto its step row. Used by
// both Undo (apply before_json) and Redo (apply after_json).
func applyStepSnapshotTx(ctx context.Context, tx *sql.Tx, workspace, stepID string, snap stepSnapshot) error {
	var completedAt any
	if snap.CompletedAtMs != 0 {
		completedAt = snap.CompletedAtMs
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE steps SET completed=?, completed_at_ms=?, criteria_confirmed=?, tests_confirmed=?,
			security_confirmed=?, perf_confirmed=?, docs_confirmed=?, blocked=?, block_reason=?
		WHERE workspace=? AND step_id=?`,
		boolToInt(snap.Completed), completedAt, boolToInt(snap.Checkpoints.Criteria), boolToInt(snap.Checkpoints.Tests),
		boolToInt(snap.Checkpoints.Security), boolToInt(snap.Checkpoints.Perf), boolToInt(snap.Checkpoints.Docs),
		boolToInt(snap.Blocked), nullableText(snap.BlockReason), workspace, stepID)
	return err
}

// Undo is the undo operation: reverts the latest not-yet-undone
// operation (globally, or scoped to taskID) to its before_json snapshot.
func (s *Store) Undo(ctx context.Context, workspace, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		op, ok, err := latestUndoableOpTx(ctx, tx, workspace, taskID, false)
		if err != nil {
			return err
		}
		if !ok {
			return bmerrors.NewInvalidInput("no undoable operation found")
		}
		var snap stepSnapshot
		if err := json.Unmarshal([]byte(op.Before), &snap); err != nil {
			return fmt.Errorf("decode before snapshot: %w", err)
		}
		stepID := op.Path
		if err := applyStepSnapshotTx(ctx, tx, workspace, stepID, snap); err != nil {
			return err
		}
		now := nowMs()
		if _, err := tx.ExecContext(ctx, `UPDATE ops_history SET undone=1 WHERE workspace=? AND seq=?`, workspace, op.Seq); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"reverted_op_seq": op.Seq, "intent": op.Intent})
		if _, err := emitEventTx(ctx, tx, workspace, op.TaskID, op.Path, "undo_applied", string(payload), now); err != nil {
			return err
		}
		return mirrorTraceTx(ctx, tx, workspace, op.TaskID, "undo_applied", string(payload), now)
	})
}

// Redo reapplies after_json on the latest undone operation.
func (s *Store) Redo(ctx context.Context, workspace, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		op, ok, err := latestUndoableOpTx(ctx, tx, workspace, taskID, true)
		if err != nil {
			return err
		}
		if !ok {
			return bmerrors.NewInvalidInput("no redoable operation found")
		}
		var snap stepSnapshot
		if err := json.Unmarshal([]byte(op.After), &snap); err != nil {
			return fmt.Errorf("decode after snapshot: %w", err)
		}
		stepID := op.Path
		if err := applyStepSnapshotTx(ctx, tx, workspace, stepID, snap); err != nil {
			return err
		}
		now := nowMs()
		if _, err := tx.ExecContext(ctx, `UPDATE ops_history SET undone=0 WHERE workspace=? AND seq=?`, workspace, op.Seq); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"redone_op_seq": op.Seq, "intent": op.Intent})
		if _, err := emitEventTx(ctx, tx, workspace, op.TaskID, op.Path, "redo_applied", string(payload), now); err != nil {
			return err
		}
		return mirrorTraceTx(ctx, tx, workspace, op.TaskID, "redo_applied", string(payload), now)
	})
}
