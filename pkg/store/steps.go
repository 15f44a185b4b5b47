package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/branchmind/branchmind/pkg/bmerrors"
	"github.com/branchmind/branchmind/pkg/ids"
)

func getStepTx(ctx context.Context, tx *sql.Tx, workspace, stepID string) (Step, bool, error) {
	var st Step
	var parent sql.NullString
	var completed, criteria, tests, security, perf, docs, blocked int
	var completedAt sql.NullInt64
	var blockReason sql.NullString
	var proofTests, proofSecurity, proofPerf, proofDocs string
	err := tx.QueryRowContext(ctx, `
		SELECT step_id, parent_step_id, ordinal, title, completed, completed_at_ms,
			criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
			proof_tests_mode, proof_security_mode, proof_perf_mode, proof_docs_mode,
			blocked, block_reason, created_at_ms, updated_at_ms
		FROM steps WHERE workspace=? AND step_id=?`, workspace, stepID).Scan(
		&st.StepID, &parent, &st.Ordinal, &st.Title, &completed, &completedAt,
		&criteria, &tests, &security, &perf, &docs,
		&proofTests, &proofSecurity, &proofPerf, &proofDocs,
		&blocked, &blockReason, &st.CreatedAtMs, &st.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return Step{}, false, nil
	}
	if err != nil {
		return Step{}, false, err
	}
	st.Workspace = workspace
	st.ParentStepID = parent.String
	st.Completed = completed != 0
	st.CompletedAtMs = completedAt.Int64
	st.Checkpoints = Checkpoints{Criteria: criteria != 0, Tests: tests != 0, Security: security != 0, Perf: perf != 0, Docs: docs != 0}
	st.ProofModes = ProofModes{Tests: ProofMode(proofTests), Security: ProofMode(proofSecurity), Perf: ProofMode(proofPerf), Docs: ProofMode(proofDocs)}
	st.Blocked = blocked != 0
	st.BlockReason = blockReason.String
	return st, true, nil
}

func findTaskIDForStepTx(ctx context.Context, tx *sql.Tx, workspace, stepID string) (string, error) {
	var taskID string
	err := tx.QueryRowContext(ctx, `SELECT task_id FROM steps WHERE workspace=? AND step_id=?`, workspace, stepID).Scan(&taskID)
	if err == sql.ErrNoRows {
		return "", &bmerrors.UnknownID{Kind: "step", ID: stepID}
	}
	return taskID, err
}

// computeStepPathTx walks a step's parent_step_id chain to reconstruct its
// StepPath (steps don't store their path directly; ordinal + parent is
// the source of truth and the path is recomputed on every read).
func computeStepPathTx(ctx context.Context, tx *sql.Tx, workspace, stepID string) (ids.StepPath, error) {
	var ordinals []int
	cur := stepID
	for i := 0; i < 64; i++ {
		var ordinal int
		var parent sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT ordinal, parent_step_id FROM steps WHERE workspace=? AND step_id=?`, workspace, cur).Scan(&ordinal, &parent)
		if err == sql.ErrNoRows {
			return ids.StepPath{}, &bmerrors.UnknownID{Kind: "step", ID: cur}
		}
		if err != nil {
			return ids.StepPath{}, err
		}
		ordinals = append([]int{ordinal}, ordinals...)
		if !parent.Valid {
			break
		}
		cur = parent.String
	}
	path := ids.RootStepPath(ordinals[0])
	for _, o := range ordinals[1:] {
		path = path.Child(o)
	}
	return path, nil
}

// resolveStepByPathTx walks down from the task root matching ordinals.
func resolveStepByPathTx(ctx context.Context, tx *sql.Tx, workspace, taskID string, path ids.StepPath) (string, error) {
	raw := path.String()
	segs := splitPathSegments(raw)
	var parent sql.NullString
	var stepID string
	for _, ord := range segs {
		var query string
		var args []any
		if parent.Valid {
			query = `SELECT step_id FROM steps WHERE workspace=? AND task_id=? AND parent_step_id=? AND ordinal=?`
			args = []any{workspace, taskID, parent.String, ord}
		} else {
			query = `SELECT step_id FROM steps WHERE workspace=? AND task_id=? AND parent_step_id IS NULL AND ordinal=?`
			args = []any{workspace, taskID, ord}
		}
		err := tx.QueryRowContext(ctx, query, args...).Scan(&stepID)
		if err == sql.ErrNoRows {
			return "", &bmerrors.UnknownID{Kind: "step_path", ID: raw}
		}
		if err != nil {
			return "", err
		}
		parent = sql.NullString{String: stepID, Valid: true}
	}
	return stepID, nil
}

// splitPathSegments returns a StepPath's ordinals in root-first order by
// splitting its canonical "s:N.s:N" string form.
func splitPathSegments(raw string) []int {
	var out []int
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '.' {
			seg := raw[start:i]
			var n int
			fmt.Sscanf(seg, "s:%d", &n)
			out = append(out, n)
			start = i + 1
		}
	}
	return out
}

// resolveSelectorTx resolves a {step_id, StepPath, "focus"} selector to a
// concrete step_id.
func resolveSelectorTx(ctx context.Context, tx *sql.Tx, workspace, taskID, selector string) (string, error) {
	if selector == "focus" {
		var stepID string
		err := tx.QueryRowContext(ctx,
			`SELECT step_id FROM steps WHERE workspace=? AND task_id=? AND completed=0
			 ORDER BY ordinal ASC, created_at_ms ASC LIMIT 1`, workspace, taskID).Scan(&stepID)
		if err == sql.ErrNoRows {
			return "", &bmerrors.StepNotFound{TaskID: taskID, Step: "focus"}
		}
		return stepID, err
	}
	if len(selector) >= 2 && selector[:2] == "s:" {
		path, err := ids.ParseStepPath(selector)
		if err != nil {
			return "", bmerrors.NewInvalidInput("%s", err.Error())
		}
		return resolveStepByPathTx(ctx, tx, workspace, taskID, path)
	}
	if _, ok, err := getStepTx(ctx, tx, workspace, selector); err != nil {
		return "", err
	} else if !ok {
		return "", &bmerrors.StepNotFound{TaskID: taskID, Step: selector}
	}
	return selector, nil
}

func nextStepOrdinalTx(ctx context.Context, tx *sql.Tx, workspace, taskID, parentStepID string) (int, error) {
	var query string
	var args []any
	if parentStepID == "" {
		query = `SELECT COUNT(*) FROM steps WHERE workspace=? AND task_id=? AND parent_step_id IS NULL`
		args = []any{workspace, taskID}
	} else {
		query = `SELECT COUNT(*) FROM steps WHERE workspace=? AND task_id=? AND parent_step_id=?`
		args = []any{workspace, taskID, parentStepID}
	}
	var n int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// StepsDecompose is steps_decompose: appends children under
// parentPath (or the task root when empty), projecting each new step into
// the task's reasoning graph in the same transaction.
func (s *Store) StepsDecompose(ctx context.Context, workspace, taskID string, expectedRevision *int64, parentPath string, newSteps []NewStep) (int64, []StepRef, error) {
	var taskRevision int64
	var refs []StepRef
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, ok, err := getTaskTx(ctx, tx, workspace, taskID); err != nil {
			return err
		} else if !ok {
			return &bmerrors.UnknownID{Kind: "task", ID: taskID}
		}
		now := nowMs()
		rev, err := bumpRevisionTx(ctx, tx, workspace, taskID, expectedRevision)
		if err != nil {
			return err
		}
		taskRevision = rev

		var parentStepID string
		var parentPathVal ids.StepPath
		hasParentPath := parentPath != ""
		if hasParentPath {
			p, err := ids.ParseStepPath(parentPath)
			if err != nil {
				return bmerrors.NewInvalidInput("%s", err.Error())
			}
			parentPathVal = p
			parentStepID, err = resolveStepByPathTx(ctx, tx, workspace, taskID, p)
			if err != nil {
				return err
			}
		}

		ref, err := resolveReasoningRefTx(ctx, tx, workspace, taskID, true, now)
		if err != nil {
			return err
		}

		base, err := nextStepOrdinalTx(ctx, tx, workspace, taskID, parentStepID)
		if err != nil {
			return err
		}
		createdIDs := make([]string, 0, len(newSteps))
		for i, ns := range newSteps {
			ordinal := base + i
			seqID, err := nextCounterTx(ctx, tx, workspace, "step")
			if err != nil {
				return err
			}
			stepID := fmt.Sprintf("STEP-%d", seqID)
			_, err = tx.ExecContext(ctx, `
				INSERT INTO steps(workspace, task_id, step_id, parent_step_id, ordinal, title, completed,
					criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
					proof_tests_mode, proof_security_mode, proof_perf_mode, proof_docs_mode,
					blocked, created_at_ms, updated_at_ms)
				VALUES (?,?,?,?,?,?,0, 0,0,0,0,0, 'off','off','off','off', 0,?,?)`,
				workspace, taskID, stepID, nullableText(parentStepID), ordinal, ns.Title, now, now)
			if err != nil {
				return fmt.Errorf("insert step: %w", err)
			}
			for ci, c := range ns.SuccessCriteria {
				if _, err := tx.ExecContext(ctx, `INSERT INTO step_criteria(workspace, step_id, ordinal, text) VALUES (?,?,?,?)`, workspace, stepID, ci, c); err != nil {
					return err
				}
			}
			for ti, t := range ns.Tests {
				if _, err := tx.ExecContext(ctx, `INSERT INTO step_tests(workspace, step_id, ordinal, text) VALUES (?,?,?,?)`, workspace, stepID, ti, t); err != nil {
					return err
				}
			}

			var path ids.StepPath
			if hasParentPath {
				path = parentPathVal.Child(ordinal)
			} else {
				path = ids.RootStepPath(ordinal)
			}
			if err := projectStepNodeTx(ctx, tx, workspace, ref, taskID, stepID, parentStepID, ns.Title, false, now); err != nil {
				return err
			}
			refs = append(refs, StepRef{StepID: stepID, Path: path.String()})
			createdIDs = append(createdIDs, stepID)
		}

		payload, _ := json.Marshal(map[string]any{"parent_path": parentPath, "step_ids": createdIDs})
		if _, err := emitEventTx(ctx, tx, workspace, taskID, parentPath, "steps_decomposed", string(payload), now); err != nil {
			return err
		}
		return mirrorTraceTx(ctx, tx, workspace, taskID, "steps_decomposed", string(payload), now)
	})
	if err != nil {
		return 0, nil, bmerrors.WrapSQL(err)
	}
	return taskRevision, refs, nil
}

// StepVerify is step_verify: flips one confirmation bit.
func (s *Store) StepVerify(ctx context.Context, workspace, taskID, selector, checkpoint string, confirmed bool) error {
	col, err := checkpointColumn(checkpoint)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stepID, err := resolveSelectorTx(ctx, tx, workspace, taskID, selector)
		if err != nil {
			return err
		}
		now := nowMs()
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE steps SET %s=?, updated_at_ms=? WHERE workspace=? AND step_id=?`, col),
			boolToInt(confirmed), now, workspace, stepID)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"checkpoint": checkpoint, "confirmed": confirmed})
		if _, err := emitEventTx(ctx, tx, workspace, taskID, stepID, "step_verify", string(payload), now); err != nil {
			return err
		}
		return mirrorTraceTx(ctx, tx, workspace, taskID, "step_verify", string(payload), now)
	})
}

func checkpointColumn(checkpoint string) (string, error) {
	switch checkpoint {
	case "criteria":
		return "criteria_confirmed", nil
	case "tests":
		return "tests_confirmed", nil
	case "security":
		return "security_confirmed", nil
	case "perf":
		return "perf_confirmed", nil
	case "docs":
		return "docs_confirmed", nil
	default:
		return "", bmerrors.NewInvalidInput("unknown checkpoint %q", checkpoint)
	}
}

// checkClosureInvariantTx enforces the closure gate: criteria and
// tests must always be confirmed; security/perf/docs must be confirmed
// whenever that axis's proof mode is "require" (required means an artifact
// must also exist), and at least one proof artifact must be recorded for
// any require-mode axis.
func checkClosureInvariantTx(ctx context.Context, tx *sql.Tx, workspace string, st Step) error {
	if !st.Checkpoints.Criteria || !st.Checkpoints.Tests {
		return &bmerrors.CheckpointsNotConfirmed{
			Criteria: !st.Checkpoints.Criteria, Tests: !st.Checkpoints.Tests,
		}
	}
	var missingSecurity, missingPerf, missingDocs bool
	if st.ProofModes.Security == ProofRequire && !st.Checkpoints.Security {
		missingSecurity = true
	}
	if st.ProofModes.Perf == ProofRequire && !st.Checkpoints.Perf {
		missingPerf = true
	}
	if st.ProofModes.Docs == ProofRequire && !st.Checkpoints.Docs {
		missingDocs = true
	}
	if missingSecurity || missingPerf || missingDocs {
		return &bmerrors.CheckpointsNotConfirmed{Security: missingSecurity, Perf: missingPerf, Docs: missingDocs}
	}

	var missingProof bmerrors.ProofMissing
	anyMissing := false
	for axis, mode := range map[string]ProofMode{"security": st.ProofModes.Security, "perf": st.ProofModes.Perf, "docs": st.ProofModes.Docs, "tests": st.ProofModes.Tests} {
		if mode != ProofRequire {
			continue
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM proof_artifacts WHERE workspace=? AND step_id=? AND axis=?`, workspace, st.StepID, axis).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			anyMissing = true
			switch axis {
			case "security":
				missingProof.Security = true
			case "perf":
				missingProof.Perf = true
			case "docs":
				missingProof.Docs = true
			case "tests":
				missingProof.Tests = true
			}
		}
	}
	if anyMissing {
		return &missingProof
	}
	return nil
}

// closeStepTx is the shared atomic core of step_close and step_done: run
// the reasoning gate, validate the closure invariant, snapshot before/after
// for undo, and mark completed.
func closeStepTx(ctx context.Context, tx *sql.Tx, workspace, taskID, stepID, intent string, override *ReasoningOverride, now int64) error {
	task, ok, err := getTaskTx(ctx, tx, workspace, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return &bmerrors.UnknownID{Kind: "task", ID: taskID}
	}
	if err := reasoningGateTx(ctx, tx, workspace, task, override, now); err != nil {
		return err
	}

	before, err := snapshotStepTx(ctx, tx, workspace, stepID)
	if err != nil {
		return err
	}
	st, ok, err := getStepTx(ctx, tx, workspace, stepID)
	if err != nil {
		return err
	}
	if !ok {
		return &bmerrors.StepNotFound{TaskID: taskID, Step: stepID}
	}
	if err := checkClosureInvariantTx(ctx, tx, workspace, st); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE steps SET completed=1, completed_at_ms=?, updated_at_ms=? WHERE workspace=? AND step_id=?`,
		now, now, workspace, stepID); err != nil {
		return err
	}
	after, err := snapshotStepTx(ctx, tx, workspace, stepID)
	if err != nil {
		return err
	}
	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	if _, err := recordOpTx(ctx, tx, workspace, intent, taskID, stepID, "", string(beforeJSON), string(afterJSON), true, now); err != nil {
		return err
	}

	ref, err := resolveReasoningRefTx(ctx, tx, workspace, taskID, true, now)
	if err != nil {
		return err
	}
	if err := projectStepNodeTx(ctx, tx, workspace, ref, taskID, stepID, st.ParentStepID, st.Title, true, now); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]any{"step_id": stepID})
	if _, err := emitEventTx(ctx, tx, workspace, taskID, stepID, intent, string(payload), now); err != nil {
		return err
	}
	return mirrorTraceTx(ctx, tx, workspace, taskID, intent, string(payload), now)
}

// StepClose is step_close: confirms any checkpoints passed in cps, then
// runs the same atomic closure core as StepDone.
func (s *Store) StepClose(ctx context.Context, workspace, taskID, selector string, cps Checkpoints, override *ReasoningOverride) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stepID, err := resolveSelectorTx(ctx, tx, workspace, taskID, selector)
		if err != nil {
			return err
		}
		// The undo snapshot is taken before the checkpoint confirmations so
		// undoing step_close also reverts them.
		before, err := snapshotStepTx(ctx, tx, workspace, stepID)
		if err != nil {
			return err
		}
		now := nowMs()
		if _, err := tx.ExecContext(ctx, `
			UPDATE steps SET criteria_confirmed=criteria_confirmed OR ?, tests_confirmed=tests_confirmed OR ?,
				security_confirmed=security_confirmed OR ?, perf_confirmed=perf_confirmed OR ?, docs_confirmed=docs_confirmed OR ?,
				updated_at_ms=?
			WHERE workspace=? AND step_id=?`,
			boolToInt(cps.Criteria), boolToInt(cps.Tests), boolToInt(cps.Security), boolToInt(cps.Perf), boolToInt(cps.Docs),
			now, workspace, stepID); err != nil {
			return err
		}
		if err := closeStepTx(ctx, tx, workspace, taskID, stepID, "step_close", override, now); err != nil {
			return err
		}
		beforeJSON, _ := json.Marshal(before)
		_, err = tx.ExecContext(ctx, `
			UPDATE ops_history SET before_json=? WHERE workspace=? AND seq=(
				SELECT MAX(seq) FROM ops_history WHERE workspace=? AND path=? AND undoable=1)`,
			string(beforeJSON), workspace, workspace, stepID)
		return err
	})
}

// StepDone is step_done: validates the closure gate against the step's current
// checkpoint state (no implicit confirmation) and marks it completed.
func (s *Store) StepDone(ctx context.Context, workspace, taskID, selector string, override *ReasoningOverride) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stepID, err := resolveSelectorTx(ctx, tx, workspace, taskID, selector)
		if err != nil {
			return err
		}
		return closeStepTx(ctx, tx, workspace, taskID, stepID, "step_done", override, nowMs())
	})
}

// proofModeColumn maps a proof axis name to its steps column, rejecting
// "criteria".
func proofModeColumn(axis string) (string, error) {
	switch axis {
	case "tests":
		return "proof_tests_mode", nil
	case "security":
		return "proof_security_mode", nil
	case "perf":
		return "proof_perf_mode", nil
	case "docs":
		return "proof_docs_mode", nil
	default:
		return "", bmerrors.NewInvalidInput("unknown proof axis %q", axis)
	}
}

// SetProofMode sets one checkpoint axis's proof policy (off/warn/require)
// on a step, gating what StepClose/StepDone will later demand.
func (s *Store) SetProofMode(ctx context.Context, workspace, taskID, selector, axis string, mode ProofMode) error {
	if !mode.Valid() {
		return bmerrors.NewInvalidInput("unknown proof mode %q", mode)
	}
	col, err := proofModeColumn(axis)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stepID, err := resolveSelectorTx(ctx, tx, workspace, taskID, selector)
		if err != nil {
			return err
		}
		now := nowMs()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE steps SET %s=?, updated_at_ms=? WHERE workspace=? AND step_id=?`, col),
			string(mode), now, workspace, stepID); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"axis": axis, "mode": mode})
		if _, err := emitEventTx(ctx, tx, workspace, taskID, stepID, "step_proof_mode_set", string(payload), now); err != nil {
			return err
		}
		return mirrorTraceTx(ctx, tx, workspace, taskID, "step_proof_mode_set", string(payload), now)
	})
}

// ProofArtifactCreate records one proof artifact for a step's axis; a
// require-mode checkpoint needs at least one before closure. Artifacts are
// append-only, ordered by insertion, same discipline as
// step_criteria/step_tests.
func (s *Store) ProofArtifactCreate(ctx context.Context, workspace, taskID, selector, axis, contentText string) (ProofArtifact, error) {
	if _, err := proofModeColumn(axis); err != nil {
		return ProofArtifact{}, err
	}
	var out ProofArtifact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stepID, err := resolveSelectorTx(ctx, tx, workspace, taskID, selector)
		if err != nil {
			return err
		}
		now := nowMs()
		var nextOrdinal int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(ordinal)+1, 0) FROM proof_artifacts WHERE workspace=? AND step_id=? AND axis=?`,
			workspace, stepID, axis).Scan(&nextOrdinal); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO proof_artifacts(workspace, step_id, axis, ordinal, content_text, created_at_ms) VALUES (?,?,?,?,?,?)`,
			workspace, stepID, axis, nextOrdinal, contentText, now); err != nil {
			return fmt.Errorf("insert proof artifact: %w", err)
		}
		out = ProofArtifact{Workspace: workspace, StepID: stepID, Axis: axis, Ordinal: nextOrdinal, ContentText: contentText, CreatedAtMs: now}
		payload, _ := json.Marshal(map[string]any{"axis": axis, "ordinal": nextOrdinal})
		if _, err := emitEventTx(ctx, tx, workspace, taskID, stepID, "proof_artifact_created", string(payload), now); err != nil {
			return err
		}
		return mirrorTraceTx(ctx, tx, workspace, taskID, "proof_artifact_created", string(payload), now)
	})
	if err != nil {
		return ProofArtifact{}, bmerrors.WrapSQL(err)
	}
	return out, nil
}

// StepBlockSet is step_block_set: toggles the orthogonal blocked flag.
func (s *Store) StepBlockSet(ctx context.Context, workspace, taskID, selector string, blocked bool, reason string) error {
	if blocked && reason == "" {
		return bmerrors.NewInvalidInput("a reason is required when blocking a step")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stepID, err := resolveSelectorTx(ctx, tx, workspace, taskID, selector)
		if err != nil {
			return err
		}
		now := nowMs()
		if _, err := tx.ExecContext(ctx,
			`UPDATE steps SET blocked=?, block_reason=?, updated_at_ms=? WHERE workspace=? AND step_id=?`,
			boolToInt(blocked), nullableText(reason), now, workspace, stepID); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"blocked": blocked, "reason": reason})
		if _, err := emitEventTx(ctx, tx, workspace, taskID, stepID, "step_block_set", string(payload), now); err != nil {
			return err
		}
		return mirrorTraceTx(ctx, tx, workspace, taskID, "step_block_set", string(payload), now)
	})
}
