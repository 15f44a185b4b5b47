package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/branchmind/branchmind/pkg/bmerrors"
)

// ReasoningOverride is the structured {reason, risk} payload a caller
// supplies to bypass the reasoning gate.
type ReasoningOverride struct {
	Reason string `json:"reason"`
	Risk   string `json:"risk"`
}

func scanTaskRow(row *sql.Row) (Task, error) {
	var t Task
	var mode, status string
	var statusManual, criteria, tests, security, perf, docs int
	err := row.Scan(&t.PlanID, &t.Title, &t.Revision, &status, &statusManual,
		&criteria, &tests, &security, &perf, &docs, &mode, &t.CreatedAtMs, &t.UpdatedAtMs)
	if err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	t.StatusManual = statusManual != 0
	t.CriteriaConfirmed = criteria != 0
	t.TestsConfirmed = tests != 0
	t.SecurityConfirmed = security != 0
	t.PerfConfirmed = perf != 0
	t.DocsConfirmed = docs != 0
	t.ReasoningMode = ReasoningMode(mode)
	return t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, workspace, taskID string) (Task, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT plan_id, title, revision, status, status_manual,
			criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
			reasoning_mode, created_at_ms, updated_at_ms
		FROM tasks WHERE workspace=? AND task_id=?`, workspace, taskID)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	t.Workspace = workspace
	t.TaskID = taskID
	return t, true, nil
}

// PlanCreate creates a top-level grouping of tasks.
func (s *Store) PlanCreate(ctx context.Context, workspace, planID, title string) (Plan, error) {
	var out Plan
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		if err := ensureWorkspaceTx(ctx, tx, workspace, now); err != nil {
			return err
		}
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM plans WHERE workspace=? AND plan_id=?`, workspace, planID).Scan(&exists); err == nil {
			return bmerrors.NewInvalidInput("plan %s already exists", planID)
		} else if err != sql.ErrNoRows {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO plans(workspace, plan_id, title, revision, status, created_at_ms, updated_at_ms)
			 VALUES (?,?,?,0,?,?,?)`, workspace, planID, title, string(TaskTODO), now, now)
		if err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}
		out = Plan{Workspace: workspace, PlanID: planID, Title: title, Status: TaskTODO, CreatedAtMs: now, UpdatedAtMs: now}
		return nil
	})
	if err != nil {
		return Plan{}, bmerrors.WrapSQL(err)
	}
	return out, nil
}

// TaskCreate creates a task under an existing plan, binds its reasoning ref,
// and projects its initial graph node.
func (s *Store) TaskCreate(ctx context.Context, workspace, taskID, planID, title string, reasoningMode ReasoningMode) (Task, error) {
	if reasoningMode == "" {
		reasoningMode = ReasoningDefault
	}
	var out Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		if err := ensureWorkspaceTx(ctx, tx, workspace, now); err != nil {
			return err
		}
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM plans WHERE workspace=? AND plan_id=?`, workspace, planID).Scan(&exists); err == sql.ErrNoRows {
			return &bmerrors.UnknownID{Kind: "plan", ID: planID}
		} else if err != nil {
			return err
		}
		if _, ok, err := getTaskTx(ctx, tx, workspace, taskID); err != nil {
			return err
		} else if ok {
			return bmerrors.NewInvalidInput("task %s already exists", taskID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks(workspace, task_id, plan_id, title, revision, status, status_manual,
				criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
				reasoning_mode, created_at_ms, updated_at_ms)
			VALUES (?,?,?,?,0,?,0, 0,0,0,0,0, ?,?,?)`,
			workspace, taskID, planID, title, string(TaskTODO), string(reasoningMode), now, now)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		ref, err := resolveReasoningRefTx(ctx, tx, workspace, taskID, true, now)
		if err != nil {
			return err
		}
		if err := projectTaskNodeTx(ctx, tx, workspace, ref, taskID, title, now); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"title": title, "plan_id": planID})
		if _, err := emitEventTx(ctx, tx, workspace, taskID, "", "task_created", string(payload), now); err != nil {
			return err
		}
		if err := mirrorTraceTx(ctx, tx, workspace, taskID, "task_created", string(payload), now); err != nil {
			return err
		}
		out, _, err = getTaskTx(ctx, tx, workspace, taskID)
		return err
	})
	if err != nil {
		return Task{}, bmerrors.WrapSQL(err)
	}
	return out, nil
}

// bumpRevisionTx enforces optimistic concurrency: if expected is non-nil
// and doesn't match the stored revision, the whole transaction is aborted
// with RevisionMismatch.
func bumpRevisionTx(ctx context.Context, tx *sql.Tx, workspace, taskID string, expected *int64) (int64, error) {
	t, ok, err := getTaskTx(ctx, tx, workspace, taskID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &bmerrors.UnknownID{Kind: "task", ID: taskID}
	}
	if expected != nil && *expected != t.Revision {
		return 0, &bmerrors.RevisionMismatch{Expected: *expected, Actual: t.Revision}
	}
	next := t.Revision + 1
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET revision=? WHERE workspace=? AND task_id=?`, next, workspace, taskID)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// reasoningGateTx implements the discipline check invoked before step
// closure for tasks in strict/deep reasoning mode. It inspects
// the task's own graph view for active hypothesis/decision nodes and the
// two supplemented discipline signals; deep mode additionally requires a
// "synthesis" decision node.
func reasoningGateTx(ctx context.Context, tx *sql.Tx, workspace string, task Task, override *ReasoningOverride, now int64) error {
	if task.ReasoningMode == ReasoningDefault {
		return nil
	}
	if override != nil {
		payload, _ := json.Marshal(map[string]any{"reason": override.Reason, "risk": override.Risk})
		if _, err := emitEventTx(ctx, tx, workspace, task.TaskID, "", "reasoning_override", string(payload), now); err != nil {
			return err
		}
		return mirrorTraceTx(ctx, tx, workspace, task.TaskID, "reasoning_override", string(payload), now)
	}

	ref, err := resolveReasoningRefTx(ctx, tx, workspace, task.TaskID, false, now)
	if err != nil {
		return err
	}
	sources, err := walkInheritanceTx(ctx, tx, workspace, ref.Branch)
	if err != nil {
		// reasoning branch not yet bound: nothing recorded, gate fails closed.
		sources = nil
	}
	nodes, err := latestNodesTx(ctx, tx, workspace, ref.GraphDoc, sources)
	if err != nil {
		return err
	}
	edges, err := latestEdgesTx(ctx, tx, workspace, ref.GraphDoc, sources)
	if err != nil {
		return err
	}

	signals := discipline(nodes, edges, task.ReasoningMode)
	if len(signals) > 0 {
		return &bmerrors.ReasoningRequired{Signals: signals}
	}
	return nil
}

// discipline evaluates the reasoning-discipline signals: HYPOTHESIS_NO_TEST
// flags a hypothesis node with no outgoing "tested_by" edge; NO_COUNTER_EDGES
// flags a decision with no "countered_by"/"considers" edge recorded against
// it. Deep mode additionally requires at least one "synthesis" node.
func discipline(nodes map[string]GraphNodeRow, edges map[string]GraphEdgeRow, mode ReasoningMode) []string {
	outgoing := map[string][]string{}
	for _, e := range edges {
		if e.Deleted {
			continue
		}
		outgoing[e.From] = append(outgoing[e.From], e.Rel)
	}

	var signals []string
	hasHypothesis, hasDecision, hasSynthesis := false, false, false
	for _, n := range nodes {
		if n.Deleted {
			continue
		}
		switch n.Type {
		case "hypothesis":
			hasHypothesis = true
			if !hasRel(outgoing[n.ID], "tested_by") {
				signals = append(signals, "HYPOTHESIS_NO_TEST")
			}
		case "decision":
			hasDecision = true
			if !hasRel(outgoing[n.ID], "countered_by") && !hasRel(outgoing[n.ID], "considers") {
				signals = append(signals, "NO_COUNTER_EDGES")
			}
		case "synthesis":
			hasSynthesis = true
		}
	}
	if !hasHypothesis && !hasDecision {
		signals = append(signals, "HYPOTHESIS_NO_TEST")
	}
	if mode == ReasoningDeep && !hasSynthesis {
		signals = append(signals, "NO_SYNTHESIS")
	}
	return dedupStrings(signals)
}

func hasRel(rels []string, want string) bool {
	for _, r := range rels {
		if r == want {
			return true
		}
	}
	return false
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// SetTaskStatus is set_task_status: transitions status under
// optimistic concurrency, refusing DONE when open non-blocked steps remain
// unless requireStepsCompleted is false or statusManual is true.
func (s *Store) SetTaskStatus(ctx context.Context, workspace, taskID string, expectedRevision *int64, status TaskStatus, statusManual, requireStepsCompleted bool) (Task, error) {
	if !status.Valid() {
		return Task{}, bmerrors.NewInvalidInput("unknown task status %q", status)
	}
	var out Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		existing, ok, err := getTaskTx(ctx, tx, workspace, taskID)
		if err != nil {
			return err
		} else if !ok {
			return &bmerrors.UnknownID{Kind: "task", ID: taskID}
		}
		// An automatic transition (statusManual=false) never overwrites a
		// prior manual setting.
		// A manual caller (statusManual=true) may always override, including
		// an explicit reset back to automatic-eligible state.
		if !statusManual && existing.StatusManual {
			out = existing
			return nil
		}
		if status == TaskDone && requireStepsCompleted && !statusManual {
			open, err := hasOpenNonBlockedStepsTx(ctx, tx, workspace, taskID)
			if err != nil {
				return err
			}
			if open {
				return bmerrors.NewInvalidInput("task %s has open steps; cannot set DONE", taskID)
			}
		}
		if _, err := bumpRevisionTx(ctx, tx, workspace, taskID, expectedRevision); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status=?, status_manual=?, updated_at_ms=? WHERE workspace=? AND task_id=?`,
			string(status), boolToInt(statusManual), now, workspace, taskID)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"status": status, "status_manual": statusManual})
		if _, err := emitEventTx(ctx, tx, workspace, taskID, "", "task_status_set", string(payload), now); err != nil {
			return err
		}
		if err := mirrorTraceTx(ctx, tx, workspace, taskID, "task_status_set", string(payload), now); err != nil {
			return err
		}
		out, _, err = getTaskTx(ctx, tx, workspace, taskID)
		return err
	})
	if err != nil {
		return Task{}, bmerrors.WrapSQL(err)
	}
	return out, nil
}

// TaskDelete removes a task and cascades to its steps and their sibling
// tables. Events, ops history, and the reasoning graph are audit trails
// and stay behind.
func (s *Store) TaskDelete(ctx context.Context, workspace, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, ok, err := getTaskTx(ctx, tx, workspace, taskID); err != nil {
			return err
		} else if !ok {
			return &bmerrors.UnknownID{Kind: "task", ID: taskID}
		}
		for _, stmt := range []string{
			`DELETE FROM step_criteria WHERE workspace=? AND step_id IN (SELECT step_id FROM steps WHERE workspace=? AND task_id=?)`,
			`DELETE FROM step_tests WHERE workspace=? AND step_id IN (SELECT step_id FROM steps WHERE workspace=? AND task_id=?)`,
			`DELETE FROM step_blockers WHERE workspace=? AND step_id IN (SELECT step_id FROM steps WHERE workspace=? AND task_id=?)`,
			`DELETE FROM proof_artifacts WHERE workspace=? AND step_id IN (SELECT step_id FROM steps WHERE workspace=? AND task_id=?)`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, workspace, workspace, taskID); err != nil {
				return fmt.Errorf("cascade delete task %s: %w", taskID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE workspace=? AND task_id=?`, workspace, taskID); err != nil {
			return fmt.Errorf("delete steps of %s: %w", taskID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE workspace=? AND task_id=?`, workspace, taskID); err != nil {
			return fmt.Errorf("delete task %s: %w", taskID, err)
		}
		now := nowMs()
		payload, _ := json.Marshal(map[string]any{"task_id": taskID})
		if _, err := emitEventTx(ctx, tx, workspace, taskID, "", "task_deleted", string(payload), now); err != nil {
			return err
		}
		return mirrorTraceTx(ctx, tx, workspace, taskID, "task_deleted", string(payload), now)
	})
}

func hasOpenNonBlockedStepsTx(ctx context.Context, tx *sql.Tx, workspace, taskID string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steps WHERE workspace=? AND task_id=? AND completed=0 AND blocked=0`,
		workspace, taskID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Summary is the lane-summary supplemented feature: a
// structural rollup of a task's steps, useful to a caller deciding what to
// work on next without walking the full step tree itself.
type Summary struct {
	TaskID             string
	OpenSteps          int
	BlockedSteps       int
	CompletedSteps     int
	PendingCheckpoints int
}

// TaskSummary computes Summary for taskID by a single pass over its steps.
func (s *Store) TaskSummary(ctx context.Context, workspace, taskID string) (Summary, error) {
	sum := Summary{TaskID: taskID}
	rows, err := s.db.QueryContext(ctx, `
		SELECT completed, blocked, criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
			proof_tests_mode, proof_security_mode, proof_perf_mode, proof_docs_mode
		FROM steps WHERE workspace=? AND task_id=?`, workspace, taskID)
	if err != nil {
		return Summary{}, bmerrors.WrapSQL(err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var completed, blocked, criteria, tests, security, perf, docs int
		var testsMode, securityMode, perfMode, docsMode string
		if err := rows.Scan(&completed, &blocked, &criteria, &tests, &security, &perf, &docs,
			&testsMode, &securityMode, &perfMode, &docsMode); err != nil {
			return Summary{}, bmerrors.WrapSQL(err)
		}
		switch {
		case completed != 0:
			sum.CompletedSteps++
		case blocked != 0:
			sum.BlockedSteps++
		default:
			sum.OpenSteps++
		}
		if completed == 0 {
			pending := 0
			if criteria == 0 {
				pending++
			}
			if tests == 0 {
				pending++
			}
			if security == 0 && securityMode != string(ProofOff) {
				pending++
			}
			if perf == 0 && perfMode != string(ProofOff) {
				pending++
			}
			if docs == 0 && docsMode != string(ProofOff) {
				pending++
			}
			sum.PendingCheckpoints += pending
		}
	}
	return sum, rows.Err()
}
