package store

import (
	"context"
	"database/sql"
	"strings"
)

// reasoningRefBranch derives the deterministic branch name a target's
// reasoning ref lives on. Branch names reject ':', so the
// target id's separators are folded to '-'.
func reasoningRefBranch(targetID string) string {
	return "ref-" + strings.ReplaceAll(strings.ToLower(targetID), ":", "-")
}

func reasoningRefDocs(targetID string) (notes, graph, trace string) {
	return targetID + "/notes", targetID + "/graph", targetID + "/trace"
}

// resolveReasoningRefTx is the transactional core of the reasoning ref
// binder: derive (branch, notes_doc, graph_doc, trace_doc) for target_id,
// lazily creating the branch (rooted at main) on first write.
func resolveReasoningRefTx(ctx context.Context, tx *sql.Tx, workspace, targetID string, write bool, now int64) (ReasoningRef, error) {
	var ref ReasoningRef
	err := tx.QueryRowContext(ctx,
		`SELECT branch, notes_doc, graph_doc, trace_doc FROM reasoning_refs WHERE workspace=? AND target_id=?`,
		workspace, targetID).Scan(&ref.Branch, &ref.NotesDoc, &ref.GraphDoc, &ref.TraceDoc)
	if err == nil {
		ref.Existed = true
		return ref, nil
	}
	if err != sql.ErrNoRows {
		return ReasoningRef{}, err
	}

	branch := reasoningRefBranch(targetID)
	notes, graph, trace := reasoningRefDocs(targetID)
	ref = ReasoningRef{Branch: branch, NotesDoc: notes, GraphDoc: graph, TraceDoc: trace, Existed: false}
	if !write {
		return ref, nil
	}

	if err := ensureRootBranchTx(ctx, tx, workspace, now); err != nil {
		return ReasoningRef{}, err
	}
	if _, ok, err := getBranchRowTx(ctx, tx, workspace, branch); err != nil {
		return ReasoningRef{}, err
	} else if !ok {
		head, err := headSeqTx(ctx, tx, workspace, rootBranchName)
		if err != nil {
			return ReasoningRef{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO branches(workspace, name, parent_branch, base_seq, created_at_ms) VALUES (?,?,?,?,?)`,
			workspace, branch, rootBranchName, head, now); err != nil {
			return ReasoningRef{}, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reasoning_refs(workspace, target_id, branch, notes_doc, graph_doc, trace_doc, created_at_ms)
		 VALUES (?,?,?,?,?,?,?)`,
		workspace, targetID, branch, notes, graph, trace, now); err != nil {
		return ReasoningRef{}, err
	}
	return ref, nil
}

// GetReasoningRef is the public reasoning ref binder entry point. write=false
// is the read-only mode: it reports the would-be tuple and
// whether it already exists, without creating anything.
func (s *Store) GetReasoningRef(ctx context.Context, workspace, targetID string, write bool) (ReasoningRef, error) {
	var out ReasoningRef
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		if err := ensureWorkspaceTx(ctx, tx, workspace, now); err != nil {
			return err
		}
		var innerErr error
		out, innerErr = resolveReasoningRefTx(ctx, tx, workspace, targetID, write, now)
		return innerErr
	})
	if err != nil {
		return ReasoningRef{}, err
	}
	return out, nil
}

// mirrorTraceTx appends an event's payload to the target's trace document
//,
// lazily binding the reasoning ref in write mode.
func mirrorTraceTx(ctx context.Context, tx *sql.Tx, workspace, targetID, eventType, payloadJSON string, now int64) error {
	ref, err := resolveReasoningRefTx(ctx, tx, workspace, targetID, true, now)
	if err != nil {
		return err
	}
	if err := ensureDocumentTx(ctx, tx, workspace, ref.Branch, ref.TraceDoc, DocKindTrace, now); err != nil {
		return err
	}
	seq, err := nextSeqTx(ctx, tx, workspace)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO doc_entries(seq, workspace, ts_ms, branch, doc, kind, event_type, task_id, payload_json)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		seq, workspace, now, ref.Branch, ref.TraceDoc, string(DocKindTrace), eventType, targetID, payloadJSON)
	return err
}
