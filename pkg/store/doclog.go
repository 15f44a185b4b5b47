package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/branchmind/branchmind/pkg/bmerrors"
)

// ensureDocumentTx creates the (branch, doc) row on first write and bumps
// its updated_at_ms on every subsequent write.
func ensureDocumentTx(ctx context.Context, tx *sql.Tx, workspace, branch, doc string, kind DocKind, now int64) error {
	var existingKind string
	err := tx.QueryRowContext(ctx,
		`SELECT kind FROM documents WHERE workspace=? AND branch=? AND name=?`,
		workspace, branch, doc).Scan(&existingKind)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents(workspace, branch, name, kind, created_at_ms, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			workspace, branch, doc, string(kind), now, now)
		return err
	case err != nil:
		return err
	default:
		if existingKind != string(kind) {
			return bmerrors.NewInvalidInput("document %s/%s is kind %s, cannot write kind %s", branch, doc, existingKind, kind)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET updated_at_ms=? WHERE workspace=? AND branch=? AND name=?`,
			now, workspace, branch, doc)
		return err
	}
}

// touchDocumentTx bumps a document's updated_at_ms without writing an
// entry; used by the projector when it wants downstream readers to notice
// graph-doc activity without a redundant log entry.
func touchDocumentTx(ctx context.Context, tx *sql.Tx, workspace, branch, doc string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE documents SET updated_at_ms=? WHERE workspace=? AND branch=? AND name=?`,
		now, workspace, branch, doc)
	return err
}

// AppendDocEntry is append_doc_entry: allocates the next
// workspace-wide seq, ensures the document exists, and persists the
// immutable entry. A writer-supplied dedup key that already has an entry
// in the same (branch, doc) is an idempotence guard used by the projector:
// nothing is written, and the submitted entry is returned carrying the
// existing entry's seq.
func (s *Store) AppendDocEntry(ctx context.Context, workspace string, e DocEntry) (DocEntry, error) {
	var out DocEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if !e.Kind.Valid() {
			return bmerrors.NewInvalidInput("unknown document kind %q", e.Kind)
		}
		now := nowMs()
		if err := ensureWorkspaceTx(ctx, tx, workspace, now); err != nil {
			return err
		}
		if err := ensureBranchTx(ctx, tx, workspace, e.Branch, now); err != nil {
			return err
		}
		if err := ensureDocumentTx(ctx, tx, workspace, e.Branch, e.Doc, e.Kind, now); err != nil {
			return err
		}
		if e.DedupKey != "" {
			var existingSeq int64
			err := tx.QueryRowContext(ctx,
				`SELECT seq FROM doc_entries WHERE workspace=? AND branch=? AND doc=? AND dedup_key=?`,
				workspace, e.Branch, e.Doc, e.DedupKey).Scan(&existingSeq)
			if err == nil {
				out = e
				out.Seq = existingSeq
				out.TSMs = now
				return errDedupHit
			}
			if err != sql.ErrNoRows {
				return err
			}
		}
		seq, err := nextSeqTx(ctx, tx, workspace)
		if err != nil {
			return err
		}
		e.Seq = seq
		e.TSMs = now
		e.Workspace = workspace
		_, err = tx.ExecContext(ctx, `
			INSERT INTO doc_entries(seq, workspace, ts_ms, branch, doc, kind, title, format, meta_json, content,
				event_type, task_id, path, payload_json, dedup_key)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.Seq, workspace, e.TSMs, e.Branch, e.Doc, string(e.Kind), e.Title, e.Format, e.MetaJSON, e.Content,
			e.EventType, e.TaskID, e.Path, e.PayloadJSON, nullableText(e.DedupKey))
		if err != nil {
			return fmt.Errorf("insert doc entry: %w", err)
		}
		out = e
		return nil
	})
	if err == errDedupHit {
		return out, nil
	}
	if err != nil {
		return DocEntry{}, bmerrors.WrapSQL(err)
	}
	return out, nil
}

// errDedupHit is a sentinel used internally to short-circuit a withTx
// transaction when a dedup key already has a row, returning the existing
// entry's seq instead of inserting a duplicate.
var errDedupHit = fmt.Errorf("dedup hit")

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// TailPage is the result of Tail.
type TailPage struct {
	Entries    []DocEntry
	NextCursor int64
	HasMore    bool
}

// Tail returns the most-recent `limit` entries visible to branch for doc,
// ordered by seq descending, honoring branch inheritance. cursor, if
// non-zero, is the last seq already seen by the caller (exclusive
// upper-bound continuation going backwards in time).
func (s *Store) Tail(ctx context.Context, workspace, branch, doc string, cursor int64, limit int) (TailPage, error) {
	if limit <= 0 {
		limit = 50
	}
	sources, err := s.resolveInheritance(ctx, workspace, branch)
	if err != nil {
		return TailPage{}, err
	}
	var all []DocEntry
	rows, err := s.db.QueryContext(ctx, buildSourcesQuery(workspace, doc, sources, cursor, limit), buildSourcesArgs(workspace, doc, sources, cursor)...)
	if err != nil {
		return TailPage{}, bmerrors.WrapSQL(err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		e, err := scanDocEntry(rows)
		if err != nil {
			return TailPage{}, bmerrors.WrapSQL(err)
		}
		all = append(all, e)
	}
	if err := rows.Err(); err != nil {
		return TailPage{}, bmerrors.WrapSQL(err)
	}

	hasMore := len(all) > limit
	if hasMore {
		all = all[:limit]
	}
	var next int64
	if len(all) > 0 {
		next = all[len(all)-1].Seq
	}
	return TailPage{Entries: all, NextCursor: next, HasMore: hasMore}, nil
}

// visibleDocEntriesTx returns every entry visible to an inheritance chain
// for doc, ordered seq ascending. Shared by NotesMerge and DocDiff, which
// need full visibility sets rather than a tail page.
func visibleDocEntriesTx(ctx context.Context, q querier, workspace, doc string, sources []branchSource) ([]DocEntry, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	clauses := make([]string, 0, len(sources))
	args := []any{workspace, doc}
	for _, src := range sources {
		upper := src.cutoff
		if upper == unboundedCutoff {
			upper = int64(1 << 62)
		}
		clauses = append(clauses, `(branch=? AND seq<=?)`)
		args = append(args, src.branch, upper)
	}
	query := fmt.Sprintf(`
		SELECT seq, ts_ms, branch, doc, kind, title, format, meta_json, content, event_type, task_id, path, payload_json, dedup_key
		FROM doc_entries
		WHERE workspace=? AND doc=? AND (%s)
		ORDER BY seq ASC`, strings.Join(clauses, " OR "))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []DocEntry
	for rows.Next() {
		e, err := scanDocEntry(rows)
		if err != nil {
			return nil, err
		}
		e.Workspace = workspace
		out = append(out, e)
	}
	return out, rows.Err()
}

// DocDiff returns the entries visible to `to` but not visible to `from`,
// ordered seq ascending, the document-log analogue of graph_diff, used by
// interactive diff ahead of a notes merge.
func (s *Store) DocDiff(ctx context.Context, workspace, from, to, doc string, limit int) ([]DocEntry, error) {
	fromSources, err := s.resolveInheritance(ctx, workspace, from)
	if err != nil {
		return nil, err
	}
	toSources, err := s.resolveInheritance(ctx, workspace, to)
	if err != nil {
		return nil, err
	}
	fromEntries, err := visibleDocEntriesTx(ctx, s.db, workspace, doc, fromSources)
	if err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	toEntries, err := visibleDocEntriesTx(ctx, s.db, workspace, doc, toSources)
	if err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	seen := make(map[int64]bool, len(fromEntries))
	for _, e := range fromEntries {
		seen[e.Seq] = true
	}
	if limit <= 0 {
		limit = 200
	}
	var out []DocEntry
	for _, e := range toEntries {
		if seen[e.Seq] {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func scanDocEntry(rows *sql.Rows) (DocEntry, error) {
	var e DocEntry
	var kind string
	var title, format, meta, content, eventType, taskID, path, payload, dedup sql.NullString
	if err := rows.Scan(&e.Seq, &e.TSMs, &e.Branch, &e.Doc, &kind, &title, &format, &meta, &content,
		&eventType, &taskID, &path, &payload, &dedup); err != nil {
		return DocEntry{}, err
	}
	e.Kind = DocKind(kind)
	e.Title, e.Format, e.MetaJSON, e.Content = title.String, format.String, meta.String, content.String
	e.EventType, e.TaskID, e.Path, e.PayloadJSON, e.DedupKey = eventType.String, taskID.String, path.String, payload.String, dedup.String
	return e, nil
}
