package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/branchmind/branchmind/pkg/bmerrors"
	"github.com/branchmind/branchmind/pkg/ids"
)

// branchSource is one entry of the ordered inheritance chain computed by
// the branch inheritance resolver. cutoff == -1 means
// unbounded ("the self-branch has cutoff_seq = ∞").
type branchSource struct {
	branch string
	cutoff int64
}

const unboundedCutoff int64 = -1

// Branch is the persisted shape of a branch row.
type Branch struct {
	Workspace    string
	Name         string
	ParentBranch string
	BaseSeq      int64
	HasParent    bool
	CreatedAtMs  int64
}

// rootBranchName is the implicit root every workspace starts with; the
// reasoning ref binder creates branches rooted here when no
// explicit parent is given.
const rootBranchName = "main"

func getBranchRowTx(ctx context.Context, tx *sql.Tx, workspace, name string) (Branch, bool, error) {
	var b Branch
	var parent sql.NullString
	var baseSeq sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT name, parent_branch, base_seq, created_at_ms FROM branches WHERE workspace=? AND name=?`,
		workspace, name).Scan(&b.Name, &parent, &baseSeq, &b.CreatedAtMs)
	if err == sql.ErrNoRows {
		return Branch{}, false, nil
	}
	if err != nil {
		return Branch{}, false, err
	}
	b.Workspace = workspace
	if parent.Valid {
		b.ParentBranch = parent.String
		b.HasParent = true
	}
	if baseSeq.Valid {
		b.BaseSeq = baseSeq.Int64
	}
	return b, true, nil
}

// ensureRootBranchTx lazily creates the workspace-default root branch.
func ensureRootBranchTx(ctx context.Context, tx *sql.Tx, workspace string, now int64) error {
	_, ok, err := getBranchRowTx(ctx, tx, workspace, rootBranchName)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO branches(workspace, name, parent_branch, base_seq, created_at_ms) VALUES (?, ?, NULL, NULL, ?)`,
		workspace, rootBranchName, now)
	return err
}

// BranchCreate creates a derived branch rooted at parent, recording the
// parent's current head sequence as the inheritance cutoff. A parent of
// "" creates a root branch.
func (s *Store) BranchCreate(ctx context.Context, workspace, name, parent string) (Branch, error) {
	var out Branch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		if err := ensureWorkspaceTx(ctx, tx, workspace, now); err != nil {
			return err
		}
		if _, err := ids.NewBranchName(name); err != nil {
			return bmerrors.NewInvalidInput("%s", err.Error())
		}
		if _, ok, err := getBranchRowTx(ctx, tx, workspace, name); err != nil {
			return err
		} else if ok {
			return &bmerrors.BranchAlreadyExists{Name: name}
		}

		var baseSeq sql.NullInt64
		if parent != "" {
			parentRow, ok, err := getBranchRowTx(ctx, tx, workspace, parent)
			if err != nil {
				return err
			}
			if !ok {
				return &bmerrors.UnknownBranch{Name: parent}
			}
			// depth/cycle check on the parent we're about to inherit from;
			// the new branch adds one more link to that chain.
			parentChain, err := walkInheritanceTx(ctx, tx, workspace, parentRow.Name)
			if err != nil {
				return err
			}
			if len(parentChain) > ids.MaxBranchDepth {
				return &bmerrors.BranchDepthExceeded{Name: name}
			}
			head, err := headSeqTx(ctx, tx, workspace, parent)
			if err != nil {
				return err
			}
			baseSeq = sql.NullInt64{Int64: head, Valid: true}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO branches(workspace, name, parent_branch, base_seq, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
			workspace, name, nullableText(parent), baseSeq, now)
		if err != nil {
			return fmt.Errorf("insert branch: %w", err)
		}
		out = Branch{Workspace: workspace, Name: name, ParentBranch: parent, HasParent: parent != "", CreatedAtMs: now}
		if baseSeq.Valid {
			out.BaseSeq = baseSeq.Int64
		}
		return nil
	})
	if err != nil {
		return Branch{}, err
	}
	return out, nil
}

// ensureBranchTx registers branch as a root if it has no row yet. Writers
// may target a branch name before it has been formally created; documents
// are created on first write, and so is the branch that owns
// them when nothing derived it explicitly.
func ensureBranchTx(ctx context.Context, tx *sql.Tx, workspace, branch string, now int64) error {
	if _, err := ids.NewBranchName(branch); err != nil {
		return bmerrors.NewInvalidInput("%s", err.Error())
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO branches(workspace, name, parent_branch, base_seq, created_at_ms) VALUES (?, ?, NULL, NULL, ?)
		 ON CONFLICT(workspace, name) DO NOTHING`, workspace, branch, now)
	return err
}

// BranchDelete removes a branch and the document streams it owns. It is
// rejected while derived branches still refer to it. The workspace seq
// counter never rolls back, so deleted sequence numbers are not reused.
func (s *Store) BranchDelete(ctx context.Context, workspace, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, ok, err := getBranchRowTx(ctx, tx, workspace, name); err != nil {
			return err
		} else if !ok {
			return &bmerrors.UnknownBranch{Name: name}
		}
		var children int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM branches WHERE workspace=? AND parent_branch=?`,
			workspace, name).Scan(&children); err != nil {
			return err
		}
		if children > 0 {
			return bmerrors.NewInvalidInput("branch %s has %d derived branches; delete them first", name, children)
		}
		for _, stmt := range []string{
			`DELETE FROM doc_entries WHERE workspace=? AND branch=?`,
			`DELETE FROM graph_nodes WHERE workspace=? AND branch=?`,
			`DELETE FROM graph_edges WHERE workspace=? AND branch=?`,
			`DELETE FROM documents WHERE workspace=? AND branch=?`,
			`DELETE FROM branches WHERE workspace=? AND name=?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, workspace, name); err != nil {
				return fmt.Errorf("delete branch %s: %w", name, err)
			}
		}
		_, err := emitEventTx(ctx, tx, workspace, "", "", "branch_deleted", `{"branch":"`+name+`"}`, nowMs())
		return err
	})
}

// headSeqTx returns the highest seq ever written directly to branch (not
// counting inherited history), or 0 if none.
func headSeqTx(ctx context.Context, tx *sql.Tx, workspace, branch string) (int64, error) {
	var head sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM doc_entries WHERE workspace=? AND branch=?`, workspace, branch).Scan(&head)
	if err != nil {
		return 0, err
	}
	if head.Valid {
		return head.Int64, nil
	}
	return 0, nil
}

// walkInheritanceTx computes the ordered source chain for branch, detecting
// BranchCycle / BranchDepthExceeded.
func walkInheritanceTx(ctx context.Context, tx *sql.Tx, workspace, branch string) ([]branchSource, error) {
	visited := map[string]bool{}
	sources := make([]branchSource, 0, 4)
	cur := branch
	cutoff := unboundedCutoff
	for i := 0; i < ids.MaxBranchDepth+1; i++ {
		if visited[cur] {
			return nil, &bmerrors.BranchCycle{Name: cur}
		}
		visited[cur] = true
		sources = append(sources, branchSource{branch: cur, cutoff: cutoff})

		row, ok, err := getBranchRowTx(ctx, tx, workspace, cur)
		if err != nil {
			return nil, err
		}
		if !ok || !row.HasParent {
			return sources, nil
		}
		cur = row.ParentBranch
		cutoff = row.BaseSeq
	}
	return nil, &bmerrors.BranchDepthExceeded{Name: branch}
}

// resolveInheritance is the public-facing wrapper used by readers.
func (s *Store) resolveInheritance(ctx context.Context, workspace, branch string) ([]branchSource, error) {
	var out []branchSource
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, ok, err := getBranchRowTx(ctx, tx, workspace, branch); err != nil {
			return err
		} else if !ok {
			return &bmerrors.UnknownBranch{Name: branch}
		}
		var err2 error
		out, err2 = walkInheritanceTx(ctx, tx, workspace, branch)
		return err2
	})
	return out, err
}

// buildSourcesQuery builds the UNION ALL SELECT honoring each source's
// cutoff, ordered most-recent-first, one row past `limit` so callers can
// detect has_more without a second round trip. Column order matches
// scanDocEntry.
func buildSourcesQuery(workspace, doc string, sources []branchSource, cursor int64, limit int) string {
	clauses := make([]string, 0, len(sources))
	for range sources {
		clauses = append(clauses, `(workspace=? AND branch=? AND doc=? AND seq<=? AND seq<?)`)
	}
	where := strings.Join(clauses, " OR ")
	return fmt.Sprintf(`
		SELECT seq, ts_ms, branch, doc, kind, title, format, meta_json, content, event_type, task_id, path, payload_json, dedup_key
		FROM doc_entries
		WHERE (%s)
		ORDER BY seq DESC
		LIMIT %d`, where, limit+1)
}

func buildSourcesArgs(workspace, doc string, sources []branchSource, cursor int64) []any {
	cutoffCursor := int64(1 << 62)
	if cursor > 0 {
		cutoffCursor = cursor
	}
	args := make([]any, 0, len(sources)*5)
	for _, src := range sources {
		upper := src.cutoff
		if upper == unboundedCutoff {
			upper = int64(1 << 62)
		}
		args = append(args, workspace, src.branch, doc, upper, cutoffCursor)
	}
	return args
}
