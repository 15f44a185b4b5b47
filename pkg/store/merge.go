package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/branchmind/branchmind/pkg/bmerrors"
)

// mergeAction is the outcome of the merge decision table for one key.
type mergeAction int

const (
	actionNoChange mergeAction = iota
	actionApplyTheirs
	actionKeepOurs
	actionConflict
)

// MergeResult is the return shape of graph_merge.
type MergeResult struct {
	Applied         int
	ConflictsCreated int
	ConflictIDs     []string
}

// computeLCA walks both chains (nearest-ancestor-first) and returns the
// name of the first branch common to both, plus the cutoff each chain
// assigns it. If no ancestor is shared, ok is false and "into acts as
// base".
func computeLCA(fromChain, intoChain []branchSource) (branch string, fromCutoff, intoCutoff int64, ok bool) {
	intoIdx := map[string]int64{}
	for _, s := range intoChain {
		intoIdx[s.branch] = s.cutoff
	}
	for _, s := range fromChain {
		if c, found := intoIdx[s.branch]; found {
			return s.branch, s.cutoff, c, true
		}
	}
	return "", 0, 0, false
}

func minCutoff(a, b int64) int64 {
	if a == unboundedCutoff {
		return b
	}
	if b == unboundedCutoff {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// baseSourcesFrom builds the source chain for the merge base: the LCA
// branch (with its cutoff narrowed to the point both from and into still
// agree on) plus everything the LCA itself inherits.
func baseSourcesFrom(chain []branchSource, lca string, cutoff int64) []branchSource {
	for i, s := range chain {
		if s.branch == lca {
			out := make([]branchSource, 0, len(chain)-i)
			out = append(out, branchSource{branch: lca, cutoff: cutoff})
			out = append(out, chain[i+1:]...)
			return out
		}
	}
	return nil
}

// GraphMerge is graph_merge: three-way merge of (from, into)
// against their lowest common ancestor, applying non-conflicting changes
// and recording explicit conflicts for the rest.
func (s *Store) GraphMerge(ctx context.Context, workspace, from, into, doc string, limit int, dryRun, mergeToBase bool) (MergeResult, error) {
	var result MergeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, ok, err := getBranchRowTx(ctx, tx, workspace, from); err != nil {
			return err
		} else if !ok {
			return &bmerrors.UnknownBranch{Name: from}
		}
		if _, ok, err := getBranchRowTx(ctx, tx, workspace, into); err != nil {
			return err
		} else if !ok {
			return &bmerrors.UnknownBranch{Name: into}
		}

		fromChain, err := walkInheritanceTx(ctx, tx, workspace, from)
		if err != nil {
			return err
		}
		intoChain, err := walkInheritanceTx(ctx, tx, workspace, into)
		if err != nil {
			return err
		}

		var baseSources []branchSource
		baseCutoffSeq := int64(0)
		lcaBranch, fromCutoff, intoCutoff, ok := computeLCA(fromChain, intoChain)
		if ok {
			baseCutoffSeq = minCutoff(fromCutoff, intoCutoff)
			baseSources = baseSourcesFrom(fromChain, lcaBranch, baseCutoffSeq)
		}
		// no common ancestor: base is empty, "into acts as base" (every key
		// in from not already matching into's current state counts as a
		// candidate addition).

		baseNodes, err := latestNodesTx(ctx, tx, workspace, doc, baseSources)
		if err != nil {
			return err
		}
		fromNodes, err := latestNodesTx(ctx, tx, workspace, doc, fromChain)
		if err != nil {
			return err
		}
		intoNodes, err := latestNodesTx(ctx, tx, workspace, doc, intoChain)
		if err != nil {
			return err
		}
		baseEdges, err := latestEdgesTx(ctx, tx, workspace, doc, baseSources)
		if err != nil {
			return err
		}
		fromEdges, err := latestEdgesTx(ctx, tx, workspace, doc, fromChain)
		if err != nil {
			return err
		}
		intoEdges, err := latestEdgesTx(ctx, tx, workspace, doc, intoChain)
		if err != nil {
			return err
		}

		targetBranch := into
		if mergeToBase {
			if !ok {
				return bmerrors.NewInvalidInput("merge_to_base requires from and into to share a common ancestor")
			}
			targetBranch = lcaBranch
		}

		applied := 0
		conflictIDs := make([]string, 0)
		now := nowMs()

		for id := range unionKeysNodes(baseNodes, fromNodes, intoNodes) {
			if limit > 0 && applied+len(conflictIDs) >= limit {
				break
			}
			baseN, hasBase := baseNodes[id]
			fromN, hasFrom := fromNodes[id]
			intoN, hasInto := intoNodes[id]
			action := classifyNode(hasBase, hasFrom, hasInto, baseN, fromN, intoN)
			switch action {
			case actionApplyTheirs:
				if dryRun {
					applied++
					continue
				}
				var op GraphOp
				if hasFrom && !fromN.Deleted {
					n := fromN.GraphNode
					op = GraphOp{NodeUpsert: &n}
				} else {
					idCopy := id
					op = GraphOp{NodeDelete: &idCopy}
				}
				kind, payload, perr := payloadOf(op)
				if perr != nil {
					return perr
				}
				if _, _, err := graphApplyTx(ctx, tx, workspace, targetBranch, doc, kind, payload, op, "", now); err != nil {
					return err
				}
				applied++
			case actionConflict:
				theirsSeq, oursSeq := int64(0), int64(0)
				if hasFrom {
					theirsSeq = fromN.LastSeq
				}
				if hasInto {
					oursSeq = intoN.LastSeq
				}
				cid := conflictID(workspace, from, into, doc, "node", id, baseCutoffSeq, theirsSeq, oursSeq)
				created, err := recordNodeConflictTx(ctx, tx, workspace, cid, from, into, doc, baseCutoffSeq, hasBase, baseN, hasFrom, fromN, hasInto, intoN, now, dryRun)
				if err != nil {
					return err
				}
				if created {
					conflictIDs = append(conflictIDs, cid)
				}
			}
		}

		for key := range unionKeysEdges(baseEdges, fromEdges, intoEdges) {
			if limit > 0 && applied+len(conflictIDs) >= limit {
				break
			}
			baseE, hasBase := baseEdges[key]
			fromE, hasFrom := fromEdges[key]
			intoE, hasInto := intoEdges[key]
			action := classifyEdge(hasBase, hasFrom, hasInto, baseE, fromE, intoE)
			switch action {
			case actionApplyTheirs:
				if dryRun {
					applied++
					continue
				}
				var op GraphOp
				if hasFrom && !fromE.Deleted {
					e := fromE.GraphEdge
					op = GraphOp{EdgeUpsert: &e}
				} else {
					e := edgeFromKey(key, fromE, intoE, hasFrom, hasInto)
					op = GraphOp{EdgeDelete: &e}
				}
				kind, payload, perr := payloadOf(op)
				if perr != nil {
					return perr
				}
				if _, _, err := graphApplyTx(ctx, tx, workspace, targetBranch, doc, kind, payload, op, "", now); err != nil {
					return err
				}
				applied++
			case actionConflict:
				theirsSeq, oursSeq := int64(0), int64(0)
				if hasFrom {
					theirsSeq = fromE.LastSeq
				}
				if hasInto {
					oursSeq = intoE.LastSeq
				}
				cid := conflictID(workspace, from, into, doc, "edge", key, baseCutoffSeq, theirsSeq, oursSeq)
				created, err := recordEdgeConflictTx(ctx, tx, workspace, cid, from, into, doc, baseCutoffSeq, hasBase, baseE, hasFrom, fromE, hasInto, intoE, now, dryRun)
				if err != nil {
					return err
				}
				if created {
					conflictIDs = append(conflictIDs, cid)
				}
			}
		}

		result = MergeResult{Applied: applied, ConflictsCreated: len(conflictIDs), ConflictIDs: conflictIDs}
		return nil
	})
	if err != nil {
		return MergeResult{}, bmerrors.WrapSQL(err)
	}
	return result, nil
}

func edgeFromKey(key string, fromE, intoE GraphEdgeRow, hasFrom, hasInto bool) GraphEdge {
	if hasFrom {
		return fromE.GraphEdge
	}
	if hasInto {
		return intoE.GraphEdge
	}
	return GraphEdge{}
}

func unionKeysNodes(maps ...map[string]GraphNodeRow) map[string]struct{} {
	out := map[string]struct{}{}
	for _, m := range maps {
		for k := range m {
			out[k] = struct{}{}
		}
	}
	return out
}

func unionKeysEdges(maps ...map[string]GraphEdgeRow) map[string]struct{} {
	out := map[string]struct{}{}
	for _, m := range maps {
		for k := range m {
			out[k] = struct{}{}
		}
	}
	return out
}

// classifyNode implements the merge decision table for one node id.
func classifyNode(hasBase, hasFrom, hasInto bool, base, from, into GraphNodeRow) mergeAction {
	switch {
	case hasBase && hasFrom && hasInto:
		baseEqFrom := nodesSemanticEqual(base, from)
		baseEqInto := nodesSemanticEqual(base, into)
		switch {
		case baseEqFrom && baseEqInto:
			return actionNoChange
		case !baseEqFrom && baseEqInto:
			return actionApplyTheirs
		case baseEqFrom && !baseEqInto:
			return actionKeepOurs
		case nodesSemanticEqual(from, into):
			return actionNoChange
		default:
			return actionConflict
		}
	case !hasBase:
		switch {
		case hasFrom && !hasInto:
			return actionApplyTheirs
		case !hasFrom && hasInto:
			return actionKeepOurs
		case hasFrom && hasInto:
			if nodesSemanticEqual(from, into) {
				return actionNoChange
			}
			return actionConflict
		default:
			return actionNoChange
		}
	case hasBase && !hasFrom && hasInto:
		if from.Deleted || !hasFrom {
			return actionConflict // present|absent/deleted|present: tombstone vs live
		}
		return actionNoChange
	case hasBase && hasFrom && !hasInto:
		return actionConflict
	case hasBase && !hasFrom && !hasInto:
		return actionNoChange
	default:
		return actionNoChange
	}
}

func classifyEdge(hasBase, hasFrom, hasInto bool, base, from, into GraphEdgeRow) mergeAction {
	switch {
	case hasBase && hasFrom && hasInto:
		baseEqFrom := edgesSemanticEqual(base, from)
		baseEqInto := edgesSemanticEqual(base, into)
		switch {
		case baseEqFrom && baseEqInto:
			return actionNoChange
		case !baseEqFrom && baseEqInto:
			return actionApplyTheirs
		case baseEqFrom && !baseEqInto:
			return actionKeepOurs
		case edgesSemanticEqual(from, into):
			return actionNoChange
		default:
			return actionConflict
		}
	case !hasBase:
		switch {
		case hasFrom && !hasInto:
			return actionApplyTheirs
		case !hasFrom && hasInto:
			return actionKeepOurs
		case hasFrom && hasInto:
			if edgesSemanticEqual(from, into) {
				return actionNoChange
			}
			return actionConflict
		default:
			return actionNoChange
		}
	case hasBase && !hasFrom && hasInto:
		return actionConflict
	case hasBase && hasFrom && !hasInto:
		return actionConflict
	default:
		return actionNoChange
	}
}

// conflictID is deterministic over the conflict's identifying tuple,
// hashed with blake2b-256 and truncated to a readable id, so repeated
// merges don't multiply conflict rows.
func conflictID(workspace, from, into, doc, kind, key string, baseCutoffSeq, theirsSeq, oursSeq int64) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 with a nil key never errors; fall back defensively.
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%d|%d", workspace, from, into, doc, kind, key, baseCutoffSeq, theirsSeq, oursSeq)))
		return "cf_" + hex.EncodeToString(sum[:8])
	}
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d|%d|%d", workspace, from, into, doc, kind, key, baseCutoffSeq, theirsSeq, oursSeq)
	return "cf_" + hex.EncodeToString(h.Sum(nil)[:8])
}

func recordNodeConflictTx(ctx context.Context, tx *sql.Tx, workspace, conflictID, from, into, doc string, baseCutoffSeq int64,
	hasBase bool, base GraphNodeRow, hasFrom bool, theirs GraphNodeRow, hasInto bool, ours GraphNodeRow, now int64, dryRun bool) (bool, error) {
	if dryRun {
		return true, nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM graph_conflicts WHERE workspace=? AND conflict_id=?`, workspace, conflictID).Scan(&exists); err == nil {
		return false, nil // already recorded; repeated merges don't multiply rows
	} else if err != sql.ErrNoRows {
		return false, err
	}
	key := baseOrEmptyKey(hasBase, base)
	if key == "" {
		key = theirs.ID
	}
	if key == "" {
		key = ours.ID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO graph_conflicts(workspace, conflict_id, kind, key, from_branch, into_branch, doc, base_cutoff_seq,
			base_seq, base_ts_ms, base_deleted, base_node_type, base_title, base_text, base_tags, base_status, base_meta_json,
			theirs_seq, theirs_ts_ms, theirs_deleted, theirs_node_type, theirs_title, theirs_text, theirs_tags, theirs_status, theirs_meta_json,
			ours_seq, ours_ts_ms, ours_deleted, ours_node_type, ours_title, ours_text, ours_tags, ours_status, ours_meta_json,
			status, created_at_ms)
		VALUES (?,?,'node',?,?,?,?,?, ?,?,?,?,?,?,?,?,?, ?,?,?,?,?,?,?,?,?, ?,?,?,?,?,?,?,?,?, 'open', ?)`,
		workspace, conflictID, key, from, into, doc, baseCutoffSeq,
		nullableSeq(hasBase, base.LastSeq), nullableSeq(hasBase, base.LastTSMs), boolOrNil(hasBase, base.Deleted),
		nullableTextIf(hasBase, base.Type), nullableTextIf(hasBase, base.Title), nullableTextIf(hasBase, base.Text),
		nullableTextIf(hasBase, encodeTags(base.Tags)), nullableTextIf(hasBase, base.Status), nullableTextIf(hasBase, base.MetaJSON),
		nullableSeq(hasFrom, theirs.LastSeq), nullableSeq(hasFrom, theirs.LastTSMs), boolOrNil(hasFrom, theirs.Deleted),
		nullableTextIf(hasFrom, theirs.Type), nullableTextIf(hasFrom, theirs.Title), nullableTextIf(hasFrom, theirs.Text),
		nullableTextIf(hasFrom, encodeTags(theirs.Tags)), nullableTextIf(hasFrom, theirs.Status), nullableTextIf(hasFrom, theirs.MetaJSON),
		nullableSeq(hasInto, ours.LastSeq), nullableSeq(hasInto, ours.LastTSMs), boolOrNil(hasInto, ours.Deleted),
		nullableTextIf(hasInto, ours.Type), nullableTextIf(hasInto, ours.Title), nullableTextIf(hasInto, ours.Text),
		nullableTextIf(hasInto, encodeTags(ours.Tags)), nullableTextIf(hasInto, ours.Status), nullableTextIf(hasInto, ours.MetaJSON),
		now)
	if err != nil {
		return false, fmt.Errorf("insert node conflict: %w", err)
	}
	return true, nil
}

func recordEdgeConflictTx(ctx context.Context, tx *sql.Tx, workspace, conflictID, from, into, doc string, baseCutoffSeq int64,
	hasBase bool, base GraphEdgeRow, hasFrom bool, theirs GraphEdgeRow, hasInto bool, ours GraphEdgeRow, now int64, dryRun bool) (bool, error) {
	if dryRun {
		return true, nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM graph_conflicts WHERE workspace=? AND conflict_id=?`, workspace, conflictID).Scan(&exists); err == nil {
		return false, nil
	} else if err != sql.ErrNoRows {
		return false, err
	}
	key := edgeFromKey("", theirs, ours, hasFrom, hasInto)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO graph_conflicts(workspace, conflict_id, kind, key, from_branch, into_branch, doc, base_cutoff_seq,
			base_seq, base_ts_ms, base_deleted, base_from_id, base_rel, base_to_id, base_edge_meta_json,
			theirs_seq, theirs_ts_ms, theirs_deleted, theirs_from_id, theirs_rel, theirs_to_id, theirs_edge_meta_json,
			ours_seq, ours_ts_ms, ours_deleted, ours_from_id, ours_rel, ours_to_id, ours_edge_meta_json,
			status, created_at_ms)
		VALUES (?,?,'edge',?,?,?,?,?, ?,?,?,?,?,?,?, ?,?,?,?,?,?,?, ?,?,?,?,?,?,?, 'open', ?)`,
		workspace, conflictID, edgeKey(key.From, key.Rel, key.To), from, into, doc, baseCutoffSeq,
		nullableSeq(hasBase, base.LastSeq), nullableSeq(hasBase, base.LastTSMs), boolOrNil(hasBase, base.Deleted),
		nullableTextIf(hasBase, base.From), nullableTextIf(hasBase, base.Rel), nullableTextIf(hasBase, base.To), nullableTextIf(hasBase, base.MetaJSON),
		nullableSeq(hasFrom, theirs.LastSeq), nullableSeq(hasFrom, theirs.LastTSMs), boolOrNil(hasFrom, theirs.Deleted),
		nullableTextIf(hasFrom, theirs.From), nullableTextIf(hasFrom, theirs.Rel), nullableTextIf(hasFrom, theirs.To), nullableTextIf(hasFrom, theirs.MetaJSON),
		nullableSeq(hasInto, ours.LastSeq), nullableSeq(hasInto, ours.LastTSMs), boolOrNil(hasInto, ours.Deleted),
		nullableTextIf(hasInto, ours.From), nullableTextIf(hasInto, ours.Rel), nullableTextIf(hasInto, ours.To), nullableTextIf(hasInto, ours.MetaJSON),
		now)
	if err != nil {
		return false, fmt.Errorf("insert edge conflict: %w", err)
	}
	return true, nil
}

func baseOrEmptyKey(has bool, n GraphNodeRow) string {
	if has {
		return n.ID
	}
	return ""
}

func nullableSeq(has bool, v int64) any {
	if !has {
		return nil
	}
	return v
}

func boolOrNil(has bool, v bool) any {
	if !has {
		return nil
	}
	if v {
		return 1
	}
	return 0
}

func nullableTextIf(has bool, v string) any {
	if !has {
		return nil
	}
	return v
}

// mergedDedupPrefix marks a doc entry as a merge copy; the suffix encodes
// the origin (branch, seq) so repeated and round-trip merges can recognize
// content they already carry.
const mergedDedupPrefix = "merged:"

// mergeOrigin reports the (branch, seq) a merge-copy entry was taken from,
// or the entry's own coordinates when it is an original.
func mergeOrigin(e DocEntry) (string, int64) {
	if strings.HasPrefix(e.DedupKey, mergedDedupPrefix) {
		rest := strings.TrimPrefix(e.DedupKey, mergedDedupPrefix)
		if i := strings.LastIndexByte(rest, ':'); i > 0 {
			if seq, err := strconv.ParseInt(rest[i+1:], 10, 64); err == nil {
				return rest[:i], seq
			}
		}
	}
	return e.Branch, e.Seq
}

// NotesMerge merges a notes or trace document between branches: every
// entry visible to from but not visible to into is copied onto into, each
// copy carrying a dedup key derived from its origin entry so re-running
// the merge applies zero changes. Graph documents merge through
// GraphMerge; their entries are ops, not content.
func (s *Store) NotesMerge(ctx context.Context, workspace, from, into, doc string) (int, error) {
	merged := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range []string{from, into} {
			if _, ok, err := getBranchRowTx(ctx, tx, workspace, name); err != nil {
				return err
			} else if !ok {
				return &bmerrors.UnknownBranch{Name: name}
			}
		}
		fromChain, err := walkInheritanceTx(ctx, tx, workspace, from)
		if err != nil {
			return err
		}
		intoChain, err := walkInheritanceTx(ctx, tx, workspace, into)
		if err != nil {
			return err
		}
		fromEntries, err := visibleDocEntriesTx(ctx, tx, workspace, doc, fromChain)
		if err != nil {
			return err
		}
		intoEntries, err := visibleDocEntriesTx(ctx, tx, workspace, doc, intoChain)
		if err != nil {
			return err
		}
		intoSeqs := make(map[int64]bool, len(intoEntries))
		intoOrigins := make(map[string]bool, len(intoEntries))
		for _, e := range intoEntries {
			intoSeqs[e.Seq] = true
			ob, os := mergeOrigin(e)
			intoOrigins[fmt.Sprintf("%s:%d", ob, os)] = true
		}

		now := nowMs()
		for _, e := range fromEntries {
			if intoSeqs[e.Seq] {
				continue
			}
			if e.Kind == DocKindGraph {
				return bmerrors.NewInvalidInput("document %s is a graph document; merge it with graph_merge", doc)
			}
			originBranch, originSeq := mergeOrigin(e)
			originKey := fmt.Sprintf("%s:%d", originBranch, originSeq)
			if intoOrigins[originKey] {
				continue
			}
			seq, err := nextSeqTx(ctx, tx, workspace)
			if err != nil {
				return err
			}
			if err := ensureDocumentTx(ctx, tx, workspace, into, doc, e.Kind, now); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO doc_entries(seq, workspace, ts_ms, branch, doc, kind, title, format, meta_json, content,
					event_type, task_id, path, payload_json, dedup_key)
				VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				seq, workspace, now, into, doc, string(e.Kind), e.Title, e.Format, e.MetaJSON, e.Content,
				e.EventType, e.TaskID, e.Path, e.PayloadJSON, mergedDedupPrefix+originKey)
			if err != nil {
				return fmt.Errorf("insert merged entry: %w", err)
			}
			intoOrigins[originKey] = true
			merged++
		}
		if merged > 0 {
			payload, _ := json.Marshal(map[string]any{"from": from, "into": into, "doc": doc, "merged": merged})
			if _, err := emitEventTx(ctx, tx, workspace, "", "", "notes_merged", string(payload), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, bmerrors.WrapSQL(err)
	}
	return merged, nil
}

// GraphConflictResolve is graph_conflict_resolve: applies the
// chosen side as a new graph op on into, closing the conflict.
func (s *Store) GraphConflictResolve(ctx context.Context, workspace, conflictID, resolution string) error {
	if resolution != "use_from" && resolution != "use_into" {
		return bmerrors.NewInvalidInput("resolution must be use_from or use_into, got %q", resolution)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var kind, key, intoBranch, doc, status string
		var theirsFrom, theirsRel, theirsTo, oursFrom, oursRel, oursTo sql.NullString
		var theirsEdgeMeta, oursEdgeMeta sql.NullString
		var theirsTitle, theirsText, theirsType, theirsTags, theirsStatus, theirsMeta sql.NullString
		var oursTitle, oursText, oursType, oursTags, oursStatus, oursMeta sql.NullString
		var theirsDeleted, oursDeleted sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT kind, key, into_branch, doc, status,
				theirs_from_id, theirs_rel, theirs_to_id, ours_from_id, ours_rel, ours_to_id,
				theirs_edge_meta_json, ours_edge_meta_json,
				theirs_title, theirs_text, theirs_node_type, theirs_tags, theirs_status, theirs_meta_json, theirs_deleted,
				ours_title, ours_text, ours_node_type, ours_tags, ours_status, ours_meta_json, ours_deleted
			FROM graph_conflicts WHERE workspace=? AND conflict_id=?`, workspace, conflictID).Scan(
			&kind, &key, &intoBranch, &doc, &status,
			&theirsFrom, &theirsRel, &theirsTo, &oursFrom, &oursRel, &oursTo,
			&theirsEdgeMeta, &oursEdgeMeta,
			&theirsTitle, &theirsText, &theirsType, &theirsTags, &theirsStatus, &theirsMeta, &theirsDeleted,
			&oursTitle, &oursText, &oursType, &oursTags, &oursStatus, &oursMeta, &oursDeleted)
		if err == sql.ErrNoRows {
			return &bmerrors.UnknownConflict{ID: conflictID}
		}
		if err != nil {
			return err
		}
		if status != "open" {
			return &bmerrors.ConflictAlreadyResolved{ConflictID: conflictID}
		}

		now := nowMs()
		var op GraphOp
		if kind == "node" {
			useFrom := resolution == "use_from"
			deleted := oursDeleted
			title, text, typ, tags, stat, meta := oursTitle, oursText, oursType, oursTags, oursStatus, oursMeta
			if useFrom {
				deleted, title, text, typ, tags, stat, meta = theirsDeleted, theirsTitle, theirsText, theirsType, theirsTags, theirsStatus, theirsMeta
			}
			if deleted.Valid && deleted.Int64 != 0 {
				idCopy := key
				op = GraphOp{NodeDelete: &idCopy}
			} else {
				op = GraphOp{NodeUpsert: &GraphNode{
					ID: key, Type: typ.String, Title: title.String, Text: text.String,
					Tags: decodeTags(tags.String), Status: stat.String, MetaJSON: meta.String,
				}}
			}
		} else {
			useFrom := resolution == "use_from"
			from, rel, to, meta := oursFrom, oursRel, oursTo, oursEdgeMeta
			deleted := oursDeleted
			if useFrom {
				from, rel, to, meta, deleted = theirsFrom, theirsRel, theirsTo, theirsEdgeMeta, theirsDeleted
			}
			edge := GraphEdge{From: from.String, Rel: rel.String, To: to.String, MetaJSON: meta.String}
			if deleted.Valid && deleted.Int64 != 0 {
				op = GraphOp{EdgeDelete: &edge}
			} else {
				op = GraphOp{EdgeUpsert: &edge}
			}
		}

		opKind, payload, err := payloadOf(op)
		if err != nil {
			return err
		}
		if _, _, err := graphApplyTx(ctx, tx, workspace, intoBranch, doc, opKind, payload, op, "", now); err != nil {
			return err
		}
		resolvedStatus := "resolved_use_into"
		if resolution == "use_from" {
			resolvedStatus = "resolved_use_from"
		}
		_, err = tx.ExecContext(ctx, `UPDATE graph_conflicts SET status=? WHERE workspace=? AND conflict_id=?`, resolvedStatus, workspace, conflictID)
		return err
	})
}
