package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/branchmind/branchmind/pkg/bmerrors"
	"github.com/branchmind/branchmind/pkg/ids"
)

// GraphOp is the payload of a single graph-op doc entry.
// Exactly one of the four setters is non-nil.
type GraphOp struct {
	NodeUpsert *GraphNode
	NodeDelete *string
	EdgeUpsert *GraphEdge
	EdgeDelete *GraphEdge
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func decodeTags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func payloadOf(op GraphOp) (string, string, error) {
	switch {
	case op.NodeUpsert != nil:
		b, _ := json.Marshal(struct {
			Op   string    `json:"op"`
			Node GraphNode `json:"node"`
		}{"node_upsert", *op.NodeUpsert})
		return string(GraphOpNodeUpsert), string(b), nil
	case op.NodeDelete != nil:
		b, _ := json.Marshal(struct {
			Op string `json:"op"`
			ID string `json:"id"`
		}{"node_delete", *op.NodeDelete})
		return string(GraphOpNodeDelete), string(b), nil
	case op.EdgeUpsert != nil:
		b, _ := json.Marshal(struct {
			Op   string    `json:"op"`
			Edge GraphEdge `json:"edge"`
		}{"edge_upsert", *op.EdgeUpsert})
		return string(GraphOpEdgeUpsert), string(b), nil
	case op.EdgeDelete != nil:
		b, _ := json.Marshal(struct {
			Op   string    `json:"op"`
			Edge GraphEdge `json:"edge"`
		}{"edge_delete", *op.EdgeDelete})
		return string(GraphOpEdgeDelete), string(b), nil
	default:
		return "", "", bmerrors.NewInvalidInput("graph op must set exactly one of node_upsert/node_delete/edge_upsert/edge_delete")
	}
}

// GraphApply appends one graph-op entry to (workspace, branch, doc) and
// folds it into the materialized view in the same transaction. dedupKey
// suppresses duplicate writes of a semantically-idempotent op; the
// projector relies on this. An EdgeUpsert never checks that its endpoints
// exist; that's graph_validate's job, not graph_apply's.
func (s *Store) GraphApply(ctx context.Context, workspace, branch, doc string, op GraphOp, dedupKey string) (DocEntry, bool, error) {
	kind, payload, err := payloadOf(op)
	if err != nil {
		return DocEntry{}, false, err
	}
	if op.NodeUpsert != nil {
		if _, err := ids.GraphNodeID(op.NodeUpsert.ID); err != nil {
			return DocEntry{}, false, bmerrors.NewInvalidInput("%s", err.Error())
		}
	}
	if op.EdgeUpsert != nil {
		if _, err := ids.Relation(op.EdgeUpsert.Rel); err != nil {
			return DocEntry{}, false, bmerrors.NewInvalidInput("%s", err.Error())
		}
	}

	var entry DocEntry
	applied := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		if err := ensureWorkspaceTx(ctx, tx, workspace, now); err != nil {
			return err
		}
		if err := ensureBranchTx(ctx, tx, workspace, branch, now); err != nil {
			return err
		}
		var innerErr error
		entry, applied, innerErr = graphApplyTx(ctx, tx, workspace, branch, doc, kind, payload, op, dedupKey, now)
		return innerErr
	})
	if err != nil {
		return DocEntry{}, false, bmerrors.WrapSQL(err)
	}
	return entry, applied, nil
}

// graphApplyTx is the transactional core shared by GraphApply and
// graph_merge (which applies many ops plus conflict rows atomically in a
// single transaction rather than one transaction per op).
func graphApplyTx(ctx context.Context, tx *sql.Tx, workspace, branch, doc string, kind, payload string, op GraphOp, dedupKey string, now int64) (DocEntry, bool, error) {
	if err := ensureDocumentTx(ctx, tx, workspace, branch, doc, DocKindGraph, now); err != nil {
		return DocEntry{}, false, err
	}
	if dedupKey != "" {
		var existingSeq int64
		err := tx.QueryRowContext(ctx,
			`SELECT seq FROM doc_entries WHERE workspace=? AND branch=? AND doc=? AND dedup_key=?`,
			workspace, branch, doc, dedupKey).Scan(&existingSeq)
		if err == nil {
			return DocEntry{}, false, nil // already applied; not an error, just a no-op
		}
		if err != sql.ErrNoRows {
			return DocEntry{}, false, err
		}
	}
	seq, err := nextSeqTx(ctx, tx, workspace)
	if err != nil {
		return DocEntry{}, false, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO doc_entries(seq, workspace, ts_ms, branch, doc, kind, payload_json, dedup_key)
		VALUES (?,?,?,?,?,?,?,?)`,
		seq, workspace, now, branch, doc, string(DocKindGraph), payload, nullableText(dedupKey))
	if err != nil {
		return DocEntry{}, false, fmt.Errorf("insert graph op entry: %w", err)
	}
	_ = kind
	if err := foldGraphOpTx(ctx, tx, workspace, branch, doc, seq, now, op); err != nil {
		return DocEntry{}, false, err
	}
	if op.NodeUpsert != nil {
		if err := projectKnowledgeKeyTx(ctx, tx, workspace, *op.NodeUpsert, now); err != nil {
			return DocEntry{}, false, err
		}
	}
	entry := DocEntry{Seq: seq, TSMs: now, Workspace: workspace, Branch: branch, Doc: doc, Kind: DocKindGraph, PayloadJSON: payload, DedupKey: dedupKey}
	return entry, true, nil
}

// foldGraphOpTx applies a single op's effect to the versioned view tables:
// every fold step inserts a new row keyed by its seq, and readers pick the
// highest-seq row inside their cutoff window.
// Tie-breaks: since seq is strictly monotonic, "higher seq wins" on equal
// ts_ms falls out for free from ordering on seq rather than ts_ms.
func foldGraphOpTx(ctx context.Context, tx *sql.Tx, workspace, branch, doc string, seq, ts int64, op GraphOp) error {
	switch {
	case op.NodeUpsert != nil:
		n := op.NodeUpsert
		_, err := tx.ExecContext(ctx, `
			INSERT INTO graph_nodes(workspace,branch,doc,node_id,last_seq,last_ts_ms,deleted,node_type,title,text,tags,status,meta_json)
			VALUES (?,?,?,?,?,?,0,?,?,?,?,?,?)`,
			workspace, branch, doc, n.ID, seq, ts, n.Type, n.Title, n.Text, encodeTags(n.Tags), n.Status, n.MetaJSON)
		return err
	case op.NodeDelete != nil:
		id := *op.NodeDelete
		_, err := tx.ExecContext(ctx, `
			INSERT INTO graph_nodes(workspace,branch,doc,node_id,last_seq,last_ts_ms,deleted,node_type,title,text,tags,status,meta_json)
			VALUES (?,?,?,?,?,?,1,'','','','','','')`,
			workspace, branch, doc, id, seq, ts)
		if err != nil {
			return err
		}
		// Deleting a node tombstones its incident edges in this branch's view
		// in the same fold step, so a later merge sees tombstone-vs-live
		// divergence on the edge key itself.
		sources, err := walkInheritanceTx(ctx, tx, workspace, branch)
		if err != nil {
			return err
		}
		edges, err := latestEdgesTx(ctx, tx, workspace, doc, sources)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if e.Deleted || (e.From != id && e.To != id) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO graph_edges(workspace,branch,doc,from_id,rel,to_id,last_seq,last_ts_ms,deleted,meta_json)
				VALUES (?,?,?,?,?,?,?,?,1,'')`,
				workspace, branch, doc, e.From, e.Rel, e.To, seq, ts); err != nil {
				return err
			}
		}
		return nil
	case op.EdgeUpsert != nil:
		e := op.EdgeUpsert
		_, err := tx.ExecContext(ctx, `
			INSERT INTO graph_edges(workspace,branch,doc,from_id,rel,to_id,last_seq,last_ts_ms,deleted,meta_json)
			VALUES (?,?,?,?,?,?,?,?,0,?)`,
			workspace, branch, doc, e.From, e.Rel, e.To, seq, ts, e.MetaJSON)
		return err
	case op.EdgeDelete != nil:
		e := op.EdgeDelete
		_, err := tx.ExecContext(ctx, `
			INSERT INTO graph_edges(workspace,branch,doc,from_id,rel,to_id,last_seq,last_ts_ms,deleted,meta_json)
			VALUES (?,?,?,?,?,?,?,?,1,'')`,
			workspace, branch, doc, e.From, e.Rel, e.To, seq, ts)
		return err
	}
	return bmerrors.NewInvalidInput("empty graph op")
}

// sourceWindow turns a branch's inheritance chain into the SQL fragment
// used by both node and edge view queries: a node/edge row counts for this
// branch only if it lives on one of the sources within that source's
// cutoff.
func sourceWindow(sources []branchSource) (string, []any) {
	clauses := make([]string, 0, len(sources))
	args := make([]any, 0, len(sources)*2)
	for _, src := range sources {
		upper := src.cutoff
		if upper == unboundedCutoff {
			upper = int64(1 << 62)
		}
		clauses = append(clauses, "(branch=? AND last_seq<=?)")
		args = append(args, src.branch, upper)
	}
	return strings.Join(clauses, " OR "), args
}

// latestNodesTx returns, for each node id visible to branch, the row with
// the highest last_seq among all inherited sources, via a window-function
// self-join restricted to one row per id.
func latestNodesTx(ctx context.Context, q querier, workspace, doc string, sources []branchSource) (map[string]GraphNodeRow, error) {
	if len(sources) == 0 {
		return map[string]GraphNodeRow{}, nil
	}
	window, args := sourceWindow(sources)
	query := fmt.Sprintf(`
		SELECT node_id, last_seq, last_ts_ms, deleted, node_type, title, text, tags, status, meta_json FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY node_id ORDER BY last_seq DESC) AS rn
			FROM graph_nodes
			WHERE workspace=? AND doc=? AND (%s)
		) WHERE rn = 1`, window)
	full := append([]any{workspace, doc}, args...)
	rows, err := q.QueryContext(ctx, query, full...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]GraphNodeRow{}
	for rows.Next() {
		var r GraphNodeRow
		var deleted int
		var tags string
		if err := rows.Scan(&r.ID, &r.LastSeq, &r.LastTSMs, &deleted, &r.Type, &r.Title, &r.Text, &tags, &r.Status, &r.MetaJSON); err != nil {
			return nil, err
		}
		r.Deleted = deleted != 0
		r.Tags = decodeTags(tags)
		out[r.ID] = r
	}
	return out, rows.Err()
}

func latestEdgesTx(ctx context.Context, q querier, workspace, doc string, sources []branchSource) (map[string]GraphEdgeRow, error) {
	if len(sources) == 0 {
		return map[string]GraphEdgeRow{}, nil
	}
	window, args := sourceWindow(sources)
	query := fmt.Sprintf(`
		SELECT from_id, rel, to_id, last_seq, last_ts_ms, deleted, meta_json FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY from_id, rel, to_id ORDER BY last_seq DESC) AS rn
			FROM graph_edges
			WHERE workspace=? AND doc=? AND (%s)
		) WHERE rn = 1`, window)
	full := append([]any{workspace, doc}, args...)
	rows, err := q.QueryContext(ctx, query, full...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]GraphEdgeRow{}
	for rows.Next() {
		var r GraphEdgeRow
		var deleted int
		if err := rows.Scan(&r.From, &r.Rel, &r.To, &r.LastSeq, &r.LastTSMs, &deleted, &r.MetaJSON); err != nil {
			return nil, err
		}
		r.Deleted = deleted != 0
		out[edgeKey(r.From, r.Rel, r.To)] = r
	}
	return out, rows.Err()
}

func edgeKey(from, rel, to string) string { return from + "|" + rel + "|" + to }

// querier abstracts *sql.DB / *sql.Tx for the read-path helpers.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func matchesFilter(n GraphNodeRow, f GraphFilter) bool {
	if n.Deleted {
		return false
	}
	if len(f.IDs) > 0 && !containsStr(f.IDs, n.ID) {
		return false
	}
	if len(f.Types) > 0 && !containsStr(f.Types, n.Type) {
		return false
	}
	if len(f.Status) > 0 && !containsStr(f.Status, n.Status) {
		return false
	}
	if len(f.TagsAny) > 0 && !intersects(n.Tags, f.TagsAny) {
		return false
	}
	if len(f.TagsAll) > 0 && !containsAll(n.Tags, f.TagsAll) {
		return false
	}
	if f.Text != "" && !strings.Contains(strings.ToLower(n.Title+" "+n.Text), strings.ToLower(f.Text)) {
		return false
	}
	return true
}

func containsStr(hay []string, needle string) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}
func intersects(a, b []string) bool {
	for _, x := range a {
		if containsStr(b, x) {
			return true
		}
	}
	return false
}
func containsAll(a, b []string) bool {
	for _, x := range b {
		if !containsStr(a, x) {
			return false
		}
	}
	return true
}

// GraphQuery is graph_query. Results are ordered by last_seq
// ascending for stable cursoring; cursor is the last last_seq already seen.
func (s *Store) GraphQuery(ctx context.Context, workspace, branch, doc string, f GraphFilter) (GraphPage, error) {
	sources, err := s.resolveInheritance(ctx, workspace, branch)
	if err != nil {
		return GraphPage{}, err
	}
	nodesByID, err := latestNodesTx(ctx, s.db, workspace, doc, sources)
	if err != nil {
		return GraphPage{}, bmerrors.WrapSQL(err)
	}

	matched := make([]GraphNodeRow, 0, len(nodesByID))
	for _, n := range nodesByID {
		if n.LastSeq <= f.Cursor {
			continue
		}
		if matchesFilter(n, f) {
			matched = append(matched, n)
		}
	}
	sortNodesBySeq(matched)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[:limit]
	}
	page := GraphPage{Nodes: matched, HasMore: hasMore}
	if len(matched) > 0 {
		page.NextCursor = matched[len(matched)-1].LastSeq
	} else {
		page.NextCursor = f.Cursor
	}

	if f.IncludeEdges {
		edgesByKey, err := latestEdgesTx(ctx, s.db, workspace, doc, sources)
		if err != nil {
			return GraphPage{}, bmerrors.WrapSQL(err)
		}
		ids := map[string]bool{}
		for _, n := range matched {
			ids[n.ID] = true
		}
		edgesLimit := f.EdgesLimit
		if edgesLimit <= 0 {
			edgesLimit = 200
		}
		for _, e := range edgesByKey {
			if e.Deleted {
				continue
			}
			if ids[e.From] || ids[e.To] {
				page.Edges = append(page.Edges, e)
				if len(page.Edges) >= edgesLimit {
					break
				}
			}
		}
	}
	return page, nil
}

func sortNodesBySeq(nodes []GraphNodeRow) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j-1].LastSeq > nodes[j].LastSeq; j-- {
			nodes[j-1], nodes[j] = nodes[j], nodes[j-1]
		}
	}
}

// GraphDiff is graph_diff: the ordered set of changes present
// in `to` but not in `from`, expressed from the "to" side.
func (s *Store) GraphDiff(ctx context.Context, workspace, from, to, doc string, cursor int64, limit int) (GraphDiffPage, error) {
	fromSources, err := s.resolveInheritance(ctx, workspace, from)
	if err != nil {
		return GraphDiffPage{}, err
	}
	toSources, err := s.resolveInheritance(ctx, workspace, to)
	if err != nil {
		return GraphDiffPage{}, err
	}
	fromNodes, err := latestNodesTx(ctx, s.db, workspace, doc, fromSources)
	if err != nil {
		return GraphDiffPage{}, bmerrors.WrapSQL(err)
	}
	toNodes, err := latestNodesTx(ctx, s.db, workspace, doc, toSources)
	if err != nil {
		return GraphDiffPage{}, bmerrors.WrapSQL(err)
	}
	fromEdges, err := latestEdgesTx(ctx, s.db, workspace, doc, fromSources)
	if err != nil {
		return GraphDiffPage{}, bmerrors.WrapSQL(err)
	}
	toEdges, err := latestEdgesTx(ctx, s.db, workspace, doc, toSources)
	if err != nil {
		return GraphDiffPage{}, bmerrors.WrapSQL(err)
	}

	var changes []GraphChange
	for id, t := range toNodes {
		if t.LastSeq <= cursor {
			continue
		}
		if f, ok := fromNodes[id]; !ok || !nodesSemanticEqual(f, t) {
			tc := t
			changes = append(changes, GraphChange{Kind: "node", Key: id, Node: &tc})
		}
	}
	for key, t := range toEdges {
		if t.LastSeq <= cursor {
			continue
		}
		if f, ok := fromEdges[key]; !ok || !edgesSemanticEqual(f, t) {
			tc := t
			changes = append(changes, GraphChange{Kind: "edge", Key: key, Edge: &tc})
		}
	}
	sortChangesBySeq(changes)

	if limit <= 0 {
		limit = 200
	}
	hasMore := len(changes) > limit
	if hasMore {
		changes = changes[:limit]
	}
	page := GraphDiffPage{Changes: changes, HasMore: hasMore, NextCursor: cursor}
	if len(changes) > 0 {
		page.NextCursor = changeSeq(changes[len(changes)-1])
	}
	return page, nil
}

func changeSeq(c GraphChange) int64 {
	if c.Node != nil {
		return c.Node.LastSeq
	}
	return c.Edge.LastSeq
}

func sortChangesBySeq(changes []GraphChange) {
	for i := 1; i < len(changes); i++ {
		for j := i; j > 0 && changeSeq(changes[j-1]) > changeSeq(changes[j]); j-- {
			changes[j-1], changes[j] = changes[j], changes[j-1]
		}
	}
}

// nodesSemanticEqual / edgesSemanticEqual compare content only, ignoring
// last_seq/last_ts_ms.
func nodesSemanticEqual(a, b GraphNodeRow) bool {
	return a.Deleted == b.Deleted && a.Type == b.Type && a.Title == b.Title && a.Text == b.Text &&
		a.Status == b.Status && canonicalMeta(a.MetaJSON) == canonicalMeta(b.MetaJSON) && sameMultiset(a.Tags, b.Tags)
}

func edgesSemanticEqual(a, b GraphEdgeRow) bool {
	return a.Deleted == b.Deleted && a.From == b.From && a.Rel == b.Rel && a.To == b.To &&
		canonicalMeta(a.MetaJSON) == canonicalMeta(b.MetaJSON)
}

func sameMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := map[string]int{}
	for _, x := range a {
		counts[x]++
	}
	for _, x := range b {
		counts[x]--
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}

// canonicalMeta re-marshals a JSON object with sorted keys so semantically
// identical meta_json values compare equal regardless of key order. Unknown
// fields are preserved verbatim, never interpreted.
func canonicalMeta(raw string) string {
	if raw == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	b, err := json.Marshal(canonicalizeValue(v))
	if err != nil {
		return raw
	}
	return string(b)
}

func canonicalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonicalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalizeValue(val)
		}
		return out
	default:
		return v
	}
}

// GraphValidate is a read-only diagnostic pass over a branch's view; it
// currently reports dangling edge endpoints.
func (s *Store) GraphValidate(ctx context.Context, workspace, branch, doc string) ([]ValidationIssue, error) {
	sources, err := s.resolveInheritance(ctx, workspace, branch)
	if err != nil {
		return nil, err
	}
	nodes, err := latestNodesTx(ctx, s.db, workspace, doc, sources)
	if err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	edges, err := latestEdgesTx(ctx, s.db, workspace, doc, sources)
	if err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	var issues []ValidationIssue
	for key, e := range edges {
		if e.Deleted {
			continue
		}
		fromOK := nodes[e.From].ID != "" && !nodes[e.From].Deleted
		toOK := nodes[e.To].ID != "" && !nodes[e.To].Deleted
		if !fromOK || !toOK {
			issues = append(issues, ValidationIssue{
				Code:    "EDGE_ENDPOINT_MISSING",
				Key:     key,
				Message: fmt.Sprintf("edge %s -%s-> %s references a missing or tombstoned endpoint", e.From, e.Rel, e.To),
			})
		}
	}
	return issues, nil
}
