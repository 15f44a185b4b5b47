package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/branchmind/branchmind/pkg/bmerrors"
	"github.com/branchmind/branchmind/pkg/ids"
)

// anchorBranch, anchorGraphDoc, anchorTraceDoc are the dedicated document
// streams anchors live on, the same single-branch-per-concern shape
// refs.go uses for reasoning refs.
const (
	anchorBranch   = "anchors"
	anchorGraphDoc = "anchors/graph"
	anchorTraceDoc = "anchors/trace"
)

// maxAliasHops bounds alias-chain resolution.
const maxAliasHops = 32

type anchorRow struct {
	Anchor
	CanonicalID string
}

func scanAnchorRow(row interface{ Scan(dest ...any) error }) (anchorRow, error) {
	var a anchorRow
	var title, kind, status, desc, refsJSON, dependsJSON, aliasesJSON, parent, canonical sql.NullString
	err := row.Scan(&a.ID, &title, &kind, &status, &desc, &refsJSON, &dependsJSON, &aliasesJSON, &parent, &canonical,
		&a.CreatedAtMs, &a.UpdatedAtMs)
	if err != nil {
		return anchorRow{}, err
	}
	a.Title, a.Kind, a.Status, a.Description = title.String, kind.String, status.String, desc.String
	a.Refs = decodeStrList(refsJSON.String)
	a.DependsOn = decodeStrList(dependsJSON.String)
	a.Aliases = decodeStrList(aliasesJSON.String)
	a.ParentID = parent.String
	a.CanonicalID = canonical.String
	return a, nil
}

const anchorColumns = `anchor_id, title, kind, status, description, refs_json, depends_on_json, aliases_json, parent_id, canonical_id,
	created_at_ms, updated_at_ms`

func getAnchorRowTx(ctx context.Context, tx *sql.Tx, workspace, anchorID string) (anchorRow, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE workspace=? AND anchor_id=?`, workspace, anchorID)
	a, err := scanAnchorRow(row)
	if err == sql.ErrNoRows {
		return anchorRow{}, false, nil
	}
	if err != nil {
		return anchorRow{}, false, err
	}
	return a, true, nil
}

func decodeStrList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func encodeStrList(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

// resolveCanonicalTx follows alias chains to the canonical anchor id,
// bounded by maxAliasHops.
func resolveCanonicalTx(ctx context.Context, tx *sql.Tx, workspace, anchorID string) (string, error) {
	cur := anchorID
	for i := 0; i < maxAliasHops; i++ {
		row, ok, err := getAnchorRowTx(ctx, tx, workspace, cur)
		if err != nil {
			return "", err
		}
		if !ok || row.CanonicalID == "" {
			return cur, nil
		}
		cur = row.CanonicalID
	}
	return "", bmerrors.NewInvalidInput("anchor alias chain for %q exceeds %d hops", anchorID, maxAliasHops)
}

// AnchorUpsertRequest is the input shape of anchor_upsert.
type AnchorUpsertRequest struct {
	ID          string
	Title       string
	Kind        string
	Status      string
	Description string
	Refs        []string
	DependsOn   []string
	ParentID    string
}

// AnchorUpsert is anchor_upsert: an idempotent semantic write. Re-upserting
// an id that is currently a non-canonical alias is rejected; rename/merge
// are the only ways to redirect an alias.
func (s *Store) AnchorUpsert(ctx context.Context, workspace string, req AnchorUpsertRequest) (Anchor, error) {
	if _, err := ids.AnchorSlug(strings.TrimPrefix(req.ID, "a:")); err != nil {
		return Anchor{}, bmerrors.NewInvalidInput("%s", err.Error())
	}
	var out Anchor
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		if err := ensureWorkspaceTx(ctx, tx, workspace, now); err != nil {
			return err
		}
		existing, ok, err := getAnchorRowTx(ctx, tx, workspace, req.ID)
		if err != nil {
			return err
		}
		if ok && existing.CanonicalID != "" {
			return bmerrors.NewInvalidInput("%s is an alias of %s; upsert the canonical id instead", req.ID, existing.CanonicalID)
		}
		aliases := existing.Aliases
		createdAt := now
		if ok {
			createdAt = existing.CreatedAtMs
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO anchors(workspace, anchor_id, title, kind, status, description, refs_json, depends_on_json, aliases_json, parent_id, canonical_id, created_at_ms, updated_at_ms)
			VALUES (?,?,?,?,?,?,?,?,?,?,'',?,?)
			ON CONFLICT(workspace, anchor_id) DO UPDATE SET
				title=excluded.title, kind=excluded.kind, status=excluded.status, description=excluded.description,
				refs_json=excluded.refs_json, depends_on_json=excluded.depends_on_json, parent_id=excluded.parent_id,
				updated_at_ms=excluded.updated_at_ms`,
			workspace, req.ID, req.Title, req.Kind, req.Status, req.Description,
			encodeStrList(req.Refs), encodeStrList(req.DependsOn), encodeStrList(aliases), nullableText(req.ParentID), createdAt, now)
		if err != nil {
			return fmt.Errorf("upsert anchor: %w", err)
		}
		payload, _ := json.Marshal(map[string]any{"anchor_id": req.ID, "title": req.Title})
		if _, err := emitEventTx(ctx, tx, workspace, "", "", "anchor_upsert", string(payload), now); err != nil {
			return err
		}
		if err := appendAnchorTraceTx(ctx, tx, workspace, "anchor_upsert", string(payload), now); err != nil {
			return err
		}
		out = Anchor{ID: req.ID, Title: req.Title, Kind: req.Kind, Status: req.Status, Description: req.Description,
			Refs: req.Refs, DependsOn: req.DependsOn, Aliases: aliases, ParentID: req.ParentID, CreatedAtMs: createdAt, UpdatedAtMs: now}
		return nil
	})
	if err != nil {
		return Anchor{}, bmerrors.WrapSQL(err)
	}
	return out, nil
}

// AnchorRename is anchor_rename: atomically moves
// all bindings to the new id; the old id becomes an alias of the new one.
func (s *Store) AnchorRename(ctx context.Context, workspace, from, to string) (Anchor, error) {
	if _, err := ids.AnchorSlug(strings.TrimPrefix(to, "a:")); err != nil {
		return Anchor{}, bmerrors.NewInvalidInput("%s", err.Error())
	}
	var out Anchor
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		fromRow, ok, err := getAnchorRowTx(ctx, tx, workspace, from)
		if err != nil {
			return err
		}
		if !ok {
			return &bmerrors.UnknownID{Kind: "anchor", ID: from}
		}
		if fromRow.CanonicalID != "" {
			return bmerrors.NewInvalidInput("%s is already an alias of %s", from, fromRow.CanonicalID)
		}
		if _, exists, err := getAnchorRowTx(ctx, tx, workspace, to); err != nil {
			return err
		} else if exists {
			return bmerrors.NewInvalidInput("anchor %s already exists", to)
		}

		newAliases := append(append([]string(nil), fromRow.Aliases...), from)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO anchors(workspace, anchor_id, title, kind, status, description, refs_json, depends_on_json, aliases_json, parent_id, canonical_id, created_at_ms, updated_at_ms)
			VALUES (?,?,?,?,?,?,?,?,?,?,'',?,?)`,
			workspace, to, fromRow.Title, fromRow.Kind, fromRow.Status, fromRow.Description,
			encodeStrList(fromRow.Refs), encodeStrList(fromRow.DependsOn), encodeStrList(newAliases), nullableText(fromRow.ParentID),
			fromRow.CreatedAtMs, now)
		if err != nil {
			return fmt.Errorf("insert renamed anchor: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE anchors SET canonical_id=?, aliases_json='', updated_at_ms=? WHERE workspace=? AND anchor_id=?`,
			to, now, workspace, from); err != nil {
			return fmt.Errorf("alias old anchor id: %w", err)
		}
		// retarget aliases that used to point at `from`
		if _, err := tx.ExecContext(ctx,
			`UPDATE anchors SET canonical_id=?, updated_at_ms=? WHERE workspace=? AND canonical_id=?`,
			to, now, workspace, from); err != nil {
			return fmt.Errorf("retarget existing aliases: %w", err)
		}
		payload, _ := json.Marshal(map[string]any{"from": from, "to": to})
		if _, err := emitEventTx(ctx, tx, workspace, "", "", "anchor_renamed", string(payload), now); err != nil {
			return err
		}
		if err := appendAnchorTraceTx(ctx, tx, workspace, "anchor_renamed", string(payload), now); err != nil {
			return err
		}
		out = Anchor{ID: to, Title: fromRow.Title, Kind: fromRow.Kind, Status: fromRow.Status, Description: fromRow.Description,
			Refs: fromRow.Refs, DependsOn: fromRow.DependsOn, Aliases: newAliases, ParentID: fromRow.ParentID,
			CreatedAtMs: fromRow.CreatedAtMs, UpdatedAtMs: now}
		return nil
	})
	if err != nil {
		return Anchor{}, bmerrors.WrapSQL(err)
	}
	return out, nil
}

// AnchorsMerge is anchors_merge: absorbs each
// from_id's refs/aliases/depends_on into into, and marks from_id a
// non-canonical alias of into. "merge into canonical never loses refs".
func (s *Store) AnchorsMerge(ctx context.Context, workspace, into string, from []string) (Anchor, error) {
	var out Anchor
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		intoRow, ok, err := getAnchorRowTx(ctx, tx, workspace, into)
		if err != nil {
			return err
		}
		if !ok {
			return &bmerrors.UnknownID{Kind: "anchor", ID: into}
		}
		if intoRow.CanonicalID != "" {
			return bmerrors.NewInvalidInput("%s is an alias of %s; merge into the canonical id", into, intoRow.CanonicalID)
		}
		refs := append([]string(nil), intoRow.Refs...)
		depends := append([]string(nil), intoRow.DependsOn...)
		aliases := append([]string(nil), intoRow.Aliases...)
		for _, fid := range from {
			if fid == into {
				continue
			}
			fromRow, ok, err := getAnchorRowTx(ctx, tx, workspace, fid)
			if err != nil {
				return err
			}
			if !ok {
				return &bmerrors.UnknownID{Kind: "anchor", ID: fid}
			}
			if fromRow.CanonicalID != "" {
				// already an alias elsewhere; absorb its own aliases list too
				aliases = appendUnique(aliases, fromRow.CanonicalID)
			}
			refs = appendUniqueAll(refs, fromRow.Refs)
			depends = appendUniqueAll(depends, fromRow.DependsOn)
			aliases = appendUniqueAll(aliases, fromRow.Aliases)
			aliases = appendUnique(aliases, fid)
			if _, err := tx.ExecContext(ctx,
				`UPDATE anchors SET canonical_id=?, aliases_json='', updated_at_ms=? WHERE workspace=? AND anchor_id=?`,
				into, now, workspace, fid); err != nil {
				return fmt.Errorf("mark %s as alias: %w", fid, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE anchors SET canonical_id=?, updated_at_ms=? WHERE workspace=? AND canonical_id=?`,
				into, now, workspace, fid); err != nil {
				return fmt.Errorf("retarget aliases of %s: %w", fid, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE anchors SET refs_json=?, depends_on_json=?, aliases_json=?, updated_at_ms=? WHERE workspace=? AND anchor_id=?`,
			encodeStrList(refs), encodeStrList(depends), encodeStrList(aliases), now, workspace, into); err != nil {
			return fmt.Errorf("absorb into %s: %w", into, err)
		}
		payload, _ := json.Marshal(map[string]any{"into": into, "from": from})
		if _, err := emitEventTx(ctx, tx, workspace, "", "", "anchors_merged", string(payload), now); err != nil {
			return err
		}
		if err := appendAnchorTraceTx(ctx, tx, workspace, "anchors_merged", string(payload), now); err != nil {
			return err
		}
		out = Anchor{ID: into, Title: intoRow.Title, Kind: intoRow.Kind, Status: intoRow.Status, Description: intoRow.Description,
			Refs: refs, DependsOn: depends, Aliases: aliases, ParentID: intoRow.ParentID,
			CreatedAtMs: intoRow.CreatedAtMs, UpdatedAtMs: now}
		return nil
	})
	if err != nil {
		return Anchor{}, bmerrors.WrapSQL(err)
	}
	return out, nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func appendUniqueAll(list []string, vs []string) []string {
	for _, v := range vs {
		list = appendUnique(list, v)
	}
	return list
}

// AnchorGet resolves aliases to the canonical anchor and returns it.
func (s *Store) AnchorGet(ctx context.Context, workspace, anchorID string) (Anchor, error) {
	var out Anchor
	var found bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		canonical, err := resolveCanonicalTx(ctx, tx, workspace, anchorID)
		if err != nil {
			return err
		}
		row, ok, err := getAnchorRowTx(ctx, tx, workspace, canonical)
		if err != nil {
			return err
		}
		found = ok
		if ok {
			out = row.Anchor
		}
		return nil
	})
	if err != nil {
		return Anchor{}, bmerrors.WrapSQL(err)
	}
	if !found {
		return Anchor{}, &bmerrors.UnknownID{Kind: "anchor", ID: anchorID}
	}
	return out, nil
}

func appendAnchorTraceTx(ctx context.Context, tx *sql.Tx, workspace, eventType, payloadJSON string, now int64) error {
	if err := ensureDocumentTx(ctx, tx, workspace, anchorBranch, anchorTraceDoc, DocKindTrace, now); err != nil {
		return err
	}
	seq, err := nextSeqTx(ctx, tx, workspace)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO doc_entries(seq, workspace, ts_ms, branch, doc, kind, event_type, payload_json)
		VALUES (?,?,?,?,?,?,?,?)`,
		seq, workspace, now, anchorBranch, anchorTraceDoc, string(DocKindTrace), eventType, payloadJSON)
	return err
}

// knowledgeKeyTagPrefix and anchorTagPrefix are the tag conventions a
// think-card graph node uses to participate in the knowledge-key index
//: a card tagged both "a:<anchor>" and
// "k:<key>" becomes that (anchor, key) pair's latest card.
const (
	anchorTagPrefix       = "a:"
	knowledgeKeyTagPrefix = "k:"
)

// projectKnowledgeKeyTx inspects a just-applied node upsert for the
// anchor/key tag convention and updates the knowledge_keys index if both
// tags are present.
// Called from graphApplyTx in the same transaction as the node upsert so
// the index is never observably behind the graph view.
func projectKnowledgeKeyTx(ctx context.Context, tx *sql.Tx, workspace string, node GraphNode, now int64) error {
	anchorID, key := extractAnchorKeyTags(node.Tags)
	if anchorID == "" || key == "" {
		return nil
	}
	canonical, err := resolveCanonicalTx(ctx, tx, workspace, anchorID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO knowledge_keys(workspace, anchor_id, key, card_id, created_at_ms, updated_at_ms)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(workspace, anchor_id, key) DO UPDATE SET card_id=excluded.card_id, updated_at_ms=excluded.updated_at_ms`,
		workspace, canonical, key, node.ID, now, now)
	return err
}

func extractAnchorKeyTags(tags []string) (anchorID, key string) {
	for _, t := range tags {
		switch {
		case strings.HasPrefix(t, anchorTagPrefix):
			anchorID = t
		case strings.HasPrefix(t, knowledgeKeyTagPrefix):
			key = strings.TrimPrefix(t, knowledgeKeyTagPrefix)
		}
	}
	return anchorID, key
}

// KnowledgeKeyEntry is one row of a knowledge-key query.
type KnowledgeKeyEntry struct {
	AnchorID    string
	Key         string
	CardID      string
	CreatedAtMs int64
	UpdatedAtMs int64
}

// KnowledgeKeysQuery returns the latest card per (anchor, key), or with
// includeHistory, every historical graph-node version carrying both tags
// for that anchor. anchorID need not have
// been anchor_upsert'ed: the index is populated purely from graph-op tags.
func (s *Store) KnowledgeKeysQuery(ctx context.Context, workspace, anchorID string, includeHistory bool) ([]KnowledgeKeyEntry, error) {
	var canonicalID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var innerErr error
		canonicalID, innerErr = resolveCanonicalTx(ctx, tx, workspace, anchorID)
		return innerErr
	})
	if err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT anchor_id, key, card_id, created_at_ms, updated_at_ms FROM knowledge_keys
		WHERE workspace=? AND anchor_id=? ORDER BY key ASC`, workspace, canonicalID)
	if err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	defer func() { _ = rows.Close() }()
	var out []KnowledgeKeyEntry
	for rows.Next() {
		var e KnowledgeKeyEntry
		if err := rows.Scan(&e.AnchorID, &e.Key, &e.CardID, &e.CreatedAtMs, &e.UpdatedAtMs); err != nil {
			return nil, bmerrors.WrapSQL(err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	if !includeHistory {
		return out, nil
	}
	// History mode walks the anchor's graph doc for every node carrying
	// both tags, not just the indexed latest, grounded on the same
	// tag-extraction rule used to build the index.
	sources, err := s.resolveInheritance(ctx, workspace, anchorBranch)
	if err != nil {
		return nil, err
	}
	nodes, err := latestNodesTx(ctx, s.db, workspace, anchorGraphDoc, sources)
	if err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	var history []KnowledgeKeyEntry
	for _, n := range nodes {
		if n.Deleted {
			continue
		}
		a, k := extractAnchorKeyTags(n.Tags)
		if k == "" {
			continue
		}
		nodeCanonical := a
		_ = s.withTx(ctx, func(tx *sql.Tx) error {
			resolved, err := resolveCanonicalTx(ctx, tx, workspace, a)
			if err == nil {
				nodeCanonical = resolved
			}
			return nil
		})
		if nodeCanonical != canonicalID {
			continue
		}
		history = append(history, KnowledgeKeyEntry{AnchorID: canonicalID, Key: k, CardID: n.ID, UpdatedAtMs: n.LastTSMs})
	}
	sort.Slice(history, func(i, j int) bool { return history[i].UpdatedAtMs < history[j].UpdatedAtMs })
	return append(out, history...), nil
}

// LintIssue is one diagnostic from the knowledge-key linter.
type LintIssue struct {
	Code    string // "MISSING_KEY_TAG" | "DUPLICATE_KEY_DIVERGENT_CARD"
	CardID  string
	Message string
}

// Lint is the supplemented knowledge-key linting feature: flags cards tagged
// with an anchor but no key tag, and (anchor,key) pairs whose latest card
// in the graph diverges from the knowledge_keys index.
func (s *Store) Lint(ctx context.Context, workspace string) ([]LintIssue, error) {
	sources, err := s.resolveInheritance(ctx, workspace, anchorBranch)
	if err != nil {
		return nil, err
	}
	nodes, err := latestNodesTx(ctx, s.db, workspace, anchorGraphDoc, sources)
	if err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	indexed := map[string]string{}
	rows, err := s.db.QueryContext(ctx, `SELECT anchor_id, key, card_id FROM knowledge_keys WHERE workspace=?`, workspace)
	if err != nil {
		return nil, bmerrors.WrapSQL(err)
	}
	for rows.Next() {
		var a, k, c string
		if err := rows.Scan(&a, &k, &c); err != nil {
			_ = rows.Close()
			return nil, bmerrors.WrapSQL(err)
		}
		indexed[a+"|"+k] = c
	}
	if err := rows.Close(); err != nil {
		return nil, bmerrors.WrapSQL(err)
	}

	lastSeqByID := make(map[string]int64, len(nodes))
	for _, n := range nodes {
		lastSeqByID[n.ID] = n.LastSeq
	}

	var issues []LintIssue
	for _, n := range nodes {
		if n.Deleted {
			continue
		}
		a, k := extractAnchorKeyTags(n.Tags)
		if a == "" {
			continue
		}
		if k == "" {
			issues = append(issues, LintIssue{Code: "MISSING_KEY_TAG", CardID: n.ID,
				Message: fmt.Sprintf("card %s carries anchor tag %s without a matching k:<key> tag", n.ID, a)})
			continue
		}
		if card, ok := indexed[a+"|"+k]; ok && card != n.ID && n.LastSeq > lastSeqByID[card] {
			// only flag when this card is not itself the indexed one and
			// looks newer than what's indexed, since the index always
			// tracks the true latest by construction; divergence
			// here means an out-of-band write bypassed projectKnowledgeKeyTx.
			issues = append(issues, LintIssue{Code: "DUPLICATE_KEY_DIVERGENT_CARD", CardID: n.ID,
				Message: fmt.Sprintf("card %s shares key %s/%s with indexed card %s", n.ID, a, k, card)})
		}
	}
	return issues, nil
}
