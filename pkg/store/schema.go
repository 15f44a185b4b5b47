package store

// schema is applied idempotently on every Open: "CREATE TABLE IF NOT
// EXISTS" on construction rather than a separate migration tool.
// Additive-only: new columns/tables may be appended here across releases,
// never altered or dropped in place.
const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	workspace TEXT PRIMARY KEY,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	workspace TEXT NOT NULL,
	name TEXT NOT NULL,
	value INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, name)
);

CREATE TABLE IF NOT EXISTS branches (
	workspace TEXT NOT NULL,
	name TEXT NOT NULL,
	parent_branch TEXT,
	base_seq INTEGER,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, name)
);

CREATE TABLE IF NOT EXISTS documents (
	workspace TEXT NOT NULL,
	branch TEXT NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, branch, name)
);

CREATE TABLE IF NOT EXISTS doc_entries (
	seq INTEGER NOT NULL,
	workspace TEXT NOT NULL,
	ts_ms INTEGER NOT NULL,
	branch TEXT NOT NULL,
	doc TEXT NOT NULL,
	kind TEXT NOT NULL,
	title TEXT,
	format TEXT,
	meta_json TEXT,
	content TEXT,
	event_type TEXT,
	task_id TEXT,
	path TEXT,
	payload_json TEXT,
	dedup_key TEXT,
	PRIMARY KEY (workspace, seq)
);
CREATE INDEX IF NOT EXISTS idx_doc_entries_branch_doc ON doc_entries(workspace, branch, doc, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_doc_entries_dedup ON doc_entries(workspace, branch, doc, dedup_key)
	WHERE dedup_key IS NOT NULL AND dedup_key != '';

-- graph_nodes/graph_edges are versioned: one row per fold step, keyed by
-- last_seq, so a derived branch's cutoff window still finds the version
-- that was current at its branch point after the parent moves on.
CREATE TABLE IF NOT EXISTS graph_nodes (
	workspace TEXT NOT NULL,
	branch TEXT NOT NULL,
	doc TEXT NOT NULL,
	node_id TEXT NOT NULL,
	last_seq INTEGER NOT NULL,
	last_ts_ms INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	node_type TEXT,
	title TEXT,
	text TEXT,
	tags TEXT,
	status TEXT,
	meta_json TEXT,
	PRIMARY KEY (workspace, branch, doc, node_id, last_seq)
);

CREATE TABLE IF NOT EXISTS graph_edges (
	workspace TEXT NOT NULL,
	branch TEXT NOT NULL,
	doc TEXT NOT NULL,
	from_id TEXT NOT NULL,
	rel TEXT NOT NULL,
	to_id TEXT NOT NULL,
	last_seq INTEGER NOT NULL,
	last_ts_ms INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	meta_json TEXT,
	PRIMARY KEY (workspace, branch, doc, from_id, rel, to_id, last_seq)
);

CREATE TABLE IF NOT EXISTS graph_conflicts (
	workspace TEXT NOT NULL,
	conflict_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	from_branch TEXT NOT NULL,
	into_branch TEXT NOT NULL,
	doc TEXT NOT NULL,
	base_cutoff_seq INTEGER NOT NULL,
	base_seq INTEGER, base_ts_ms INTEGER, base_deleted INTEGER,
	base_node_type TEXT, base_title TEXT, base_text TEXT, base_tags TEXT, base_status TEXT, base_meta_json TEXT,
	base_from_id TEXT, base_rel TEXT, base_to_id TEXT, base_edge_meta_json TEXT,
	theirs_seq INTEGER, theirs_ts_ms INTEGER, theirs_deleted INTEGER,
	theirs_node_type TEXT, theirs_title TEXT, theirs_text TEXT, theirs_tags TEXT, theirs_status TEXT, theirs_meta_json TEXT,
	theirs_from_id TEXT, theirs_rel TEXT, theirs_to_id TEXT, theirs_edge_meta_json TEXT,
	ours_seq INTEGER, ours_ts_ms INTEGER, ours_deleted INTEGER,
	ours_node_type TEXT, ours_title TEXT, ours_text TEXT, ours_tags TEXT, ours_status TEXT, ours_meta_json TEXT,
	ours_from_id TEXT, ours_rel TEXT, ours_to_id TEXT, ours_edge_meta_json TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, conflict_id)
);

CREATE TABLE IF NOT EXISTS plans (
	workspace TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	title TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'TODO',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, plan_id)
);

CREATE TABLE IF NOT EXISTS tasks (
	workspace TEXT NOT NULL,
	task_id TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	title TEXT NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'TODO',
	status_manual INTEGER NOT NULL DEFAULT 0,
	criteria_confirmed INTEGER NOT NULL DEFAULT 0,
	tests_confirmed INTEGER NOT NULL DEFAULT 0,
	security_confirmed INTEGER NOT NULL DEFAULT 0,
	perf_confirmed INTEGER NOT NULL DEFAULT 0,
	docs_confirmed INTEGER NOT NULL DEFAULT 0,
	reasoning_mode TEXT NOT NULL DEFAULT 'default',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, task_id)
);

CREATE TABLE IF NOT EXISTS steps (
	workspace TEXT NOT NULL,
	task_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	parent_step_id TEXT,
	ordinal INTEGER NOT NULL,
	title TEXT NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	completed_at_ms INTEGER,
	criteria_confirmed INTEGER NOT NULL DEFAULT 0,
	tests_confirmed INTEGER NOT NULL DEFAULT 0,
	security_confirmed INTEGER NOT NULL DEFAULT 0,
	perf_confirmed INTEGER NOT NULL DEFAULT 0,
	docs_confirmed INTEGER NOT NULL DEFAULT 0,
	proof_tests_mode TEXT NOT NULL DEFAULT 'off',
	proof_security_mode TEXT NOT NULL DEFAULT 'off',
	proof_perf_mode TEXT NOT NULL DEFAULT 'off',
	proof_docs_mode TEXT NOT NULL DEFAULT 'off',
	blocked INTEGER NOT NULL DEFAULT 0,
	block_reason TEXT,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, step_id)
);
CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(workspace, task_id, parent_step_id, ordinal);

CREATE TABLE IF NOT EXISTS step_criteria (
	workspace TEXT NOT NULL, step_id TEXT NOT NULL, ordinal INTEGER NOT NULL, text TEXT NOT NULL,
	PRIMARY KEY (workspace, step_id, ordinal)
);
CREATE TABLE IF NOT EXISTS step_tests (
	workspace TEXT NOT NULL, step_id TEXT NOT NULL, ordinal INTEGER NOT NULL, text TEXT NOT NULL,
	PRIMARY KEY (workspace, step_id, ordinal)
);
CREATE TABLE IF NOT EXISTS step_blockers (
	workspace TEXT NOT NULL, step_id TEXT NOT NULL, ordinal INTEGER NOT NULL, text TEXT NOT NULL,
	PRIMARY KEY (workspace, step_id, ordinal)
);

CREATE TABLE IF NOT EXISTS proof_artifacts (
	workspace TEXT NOT NULL,
	step_id TEXT NOT NULL,
	axis TEXT NOT NULL, -- tests|security|perf|docs
	ordinal INTEGER NOT NULL,
	content_text TEXT,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, step_id, axis, ordinal)
);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER NOT NULL,
	workspace TEXT NOT NULL,
	ts_ms INTEGER NOT NULL,
	task_id TEXT,
	path TEXT,
	event_type TEXT NOT NULL,
	payload_json TEXT,
	PRIMARY KEY (workspace, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(workspace, task_id, seq);

CREATE TABLE IF NOT EXISTS ops_history (
	seq INTEGER NOT NULL,
	workspace TEXT NOT NULL,
	intent TEXT NOT NULL,
	task_id TEXT,
	path TEXT,
	payload_json TEXT,
	before_json TEXT,
	after_json TEXT,
	undoable INTEGER NOT NULL DEFAULT 0,
	undone INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, seq)
);
CREATE INDEX IF NOT EXISTS idx_ops_history_task ON ops_history(workspace, task_id, seq);

CREATE TABLE IF NOT EXISTS reasoning_refs (
	workspace TEXT NOT NULL,
	target_id TEXT NOT NULL,
	branch TEXT NOT NULL,
	notes_doc TEXT NOT NULL,
	graph_doc TEXT NOT NULL,
	trace_doc TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, target_id)
);

CREATE TABLE IF NOT EXISTS jobs (
	workspace TEXT NOT NULL,
	job_id TEXT NOT NULL,
	title TEXT,
	prompt TEXT,
	kind TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'queued',
	task_id TEXT,
	anchor_id TEXT,
	meta_json TEXT,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	lease_expires_at_ms INTEGER,
	runner_id TEXT,
	cancelled INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, job_id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(workspace, status, priority);

CREATE TABLE IF NOT EXISTS job_artifacts (
	workspace TEXT NOT NULL,
	job_id TEXT NOT NULL,
	artifact_key TEXT NOT NULL,
	content_text TEXT,
	content_len INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, job_id, artifact_key)
);

CREATE TABLE IF NOT EXISTS anchors (
	workspace TEXT NOT NULL,
	anchor_id TEXT NOT NULL,
	title TEXT,
	kind TEXT,
	status TEXT,
	description TEXT,
	refs_json TEXT,
	depends_on_json TEXT,
	aliases_json TEXT,
	parent_id TEXT,
	canonical_id TEXT, -- non-empty when this row is a non-canonical alias
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, anchor_id)
);

CREATE TABLE IF NOT EXISTS knowledge_keys (
	workspace TEXT NOT NULL,
	anchor_id TEXT NOT NULL,
	key TEXT NOT NULL,
	card_id TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, anchor_id, key)
);
`
