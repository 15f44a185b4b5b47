package store

// Package-level domain types shared across the storage engine's files,
// all operating on one *sql.DB via the Store receiver.

// DocKind is the closed set of document kinds.
type DocKind string

const (
	DocKindNotes DocKind = "notes"
	DocKindTrace DocKind = "trace"
	DocKindGraph DocKind = "graph"
)

func (k DocKind) Valid() bool {
	switch k {
	case DocKindNotes, DocKindTrace, DocKindGraph:
		return true
	}
	return false
}

// DocEntry is one immutable, append-only row of a document's log.
type DocEntry struct {
	Seq        int64
	TSMs       int64
	Workspace  string
	Branch     string
	Doc        string
	Kind       DocKind
	Title      string
	Format     string
	MetaJSON   string
	Content    string
	EventType  string
	TaskID     string
	Path       string
	PayloadJSON string
	DedupKey   string
}

// GraphOpKind is the closed set of graph operation payload kinds.
type GraphOpKind string

const (
	GraphOpNodeUpsert GraphOpKind = "node_upsert"
	GraphOpNodeDelete GraphOpKind = "node_delete"
	GraphOpEdgeUpsert GraphOpKind = "edge_upsert"
	GraphOpEdgeDelete GraphOpKind = "edge_delete"
)

// GraphNode is a think-card-shaped node.
type GraphNode struct {
	ID       string
	Type     string
	Title    string
	Text     string
	Tags     []string
	Status   string
	MetaJSON string
}

// GraphEdge connects two nodes by a validated relation.
type GraphEdge struct {
	From     string
	Rel      string
	To       string
	MetaJSON string
}

// GraphNodeRow is the materialized, versioned view row for a node.
type GraphNodeRow struct {
	GraphNode
	LastSeq   int64
	LastTSMs  int64
	Deleted   bool
}

// GraphEdgeRow is the materialized, versioned view row for an edge.
type GraphEdgeRow struct {
	GraphEdge
	LastSeq  int64
	LastTSMs int64
	Deleted  bool
}

// GraphFilter restricts a graph_query.
type GraphFilter struct {
	IDs         []string
	Types       []string
	Status      []string
	TagsAny     []string
	TagsAll     []string
	Text        string
	Cursor      int64
	Limit       int
	IncludeEdges bool
	EdgesLimit  int
}

// GraphPage is the paginated result of graph_query.
type GraphPage struct {
	Nodes      []GraphNodeRow
	Edges      []GraphEdgeRow
	NextCursor int64
	HasMore    bool
}

// GraphChange is one row of a graph_diff result.
type GraphChange struct {
	Kind  string // "node" or "edge"
	Key   string
	Node  *GraphNodeRow
	Edge  *GraphEdgeRow
}

// GraphDiffPage is the paginated result of graph_diff.
type GraphDiffPage struct {
	Changes    []GraphChange
	NextCursor int64
	HasMore    bool
}

// ValidationIssue is one diagnostic from graph_validate.
type ValidationIssue struct {
	Code    string // e.g. "EDGE_ENDPOINT_MISSING"
	Key     string
	Message string
}

// ReasoningMode is the closed set of reasoning-gate policies.
type ReasoningMode string

const (
	ReasoningDefault ReasoningMode = "default"
	ReasoningStrict  ReasoningMode = "strict"
	ReasoningDeep    ReasoningMode = "deep"
)

// TaskStatus is the closed set of task lifecycle states.
type TaskStatus string

const (
	TaskTODO       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskBlocked    TaskStatus = "BLOCKED"
	TaskDone       TaskStatus = "DONE"
	TaskCancelled  TaskStatus = "CANCELLED"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTODO, TaskInProgress, TaskBlocked, TaskDone, TaskCancelled:
		return true
	}
	return false
}

// ProofMode is the closed set of per-checkpoint proof policies.
type ProofMode string

const (
	ProofOff     ProofMode = "off"
	ProofWarn    ProofMode = "warn"
	ProofRequire ProofMode = "require"
)

func (m ProofMode) Valid() bool {
	switch m {
	case ProofOff, ProofWarn, ProofRequire:
		return true
	}
	return false
}

// Plan is a mutable top-level grouping of tasks.
type Plan struct {
	Workspace string
	PlanID    string
	Title     string
	Revision  int64
	Status    TaskStatus
	CreatedAtMs int64
	UpdatedAtMs int64
}

// Task is a mutable unit of work with optimistic concurrency.
type Task struct {
	Workspace         string
	TaskID            string
	PlanID            string
	Title             string
	Revision          int64
	Status            TaskStatus
	StatusManual      bool
	CriteriaConfirmed bool
	TestsConfirmed    bool
	SecurityConfirmed bool
	PerfConfirmed     bool
	DocsConfirmed     bool
	ReasoningMode     ReasoningMode
	CreatedAtMs       int64
	UpdatedAtMs       int64
}

// Checkpoints is the set of confirmation bits a step carries.
type Checkpoints struct {
	Criteria, Tests, Security, Perf, Docs bool
}

// ProofModes is the set of per-axis proof policies a step carries.
type ProofModes struct {
	Tests, Security, Perf, Docs ProofMode
}

// Step is one node of a task's ordered step tree.
type Step struct {
	Workspace      string
	TaskID         string
	StepID         string
	ParentStepID   string
	Ordinal        int
	Title          string
	Completed      bool
	CompletedAtMs  int64
	Checkpoints    Checkpoints
	ProofModes     ProofModes
	Blocked        bool
	BlockReason    string
	Criteria       []string
	Tests          []string
	Blockers       []string
	CreatedAtMs    int64
	UpdatedAtMs    int64
}

// ProofArtifact is one recorded proof-of-work row backing a require-mode
// checkpoint axis.
type ProofArtifact struct {
	Workspace   string
	StepID      string
	Axis        string
	Ordinal     int
	ContentText string
	CreatedAtMs int64
}

// StepRef identifies a newly created step by id and computed path.
type StepRef struct {
	StepID string
	Path   string
}

// NewStep is the input shape for steps_decompose.
type NewStep struct {
	Title            string
	SuccessCriteria  []string
	Tests            []string
}

// Event is an audit row emitted by most state-changing operations; graph
// ops, doc appends, branch creation, job heartbeats, and job artifact
// writes emit none.
type Event struct {
	Seq         int64
	TSMs        int64
	TaskID      string
	Path        string
	EventType   string
	PayloadJSON string
}

// ReasoningRef is the deterministic (branch, notes_doc, graph_doc, trace_doc)
// tuple bound to a plan/task.
type ReasoningRef struct {
	Branch    string
	NotesDoc  string
	GraphDoc  string
	TraceDoc  string
	Existed   bool
}

// Job is a unit of delegated work tracked by the queue.
type Job struct {
	ID              string
	Title           string
	Prompt          string
	Kind            string
	Priority        int
	Status          string
	TaskID          string
	AnchorID        string
	MetaJSON        string
	CreatedAtMs     int64
	UpdatedAtMs     int64
	LeaseExpiresAtMs int64
	RunnerID        string
	Cancelled       bool
}

// JobArtifact is one size-capped artifact attached to a job.
type JobArtifact struct {
	JobID         string
	ArtifactKey   string
	ContentText   string
	ContentLen    int
	CreatedAtMs   int64
	UpdatedAtMs   int64
}

// Conflict is an opaque record of a three-way-merge divergence.
type Conflict struct {
	ConflictID     string
	Kind           string
	Key            string
	FromBranch     string
	IntoBranch     string
	Doc            string
	BaseCutoffSeq  int64
	Status         string
	CreatedAtMs    int64
}

// Anchor is a stable meaning coordinate.
type Anchor struct {
	ID          string
	Title       string
	Kind        string
	Status      string
	Description string
	Refs        []string
	DependsOn   []string
	Aliases     []string
	ParentID    string
	CreatedAtMs int64
	UpdatedAtMs int64
}
