package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/pkg/bmerrors"
)

// bootstrapTask creates PLAN-A/TASK-A with one step carrying a criterion
// and a test.
func bootstrapTask(t *testing.T, s *Store, mode ReasoningMode) []StepRef {
	t.Helper()
	ctx := context.Background()
	_, err := s.PlanCreate(ctx, "ws1", "PLAN-A", "Plan A")
	require.NoError(t, err)
	_, err = s.TaskCreate(ctx, "ws1", "TASK-A", "PLAN-A", "Task A", mode)
	require.NoError(t, err)
	rev := int64(0)
	_, refs, err := s.StepsDecompose(ctx, "ws1", "TASK-A", &rev, "", []NewStep{
		{Title: "S1", SuccessCriteria: []string{"c1"}, Tests: []string{"t1"}},
	})
	require.NoError(t, err)
	return refs
}

func TestStepsDecomposeRevisionMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bootstrapTask(t, s, ReasoningDefault)

	// S3: reusing a stale expected_revision fails and changes nothing.
	rev := int64(1)
	newRev, _, err := s.StepsDecompose(ctx, "ws1", "TASK-A", &rev, "", []NewStep{{Title: "S2"}})
	require.NoError(t, err)
	assert.Equal(t, rev+1, newRev)

	_, _, err = s.StepsDecompose(ctx, "ws1", "TASK-A", &rev, "", []NewStep{{Title: "S3"}})
	var mismatch *bmerrors.RevisionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, rev, mismatch.Expected)
	assert.Equal(t, rev+1, mismatch.Actual)

	sum, err := s.TaskSummary(ctx, "ws1", "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.OpenSteps, "the failed decompose added no step")
}

func TestStepsDecomposeUnknownTask(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureWorkspace(context.Background(), "ws1"))

	_, _, err := s.StepsDecompose(context.Background(), "ws1", "TASK-GHOST", nil, "", []NewStep{{Title: "x"}})
	var unknown *bmerrors.UnknownID
	assert.ErrorAs(t, err, &unknown)
}

func TestStepsDecomposeNestedPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)
	assert.Equal(t, "s:0", refs[0].Path)

	_, children, err := s.StepsDecompose(ctx, "ws1", "TASK-A", nil, "s:0", []NewStep{
		{Title: "child a"}, {Title: "child b"},
	})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "s:0.s:0", children[0].Path)
	assert.Equal(t, "s:0.s:1", children[1].Path)
}

func TestStepVerifyAndCloseGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)
	stepID := refs[0].StepID

	// criteria and tests must be confirmed before closure.
	err := s.StepDone(ctx, "ws1", "TASK-A", stepID, nil)
	var missing *bmerrors.CheckpointsNotConfirmed
	require.ErrorAs(t, err, &missing)
	assert.True(t, missing.Criteria)
	assert.True(t, missing.Tests)

	require.NoError(t, s.StepVerify(ctx, "ws1", "TASK-A", stepID, "criteria", true))
	err = s.StepDone(ctx, "ws1", "TASK-A", stepID, nil)
	require.ErrorAs(t, err, &missing)
	assert.False(t, missing.Criteria)
	assert.True(t, missing.Tests)

	require.NoError(t, s.StepVerify(ctx, "ws1", "TASK-A", stepID, "tests", true))
	require.NoError(t, s.StepDone(ctx, "ws1", "TASK-A", stepID, nil))

	sum, err := s.TaskSummary(ctx, "ws1", "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CompletedSteps)
	assert.Zero(t, sum.OpenSteps)
}

func TestStepCloseConfirmsAndCompletesAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)

	require.NoError(t, s.StepClose(ctx, "ws1", "TASK-A", refs[0].StepID, Checkpoints{Criteria: true, Tests: true}, nil))

	sum, err := s.TaskSummary(ctx, "ws1", "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CompletedSteps)
}

// TestStepCloseProofRequire: a require-mode axis demands a
// recorded proof artifact, not just the confirmation bit.
func TestStepCloseProofRequire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)
	stepID := refs[0].StepID

	require.NoError(t, s.SetProofMode(ctx, "ws1", "TASK-A", stepID, "tests", ProofRequire))

	err := s.StepClose(ctx, "ws1", "TASK-A", stepID, Checkpoints{Criteria: true, Tests: true}, nil)
	var proof *bmerrors.ProofMissing
	require.ErrorAs(t, err, &proof)
	assert.True(t, proof.Tests)
	assert.False(t, proof.Security)

	sum, err := s.TaskSummary(ctx, "ws1", "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.OpenSteps, "step stays open until the proof exists")

	_, err = s.ProofArtifactCreate(ctx, "ws1", "TASK-A", stepID, "tests", "go test ./... ok")
	require.NoError(t, err)
	require.NoError(t, s.StepClose(ctx, "ws1", "TASK-A", stepID, Checkpoints{Criteria: true, Tests: true}, nil))

	sum, err = s.TaskSummary(ctx, "ws1", "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CompletedSteps)
}

func TestStepCloseRequireModeDemandsConfirmationBit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)
	stepID := refs[0].StepID

	require.NoError(t, s.SetProofMode(ctx, "ws1", "TASK-A", stepID, "security", ProofRequire))
	_, err := s.ProofArtifactCreate(ctx, "ws1", "TASK-A", stepID, "security", "scan clean")
	require.NoError(t, err)

	// artifact exists but the security bit itself is unconfirmed.
	err = s.StepClose(ctx, "ws1", "TASK-A", stepID, Checkpoints{Criteria: true, Tests: true}, nil)
	var missing *bmerrors.CheckpointsNotConfirmed
	require.ErrorAs(t, err, &missing)
	assert.True(t, missing.Security)

	require.NoError(t, s.StepClose(ctx, "ws1", "TASK-A", stepID,
		Checkpoints{Criteria: true, Tests: true, Security: true}, nil))
}

func TestStepBlockSetRequiresReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)
	stepID := refs[0].StepID

	err := s.StepBlockSet(ctx, "ws1", "TASK-A", stepID, true, "")
	var invalid *bmerrors.InvalidInput
	require.ErrorAs(t, err, &invalid)

	require.NoError(t, s.StepBlockSet(ctx, "ws1", "TASK-A", stepID, true, "waiting on upstream fix"))
	sum, err := s.TaskSummary(ctx, "ws1", "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.BlockedSteps)

	require.NoError(t, s.StepBlockSet(ctx, "ws1", "TASK-A", stepID, false, ""))
	sum, err = s.TaskSummary(ctx, "ws1", "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.OpenSteps)
}

func TestStepSelectorFocusAndPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)
	_, more, err := s.StepsDecompose(ctx, "ws1", "TASK-A", nil, "", []NewStep{{Title: "S2"}})
	require.NoError(t, err)

	// "focus" resolves to the first open step.
	require.NoError(t, s.StepVerify(ctx, "ws1", "TASK-A", "focus", "criteria", true))
	require.NoError(t, s.StepVerify(ctx, "ws1", "TASK-A", "s:0", "tests", true))
	require.NoError(t, s.StepDone(ctx, "ws1", "TASK-A", refs[0].StepID, nil))

	// with s:0 completed, focus moves to the next open step.
	require.NoError(t, s.StepVerify(ctx, "ws1", "TASK-A", "focus", "criteria", true))
	require.NoError(t, s.StepVerify(ctx, "ws1", "TASK-A", more[0].StepID, "tests", true))
	require.NoError(t, s.StepDone(ctx, "ws1", "TASK-A", "s:1", nil))

	sum, err := s.TaskSummary(ctx, "ws1", "TASK-A")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.CompletedSteps)
}

func TestStepSelectorUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bootstrapTask(t, s, ReasoningDefault)

	err := s.StepVerify(ctx, "ws1", "TASK-A", "STEP-999", "criteria", true)
	var notFound *bmerrors.StepNotFound
	assert.ErrorAs(t, err, &notFound)

	err = s.StepVerify(ctx, "ws1", "TASK-A", "s:7", "criteria", true)
	var unknown *bmerrors.UnknownID
	assert.ErrorAs(t, err, &unknown)

	err = s.StepVerify(ctx, "ws1", "TASK-A", "s:0", "bogus", true)
	var invalid *bmerrors.InvalidInput
	assert.ErrorAs(t, err, &invalid)
}

func TestStepCompletionProjectsIntoGraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDefault)
	stepID := refs[0].StepID

	require.NoError(t, s.StepClose(ctx, "ws1", "TASK-A", stepID, Checkpoints{Criteria: true, Tests: true}, nil))

	ref, err := s.GetReasoningRef(ctx, "ws1", "TASK-A", false)
	require.NoError(t, err)
	page, err := s.GraphQuery(ctx, "ws1", ref.Branch, ref.GraphDoc, GraphFilter{IncludeEdges: true})
	require.NoError(t, err)

	var stepNode *GraphNodeRow
	for i, n := range page.Nodes {
		if n.ID == "step:"+stepID {
			stepNode = &page.Nodes[i]
		}
	}
	require.NotNil(t, stepNode, "the projector mirrors the step")
	assert.Equal(t, "done", stepNode.Status)

	var sawContains bool
	for _, e := range page.Edges {
		if e.From == "task:TASK-A" && e.Rel == "contains" && e.To == "step:"+stepID {
			sawContains = true
		}
	}
	assert.True(t, sawContains)
}

func TestReasoningGateDeepRequiresSynthesis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	refs := bootstrapTask(t, s, ReasoningDeep)
	stepID := refs[0].StepID

	ref, err := s.GetReasoningRef(ctx, "ws1", "TASK-A", true)
	require.NoError(t, err)

	// a disciplined hypothesis: h1 carries a tested_by edge; no decision node is recorded.
	mustApply(t, s, "ws1", ref.Branch, ref.GraphDoc, nodeUpsert(GraphNode{ID: "h1", Type: "hypothesis", Title: "cause"}))
	mustApply(t, s, "ws1", ref.Branch, ref.GraphDoc, nodeUpsert(GraphNode{ID: "t1", Type: "test", Title: "repro"}))
	mustApply(t, s, "ws1", ref.Branch, ref.GraphDoc, edgeUpsert(GraphEdge{From: "h1", Rel: "tested_by", To: "t1"}))

	err = s.StepClose(ctx, "ws1", "TASK-A", stepID, Checkpoints{Criteria: true, Tests: true}, nil)
	var gate *bmerrors.ReasoningRequired
	require.ErrorAs(t, err, &gate)
	assert.Contains(t, gate.Signals, "NO_SYNTHESIS", "deep mode additionally requires a synthesis decision")

	mustApply(t, s, "ws1", ref.Branch, ref.GraphDoc, nodeUpsert(GraphNode{ID: "syn1", Type: "synthesis", Title: "wrap-up"}))
	require.NoError(t, s.StepClose(ctx, "ws1", "TASK-A", stepID, Checkpoints{Criteria: true, Tests: true}, nil))
}
