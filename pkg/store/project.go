package store

import (
	"context"
	"database/sql"

	"github.com/branchmind/branchmind/pkg/ids"
)

// projectTaskNodeTx mirrors a task's current title into its reasoning
// graph as task:<TASK-ID>. dedup key keys on title so repeated
// projections of an unchanged title are no-ops.
func projectTaskNodeTx(ctx context.Context, tx *sql.Tx, workspace string, ref ReasoningRef, taskID, title string, now int64) error {
	node := GraphNode{ID: ids.TaskNodeID(taskID), Type: "task", Title: title}
	op := GraphOp{NodeUpsert: &node}
	kind, payload, err := payloadOf(op)
	if err != nil {
		return err
	}
	dedup := "project:task:" + taskID + ":" + title
	_, _, err = graphApplyTx(ctx, tx, workspace, ref.Branch, ref.GraphDoc, kind, payload, op, dedup, now)
	return err
}

// projectStepNodeTx mirrors a step's title/status and its containment edge
// (task->step or parent step->step) into the graph.
func projectStepNodeTx(ctx context.Context, tx *sql.Tx, workspace string, ref ReasoningRef, taskID, stepID, parentStepID, title string, completed bool, now int64) error {
	status := "open"
	if completed {
		status = "done"
	}
	node := GraphNode{ID: ids.StepNodeID(stepID), Type: "step", Title: title, Status: status}
	op := GraphOp{NodeUpsert: &node}
	kind, payload, err := payloadOf(op)
	if err != nil {
		return err
	}
	dedup := "project:step:" + stepID + ":" + title + ":" + status
	if _, _, err := graphApplyTx(ctx, tx, workspace, ref.Branch, ref.GraphDoc, kind, payload, op, dedup, now); err != nil {
		return err
	}

	var fromID string
	if parentStepID == "" {
		fromID = ids.TaskNodeID(taskID)
	} else {
		fromID = ids.StepNodeID(parentStepID)
	}
	edge := GraphEdge{From: fromID, Rel: "contains", To: ids.StepNodeID(stepID)}
	edgeOp := GraphOp{EdgeUpsert: &edge}
	edgeKind, edgePayload, err := payloadOf(edgeOp)
	if err != nil {
		return err
	}
	edgeDedup := "project:contains:" + fromID + ":" + stepID
	_, _, err = graphApplyTx(ctx, tx, workspace, ref.Branch, ref.GraphDoc, edgeKind, edgePayload, edgeOp, edgeDedup, now)
	return err
}
