// Package bmerrors defines the closed error taxonomy every fallible storage
// operation returns from. Callers use errors.As to recover typed
// detail (e.g. which checkpoint axes are missing) instead of string-matching
// messages.
package bmerrors

import (
	"errors"
	"fmt"
)

// InvalidInput reports that a request violated a schema or domain
// constraint the caller can fix by correcting its arguments.
type InvalidInput struct{ Message string }

func (e *InvalidInput) Error() string { return "invalid input: " + e.Message }

// NewInvalidInput builds an InvalidInput error.
func NewInvalidInput(format string, args ...any) error {
	return &InvalidInput{Message: fmt.Sprintf(format, args...)}
}

// UnknownID reports a reference to an entity that does not exist.
type UnknownID struct {
	Kind string // "task", "plan", "workspace", ...
	ID   string
}

func (e *UnknownID) Error() string { return fmt.Sprintf("unknown %s: %s", e.Kind, e.ID) }

// UnknownBranch reports a reference to a branch that does not exist.
type UnknownBranch struct{ Name string }

func (e *UnknownBranch) Error() string { return "unknown branch: " + e.Name }

// UnknownConflict reports a reference to a conflict id that does not exist.
type UnknownConflict struct{ ID string }

func (e *UnknownConflict) Error() string { return "unknown conflict: " + e.ID }

// StepNotFound reports a reference to a step that does not exist under its task.
type StepNotFound struct {
	TaskID string
	Step   string
}

func (e *StepNotFound) Error() string {
	return fmt.Sprintf("step not found: task=%s step=%s", e.TaskID, e.Step)
}

// RevisionMismatch is the optimistic-concurrency failure.
type RevisionMismatch struct {
	Expected int64
	Actual   int64
}

func (e *RevisionMismatch) Error() string {
	return fmt.Sprintf("revision mismatch: expected=%d actual=%d", e.Expected, e.Actual)
}

// CheckpointsNotConfirmed reports which closure checkpoint axes are
// still missing.
type CheckpointsNotConfirmed struct {
	Criteria, Tests, Security, Perf, Docs bool
}

func (e *CheckpointsNotConfirmed) Error() string {
	return fmt.Sprintf("checkpoints not confirmed: criteria=%v tests=%v security=%v perf=%v docs=%v",
		e.Criteria, e.Tests, e.Security, e.Perf, e.Docs)
}

// ProofMissing reports which require-mode proof axes lack an artifact.
type ProofMissing struct {
	Tests, Security, Perf, Docs bool
}

func (e *ProofMissing) Error() string {
	return fmt.Sprintf("proof missing: tests=%v security=%v perf=%v docs=%v",
		e.Tests, e.Security, e.Perf, e.Docs)
}

// BranchAlreadyExists reports a duplicate branch-creation attempt.
type BranchAlreadyExists struct{ Name string }

func (e *BranchAlreadyExists) Error() string { return "branch already exists: " + e.Name }

// BranchCycle reports a malformed parent chain that cycles back on itself.
type BranchCycle struct{ Name string }

func (e *BranchCycle) Error() string { return "branch cycle detected at: " + e.Name }

// BranchDepthExceeded reports a parent chain deeper than ids.MaxBranchDepth.
type BranchDepthExceeded struct{ Name string }

func (e *BranchDepthExceeded) Error() string { return "branch depth exceeded at: " + e.Name }

// ConflictAlreadyResolved reports an attempt to resolve a closed conflict.
type ConflictAlreadyResolved struct{ ConflictID string }

func (e *ConflictAlreadyResolved) Error() string {
	return "conflict already resolved: " + e.ConflictID
}

// MergeNotSupported reports a merge policy rejection (unrelated forests
// where policy forbids treating "into" as base).
type MergeNotSupported struct{ Reason string }

func (e *MergeNotSupported) Error() string { return "merge not supported: " + e.Reason }

// ReasoningRequired reports that the reasoning gate blocked a
// step closure because discipline signals were unresolved.
type ReasoningRequired struct{ Signals []string }

func (e *ReasoningRequired) Error() string {
	return fmt.Sprintf("reasoning required: %v", e.Signals)
}

// IO wraps an infrastructure failure from the filesystem or socket layer.
type IO struct{ Err error }

func (e *IO) Error() string { return "io error: " + e.Err.Error() }
func (e *IO) Unwrap() error { return e.Err }

// SQL wraps an infrastructure failure from the backing database.
type SQL struct{ Err error }

func (e *SQL) Error() string { return "sql error: " + e.Err.Error() }
func (e *SQL) Unwrap() error { return e.Err }

// WrapSQL wraps a non-nil database error as a *SQL; returns nil for nil input.
func WrapSQL(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr *SQL
	if errors.As(err, &sqlErr) {
		return err
	}
	return &SQL{Err: err}
}
