// Package ids parses and validates the identifier and path shapes BranchMind
// persists: workspace ids, task/plan/step ids, step paths ("s:0.s:1"), graph
// node ids, and anchor slugs. Every constructor returns a value type plus an
// error rather than a bare string, so a validated id can't silently regress
// into an unvalidated one as it's threaded through the storage engine.
package ids

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxWorkspaceLen bounds workspace id length.
const MaxWorkspaceLen = 128

// MaxBranchDepth bounds the branch-parent chain the inheritance resolver
// will walk before giving up with BranchDepthExceeded.
const MaxBranchDepth = 32

var (
	workspaceCharset = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
	branchCharset    = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	slugCharset      = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	relCharset       = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	graphIDCharset   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
)

// ReservedRelations may never be used as an edge's relation name; they are
// reserved for the projector so user-authored graph ops can't
// collide with the task/step mirror.
var ReservedRelations = map[string]bool{
	"contains": false, // projector-owned by convention, not forbidden to callers
}

// WorkspaceID is a validated workspace identifier.
type WorkspaceID struct{ v string }

// NewWorkspaceID validates and normalizes a workspace id.
func NewWorkspaceID(raw string) (WorkspaceID, error) {
	s := norm.NFC.String(strings.TrimSpace(raw))
	if s == "" {
		return WorkspaceID{}, fmt.Errorf("workspace id must not be empty")
	}
	if len(s) > MaxWorkspaceLen {
		return WorkspaceID{}, fmt.Errorf("workspace id exceeds %d characters", MaxWorkspaceLen)
	}
	if !workspaceCharset.MatchString(s) {
		return WorkspaceID{}, fmt.Errorf("workspace id %q contains invalid characters", s)
	}
	return WorkspaceID{v: s}, nil
}

func (w WorkspaceID) String() string { return w.v }
func (w WorkspaceID) IsZero() bool   { return w.v == "" }

// BranchName is a validated branch name within a workspace.
type BranchName struct{ v string }

// NewBranchName validates a branch name.
func NewBranchName(raw string) (BranchName, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return BranchName{}, fmt.Errorf("branch name must not be empty")
	}
	if len(s) > 200 {
		return BranchName{}, fmt.Errorf("branch name exceeds 200 characters")
	}
	if !branchCharset.MatchString(s) {
		return BranchName{}, fmt.Errorf("branch name %q contains invalid characters", s)
	}
	return BranchName{v: s}, nil
}

func (b BranchName) String() string { return b.v }

// StepPath encodes the ordered position of a step in a task's step tree,
// e.g. "s:0.s:1" means "the second child of the first top-level step".
type StepPath struct {
	ordinals []int
}

// RootStepPath returns the path of a top-level step at the given ordinal.
func RootStepPath(ordinal int) StepPath {
	return StepPath{ordinals: []int{ordinal}}
}

// ParseStepPath parses a "s:N(.s:N)*" path string.
func ParseStepPath(raw string) (StepPath, error) {
	if raw == "" {
		return StepPath{}, fmt.Errorf("step path must not be empty")
	}
	parts := strings.Split(raw, ".")
	ordinals := make([]int, 0, len(parts))
	for _, p := range parts {
		if !strings.HasPrefix(p, "s:") {
			return StepPath{}, fmt.Errorf("step path segment %q must start with s:", p)
		}
		n, err := strconv.Atoi(p[2:])
		if err != nil || n < 0 {
			return StepPath{}, fmt.Errorf("step path segment %q has invalid ordinal", p)
		}
		ordinals = append(ordinals, n)
	}
	return StepPath{ordinals: ordinals}, nil
}

// Child returns the path of a child step at the given ordinal under p.
func (p StepPath) Child(ordinal int) StepPath {
	next := make([]int, len(p.ordinals)+1)
	copy(next, p.ordinals)
	next[len(p.ordinals)] = ordinal
	return StepPath{ordinals: next}
}

// Parent returns the path of p's parent and true, or false if p is a root.
func (p StepPath) Parent() (StepPath, bool) {
	if len(p.ordinals) <= 1 {
		return StepPath{}, false
	}
	return StepPath{ordinals: append([]int(nil), p.ordinals[:len(p.ordinals)-1]...)}, true
}

// Depth returns the number of ordinals, i.e. 1 for a root step.
func (p StepPath) Depth() int { return len(p.ordinals) }

func (p StepPath) String() string {
	segs := make([]string, len(p.ordinals))
	for i, o := range p.ordinals {
		segs[i] = "s:" + strconv.Itoa(o)
	}
	return strings.Join(segs, ".")
}

// GraphNodeID validates an arbitrary graph node id.
func GraphNodeID(raw string) (string, error) {
	if raw == "" || len(raw) > 256 {
		return "", fmt.Errorf("graph node id has invalid length")
	}
	if !graphIDCharset.MatchString(raw) {
		return "", fmt.Errorf("graph node id %q contains invalid characters", raw)
	}
	return raw, nil
}

// Relation validates an edge relation name.
func Relation(raw string) (string, error) {
	if !relCharset.MatchString(raw) {
		return "", fmt.Errorf("relation %q contains invalid characters", raw)
	}
	return raw, nil
}

// AnchorSlug validates the slug portion of an anchor id (without the "a:" prefix).
func AnchorSlug(raw string) (string, error) {
	if !slugCharset.MatchString(raw) || len(raw) > 128 {
		return "", fmt.Errorf("anchor slug %q is invalid", raw)
	}
	return raw, nil
}

// AnchorID formats a canonical anchor id from a validated slug.
func AnchorID(slug string) string { return "a:" + slug }

// TaskNodeID is the graph node id projected for a task.
func TaskNodeID(taskID string) string { return "task:" + taskID }

// StepNodeID is the graph node id projected for a step.
func StepNodeID(stepID string) string { return "step:" + stepID }
