package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestPropSeqStrictlyMonotonic: regardless of how writes interleave
// across branches and documents, a workspace's seq values strictly increase
// in write order.
func TestPropSeqStrictlyMonotonic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30

	properties := gopter.NewProperties(params)
	properties.Property("seq strictly increases per workspace", prop.ForAll(
		func(branchPicks []int, contents []string) bool {
			s, err := Open(":memory:")
			if err != nil {
				return false
			}
			defer func() { _ = s.Close() }()
			ctx := context.Background()

			branches := []string{"main", "alt", "scratch"}
			var lastSeq int64
			for i, c := range contents {
				branch := branches[0]
				if len(branchPicks) > 0 {
					branch = branches[branchPicks[i%len(branchPicks)]%len(branches)]
				}
				e, err := s.AppendDocEntry(ctx, "wsP", DocEntry{Branch: branch, Doc: "notes", Kind: DocKindNotes, Content: c})
				if err != nil {
					return false
				}
				if e.Seq <= lastSeq {
					return false
				}
				lastSeq = e.Seq
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOfN(8, gen.AlphaString()),
	))
	properties.TestingRun(t)
}

// TestPropInheritanceVisibility: every entry visible under a derived
// branch is either the branch's own or an ancestor entry with seq at or
// below the recorded cutoff.
func TestPropInheritanceVisibility(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30

	properties := gopter.NewProperties(params)
	properties.Property("derived branches see ancestors only up to base_seq", prop.ForAll(
		func(beforeCount, afterCount, ownCount int) bool {
			s, err := Open(":memory:")
			if err != nil {
				return false
			}
			defer func() { _ = s.Close() }()
			ctx := context.Background()
			if _, err := s.BranchCreate(ctx, "wsP", "parent", ""); err != nil {
				return false
			}

			for i := 0; i < beforeCount; i++ {
				if _, err := s.AppendDocEntry(ctx, "wsP", DocEntry{Branch: "parent", Doc: "notes", Kind: DocKindNotes, Content: fmt.Sprintf("before-%d", i)}); err != nil {
					return false
				}
			}
			child, err := s.BranchCreate(ctx, "wsP", "child", "parent")
			if err != nil {
				return false
			}
			for i := 0; i < afterCount; i++ {
				if _, err := s.AppendDocEntry(ctx, "wsP", DocEntry{Branch: "parent", Doc: "notes", Kind: DocKindNotes, Content: fmt.Sprintf("after-%d", i)}); err != nil {
					return false
				}
			}
			for i := 0; i < ownCount; i++ {
				if _, err := s.AppendDocEntry(ctx, "wsP", DocEntry{Branch: "child", Doc: "notes", Kind: DocKindNotes, Content: fmt.Sprintf("own-%d", i)}); err != nil {
					return false
				}
			}

			page, err := s.Tail(ctx, "wsP", "child", "notes", 0, 1000)
			if err != nil {
				return false
			}
			if len(page.Entries) != beforeCount+ownCount {
				return false
			}
			for _, e := range page.Entries {
				switch e.Branch {
				case "child":
					// always visible
				case "parent":
					if e.Seq > child.BaseSeq {
						return false
					}
				default:
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 6),
		gen.IntRange(0, 6),
		gen.IntRange(0, 6),
	))
	properties.TestingRun(t)
}

// TestPropGraphMergeIdempotent drives random novel node sets: a
// second identical merge applies zero changes and creates zero conflicts.
func TestPropGraphMergeIdempotent(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20

	properties := gopter.NewProperties(params)
	properties.Property("graph_merge twice applies nothing the second time", prop.ForAll(
		func(novelCount int) bool {
			s, err := Open(":memory:")
			if err != nil {
				return false
			}
			defer func() { _ = s.Close() }()
			ctx := context.Background()

			if _, _, err := s.GraphApply(ctx, "wsP", "b0", "g", GraphOp{NodeUpsert: &GraphNode{ID: "seed", Type: "idea"}}, ""); err != nil {
				return false
			}
			if _, err := s.BranchCreate(ctx, "wsP", "b1", "b0"); err != nil {
				return false
			}
			for i := 0; i < novelCount; i++ {
				n := GraphNode{ID: fmt.Sprintf("novel-%d", i), Type: "idea"}
				if _, _, err := s.GraphApply(ctx, "wsP", "b1", "g", GraphOp{NodeUpsert: &n}, ""); err != nil {
					return false
				}
			}

			first, err := s.GraphMerge(ctx, "wsP", "b1", "b0", "g", 0, false, false)
			if err != nil || first.Applied != novelCount || first.ConflictsCreated != 0 {
				return false
			}
			second, err := s.GraphMerge(ctx, "wsP", "b1", "b0", "g", 0, false, false)
			return err == nil && second.Applied == 0 && second.ConflictsCreated == 0
		},
		gen.IntRange(0, 8),
	))
	properties.TestingRun(t)
}
