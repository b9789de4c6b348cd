package contextassembler

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/taskgraph/orchestrator/internal/types"
)

// genCandidates builds a small, reproducible slice of candidates spanning a
// few priority tiers with varying text lengths, exercising applyBudget's
// greedy-by-tier packing.
func genCandidates() gopter.Gen {
	return gen.SliceOfN(8, gen.IntRange(0, 3)).FlatMap(func(tiers any) gopter.Gen {
		ts := tiers.([]int)
		return gen.SliceOfN(len(ts), gen.IntRange(0, 40)).Map(func(lens []int) []candidate {
			out := make([]candidate, len(ts))
			for i := range ts {
				out[i] = candidate{
					sourceID: string(rune('a' + i)),
					kind:     types.SectionKindManual,
					tier:     ts[i],
					text:     string(make([]byte, lens[i])),
				}
			}
			return out
		})
	}, reflect.TypeOf([]candidate{}))
}

// TestApplyBudgetRespectsTotalBudgetProperty verifies §4.2's budget
// invariant: the sum of emitted section lengths never exceeds the total
// character budget, for any candidate set and any positive budget.
func TestApplyBudgetRespectsTotalBudgetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("total emitted length never exceeds the total budget", prop.ForAll(
		func(cands []candidate, totalBudget int) bool {
			sections, _, _ := applyBudget(cloneCandidates(cands), totalBudget, 0, StrategyTruncate)
			sum := 0
			for _, s := range sections {
				sum += s.Length
			}
			return sum <= totalBudget
		},
		genCandidates(),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}

// TestApplyBudgetRespectsPerSectionBudgetProperty verifies no emitted
// section's length ever exceeds the per-section cap.
func TestApplyBudgetRespectsPerSectionBudgetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no emitted section exceeds the per-section budget", prop.ForAll(
		func(cands []candidate, perSection int) bool {
			sections, _, _ := applyBudget(cloneCandidates(cands), 0, perSection, StrategyTruncate)
			for _, s := range sections {
				if s.Length > perSection {
					return false
				}
			}
			return true
		},
		genCandidates(),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

// TestApplyBudgetIsDeterministicProperty verifies §4.2's "deterministic:
// identical candidates always produce identical output" claim.
func TestApplyBudgetIsDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated calls on equivalent input produce identical section metadata", prop.ForAll(
		func(cands []candidate, totalBudget, perSection int) bool {
			s1, _, _ := applyBudget(cloneCandidates(cands), totalBudget, perSection, StrategyTruncate)
			s2, _, _ := applyBudget(cloneCandidates(cands), totalBudget, perSection, StrategyTruncate)
			if len(s1) != len(s2) {
				return false
			}
			for i := range s1 {
				if s1[i] != s2[i] {
					return false
				}
			}
			return true
		},
		genCandidates(),
		gen.IntRange(0, 200),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

func cloneCandidates(in []candidate) []candidate {
	out := make([]candidate, len(in))
	copy(out, in)
	return out
}
