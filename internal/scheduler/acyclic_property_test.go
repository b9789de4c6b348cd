package scheduler_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/orchestrator/internal/scheduler"
	"github.com/taskgraph/orchestrator/internal/store"
	"github.com/taskgraph/orchestrator/internal/types"
)

var dagCaseType = reflect.TypeOf(dagCase{})

// dagCase is a random acyclic requires-graph: task i may require any task
// j < i, so edges always point from a later index to an earlier one and the
// graph can never contain a cycle by construction.
type dagCase struct {
	n     int
	edges []int // edges[i] is the task index task i requires, or -1 for none
}

func genDAGCase() gopter.Gen {
	return gen.IntRange(2, 6).FlatMap(func(nv any) gopter.Gen {
		n := nv.(int)
		return gen.SliceOfN(n, gen.IntRange(-1, n-1)).Map(func(raw []int) dagCase {
			edges := make([]int, n)
			for i, j := range raw {
				if j >= i {
					j = -1 // clamp: never require a same-or-later index
				}
				edges[i] = j
			}
			return dagCase{n: n, edges: edges}
		})
	}, dagCaseType)
}

// TestSchedulerNeverOrdersADependentBeforeItsPrerequisiteProperty verifies
// §4.6's core scheduling invariant: for any acyclic requires graph, the
// DAG strategy's order always places every task after everything it
// requires (the scheduler never hands out a non-ready task ahead of its
// prerequisites).
func TestSchedulerNeverOrdersADependentBeforeItsPrerequisiteProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("DAG order respects every requires edge", prop.ForAll(
		func(tc dagCase) bool {
			s := newPropertyStore(t)
			ctx := context.Background()

			root, err := s.CreateTask(ctx, store.CreateTaskParams{Name: "root", Type: types.TaskTypeRoot})
			if err != nil {
				return false
			}
			ids := make([]string, tc.n)
			for i := 0; i < tc.n; i++ {
				task, err := s.CreateTask(ctx, store.CreateTaskParams{
					ParentID: &root.ID, Name: "t", Type: types.TaskTypeAtomic,
				})
				if err != nil {
					return false
				}
				ids[i] = task.ID
			}
			for i, j := range tc.edges {
				if j < 0 {
					continue
				}
				if err := s.AddLink(ctx, ids[i], ids[j], types.LinkKindRequires); err != nil {
					return false
				}
			}

			sched := scheduler.New(s)
			plan, err := sched.Schedule(ctx, scheduler.StrategyDAG)
			if err != nil {
				return false
			}

			pos := make(map[string]int, len(plan.Order))
			for i, id := range plan.Order {
				pos[id] = i
			}
			for i, j := range tc.edges {
				if j < 0 {
					continue
				}
				if pos[ids[j]] >= pos[ids[i]] {
					return false
				}
			}
			return true
		},
		genDAGCase(),
	))

	properties.TestingRun(t)
}

func newPropertyStore(t *testing.T) *store.PlanStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.OpenPlanStore(dir+"/plan.db", "plan-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
