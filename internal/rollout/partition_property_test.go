package rollout

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/daimoniac/patchline/internal/types"
)

// TestPartitionTargetsProperty checks the cohort partition invariants
// for arbitrary fleet sizes and plan percentages.
func TestPartitionTargetsProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("cohorts concatenate back to the input", prop.ForAll(
		func(n, canaryPct, earlyPct int) bool {
			targets := genTargets(n)
			plan := types.RolloutPlan{
				CanaryPercentage:       canaryPct,
				EarlyAdopterPercentage: earlyPct,
			}
			a := PartitionTargets(targets, plan)

			joined := make([]string, 0, n)
			joined = append(joined, a.Canary...)
			joined = append(joined, a.EarlyAdopter...)
			joined = append(joined, a.GeneralAvailability...)

			if len(joined) != n {
				return false
			}
			for i, id := range joined {
				if id != targets[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 500),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.Property("cohorts are disjoint", prop.ForAll(
		func(n, canaryPct, earlyPct int) bool {
			plan := types.RolloutPlan{
				CanaryPercentage:       canaryPct,
				EarlyAdopterPercentage: earlyPct,
			}
			a := PartitionTargets(genTargets(n), plan)

			seen := make(map[string]bool, n)
			for _, cohort := range [][]string{a.Canary, a.EarlyAdopter, a.GeneralAvailability} {
				for _, id := range cohort {
					if seen[id] {
						return false
					}
					seen[id] = true
				}
			}
			return true
		},
		gen.IntRange(0, 500),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.Property("canary cohort size is ceil(n*pct/100) clamped", prop.ForAll(
		func(n, canaryPct int) bool {
			plan := types.RolloutPlan{CanaryPercentage: canaryPct}
			a := PartitionTargets(genTargets(n), plan)

			want := (n*canaryPct + 99) / 100
			if want > n {
				want = n
			}
			return len(a.Canary) == want
		},
		gen.IntRange(0, 500),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func genTargets(n int) []string {
	targets := make([]string, n)
	for i := range targets {
		targets[i] = fmt.Sprintf("target-%04d", i)
	}
	return targets
}
