package distribution

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/daimoniac/patchline/internal/types"
)

// TestSummaryProperty checks that the notification summary stays an
// exact accounting: the per-status counts always sum to the total, and
// the total always matches the number of notified targets.
func TestSummaryProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	severities := []types.Severity{
		types.SeverityLow,
		types.SeverityMedium,
		types.SeverityHigh,
		types.SeverityCritical,
	}

	properties.Property("status counts sum to the total", prop.ForAll(
		func(n, severityIdx, acks int) bool {
			m := NewManager(nil, nil)

			targets := make([]string, n)
			for i := range targets {
				targets[i] = fmt.Sprintf("host-%03d", i)
			}
			ids, err := m.NotifyVulnerableTargets(context.Background(), "patch-1", targets, severities[severityIdx])
			if err != nil {
				return false
			}

			// Acknowledging is only legal for Pending/Delivered records,
			// which is every record the placeholder sender produces.
			if acks > len(ids) {
				acks = len(ids)
			}
			for _, id := range ids[:acks] {
				if err := m.Acknowledge(id); err != nil {
					return false
				}
			}

			s := m.Summary("patch-1")
			if s.Total != n {
				return false
			}
			return s.Pending+s.Delivered+s.Failed+s.Acknowledged == s.Total
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, len(severities)-1),
		gen.IntRange(0, 50),
	))

	properties.Property("placeholder delivery splits on severity", prop.ForAll(
		func(n, severityIdx int) bool {
			m := NewManager(nil, nil)

			targets := make([]string, n)
			for i := range targets {
				targets[i] = fmt.Sprintf("host-%03d", i)
			}
			if _, err := m.NotifyVulnerableTargets(context.Background(), "patch-1", targets, severities[severityIdx]); err != nil {
				return false
			}

			s := m.Summary("patch-1")
			if severities[severityIdx] >= types.SeverityHigh {
				return s.Delivered == n && s.Pending == 0
			}
			return s.Pending == n && s.Delivered == 0
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, len(severities)-1),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
