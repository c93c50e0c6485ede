package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/daimoniac/patchline/internal/types"
)

func testTrail() (*Trail, *types.FixedClock) {
	clock := types.NewFixedClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	return NewTrail(clock), clock
}

func TestRecordAndFilters(t *testing.T) {
	trail, _ := testTrail()

	trail.Record("patch-1", "", types.ActionPatchCreated, "alice", "")
	trail.Record("patch-1", "T1", types.ActionPatchApplied, "system", "canary")
	trail.Record("patch-2", "T1", types.ActionPatchApplied, "system", "")
	trail.Record("patch-1", "T2", types.ActionPatchApplied, "system", "")

	if got := len(trail.EntriesForPatch("patch-1")); got != 3 {
		t.Errorf("expected 3 entries for patch-1, got %d", got)
	}
	if got := len(trail.EntriesForTarget("T1")); got != 2 {
		t.Errorf("expected 2 entries for T1, got %d", got)
	}
	if got := len(trail.EntriesByAction(types.ActionPatchApplied)); got != 3 {
		t.Errorf("expected 3 applied entries, got %d", got)
	}
	if trail.Count() != 4 {
		t.Errorf("expected count 4, got %d", trail.Count())
	}

	// Filters preserve insertion order.
	forPatch := trail.EntriesForPatch("patch-1")
	if forPatch[0].Action != types.ActionPatchCreated || forPatch[1].TargetID != "T1" || forPatch[2].TargetID != "T2" {
		t.Errorf("insertion order not preserved: %+v", forPatch)
	}
}

func TestIsPatchApplied(t *testing.T) {
	trail, _ := testTrail()

	trail.Record("patch-1", "T1", types.ActionPatchApplied, "system", "")
	trail.Record("patch-1", "T2", types.ActionPatchRolledBack, "bob", "")

	if !trail.IsPatchApplied("patch-1", "T1") {
		t.Error("expected patch-1 applied on T1")
	}
	if trail.IsPatchApplied("patch-1", "T2") {
		t.Error("rollback entry must not count as applied")
	}
	if trail.IsPatchApplied("patch-2", "T1") {
		t.Error("wrong patch id must not match")
	}
}

func TestApplicationCount(t *testing.T) {
	trail, _ := testTrail()

	for _, target := range []string{"T1", "T2", "T3"} {
		trail.Record("patch-1", target, types.ActionPatchApplied, "system", "")
	}
	trail.Record("patch-2", "T1", types.ActionPatchApplied, "system", "")

	if got := trail.ApplicationCount("patch-1"); got != 3 {
		t.Errorf("expected 3 applications, got %d", got)
	}
}

func TestPatchTimelineStableSort(t *testing.T) {
	trail, clock := testTrail()

	// Two entries share an instant; the later-recorded one must stay
	// second after sorting.
	first := trail.Record("patch-1", "T1", types.ActionPatchApplied, "system", "")
	second := trail.Record("patch-1", "T2", types.ActionPatchApplied, "system", "")
	clock.Advance(-time.Hour)
	early := trail.Record("patch-1", "", types.ActionPatchCreated, "alice", "")

	timeline := trail.PatchTimeline("patch-1")
	if len(timeline) != 3 {
		t.Fatalf("expected 3 timeline entries, got %d", len(timeline))
	}
	if timeline[0].EntryID != early.EntryID {
		t.Error("earliest timestamp not first in timeline")
	}
	if timeline[1].EntryID != first.EntryID || timeline[2].EntryID != second.EntryID {
		t.Error("equal timestamps lost insertion order")
	}
}

func TestExportJSON(t *testing.T) {
	trail, _ := testTrail()

	trail.Record("patch-1", "", types.ActionPatchCreated, "alice", "initial draft")
	trail.Record("patch-1", "T1", types.ActionPatchApplied, "system", "")

	out, err := trail.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}

	var entries []types.AuditEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("export omitted entries: got %d", len(entries))
	}
	if entries[0].Details != "initial draft" {
		t.Errorf("entry details lost in export: %+v", entries[0])
	}
}

func TestExportJSONEmptyTrail(t *testing.T) {
	trail, _ := testTrail()

	out, err := trail.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}
	if out != "[]" {
		t.Errorf("expected empty array, got %q", out)
	}
}
