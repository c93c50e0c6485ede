package audit

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/types"
)

// Trail is an append-only audit log of patch lifecycle events. Entries
// are never mutated or removed once recorded.
type Trail struct {
	mu      sync.RWMutex
	entries []types.AuditEntry
	clock   types.Clock
}

// NewTrail creates an empty audit trail. A nil clock falls back to the
// system clock.
func NewTrail(clock types.Clock) *Trail {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Trail{clock: clock}
}

// Record appends a new entry and returns it. TargetID and details may
// be empty for patch-scoped events.
func (t *Trail) Record(patchID, targetID string, action types.AuditAction, performedBy, details string) types.AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := types.AuditEntry{
		EntryID:     uuid.NewString(),
		PatchID:     patchID,
		TargetID:    targetID,
		Action:      action,
		PerformedBy: performedBy,
		Timestamp:   t.clock.Now(),
		Details:     details,
	}
	t.entries = append(t.entries, entry)
	return entry
}

// Adopt appends a previously persisted entry, keeping its ID and
// timestamp. Used to restore the trail after a restart.
func (t *Trail) Adopt(entry types.AuditEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
}

// Entries returns the whole trail in insertion order.
func (t *Trail) Entries() []types.AuditEntry {
	return t.filter(func(types.AuditEntry) bool { return true })
}

// EntriesForPatch returns all entries for a patch in insertion order.
func (t *Trail) EntriesForPatch(patchID string) []types.AuditEntry {
	return t.filter(func(e types.AuditEntry) bool { return e.PatchID == patchID })
}

// EntriesForTarget returns all entries touching a target in insertion
// order.
func (t *Trail) EntriesForTarget(targetID string) []types.AuditEntry {
	return t.filter(func(e types.AuditEntry) bool { return e.TargetID == targetID })
}

// EntriesByAction returns all entries with a given action in insertion
// order.
func (t *Trail) EntriesByAction(action types.AuditAction) []types.AuditEntry {
	return t.filter(func(e types.AuditEntry) bool { return e.Action == action })
}

func (t *Trail) filter(keep func(types.AuditEntry) bool) []types.AuditEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []types.AuditEntry
	for _, e := range t.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// IsPatchApplied reports whether a PatchApplied entry exists for the
// exact (patch, target) pair.
func (t *Trail) IsPatchApplied(patchID, targetID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, e := range t.entries {
		if e.Action == types.ActionPatchApplied && e.PatchID == patchID && e.TargetID == targetID {
			return true
		}
	}
	return false
}

// PatchTimeline returns a patch's entries ordered by timestamp. The
// sort is stable so entries recorded in the same instant keep their
// insertion order.
func (t *Trail) PatchTimeline(patchID string) []types.AuditEntry {
	timeline := t.EntriesForPatch(patchID)
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})
	return timeline
}

// ApplicationCount returns the number of PatchApplied entries for a
// patch across all targets.
func (t *Trail) ApplicationCount(patchID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.entries {
		if e.Action == types.ActionPatchApplied && e.PatchID == patchID {
			n++
		}
	}
	return n
}

// Count returns the total number of recorded entries.
func (t *Trail) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ExportJSON serializes the entire trail. Large histories produce large
// exports; callers wanting a bounded view should filter first.
func (t *Trail) ExportJSON() (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := t.entries
	if entries == nil {
		entries = []types.AuditEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", &errors.SerializationError{Cause: err}
	}
	return string(data), nil
}
