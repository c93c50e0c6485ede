package version

import (
	"sync"

	"github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/types"
)

// Manager assigns severity-driven semantic versions to patch releases.
// History is kept per patch, in release order, and every patch's
// history is strictly increasing.
type Manager struct {
	mu      sync.RWMutex
	history map[string][]types.VersionRecord
	clock   types.Clock
}

// NewManager creates a version manager. A nil clock falls back to the
// system clock.
func NewManager(clock types.Clock) *Manager {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Manager{
		history: make(map[string][]types.VersionRecord),
		clock:   clock,
	}
}

// ReleaseVersion appends an explicit version to a patch's history after
// checking it is strictly greater than the latest recorded one.
func (m *Manager) ReleaseVersion(patchID string, v types.PatchVersion, severity types.Severity, releaseNotes string) (*types.VersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(patchID, v, severity, releaseNotes)
}

// BumpForSeverity mints the next version for a patch: Critical and High
// bump major, Medium bumps minor, Low bumps patch, starting from 0.1.0
// when the patch has no history yet.
func (m *Manager) BumpForSeverity(patchID string, severity types.Severity, releaseNotes string) (*types.VersionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.latestLocked(patchID).BumpForSeverity(severity)
	return m.releaseLocked(patchID, next, severity, releaseNotes)
}

func (m *Manager) releaseLocked(patchID string, v types.PatchVersion, severity types.Severity, releaseNotes string) (*types.VersionRecord, error) {
	if err := m.verifyOrderLocked(patchID, v); err != nil {
		return nil, err
	}

	record := types.VersionRecord{
		PatchID:      patchID,
		Version:      v,
		IsMajor:      m.isMajorLocked(patchID, v),
		Severity:     severity,
		ReleasedAt:   m.clock.Now(),
		ReleaseNotes: releaseNotes,
	}
	m.history[patchID] = append(m.history[patchID], record)
	return &record, nil
}

// isMajorLocked reports whether a version is a major release for the
// patch: its major component is positive and exceeds the previous
// release's major (or there is no previous release).
func (m *Manager) isMajorLocked(patchID string, v types.PatchVersion) bool {
	if v.Major == 0 {
		return false
	}
	records := m.history[patchID]
	if len(records) == 0 {
		return true
	}
	return v.Major > records[len(records)-1].Version.Major
}

func (m *Manager) latestLocked(patchID string) types.PatchVersion {
	records := m.history[patchID]
	if len(records) == 0 {
		return types.DefaultVersion()
	}
	return records[len(records)-1].Version
}

// LatestVersion returns the most recently released version for a patch,
// or the default 0.1.0 when nothing has been released for it.
func (m *Manager) LatestVersion(patchID string) types.PatchVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(patchID)
}

// ReleaseHistory returns a patch's releases in release order.
func (m *Manager) ReleaseHistory(patchID string) []types.VersionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.VersionRecord(nil), m.history[patchID]...)
}

// VerifyVersionOrder checks that a proposed version is strictly greater
// than the latest recorded version for the patch. Any version is
// accepted when the patch has no history.
func (m *Manager) VerifyVersionOrder(patchID string, proposed types.PatchVersion) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.verifyOrderLocked(patchID, proposed)
}

func (m *Manager) verifyOrderLocked(patchID string, proposed types.PatchVersion) error {
	records := m.history[patchID]
	if len(records) == 0 {
		return nil
	}
	latest := records[len(records)-1].Version
	if proposed.Compare(latest) <= 0 {
		return &errors.VersionConflictError{
			Current:  latest.String(),
			Proposed: proposed.String(),
		}
	}
	return nil
}

// Adopt appends a previously persisted release record without order
// checking. Used to restore manager state after a restart; persisted
// history is already validated.
func (m *Manager) Adopt(record types.VersionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[record.PatchID] = append(m.history[record.PatchID], record)
}

// Count returns the total number of recorded releases across patches.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, records := range m.history {
		n += len(records)
	}
	return n
}
