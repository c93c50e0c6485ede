package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/types"
)

// Manager owns patch identity, payload integrity and the lifecycle
// state machine. All mutating methods check legality before touching
// state, so a failed call leaves the patch exactly as it was.
type Manager struct {
	mu      sync.RWMutex
	patches map[string]*types.SecurityPatch
	order   []string
	clock   types.Clock
}

// NewManager creates a patch manager. A nil clock falls back to the
// system clock.
func NewManager(clock types.Clock) *Manager {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Manager{
		patches: make(map[string]*types.SecurityPatch),
		clock:   clock,
	}
}

// CreateParams carries the caller-supplied fields for a new patch.
type CreateParams struct {
	Title           string
	Description     string
	Severity        types.Severity
	Payload         []byte
	AffectedTargets []string
	AdvisoryID      string
	CreatedBy       string
}

// CreatePatch allocates a new patch in Draft status. The payload hash
// is computed from the supplied payload.
func (m *Manager) CreatePatch(params CreateParams) (*types.SecurityPatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	if _, exists := m.patches[id]; exists {
		return nil, errors.ErrDuplicatePatchID
	}

	now := m.clock.Now()
	p := &types.SecurityPatch{
		ID:              id,
		Title:           params.Title,
		Description:     params.Description,
		Severity:        params.Severity,
		Status:          types.StatusDraft,
		Version:         types.DefaultVersion(),
		PayloadHash:     ComputeHash(params.Payload),
		Payload:         append([]byte(nil), params.Payload...),
		AffectedTargets: append([]string(nil), params.AffectedTargets...),
		AdvisoryID:      params.AdvisoryID,
		CreatedBy:       params.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	m.patches[id] = p
	m.order = append(m.order, id)
	return clonePatch(p), nil
}

// GetPatch returns a copy of the patch with the given ID.
func (m *Manager) GetPatch(patchID string) (*types.SecurityPatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.patches[patchID]
	if !ok {
		return nil, errors.ErrPatchNotFound
	}
	return clonePatch(p), nil
}

// ListPatches returns all patches in creation order, optionally
// filtered by status.
func (m *Manager) ListPatches(statusFilter *types.PatchStatus) []*types.SecurityPatch {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*types.SecurityPatch, 0, len(m.order))
	for _, id := range m.order {
		p := m.patches[id]
		if statusFilter != nil && p.Status != *statusFilter {
			continue
		}
		result = append(result, clonePatch(p))
	}
	return result
}

// ListPatchesBySeverity returns all patches with the given severity in
// creation order.
func (m *Manager) ListPatchesBySeverity(severity types.Severity) []*types.SecurityPatch {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*types.SecurityPatch, 0)
	for _, id := range m.order {
		p := m.patches[id]
		if p.Severity == severity {
			result = append(result, clonePatch(p))
		}
	}
	return result
}

// ValidatePatch runs the validation checks against a Draft patch and
// transitions it to Validated or Rejected. This is single-shot: a
// rejected patch cannot be revalidated in place. Returns whether every
// check passed.
func (m *Manager) ValidatePatch(patchID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patches[patchID]
	if !ok {
		return false, errors.ErrPatchNotFound
	}

	if err := assertTransition(p.Status, types.StatusValidating); err != nil {
		return false, err
	}
	p.Status = types.StatusValidating
	p.UpdatedAt = m.clock.Now()

	results := runChecks(p)
	allPassed := true
	for _, r := range results {
		allPassed = allPassed && r.Passed
	}

	p.ValidationResults = results
	if allPassed {
		p.Status = types.StatusValidated
	} else {
		p.Status = types.StatusRejected
	}
	p.UpdatedAt = m.clock.Now()

	return allPassed, nil
}

// VerifyIntegrity recomputes the payload hash and compares it against
// the stored one. Read-only, callable in any status.
func (m *Manager) VerifyIntegrity(patchID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.patches[patchID]
	if !ok {
		return false, errors.ErrPatchNotFound
	}
	return ComputeHash(p.Payload) == p.PayloadHash, nil
}

// Transition moves a patch to a new status, restricted to the legal
// edge set. Any other pair fails with InvalidTransitionError and leaves
// the patch unchanged.
func (m *Manager) Transition(patchID string, newStatus types.PatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patches[patchID]
	if !ok {
		return errors.ErrPatchNotFound
	}

	if err := assertTransition(p.Status, newStatus); err != nil {
		return err
	}
	p.Status = newStatus
	p.UpdatedAt = m.clock.Now()
	return nil
}

// Count returns the number of registered patches.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.patches)
}

// ComputeHash returns the SHA-256 hex digest of data.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// runChecks executes the four validation checks. Each check is recorded
// individually so a rejected patch shows exactly what failed.
func runChecks(p *types.SecurityPatch) []types.ValidationResult {
	results := make([]types.ValidationResult, 0, 4)

	payloadOK := len(p.Payload) > 0
	results = append(results, check("payload_non_empty", payloadOK, "patch payload is empty"))

	hashOK := ComputeHash(p.Payload) == p.PayloadHash
	results = append(results, check("integrity_hash", hashOK, "payload hash mismatch"))

	targetsOK := len(p.AffectedTargets) > 0
	results = append(results, check("affected_targets_listed", targetsOK, "no affected targets specified"))

	metadataOK := strings.TrimSpace(p.Title) != "" && strings.TrimSpace(p.Description) != ""
	results = append(results, check("metadata_present", metadataOK, "title or description is missing"))

	return results
}

func check(name string, passed bool, failureMessage string) types.ValidationResult {
	r := types.ValidationResult{CheckName: name, Passed: passed}
	if !passed {
		r.Message = failureMessage
	}
	return r
}

// assertTransition enforces the legal status edge set.
func assertTransition(from, to types.PatchStatus) error {
	valid := false
	switch {
	case from == types.StatusDraft && to == types.StatusValidating:
		valid = true
	case from == types.StatusValidating && to == types.StatusValidated:
		valid = true
	case from == types.StatusValidating && to == types.StatusRejected:
		valid = true
	case from == types.StatusValidated && to == types.StatusRollingOut:
		valid = true
	case from == types.StatusRollingOut && to == types.StatusApplied:
		valid = true
	case from == types.StatusRollingOut && to == types.StatusRolledBack:
		valid = true
	}
	if !valid {
		return &errors.InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Adopt installs a previously persisted patch, keeping its ID and
// timestamps. Used to restore manager state after a restart.
func (m *Manager) Adopt(p *types.SecurityPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.patches[p.ID]; !exists {
		m.order = append(m.order, p.ID)
	}
	m.patches[p.ID] = clonePatch(p)
}

// clonePatch copies a patch so callers cannot mutate manager state
// through returned pointers.
func clonePatch(p *types.SecurityPatch) *types.SecurityPatch {
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	cp.AffectedTargets = append([]string(nil), p.AffectedTargets...)
	cp.ValidationResults = append([]types.ValidationResult(nil), p.ValidationResults...)
	return &cp
}
