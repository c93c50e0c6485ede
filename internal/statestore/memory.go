package statestore

import (
	"context"
	"sync"

	"github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/types"
)

// MemoryStore is an in-process Store used for tests and for running
// without durable state. It keeps the same insertion-order guarantees
// as the SQLite store.
type MemoryStore struct {
	mu            sync.RWMutex
	patches       map[string]*types.SecurityPatch
	patchOrder    []string
	rollouts      map[string]*types.RolloutState
	rolloutOrder  []string
	versions      map[string][]*types.VersionRecord
	notifications map[string]*types.NotificationRecord
	notifyOrder   []string
	auditEntries  []*types.AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patches:       make(map[string]*types.SecurityPatch),
		rollouts:      make(map[string]*types.RolloutState),
		versions:      make(map[string][]*types.VersionRecord),
		notifications: make(map[string]*types.NotificationRecord),
	}
}

// SavePatch inserts or replaces a patch by ID.
func (s *MemoryStore) SavePatch(ctx context.Context, patch *types.SecurityPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.patches[patch.ID]; !exists {
		s.patchOrder = append(s.patchOrder, patch.ID)
	}
	s.patches[patch.ID] = copyPatch(patch)
	return nil
}

// GetPatch retrieves a patch by ID.
func (s *MemoryStore) GetPatch(ctx context.Context, patchID string) (*types.SecurityPatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patches[patchID]
	if !ok {
		return nil, errors.ErrPatchNotFound
	}
	return copyPatch(p), nil
}

// ListPatches returns all patches in creation order.
func (s *MemoryStore) ListPatches(ctx context.Context) ([]*types.SecurityPatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.SecurityPatch, 0, len(s.patchOrder))
	for _, id := range s.patchOrder {
		out = append(out, copyPatch(s.patches[id]))
	}
	return out, nil
}

// SaveRollout inserts or replaces the rollout state for a patch.
func (s *MemoryStore) SaveRollout(ctx context.Context, state *types.RolloutState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rollouts[state.PatchID]; !exists {
		s.rolloutOrder = append(s.rolloutOrder, state.PatchID)
	}
	s.rollouts[state.PatchID] = copyRollout(state)
	return nil
}

// GetRollout retrieves the rollout state for a patch.
func (s *MemoryStore) GetRollout(ctx context.Context, patchID string) (*types.RolloutState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.rollouts[patchID]
	if !ok {
		return nil, errors.ErrRolloutNotFound
	}
	return copyRollout(state), nil
}

// ListOpenRollouts returns rollouts that have not completed yet.
func (s *MemoryStore) ListOpenRollouts(ctx context.Context) ([]*types.RolloutState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.RolloutState
	for _, id := range s.rolloutOrder {
		if state := s.rollouts[id]; !state.Completed {
			out = append(out, copyRollout(state))
		}
	}
	return out, nil
}

// SaveVersionRecord appends a release record.
func (s *MemoryStore) SaveVersionRecord(ctx context.Context, record *types.VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.versions[record.PatchID] = append(s.versions[record.PatchID], &cp)
	return nil
}

// ListVersionRecords returns a patch's releases in release order.
func (s *MemoryStore) ListVersionRecords(ctx context.Context, patchID string) ([]*types.VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.versions[patchID]
	out := make([]*types.VersionRecord, 0, len(records))
	for _, r := range records {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// SaveNotification inserts or replaces a notification by ID.
func (s *MemoryStore) SaveNotification(ctx context.Context, record *types.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[record.NotificationID]; !exists {
		s.notifyOrder = append(s.notifyOrder, record.NotificationID)
	}
	cp := *record
	s.notifications[record.NotificationID] = &cp
	return nil
}

// ListNotifications returns a patch's notifications in creation order.
func (s *MemoryStore) ListNotifications(ctx context.Context, patchID string) ([]*types.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.NotificationRecord
	for _, id := range s.notifyOrder {
		if record := s.notifications[id]; record.PatchID == patchID {
			cp := *record
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AppendAuditEntry appends one audit entry.
func (s *MemoryStore) AppendAuditEntry(ctx context.Context, entry *types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.auditEntries = append(s.auditEntries, &cp)
	return nil
}

// ListAuditEntries returns audit entries in insertion order, filtered
// by patch when patchID is non-empty.
func (s *MemoryStore) ListAuditEntries(ctx context.Context, patchID string) ([]*types.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.AuditEntry
	for _, entry := range s.auditEntries {
		if patchID != "" && entry.PatchID != patchID {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func copyPatch(p *types.SecurityPatch) *types.SecurityPatch {
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	cp.AffectedTargets = append([]string(nil), p.AffectedTargets...)
	cp.ValidationResults = append([]types.ValidationResult(nil), p.ValidationResults...)
	return &cp
}

func copyRollout(state *types.RolloutState) *types.RolloutState {
	cp := *state
	cp.StageAssignments = types.StageAssignments{
		Canary:              append([]string(nil), state.StageAssignments.Canary...),
		EarlyAdopter:        append([]string(nil), state.StageAssignments.EarlyAdopter...),
		GeneralAvailability: append([]string(nil), state.StageAssignments.GeneralAvailability...),
	}
	cp.Results = append([]types.TargetRolloutResult(nil), state.Results...)
	return &cp
}
