package statestore

import (
	"context"

	"github.com/daimoniac/patchline/internal/types"
)

// Store persists the patch lifecycle entities so in-flight rollouts
// survive restarts. Every mutating manager operation is followed by a
// save of the affected entity; reads back the full state on startup.
type Store interface {
	// SavePatch inserts or replaces a patch by ID.
	SavePatch(ctx context.Context, patch *types.SecurityPatch) error

	// GetPatch retrieves a patch by ID.
	GetPatch(ctx context.Context, patchID string) (*types.SecurityPatch, error)

	// ListPatches returns all patches in creation order.
	ListPatches(ctx context.Context) ([]*types.SecurityPatch, error)

	// SaveRollout inserts or replaces the rollout state for a patch.
	SaveRollout(ctx context.Context, state *types.RolloutState) error

	// GetRollout retrieves the rollout state for a patch.
	GetRollout(ctx context.Context, patchID string) (*types.RolloutState, error)

	// ListOpenRollouts returns rollouts that have not completed yet.
	ListOpenRollouts(ctx context.Context) ([]*types.RolloutState, error)

	// SaveVersionRecord appends a release record.
	SaveVersionRecord(ctx context.Context, record *types.VersionRecord) error

	// ListVersionRecords returns a patch's releases in release order.
	ListVersionRecords(ctx context.Context, patchID string) ([]*types.VersionRecord, error)

	// SaveNotification inserts or replaces a notification by ID.
	SaveNotification(ctx context.Context, record *types.NotificationRecord) error

	// ListNotifications returns a patch's notifications in creation order.
	ListNotifications(ctx context.Context, patchID string) ([]*types.NotificationRecord, error)

	// AppendAuditEntry appends one audit entry. Entries are never
	// updated or deleted.
	AppendAuditEntry(ctx context.Context, entry *types.AuditEntry) error

	// ListAuditEntries returns a patch's audit entries in insertion
	// order, or all entries when patchID is empty.
	ListAuditEntries(ctx context.Context, patchID string) ([]*types.AuditEntry, error)

	// Close releases the underlying storage.
	Close() error
}
