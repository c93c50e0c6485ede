package distribution

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/types"
)

// Sender delivers a disclosure message to a single target. A returned
// error marks the notification Failed; the record stays retryable via
// RetryFailed.
type Sender interface {
	Send(ctx context.Context, targetID string, message string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, targetID string, message string) error

func (f SenderFunc) Send(ctx context.Context, targetID string, message string) error {
	return f(ctx, targetID, message)
}

// Manager tracks disclosure notifications per target. With no sender
// injected it falls back to a severity-based placeholder: High and
// Critical disclosures are assumed delivered through the urgent channel,
// everything else stays pending until a real send happens.
type Manager struct {
	mu            sync.RWMutex
	notifications map[string]*types.NotificationRecord
	order         []string
	sender        Sender
	clock         types.Clock
}

// NewManager creates a distribution manager. Sender may be nil; a nil
// clock falls back to the system clock.
func NewManager(sender Sender, clock types.Clock) *Manager {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Manager{
		notifications: make(map[string]*types.NotificationRecord),
		sender:        sender,
		clock:         clock,
	}
}

// NotifyVulnerableTargets creates one notification per affected target
// and attempts delivery. It returns the ids of the created records.
func (m *Manager) NotifyVulnerableTargets(ctx context.Context, patchID string, affectedTargets []string, severity types.Severity) ([]string, error) {
	if len(affectedTargets) == 0 {
		return nil, errors.ErrNoVulnerableTargets
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	message := fmt.Sprintf("security patch %s available, severity %s", patchID, severity)
	ids := make([]string, 0, len(affectedTargets))
	for _, targetID := range affectedTargets {
		now := m.clock.Now()
		record := &types.NotificationRecord{
			NotificationID: uuid.NewString(),
			PatchID:        patchID,
			TargetID:       targetID,
			Status:         m.deliver(ctx, targetID, message, severity),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if record.Status == types.NotificationFailed {
			record.LastError = "delivery failed"
		}
		m.notifications[record.NotificationID] = record
		m.order = append(m.order, record.NotificationID)
		ids = append(ids, record.NotificationID)
	}
	return ids, nil
}

func (m *Manager) deliver(ctx context.Context, targetID, message string, severity types.Severity) types.NotificationStatus {
	if m.sender == nil {
		if severity >= types.SeverityHigh {
			return types.NotificationDelivered
		}
		return types.NotificationPending
	}
	if err := m.sender.Send(ctx, targetID, message); err != nil {
		return types.NotificationFailed
	}
	return types.NotificationDelivered
}

// Acknowledge marks a notification as acknowledged by its target. Only
// Pending and Delivered notifications can be acknowledged; a Failed one
// must be retried and delivered first.
func (m *Manager) Acknowledge(notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.notifications[notificationID]
	if !ok {
		return &errors.DistributionError{
			Reason: fmt.Sprintf("unknown notification %s", notificationID),
		}
	}
	if record.Status != types.NotificationPending && record.Status != types.NotificationDelivered {
		return &errors.DistributionError{
			Reason: fmt.Sprintf("notification %s is %s, cannot acknowledge", notificationID, record.Status),
		}
	}
	record.Status = types.NotificationAcknowledged
	record.UpdatedAt = m.clock.Now()
	return nil
}

// Get returns a single notification by ID.
func (m *Manager) Get(notificationID string) (types.NotificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.notifications[notificationID]
	if !ok {
		return types.NotificationRecord{}, &errors.DistributionError{
			Reason: fmt.Sprintf("unknown notification %s", notificationID),
		}
	}
	return *record, nil
}

// RetryFailed resets every failed notification for a patch back to
// Pending, incrementing its attempt count. It does not perform delivery
// itself; the caller drives the actual resend.
func (m *Manager) RetryFailed(patchID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, id := range m.order {
		record := m.notifications[id]
		if record.PatchID != patchID || record.Status != types.NotificationFailed {
			continue
		}
		record.Status = types.NotificationPending
		record.AttemptCount++
		record.UpdatedAt = m.clock.Now()
		ids = append(ids, id)
	}
	return ids
}

// ListNotifications returns all notifications for a patch in creation
// order.
func (m *Manager) ListNotifications(patchID string) []types.NotificationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.NotificationRecord
	for _, id := range m.order {
		if record := m.notifications[id]; record.PatchID == patchID {
			out = append(out, *record)
		}
	}
	return out
}

// ListByStatus returns all notifications in a given status across
// patches, in creation order.
func (m *Manager) ListByStatus(status types.NotificationStatus) []types.NotificationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.NotificationRecord
	for _, id := range m.order {
		if record := m.notifications[id]; record.Status == status {
			out = append(out, *record)
		}
	}
	return out
}

// Summary aggregates per-status counts for one patch.
func (m *Manager) Summary(patchID string) types.NotificationSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s types.NotificationSummary
	for _, id := range m.order {
		record := m.notifications[id]
		if record.PatchID != patchID {
			continue
		}
		s.Total++
		switch record.Status {
		case types.NotificationPending:
			s.Pending++
		case types.NotificationDelivered:
			s.Delivered++
		case types.NotificationFailed:
			s.Failed++
		case types.NotificationAcknowledged:
			s.Acknowledged++
		}
	}
	return s
}

// Adopt installs a previously persisted notification record. Used to
// restore manager state after a restart.
func (m *Manager) Adopt(record types.NotificationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.notifications[record.NotificationID]; !exists {
		m.order = append(m.order, record.NotificationID)
	}
	m.notifications[record.NotificationID] = &record
}

// Count returns the total number of notifications across patches.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
