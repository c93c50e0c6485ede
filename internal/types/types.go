package types

import "fmt"

// Severity classifies the risk of a security patch. The order is
// significant: Low < Medium < High < Critical.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the canonical upper-case form used in logs and storage.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// ParseSeverity converts a string (either case) into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "LOW", "low":
		return SeverityLow, nil
	case "MEDIUM", "medium":
		return SeverityMedium, nil
	case "HIGH", "high":
		return SeverityHigh, nil
	case "CRITICAL", "critical":
		return SeverityCritical, nil
	default:
		return SeverityMedium, fmt.Errorf("unknown severity: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so JSON and YAML carry
// severity as a string instead of an integer.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PatchStatus is the lifecycle status of a security patch.
type PatchStatus int

const (
	StatusDraft PatchStatus = iota
	StatusValidating
	StatusValidated
	StatusRollingOut
	StatusApplied
	StatusRejected
	StatusRolledBack
)

func (p PatchStatus) String() string {
	switch p {
	case StatusDraft:
		return "DRAFT"
	case StatusValidating:
		return "VALIDATING"
	case StatusValidated:
		return "VALIDATED"
	case StatusRollingOut:
		return "ROLLING_OUT"
	case StatusApplied:
		return "APPLIED"
	case StatusRejected:
		return "REJECTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("STATUS(%d)", int(p))
	}
}

// ParsePatchStatus converts a string into a PatchStatus.
func ParsePatchStatus(s string) (PatchStatus, error) {
	switch s {
	case "DRAFT", "draft":
		return StatusDraft, nil
	case "VALIDATING", "validating":
		return StatusValidating, nil
	case "VALIDATED", "validated":
		return StatusValidated, nil
	case "ROLLING_OUT", "rolling_out":
		return StatusRollingOut, nil
	case "APPLIED", "applied":
		return StatusApplied, nil
	case "REJECTED", "rejected":
		return StatusRejected, nil
	case "ROLLED_BACK", "rolled_back":
		return StatusRolledBack, nil
	default:
		return StatusDraft, fmt.Errorf("unknown patch status: %q", s)
	}
}

func (p PatchStatus) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PatchStatus) UnmarshalText(text []byte) error {
	parsed, err := ParsePatchStatus(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Terminal reports whether no further status mutation is permitted.
func (p PatchStatus) Terminal() bool {
	return p == StatusApplied || p == StatusRejected || p == StatusRolledBack
}

// RolloutStage is a cohort in the staged-rollout pipeline. The order is
// significant: Canary < EarlyAdopter < GeneralAvailability.
type RolloutStage int

const (
	StageCanary RolloutStage = iota
	StageEarlyAdopter
	StageGeneralAvailability
)

func (r RolloutStage) String() string {
	switch r {
	case StageCanary:
		return "CANARY"
	case StageEarlyAdopter:
		return "EARLY_ADOPTER"
	case StageGeneralAvailability:
		return "GENERAL_AVAILABILITY"
	default:
		return fmt.Sprintf("STAGE(%d)", int(r))
	}
}

// ParseRolloutStage converts a string into a RolloutStage.
func ParseRolloutStage(s string) (RolloutStage, error) {
	switch s {
	case "CANARY", "canary":
		return StageCanary, nil
	case "EARLY_ADOPTER", "early_adopter":
		return StageEarlyAdopter, nil
	case "GENERAL_AVAILABILITY", "general_availability":
		return StageGeneralAvailability, nil
	default:
		return StageCanary, fmt.Errorf("unknown rollout stage: %q", s)
	}
}

func (r RolloutStage) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RolloutStage) UnmarshalText(text []byte) error {
	parsed, err := ParseRolloutStage(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// NotificationStatus is the delivery state of a patch notification.
type NotificationStatus int

const (
	NotificationPending NotificationStatus = iota
	NotificationDelivered
	NotificationFailed
	NotificationAcknowledged
)

func (n NotificationStatus) String() string {
	switch n {
	case NotificationPending:
		return "PENDING"
	case NotificationDelivered:
		return "DELIVERED"
	case NotificationFailed:
		return "FAILED"
	case NotificationAcknowledged:
		return "ACKNOWLEDGED"
	default:
		return fmt.Sprintf("NOTIFICATION(%d)", int(n))
	}
}

// ParseNotificationStatus converts a string into a NotificationStatus.
func ParseNotificationStatus(s string) (NotificationStatus, error) {
	switch s {
	case "PENDING", "pending":
		return NotificationPending, nil
	case "DELIVERED", "delivered":
		return NotificationDelivered, nil
	case "FAILED", "failed":
		return NotificationFailed, nil
	case "ACKNOWLEDGED", "acknowledged":
		return NotificationAcknowledged, nil
	default:
		return NotificationPending, fmt.Errorf("unknown notification status: %q", s)
	}
}

func (n NotificationStatus) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NotificationStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseNotificationStatus(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// AuditAction identifies the kind of lifecycle action recorded in the
// audit trail.
type AuditAction int

const (
	ActionPatchCreated AuditAction = iota
	ActionPatchValidated
	ActionPatchRejected
	ActionRolloutStarted
	ActionRolloutStageCompleted
	ActionPatchApplied
	ActionPatchRolledBack
	ActionNotificationSent
	ActionNotificationAcknowledged
	ActionVersionBumped
)

func (a AuditAction) String() string {
	switch a {
	case ActionPatchCreated:
		return "PATCH_CREATED"
	case ActionPatchValidated:
		return "PATCH_VALIDATED"
	case ActionPatchRejected:
		return "PATCH_REJECTED"
	case ActionRolloutStarted:
		return "ROLLOUT_STARTED"
	case ActionRolloutStageCompleted:
		return "ROLLOUT_STAGE_COMPLETED"
	case ActionPatchApplied:
		return "PATCH_APPLIED"
	case ActionPatchRolledBack:
		return "PATCH_ROLLED_BACK"
	case ActionNotificationSent:
		return "NOTIFICATION_SENT"
	case ActionNotificationAcknowledged:
		return "NOTIFICATION_ACKNOWLEDGED"
	case ActionVersionBumped:
		return "VERSION_BUMPED"
	default:
		return fmt.Sprintf("ACTION(%d)", int(a))
	}
}

// ParseAuditAction converts a string into an AuditAction.
func ParseAuditAction(s string) (AuditAction, error) {
	switch s {
	case "PATCH_CREATED", "patch_created":
		return ActionPatchCreated, nil
	case "PATCH_VALIDATED", "patch_validated":
		return ActionPatchValidated, nil
	case "PATCH_REJECTED", "patch_rejected":
		return ActionPatchRejected, nil
	case "ROLLOUT_STARTED", "rollout_started":
		return ActionRolloutStarted, nil
	case "ROLLOUT_STAGE_COMPLETED", "rollout_stage_completed":
		return ActionRolloutStageCompleted, nil
	case "PATCH_APPLIED", "patch_applied":
		return ActionPatchApplied, nil
	case "PATCH_ROLLED_BACK", "patch_rolled_back":
		return ActionPatchRolledBack, nil
	case "NOTIFICATION_SENT", "notification_sent":
		return ActionNotificationSent, nil
	case "NOTIFICATION_ACKNOWLEDGED", "notification_acknowledged":
		return ActionNotificationAcknowledged, nil
	case "VERSION_BUMPED", "version_bumped":
		return ActionVersionBumped, nil
	default:
		return ActionPatchCreated, fmt.Errorf("unknown audit action: %q", s)
	}
}

func (a AuditAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AuditAction) UnmarshalText(text []byte) error {
	parsed, err := ParseAuditAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
