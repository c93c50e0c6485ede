package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RolloutPlan configures cohort sizing, failure tolerance and approval
// requirements for a staged rollout.
type RolloutPlan struct {
	// CanaryPercentage is the share of targets placed in the canary
	// cohort (0-100).
	CanaryPercentage int `json:"canary_percentage" yaml:"canaryPercentage"`
	// EarlyAdopterPercentage is the share of targets placed in the
	// early-adopter cohort (0-100, cumulative with canary).
	EarlyAdopterPercentage int `json:"early_adopter_percentage" yaml:"earlyAdopterPercentage"`
	// SoakTime is the minimum dwell time in a stage before advancing.
	// Zero disables the dwell check.
	SoakTime time.Duration `json:"soak_time_secs" yaml:"soakTime"`
	// MaxFailureRate is the highest acceptable per-stage failure ratio
	// (0.0-1.0) before advancement is blocked.
	MaxFailureRate float64 `json:"max_failure_rate" yaml:"maxFailureRate"`
	// RequireApproval pauses the rollout after each advancement until an
	// operator approves the next stage.
	RequireApproval bool `json:"require_approval" yaml:"requireApproval"`
}

// UnmarshalYAML accepts Go duration strings ("30m", "1h") for the soak
// time so manifests stay readable.
func (p *RolloutPlan) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		CanaryPercentage       int     `yaml:"canaryPercentage"`
		EarlyAdopterPercentage int     `yaml:"earlyAdopterPercentage"`
		SoakTime               string  `yaml:"soakTime"`
		MaxFailureRate         float64 `yaml:"maxFailureRate"`
		RequireApproval        bool    `yaml:"requireApproval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	p.CanaryPercentage = raw.CanaryPercentage
	p.EarlyAdopterPercentage = raw.EarlyAdopterPercentage
	p.MaxFailureRate = raw.MaxFailureRate
	p.RequireApproval = raw.RequireApproval
	p.SoakTime = 0
	if raw.SoakTime != "" {
		d, err := time.ParseDuration(raw.SoakTime)
		if err != nil {
			return fmt.Errorf("invalid soak time %q: %w", raw.SoakTime, err)
		}
		p.SoakTime = d
	}
	return nil
}

// DefaultRolloutPlan returns the conservative default plan: 5% canary,
// 25% early adopter, one hour soak, 1% failure tolerance, manual
// approval between stages.
func DefaultRolloutPlan() RolloutPlan {
	return RolloutPlan{
		CanaryPercentage:       5,
		EarlyAdopterPercentage: 25,
		SoakTime:               time.Hour,
		MaxFailureRate:         0.01,
		RequireApproval:        true,
	}
}

// SecurityPatch is a versioned security fix with a payload and
// integrity hash, targeting one or more deployed units.
type SecurityPatch struct {
	ID                string             `json:"id"`
	Title             string             `json:"title"`
	Description       string             `json:"description"`
	Severity          Severity           `json:"severity"`
	Status            PatchStatus        `json:"status"`
	Version           PatchVersion       `json:"version"`
	PayloadHash       string             `json:"payload_hash"`
	Payload           []byte             `json:"payload"`
	AffectedTargets   []string           `json:"affected_targets"`
	AdvisoryID        string             `json:"advisory_id,omitempty"`
	CreatedBy         string             `json:"created_by"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	ValidationResults []ValidationResult `json:"validation_results"`
}

// ValidationResult is the outcome of one named validation check.
type ValidationResult struct {
	CheckName string `json:"check_name"`
	Passed    bool   `json:"passed"`
	Message   string `json:"message,omitempty"`
}

// StageAssignments partitions the affected targets into the three
// rollout cohorts. The concatenation canary + early adopter + GA
// reproduces the original target list.
type StageAssignments struct {
	Canary              []string `json:"canary"`
	EarlyAdopter        []string `json:"early_adopter"`
	GeneralAvailability []string `json:"general_availability"`
}

// Total returns the number of targets across all cohorts.
func (s StageAssignments) Total() int {
	return len(s.Canary) + len(s.EarlyAdopter) + len(s.GeneralAvailability)
}

// ForStage returns the cohort assigned to the given stage.
func (s StageAssignments) ForStage(stage RolloutStage) []string {
	switch stage {
	case StageCanary:
		return s.Canary
	case StageEarlyAdopter:
		return s.EarlyAdopter
	default:
		return s.GeneralAvailability
	}
}

// TargetRolloutResult is the outcome of applying a patch to a single
// target, tagged with the stage it occurred in.
type TargetRolloutResult struct {
	TargetID  string       `json:"target_id"`
	Stage     RolloutStage `json:"stage"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
	AppliedAt time.Time    `json:"applied_at"`
}

// RolloutState tracks the progress of a staged rollout for one patch.
type RolloutState struct {
	PatchID          string                `json:"patch_id"`
	Plan             RolloutPlan           `json:"plan"`
	CurrentStage     RolloutStage          `json:"current_stage"`
	StageAssignments StageAssignments      `json:"stage_assignments"`
	Results          []TargetRolloutResult `json:"results"`
	Paused           bool                  `json:"paused"`
	StartedAt        time.Time             `json:"started_at"`
	StageStartedAt   time.Time             `json:"stage_started_at"`
	Completed        bool                  `json:"completed"`
}

// VersionRecord is a released patch version.
type VersionRecord struct {
	PatchID      string       `json:"patch_id"`
	Version      PatchVersion `json:"version"`
	IsMajor      bool         `json:"is_major"`
	Severity     Severity     `json:"severity"`
	ReleasedAt   time.Time    `json:"released_at"`
	ReleaseNotes string       `json:"release_notes,omitempty"`
}

// NotificationRecord tracks delivery of a patch disclosure message to a
// single target.
type NotificationRecord struct {
	NotificationID string             `json:"notification_id"`
	PatchID        string             `json:"patch_id"`
	TargetID       string             `json:"target_id"`
	Status         NotificationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	AttemptCount   int                `json:"attempt_count"`
	LastError      string             `json:"last_error,omitempty"`
}

// NotificationSummary aggregates notification counts for one patch.
type NotificationSummary struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Delivered    int `json:"delivered"`
	Failed       int `json:"failed"`
	Acknowledged int `json:"acknowledged"`
}

// AuditEntry is one immutable entry in the patch audit trail.
type AuditEntry struct {
	EntryID     string      `json:"entry_id"`
	PatchID     string      `json:"patch_id"`
	TargetID    string      `json:"target_id,omitempty"`
	Action      AuditAction `json:"action"`
	PerformedBy string      `json:"performed_by"`
	Timestamp   time.Time   `json:"timestamp"`
	Details     string      `json:"details,omitempty"`
}
