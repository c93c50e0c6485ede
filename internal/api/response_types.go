package api

import (
	"fmt"
	"time"

	"github.com/daimoniac/patchline/internal/types"
)

// CreatePatchRequest is the body for creating a patch. The payload is
// base64-encoded in JSON.
type CreatePatchRequest struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Severity        string   `json:"severity"`
	Payload         []byte   `json:"payload"`
	AffectedTargets []string `json:"affected_targets"`
	AdvisoryID      string   `json:"advisory_id,omitempty"`
	CreatedBy       string   `json:"created_by"`
}

// RolloutPlanRequest overrides the resolved rollout plan. SoakTime is a
// Go duration string ("30m", "2h").
type RolloutPlanRequest struct {
	CanaryPercentage       int     `json:"canary_percentage"`
	EarlyAdopterPercentage int     `json:"early_adopter_percentage"`
	SoakTime               string  `json:"soak_time,omitempty"`
	MaxFailureRate         float64 `json:"max_failure_rate"`
	RequireApproval        bool    `json:"require_approval"`
}

// ToPlan converts the request into a rollout plan.
func (r *RolloutPlanRequest) ToPlan() (types.RolloutPlan, error) {
	plan := types.RolloutPlan{
		CanaryPercentage:       r.CanaryPercentage,
		EarlyAdopterPercentage: r.EarlyAdopterPercentage,
		MaxFailureRate:         r.MaxFailureRate,
		RequireApproval:        r.RequireApproval,
	}
	if r.SoakTime != "" {
		d, err := time.ParseDuration(r.SoakTime)
		if err != nil {
			return plan, fmt.Errorf("invalid soak_time %q: %w", r.SoakTime, err)
		}
		plan.SoakTime = d
	}
	return plan, nil
}

// StartRolloutRequest is the body for starting a rollout. Group selects
// a fleet-manifest plan; an explicit plan takes precedence over it.
type StartRolloutRequest struct {
	PatchID     string              `json:"patch_id"`
	Group       string              `json:"group,omitempty"`
	Plan        *RolloutPlanRequest `json:"plan,omitempty"`
	PerformedBy string              `json:"performed_by,omitempty"`
}

// OperationRequest is the shared body for lifecycle actions that only
// need an actor attribution.
type OperationRequest struct {
	PerformedBy string `json:"performed_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// BumpVersionRequest is the body for a severity-driven version bump.
type BumpVersionRequest struct {
	ReleaseNotes string `json:"release_notes,omitempty"`
	PerformedBy  string `json:"performed_by,omitempty"`
}

// ValidationResponse reports the outcome of patch validation.
type ValidationResponse struct {
	PatchID string                   `json:"patch_id"`
	Passed  bool                     `json:"passed"`
	Status  string                   `json:"status"`
	Results []types.ValidationResult `json:"results"`
}

// IntegrityResponse reports the outcome of an integrity check.
type IntegrityResponse struct {
	PatchID string `json:"patch_id"`
	Valid   bool   `json:"valid"`
}

// ProgressResponse reports rollout progress as a fleet percentage.
type ProgressResponse struct {
	PatchID string  `json:"patch_id"`
	Percent float64 `json:"percent"`
}

// ExecutionResponse reports the per-target results of one stage
// execution.
type ExecutionResponse struct {
	PatchID string                      `json:"patch_id"`
	Stage   string                      `json:"stage"`
	Results []types.TargetRolloutResult `json:"results"`
}

// NotifyResponse lists the notification ids created for a patch.
type NotifyResponse struct {
	PatchID         string   `json:"patch_id"`
	NotificationIDs []string `json:"notification_ids"`
}

// RetryResponse lists the notifications reset to pending.
type RetryResponse struct {
	PatchID    string   `json:"patch_id"`
	RetriedIDs []string `json:"retried_ids"`
}

// MessageResponse is a generic acknowledgement body.
type MessageResponse struct {
	Message string `json:"message"`
}
