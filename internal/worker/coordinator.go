package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/daimoniac/patchline/internal/audit"
	"github.com/daimoniac/patchline/internal/distribution"
	"github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/observability"
	"github.com/daimoniac/patchline/internal/patch"
	"github.com/daimoniac/patchline/internal/policy"
	"github.com/daimoniac/patchline/internal/queue"
	"github.com/daimoniac/patchline/internal/rollout"
	"github.com/daimoniac/patchline/internal/statestore"
	"github.com/daimoniac/patchline/internal/types"
	"github.com/daimoniac/patchline/internal/version"
)

// Coordinator drives the patch lifecycle end to end: every mutating
// operation goes through here so the audit trail, the state store and
// the metrics stay consistent with the in-memory managers. Operations
// on the same patch are serialized by the coordinator mutex.
type Coordinator struct {
	mu sync.Mutex

	patches      *patch.Manager
	rollouts     *rollout.Engine
	versions     *version.Manager
	distribution *distribution.Manager
	trail        *audit.Trail

	store  statestore.Store
	policy policy.AdvancementPolicy
	queue  queue.TaskQueue
	logger *slog.Logger
	clock  types.Clock
}

// CoordinatorDeps bundles the collaborators a coordinator needs.
type CoordinatorDeps struct {
	Patches      *patch.Manager
	Rollouts     *rollout.Engine
	Versions     *version.Manager
	Distribution *distribution.Manager
	Trail        *audit.Trail
	Store        statestore.Store
	Policy       policy.AdvancementPolicy
	Queue        queue.TaskQueue
	Logger       *slog.Logger
	Clock        types.Clock
}

// NewCoordinator creates a coordinator. Logger and clock may be nil.
func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Coordinator{
		patches:      deps.Patches,
		rollouts:     deps.Rollouts,
		versions:     deps.Versions,
		distribution: deps.Distribution,
		trail:        deps.Trail,
		store:        deps.Store,
		policy:       deps.Policy,
		queue:        deps.Queue,
		logger:       logger,
		clock:        clock,
	}
}

// Patches exposes the patch manager for read-only queries.
func (c *Coordinator) Patches() *patch.Manager { return c.patches }

// Rollouts exposes the rollout engine for read-only queries.
func (c *Coordinator) Rollouts() *rollout.Engine { return c.rollouts }

// Versions exposes the version manager for read-only queries.
func (c *Coordinator) Versions() *version.Manager { return c.versions }

// Distribution exposes the distribution manager for read-only queries.
func (c *Coordinator) Distribution() *distribution.Manager { return c.distribution }

// Trail exposes the audit trail for read-only queries.
func (c *Coordinator) Trail() *audit.Trail { return c.trail }

// Restore reloads persisted state into the in-memory managers after a
// restart and re-enqueues every open rollout for processing.
func (c *Coordinator) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	patches, err := c.store.ListPatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore patches: %w", err)
	}
	for _, p := range patches {
		c.patches.Adopt(p)

		records, err := c.store.ListVersionRecords(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to restore version history: %w", err)
		}
		for _, r := range records {
			c.versions.Adopt(*r)
		}

		notifications, err := c.store.ListNotifications(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to restore notifications: %w", err)
		}
		for _, n := range notifications {
			c.distribution.Adopt(*n)
		}
	}

	entries, err := c.store.ListAuditEntries(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to restore audit trail: %w", err)
	}
	for _, entry := range entries {
		c.trail.Adopt(*entry)
	}

	open, err := c.store.ListOpenRollouts(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore rollouts: %w", err)
	}
	for _, state := range open {
		c.rollouts.Adopt(*state)
		if c.queue == nil {
			continue
		}
		task := &queue.StageTask{
			PatchID:    state.PatchID,
			EnqueuedAt: c.clock.Now(),
			Resume:     true,
		}
		if err := c.queue.Enqueue(ctx, task); err != nil {
			c.logger.Warn("failed to re-enqueue restored rollout",
				"patch_id", state.PatchID,
				"error", err.Error())
		}
	}

	c.logger.Info("state restored",
		"patches", len(patches),
		"open_rollouts", len(open),
		"audit_entries", len(entries))
	return nil
}

// CreatePatch creates a patch in Draft status, records the creation in
// the audit trail and persists both.
func (c *Coordinator) CreatePatch(ctx context.Context, params patch.CreateParams) (*types.SecurityPatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.patches.CreatePatch(params)
	if err != nil {
		return nil, err
	}

	entry := c.trail.Record(p.ID, "", types.ActionPatchCreated, params.CreatedBy,
		fmt.Sprintf("created %q severity %s", p.Title, p.Severity))

	if err := c.persistPatch(ctx, p.ID, entry); err != nil {
		return nil, err
	}

	observability.GetMetrics().PatchesCreated.WithLabelValues(p.Severity.String()).Inc()
	c.logger.Info("patch created",
		"patch_id", p.ID,
		"severity", p.Severity.String(),
		"targets", len(p.AffectedTargets))
	return p, nil
}

// ValidatePatch runs the validation checks and moves the patch to
// Validated or Rejected.
func (c *Coordinator) ValidatePatch(ctx context.Context, patchID, performedBy string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	passed, err := c.patches.ValidatePatch(patchID)
	if err != nil {
		return false, err
	}

	metrics := observability.GetMetrics()
	var entry types.AuditEntry
	if passed {
		metrics.PatchValidations.WithLabelValues("validated").Inc()
		entry = c.trail.Record(patchID, "", types.ActionPatchValidated, performedBy, "all validation checks passed")
	} else {
		metrics.PatchValidations.WithLabelValues("rejected").Inc()
		entry = c.trail.Record(patchID, "", types.ActionPatchRejected, performedBy, "one or more validation checks failed")
	}

	if err := c.persistPatch(ctx, patchID, entry); err != nil {
		return passed, err
	}
	return passed, nil
}

// VerifyIntegrity re-hashes the payload against the stored hash.
func (c *Coordinator) VerifyIntegrity(ctx context.Context, patchID string) (bool, error) {
	ok, err := c.patches.VerifyIntegrity(patchID)
	if err == nil && !ok {
		observability.GetMetrics().IntegrityFailures.Inc()
	}
	return ok, err
}

// StartRollout transitions a validated patch to RollingOut, partitions
// its targets per the plan and enqueues the first stage execution.
func (c *Coordinator) StartRollout(ctx context.Context, patchID string, plan types.RolloutPlan, performedBy string) (*types.RolloutState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.patches.GetPatch(patchID)
	if err != nil {
		return nil, err
	}

	if err := c.patches.Transition(patchID, types.StatusRollingOut); err != nil {
		return nil, err
	}

	state, err := c.rollouts.StartRollout(patchID, p.AffectedTargets, plan)
	if err != nil {
		// Undo the status change so the patch stays usable.
		_ = c.patches.Transition(patchID, types.StatusValidated)
		return nil, err
	}

	entry := c.trail.Record(patchID, "", types.ActionRolloutStarted, performedBy,
		fmt.Sprintf("canary %d, early adopter %d, ga %d",
			len(state.StageAssignments.Canary),
			len(state.StageAssignments.EarlyAdopter),
			len(state.StageAssignments.GeneralAvailability)))

	if err := c.persistPatch(ctx, patchID, entry); err != nil {
		return nil, err
	}
	if err := c.saveRollout(ctx, state); err != nil {
		return nil, err
	}

	observability.GetMetrics().RolloutsStarted.Inc()

	if c.queue != nil {
		task := &queue.StageTask{PatchID: patchID, EnqueuedAt: c.clock.Now()}
		if err := c.queue.Enqueue(ctx, task); err != nil {
			c.logger.Warn("failed to enqueue stage execution",
				"patch_id", patchID,
				"error", err.Error())
		}
	}

	c.logger.Info("rollout started",
		"patch_id", patchID,
		"targets", state.StageAssignments.Total())
	return state, nil
}

// ExecuteStage applies the patch to the current stage's cohort,
// recording one audit entry per successful target.
func (c *Coordinator) ExecuteStage(ctx context.Context, patchID, performedBy string) ([]types.TargetRolloutResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executeStageLocked(ctx, patchID, performedBy)
}

func (c *Coordinator) executeStageLocked(ctx context.Context, patchID, performedBy string) ([]types.TargetRolloutResult, error) {
	p, err := c.patches.GetPatch(patchID)
	if err != nil {
		return nil, err
	}

	results, err := c.rollouts.ExecuteCurrentStage(ctx, patchID, p.Payload)
	if err != nil {
		return nil, err
	}

	metrics := observability.GetMetrics()
	var entries []types.AuditEntry
	for _, r := range results {
		stage := r.Stage.String()
		if r.Success {
			metrics.TargetApplies.WithLabelValues(stage, "success").Inc()
			entry := c.trail.Record(patchID, r.TargetID, types.ActionPatchApplied, performedBy,
				fmt.Sprintf("applied in stage %s", stage))
			entries = append(entries, entry)
		} else {
			metrics.TargetApplies.WithLabelValues(stage, "failure").Inc()
		}
	}
	if len(results) > 0 {
		metrics.StageExecutions.WithLabelValues(results[0].Stage.String()).Inc()
	}

	state, err := c.rollouts.GetRollout(patchID)
	if err != nil {
		return results, err
	}
	if err := c.saveRollout(ctx, state); err != nil {
		return results, err
	}
	for i := range entries {
		if err := c.store.AppendAuditEntry(ctx, &entries[i]); err != nil {
			return results, err
		}
	}
	return results, nil
}

// AdvanceStage evaluates the advancement policy and, if it allows,
// advances the rollout. Completion transitions the patch to Applied.
func (c *Coordinator) AdvanceStage(ctx context.Context, patchID, performedBy string) (*types.RolloutState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advanceStageLocked(ctx, patchID, performedBy)
}

func (c *Coordinator) advanceStageLocked(ctx context.Context, patchID, performedBy string) (*types.RolloutState, error) {
	state, err := c.rollouts.GetRollout(patchID)
	if err != nil {
		return nil, err
	}
	previousStage := state.CurrentStage
	stageStarted := state.StageStartedAt

	metrics := observability.GetMetrics()
	if c.policy != nil {
		decision, err := c.policy.Evaluate(ctx, state)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			metrics.PolicyBlocked.Inc()
			return nil, &errors.RolloutFailedError{
				Stage:  decision.Stage,
				Reason: decision.Reason,
			}
		}
		metrics.PolicyAllowed.Inc()
	}

	if _, err := c.rollouts.AdvanceStage(patchID); err != nil {
		return nil, err
	}
	metrics.StageDuration.WithLabelValues(previousStage.String()).
		Observe(c.clock.Now().Sub(stageStarted).Seconds())

	state, err = c.rollouts.GetRollout(patchID)
	if err != nil {
		return nil, err
	}

	var details string
	if state.Completed {
		details = fmt.Sprintf("stage %s completed, rollout finished", previousStage)
	} else {
		details = fmt.Sprintf("stage %s completed, advanced to %s", previousStage, state.CurrentStage)
	}
	entry := c.trail.Record(patchID, "", types.ActionRolloutStageCompleted, performedBy, details)

	if state.Completed {
		if err := c.patches.Transition(patchID, types.StatusApplied); err != nil {
			return nil, err
		}
		metrics.RolloutsCompleted.Inc()
	}

	if err := c.persistPatch(ctx, patchID, entry); err != nil {
		return nil, err
	}
	if err := c.saveRollout(ctx, state); err != nil {
		return nil, err
	}

	c.logger.Info("rollout advanced",
		"patch_id", patchID,
		"from", previousStage.String(),
		"to", state.CurrentStage.String(),
		"completed", state.Completed,
		"paused", state.Paused)
	return state, nil
}

// ApproveStage clears the approval pause on a rollout and re-enqueues
// it for execution.
func (c *Coordinator) ApproveStage(ctx context.Context, patchID, performedBy string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.rollouts.ApproveStage(patchID); err != nil {
		return err
	}

	state, err := c.rollouts.GetRollout(patchID)
	if err != nil {
		return err
	}
	if err := c.saveRollout(ctx, state); err != nil {
		return err
	}

	if c.queue != nil {
		task := &queue.StageTask{PatchID: patchID, EnqueuedAt: c.clock.Now()}
		if err := c.queue.Enqueue(ctx, task); err != nil {
			c.logger.Warn("failed to enqueue approved stage",
				"patch_id", patchID,
				"error", err.Error())
		}
	}

	c.logger.Info("stage approved",
		"patch_id", patchID,
		"stage", state.CurrentStage.String(),
		"performed_by", performedBy)
	return nil
}

// Rollback terminally stops a rollout and transitions the patch to
// RolledBack.
func (c *Coordinator) Rollback(ctx context.Context, patchID, performedBy, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbackLocked(ctx, patchID, performedBy, reason)
}

func (c *Coordinator) rollbackLocked(ctx context.Context, patchID, performedBy, reason string) error {
	if err := c.rollouts.Rollback(patchID); err != nil {
		return err
	}
	if err := c.patches.Transition(patchID, types.StatusRolledBack); err != nil {
		return err
	}

	entry := c.trail.Record(patchID, "", types.ActionPatchRolledBack, performedBy, reason)
	if err := c.persistPatch(ctx, patchID, entry); err != nil {
		return err
	}

	state, err := c.rollouts.GetRollout(patchID)
	if err != nil {
		return err
	}
	if err := c.saveRollout(ctx, state); err != nil {
		return err
	}

	observability.GetMetrics().RolloutsRolledBack.Inc()
	c.logger.Warn("rollout rolled back",
		"patch_id", patchID,
		"reason", reason)
	return nil
}

// Notify creates disclosure notifications for every affected target of
// a patch and persists them.
func (c *Coordinator) Notify(ctx context.Context, patchID, performedBy string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.patches.GetPatch(patchID)
	if err != nil {
		return nil, err
	}

	ids, err := c.distribution.NotifyVulnerableTargets(ctx, patchID, p.AffectedTargets, p.Severity)
	if err != nil {
		return nil, err
	}

	metrics := observability.GetMetrics()
	for _, record := range c.distribution.ListNotifications(patchID) {
		if err := c.store.SaveNotification(ctx, &record); err != nil {
			return ids, err
		}
	}
	for _, id := range ids {
		record, err := c.distribution.Get(id)
		if err != nil {
			continue
		}
		metrics.NotificationsSent.WithLabelValues(record.Status.String()).Inc()
		entry := c.trail.Record(patchID, record.TargetID, types.ActionNotificationSent, performedBy,
			fmt.Sprintf("notification %s %s", id, record.Status))
		if err := c.store.AppendAuditEntry(ctx, &entry); err != nil {
			return ids, err
		}
	}

	c.logger.Info("targets notified",
		"patch_id", patchID,
		"notifications", len(ids))
	return ids, nil
}

// Acknowledge marks a notification as acknowledged by its target.
func (c *Coordinator) Acknowledge(ctx context.Context, notificationID, performedBy string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.distribution.Acknowledge(notificationID); err != nil {
		return err
	}

	record, err := c.distribution.Get(notificationID)
	if err != nil {
		return err
	}
	if err := c.store.SaveNotification(ctx, &record); err != nil {
		return err
	}

	entry := c.trail.Record(record.PatchID, record.TargetID, types.ActionNotificationAcknowledged, performedBy,
		fmt.Sprintf("notification %s acknowledged", notificationID))
	return c.store.AppendAuditEntry(ctx, &entry)
}

// RetryNotifications resets a patch's failed notifications to Pending.
func (c *Coordinator) RetryNotifications(ctx context.Context, patchID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.distribution.RetryFailed(patchID)
	if len(ids) == 0 {
		return nil, nil
	}

	observability.GetMetrics().NotificationRetries.Add(float64(len(ids)))
	for _, id := range ids {
		record, err := c.distribution.Get(id)
		if err != nil {
			continue
		}
		if err := c.store.SaveNotification(ctx, &record); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// BumpVersion derives a new version from the patch's severity and
// records the release.
func (c *Coordinator) BumpVersion(ctx context.Context, patchID, releaseNotes, performedBy string) (*types.VersionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.patches.GetPatch(patchID)
	if err != nil {
		return nil, err
	}

	record, err := c.versions.BumpForSeverity(patchID, p.Severity, releaseNotes)
	if err != nil {
		return nil, err
	}

	entry := c.trail.Record(patchID, "", types.ActionVersionBumped, performedBy,
		fmt.Sprintf("released %s (major=%t)", record.Version, record.IsMajor))

	if err := c.store.SaveVersionRecord(ctx, record); err != nil {
		return record, err
	}
	if err := c.store.AppendAuditEntry(ctx, &entry); err != nil {
		return record, err
	}

	observability.GetMetrics().VersionsReleased.WithLabelValues(record.Severity.String()).Inc()
	return record, nil
}

// persistPatch saves the current state of a patch together with one
// freshly recorded audit entry.
func (c *Coordinator) persistPatch(ctx context.Context, patchID string, entry types.AuditEntry) error {
	p, err := c.patches.GetPatch(patchID)
	if err != nil {
		return err
	}
	if err := c.store.SavePatch(ctx, p); err != nil {
		return err
	}
	return c.store.AppendAuditEntry(ctx, &entry)
}

func (c *Coordinator) saveRollout(ctx context.Context, state *types.RolloutState) error {
	return c.store.SaveRollout(ctx, state)
}
