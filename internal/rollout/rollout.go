package rollout

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/types"
)

// Applier is the injected side effect that applies a patch payload to a
// single target. Implementations own their timeouts; a failed or timed
// out apply surfaces as a per-target failure counted toward the
// failure-rate gate, never as an abort of the whole stage.
type Applier interface {
	Apply(ctx context.Context, targetID string, payload []byte) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, targetID string, payload []byte) error

func (f ApplierFunc) Apply(ctx context.Context, targetID string, payload []byte) error {
	return f(ctx, targetID, payload)
}

// Engine orchestrates staged rollouts across target cohorts. All state
// mutation is serialized behind one mutex; per-target apply calls run
// outside the lock would race with advancement, so execution holds it
// for the stage (applies are expected to be fast or delegated).
type Engine struct {
	mu       sync.RWMutex
	rollouts map[string]*types.RolloutState
	applier  Applier
	clock    types.Clock
}

// NewEngine creates a rollout engine. A nil applier falls back to an
// always-succeeding apply; a nil clock falls back to the system clock.
func NewEngine(applier Applier, clock types.Clock) *Engine {
	if applier == nil {
		applier = ApplierFunc(func(context.Context, string, []byte) error { return nil })
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Engine{
		rollouts: make(map[string]*types.RolloutState),
		applier:  applier,
		clock:    clock,
	}
}

// StartRollout partitions the affected targets into cohorts according
// to the plan and begins at the canary stage.
func (e *Engine) StartRollout(patchID string, affectedTargets []string, plan types.RolloutPlan) (*types.RolloutState, error) {
	if len(affectedTargets) == 0 {
		return nil, errors.ErrNoVulnerableTargets
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	state := &types.RolloutState{
		PatchID:          patchID,
		Plan:             plan,
		CurrentStage:     types.StageCanary,
		StageAssignments: PartitionTargets(affectedTargets, plan),
		Paused:           false,
		StartedAt:        now,
		StageStartedAt:   now,
		Completed:        false,
	}

	e.rollouts[patchID] = state
	return cloneState(state), nil
}

// Adopt loads a previously persisted rollout state, replacing any
// in-memory state for the same patch. Used to resume in-flight rollouts
// after a restart.
func (e *Engine) Adopt(state types.RolloutState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollouts[state.PatchID] = cloneState(&state)
}

// ExecuteCurrentStage applies the patch payload to every target in the
// current stage's cohort and records one result per target.
func (e *Engine) ExecuteCurrentStage(ctx context.Context, patchID string, payload []byte) ([]types.TargetRolloutResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.rollouts[patchID]
	if !ok {
		return nil, errors.ErrRolloutNotFound
	}

	if state.Paused {
		return nil, &errors.RolloutFailedError{
			Stage:  state.CurrentStage,
			Reason: "rollout is paused, manual approval required",
		}
	}
	if state.Completed {
		return nil, &errors.RolloutFailedError{
			Stage:  state.CurrentStage,
			Reason: "rollout is already completed",
		}
	}

	targets := state.StageAssignments.ForStage(state.CurrentStage)
	stageResults := make([]types.TargetRolloutResult, 0, len(targets))
	for _, targetID := range targets {
		result := types.TargetRolloutResult{
			TargetID:  targetID,
			Stage:     state.CurrentStage,
			Success:   true,
			AppliedAt: e.clock.Now(),
		}
		if err := e.applier.Apply(ctx, targetID, payload); err != nil {
			result.Success = false
			result.Error = err.Error()
		}
		stageResults = append(stageResults, result)
	}

	state.Results = append(state.Results, stageResults...)
	return stageResults, nil
}

// AdvanceStage moves the rollout to the next stage after checking the
// failure-rate gate over the current stage's results. Reaching past
// general availability marks the rollout completed. A failed call
// leaves the rollout exactly where it was.
func (e *Engine) AdvanceStage(patchID string) (types.RolloutStage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.rollouts[patchID]
	if !ok {
		return 0, errors.ErrRolloutNotFound
	}

	if state.Completed {
		return state.CurrentStage, &errors.RolloutFailedError{
			Stage:  state.CurrentStage,
			Reason: "rollout is already completed",
		}
	}

	var executed, failures int
	for _, r := range state.Results {
		if r.Stage != state.CurrentStage {
			continue
		}
		executed++
		if !r.Success {
			failures++
		}
	}

	if executed == 0 {
		return state.CurrentStage, &errors.RolloutFailedError{
			Stage:  state.CurrentStage,
			Reason: "current stage has not been executed yet",
		}
	}

	// Failure rate is scoped to the current stage only, not cumulative.
	failureRate := float64(failures) / float64(executed)
	if failureRate > state.Plan.MaxFailureRate {
		return state.CurrentStage, &errors.RolloutFailedError{
			Stage: state.CurrentStage,
			Reason: fmt.Sprintf("failure rate %.2f%% exceeds max %.2f%%",
				failureRate*100, state.Plan.MaxFailureRate*100),
		}
	}

	if state.Plan.SoakTime > 0 {
		dwelled := e.clock.Now().Sub(state.StageStartedAt)
		if dwelled < state.Plan.SoakTime {
			return state.CurrentStage, &errors.RolloutFailedError{
				Stage: state.CurrentStage,
				Reason: fmt.Sprintf("stage has soaked %s of required %s",
					dwelled, state.Plan.SoakTime),
			}
		}
	}

	switch state.CurrentStage {
	case types.StageCanary:
		state.CurrentStage = types.StageEarlyAdopter
	case types.StageEarlyAdopter:
		state.CurrentStage = types.StageGeneralAvailability
	case types.StageGeneralAvailability:
		state.Completed = true
	}

	if !state.Completed && state.Plan.RequireApproval {
		state.Paused = true
	}

	state.StageStartedAt = e.clock.Now()
	return state.CurrentStage, nil
}

// ApproveStage clears the approval pause so the next stage may execute.
func (e *Engine) ApproveStage(patchID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.rollouts[patchID]
	if !ok {
		return errors.ErrRolloutNotFound
	}
	state.Paused = false
	return nil
}

// Rollback terminally stops a rollout. It records the decision only;
// undoing already-applied changes on targets is out of scope.
func (e *Engine) Rollback(patchID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.rollouts[patchID]
	if !ok {
		return errors.ErrRolloutNotFound
	}
	state.Completed = true
	state.Paused = false
	return nil
}

// GetRollout returns a copy of the rollout state for a patch.
func (e *Engine) GetRollout(patchID string) (*types.RolloutState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.rollouts[patchID]
	if !ok {
		return nil, errors.ErrRolloutNotFound
	}
	return cloneState(state), nil
}

// RolloutProgress returns the share of targets successfully applied
// across all stages so far, as a percentage of the whole fleet.
func (e *Engine) RolloutProgress(patchID string) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.rollouts[patchID]
	if !ok {
		return 0, errors.ErrRolloutNotFound
	}

	total := state.StageAssignments.Total()
	if total == 0 {
		return 100, nil
	}

	applied := 0
	for _, r := range state.Results {
		if r.Success {
			applied++
		}
	}
	return float64(applied) / float64(total) * 100, nil
}

// Count returns the number of tracked rollouts.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rollouts)
}

// PartitionTargets splits targets into cohorts by position, not random
// sampling: ceil(n*canary%) canaries, then ceil(n*early%) early
// adopters clamped to what remains, then the rest as GA. The cohorts
// are disjoint and concatenate back to the input list.
func PartitionTargets(targets []string, plan types.RolloutPlan) types.StageAssignments {
	total := len(targets)

	canaryCount := int(math.Ceil(float64(total) * float64(plan.CanaryPercentage) / 100))
	if canaryCount > total {
		canaryCount = total
	}

	earlyCount := int(math.Ceil(float64(total) * float64(plan.EarlyAdopterPercentage) / 100))
	if earlyCount > total-canaryCount {
		earlyCount = total - canaryCount
	}

	gaStart := canaryCount + earlyCount
	return types.StageAssignments{
		Canary:              append([]string(nil), targets[:canaryCount]...),
		EarlyAdopter:        append([]string(nil), targets[canaryCount:gaStart]...),
		GeneralAvailability: append([]string(nil), targets[gaStart:]...),
	}
}

func cloneState(s *types.RolloutState) *types.RolloutState {
	cp := *s
	cp.StageAssignments = types.StageAssignments{
		Canary:              append([]string(nil), s.StageAssignments.Canary...),
		EarlyAdopter:        append([]string(nil), s.StageAssignments.EarlyAdopter...),
		GeneralAvailability: append([]string(nil), s.StageAssignments.GeneralAvailability...),
	}
	cp.Results = append([]types.TargetRolloutResult(nil), s.Results...)
	return &cp
}
