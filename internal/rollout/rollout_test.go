package rollout

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/types"
)

func testPlan() types.RolloutPlan {
	return types.RolloutPlan{
		CanaryPercentage:       10,
		EarlyAdopterPercentage: 30,
		SoakTime:               0,
		MaxFailureRate:         0.5,
		RequireApproval:        false,
	}
}

func targetList(n int) []string {
	targets := make([]string, n)
	for i := range targets {
		targets[i] = fmt.Sprintf("T%d", i+1)
	}
	return targets
}

func TestStartRolloutPartitions(t *testing.T) {
	e := NewEngine(nil, nil)

	state, err := e.StartRollout("patch-1", targetList(10), testPlan())
	if err != nil {
		t.Fatalf("StartRollout failed: %v", err)
	}

	// ceil(10*0.10)=1 canary, ceil(10*0.30)=3 early, 6 GA.
	if got := len(state.StageAssignments.Canary); got != 1 {
		t.Errorf("expected 1 canary target, got %d", got)
	}
	if got := len(state.StageAssignments.EarlyAdopter); got != 3 {
		t.Errorf("expected 3 early adopter targets, got %d", got)
	}
	if got := len(state.StageAssignments.GeneralAvailability); got != 6 {
		t.Errorf("expected 6 GA targets, got %d", got)
	}
	if state.CurrentStage != types.StageCanary {
		t.Errorf("expected canary stage, got %s", state.CurrentStage)
	}
	if state.Paused || state.Completed {
		t.Errorf("fresh rollout should be neither paused nor completed: %+v", state)
	}
}

func TestStartRolloutEmptyTargets(t *testing.T) {
	e := NewEngine(nil, nil)
	if _, err := e.StartRollout("patch-1", nil, testPlan()); !stderrors.Is(err, errors.ErrNoVulnerableTargets) {
		t.Errorf("expected ErrNoVulnerableTargets, got %v", err)
	}
}

func TestExecuteCurrentStageRecordsResults(t *testing.T) {
	failing := map[string]bool{"T1": true}
	applier := ApplierFunc(func(_ context.Context, targetID string, _ []byte) error {
		if failing[targetID] {
			return fmt.Errorf("target %s unreachable", targetID)
		}
		return nil
	})
	e := NewEngine(applier, nil)

	e.StartRollout("patch-1", targetList(10), testPlan())
	results, err := e.ExecuteCurrentStage(context.Background(), "patch-1", []byte("payload"))
	if err != nil {
		t.Fatalf("ExecuteCurrentStage failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 canary result, got %d", len(results))
	}
	if results[0].Success {
		t.Error("expected the canary apply to fail")
	}
	if results[0].Stage != types.StageCanary {
		t.Errorf("result tagged with wrong stage: %s", results[0].Stage)
	}
	if results[0].Error == "" {
		t.Error("expected failure reason on failed result")
	}
}

func TestAdvanceStageHappyPath(t *testing.T) {
	e := NewEngine(nil, nil)
	ctx := context.Background()

	e.StartRollout("patch-1", targetList(10), testPlan())

	stages := []types.RolloutStage{types.StageEarlyAdopter, types.StageGeneralAvailability}
	for _, want := range stages {
		if _, err := e.ExecuteCurrentStage(ctx, "patch-1", nil); err != nil {
			t.Fatalf("ExecuteCurrentStage failed: %v", err)
		}
		got, err := e.AdvanceStage("patch-1")
		if err != nil {
			t.Fatalf("AdvanceStage failed: %v", err)
		}
		if got != want {
			t.Errorf("expected stage %s, got %s", want, got)
		}
		state, _ := e.GetRollout("patch-1")
		if state.Paused {
			t.Error("require_approval=false must not pause")
		}
	}

	// Advancing past GA completes the rollout.
	if _, err := e.ExecuteCurrentStage(ctx, "patch-1", nil); err != nil {
		t.Fatalf("GA execute failed: %v", err)
	}
	if _, err := e.AdvanceStage("patch-1"); err != nil {
		t.Fatalf("final advance failed: %v", err)
	}
	state, _ := e.GetRollout("patch-1")
	if !state.Completed {
		t.Error("expected rollout completed after GA")
	}
}

func TestAdvanceStageRequiresExecution(t *testing.T) {
	e := NewEngine(nil, nil)
	e.StartRollout("patch-1", targetList(10), testPlan())

	_, err := e.AdvanceStage("patch-1")
	var failed *errors.RolloutFailedError
	if !stderrors.As(err, &failed) {
		t.Fatalf("expected RolloutFailedError, got %v", err)
	}

	state, _ := e.GetRollout("patch-1")
	if state.CurrentStage != types.StageCanary {
		t.Errorf("failed advance must not move the stage: %s", state.CurrentStage)
	}
}

func TestAdvanceStageFailureRateGate(t *testing.T) {
	// All canary applies fail; gate is stage-scoped so the rate is 1.0.
	applier := ApplierFunc(func(context.Context, string, []byte) error {
		return fmt.Errorf("boom")
	})
	e := NewEngine(applier, nil)

	plan := testPlan()
	plan.MaxFailureRate = 0.5
	e.StartRollout("patch-1", targetList(10), plan)
	e.ExecuteCurrentStage(context.Background(), "patch-1", nil)

	_, err := e.AdvanceStage("patch-1")
	var failed *errors.RolloutFailedError
	if !stderrors.As(err, &failed) {
		t.Fatalf("expected RolloutFailedError, got %v", err)
	}
	if failed.Stage != types.StageCanary {
		t.Errorf("expected canary stage in error, got %s", failed.Stage)
	}

	// The rollout stays where it was; the caller may re-execute.
	state, _ := e.GetRollout("patch-1")
	if state.CurrentStage != types.StageCanary || state.Completed {
		t.Errorf("gate failure must leave the rollout in place: %+v", state)
	}
}

func TestFailureRateScopedToCurrentStage(t *testing.T) {
	// Canary fails completely but early adopter succeeds. After moving
	// to early adopter, its clean results alone decide the next gate.
	var failCanary bool
	applier := ApplierFunc(func(context.Context, string, []byte) error {
		if failCanary {
			return fmt.Errorf("boom")
		}
		return nil
	})
	e := NewEngine(applier, nil)
	ctx := context.Background()

	plan := testPlan()
	plan.MaxFailureRate = 1.0 // let the broken canary through
	e.StartRollout("patch-1", targetList(10), plan)

	failCanary = true
	e.ExecuteCurrentStage(ctx, "patch-1", nil)
	if _, err := e.AdvanceStage("patch-1"); err != nil {
		t.Fatalf("advance with permissive gate failed: %v", err)
	}

	// Tighten the gate by reusing stage-scoped results only.
	failCanary = false
	e.ExecuteCurrentStage(ctx, "patch-1", nil)

	state, _ := e.GetRollout("patch-1")
	state.Plan.MaxFailureRate = 0.0
	e.Adopt(*state)

	if _, err := e.AdvanceStage("patch-1"); err != nil {
		t.Errorf("clean stage blocked by earlier stage's failures: %v", err)
	}
}

func TestRequireApprovalPauses(t *testing.T) {
	e := NewEngine(nil, nil)
	ctx := context.Background()

	plan := testPlan()
	plan.RequireApproval = true
	e.StartRollout("patch-1", targetList(10), plan)
	e.ExecuteCurrentStage(ctx, "patch-1", nil)

	if _, err := e.AdvanceStage("patch-1"); err != nil {
		t.Fatalf("AdvanceStage failed: %v", err)
	}
	state, _ := e.GetRollout("patch-1")
	if !state.Paused {
		t.Fatal("expected pause after advancement with require_approval")
	}

	// Execution is blocked until approved.
	if _, err := e.ExecuteCurrentStage(ctx, "patch-1", nil); err == nil {
		t.Fatal("expected paused rollout to refuse execution")
	}
	if err := e.ApproveStage("patch-1"); err != nil {
		t.Fatalf("ApproveStage failed: %v", err)
	}
	if _, err := e.ExecuteCurrentStage(ctx, "patch-1", nil); err != nil {
		t.Errorf("approved rollout still refuses execution: %v", err)
	}
}

func TestSoakTimeGatesAdvancement(t *testing.T) {
	clock := types.NewFixedClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	e := NewEngine(nil, clock)
	ctx := context.Background()

	plan := testPlan()
	plan.SoakTime = time.Hour
	e.StartRollout("patch-1", targetList(10), plan)
	e.ExecuteCurrentStage(ctx, "patch-1", nil)

	if _, err := e.AdvanceStage("patch-1"); err == nil {
		t.Fatal("expected advancement before soak time to fail")
	}

	clock.Advance(time.Hour)
	if _, err := e.AdvanceStage("patch-1"); err != nil {
		t.Errorf("advancement after soak time failed: %v", err)
	}
}

func TestCompletedRolloutIsTerminal(t *testing.T) {
	e := NewEngine(nil, nil)
	ctx := context.Background()

	e.StartRollout("patch-1", targetList(4), testPlan())
	if err := e.Rollback("patch-1"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	state, _ := e.GetRollout("patch-1")
	if !state.Completed || state.Paused {
		t.Errorf("rollback must set completed=true, paused=false: %+v", state)
	}

	if _, err := e.ExecuteCurrentStage(ctx, "patch-1", nil); err == nil {
		t.Error("completed rollout accepted execution")
	}
	if _, err := e.AdvanceStage("patch-1"); err == nil {
		t.Error("completed rollout accepted advancement")
	}
}

func TestRolloutProgress(t *testing.T) {
	applier := ApplierFunc(func(_ context.Context, targetID string, _ []byte) error {
		if targetID == "T1" {
			return fmt.Errorf("boom")
		}
		return nil
	})
	e := NewEngine(applier, nil)

	e.StartRollout("patch-1", targetList(10), testPlan())
	e.ExecuteCurrentStage(context.Background(), "patch-1", nil)

	// 1 canary target, the apply failed, so 0% of 10 targets applied.
	progress, err := e.RolloutProgress("patch-1")
	if err != nil {
		t.Fatalf("RolloutProgress failed: %v", err)
	}
	if progress != 0 {
		t.Errorf("expected 0%% progress, got %.2f", progress)
	}
}

func TestUnknownRollout(t *testing.T) {
	e := NewEngine(nil, nil)

	if _, err := e.GetRollout("missing"); !stderrors.Is(err, errors.ErrRolloutNotFound) {
		t.Errorf("GetRollout: expected ErrRolloutNotFound, got %v", err)
	}
	if _, err := e.AdvanceStage("missing"); !stderrors.Is(err, errors.ErrRolloutNotFound) {
		t.Errorf("AdvanceStage: expected ErrRolloutNotFound, got %v", err)
	}
	if err := e.Rollback("missing"); !stderrors.Is(err, errors.ErrRolloutNotFound) {
		t.Errorf("Rollback: expected ErrRolloutNotFound, got %v", err)
	}
}
