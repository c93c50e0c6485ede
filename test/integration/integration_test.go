package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/daimoniac/patchline/internal/audit"
	"github.com/daimoniac/patchline/internal/distribution"
	"github.com/daimoniac/patchline/internal/patch"
	"github.com/daimoniac/patchline/internal/policy"
	"github.com/daimoniac/patchline/internal/queue"
	"github.com/daimoniac/patchline/internal/rollout"
	"github.com/daimoniac/patchline/internal/scheduler"
	"github.com/daimoniac/patchline/internal/statestore"
	"github.com/daimoniac/patchline/internal/types"
	"github.com/daimoniac/patchline/internal/version"
	"github.com/daimoniac/patchline/internal/worker"
)

// TestMain sets up and tears down the test environment
func TestMain(m *testing.M) {
	// Check if integration tests should run
	if os.Getenv("INTEGRATION_TEST") != "true" {
		os.Exit(0)
	}

	code := m.Run()

	cleanup()

	os.Exit(code)
}

func cleanup() {
	os.Remove("test_lifecycle.db")
	os.Remove("test_restart.db")
	os.Remove("test_scheduler.db")
	os.Remove("test_gate.db")
	os.Remove("test_notify.db")
}

type testEnv struct {
	coordinator *worker.Coordinator
	store       *statestore.SQLiteStore
	queue       *queue.InMemoryQueue
	clock       *types.FixedClock
}

// newEnv wires a coordinator over a SQLite store the way cmd/patchline
// does, with a fixed clock so soak windows can be advanced by hand.
func newEnv(t *testing.T, dbPath string, applier rollout.Applier, pol policy.AdvancementPolicy) *testEnv {
	t.Helper()

	store, err := statestore.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create state store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := types.NewFixedClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	taskQueue := queue.NewInMemoryQueue(64)
	t.Cleanup(func() { taskQueue.Close() })

	coordinator := worker.NewCoordinator(worker.CoordinatorDeps{
		Patches:      patch.NewManager(clock),
		Rollouts:     rollout.NewEngine(applier, clock),
		Versions:     version.NewManager(clock),
		Distribution: distribution.NewManager(nil, clock),
		Trail:        audit.NewTrail(clock),
		Store:        store,
		Policy:       pol,
		Queue:        taskQueue,
		Clock:        clock,
	})

	return &testEnv{
		coordinator: coordinator,
		store:       store,
		queue:       taskQueue,
		clock:       clock,
	}
}

func createValidatedPatch(t *testing.T, env *testEnv, targets []string) *types.SecurityPatch {
	t.Helper()
	ctx := context.Background()

	p, err := env.coordinator.CreatePatch(ctx, patch.CreateParams{
		Title:           "libssl remote code execution fix",
		Description:     "backport of the upstream fix",
		Severity:        types.SeverityHigh,
		Payload:         []byte("patch-payload"),
		AffectedTargets: targets,
		AdvisoryID:      "ADV-2025-0042",
		CreatedBy:       "alice",
	})
	if err != nil {
		t.Fatalf("Failed to create patch: %v", err)
	}

	passed, err := env.coordinator.ValidatePatch(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to validate patch: %v", err)
	}
	if !passed {
		t.Fatal("Expected validation to pass")
	}
	return p
}

func processQueuedTask(t *testing.T, env *testEnv, w worker.Worker) {
	t.Helper()
	ctx := context.Background()

	task, err := env.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Failed to dequeue task: %v", err)
	}
	if err := w.ProcessTask(ctx, task); err != nil {
		t.Fatalf("Failed to process task: %v", err)
	}
	if err := env.queue.Complete(ctx, task.PatchID); err != nil {
		t.Fatalf("Failed to complete task: %v", err)
	}
}

// TestPatchLifecycleEndToEnd drives one patch from creation through a
// completed staged rollout against a real SQLite store.
func TestPatchLifecycleEndToEnd(t *testing.T) {
	dbPath := "test_lifecycle.db"
	defer os.Remove(dbPath)

	env := newEnv(t, dbPath, nil, nil)
	ctx := context.Background()

	targets := []string{"web-1", "web-2", "web-3", "web-4", "db-1", "db-2", "db-3", "db-4", "db-5", "db-6"}
	p := createValidatedPatch(t, env, targets)

	plan := types.RolloutPlan{
		CanaryPercentage:       20,
		EarlyAdopterPercentage: 40,
		MaxFailureRate:         0.2,
	}
	state, err := env.coordinator.StartRollout(ctx, p.ID, plan, "alice")
	if err != nil {
		t.Fatalf("Failed to start rollout: %v", err)
	}
	if state.StageAssignments.Total() != len(targets) {
		t.Errorf("Expected %d assigned targets, got %d", len(targets), state.StageAssignments.Total())
	}

	w := worker.NewStageWorker(env.queue, env.coordinator, worker.Config{RetryAttempts: 3, Concurrency: 1}, nil, env.clock)
	processQueuedTask(t, env, w)

	// The rollout and the patch must land terminal in the store, not
	// just in memory.
	persisted, err := env.store.GetPatch(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to read patch back: %v", err)
	}
	if persisted.Status != types.StatusApplied {
		t.Errorf("Expected status APPLIED, got %s", persisted.Status)
	}

	persistedState, err := env.store.GetRollout(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to read rollout back: %v", err)
	}
	if !persistedState.Completed {
		t.Error("Expected rollout to be completed")
	}

	open, err := env.store.ListOpenRollouts(ctx)
	if err != nil {
		t.Fatalf("Failed to list open rollouts: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("Expected no open rollouts, got %d", len(open))
	}

	entries, err := env.store.ListAuditEntries(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to list audit entries: %v", err)
	}
	applied := 0
	for _, entry := range entries {
		if entry.Action == types.ActionPatchApplied {
			applied++
		}
	}
	if applied != len(targets) {
		t.Errorf("Expected %d PATCH_APPLIED entries, got %d", len(targets), applied)
	}
}

// TestRestartRecovery pauses a rollout mid-flight, rebuilds the whole
// stack over the same database and finishes it after Restore.
func TestRestartRecovery(t *testing.T) {
	dbPath := "test_restart.db"
	defer os.Remove(dbPath)

	env := newEnv(t, dbPath, nil, nil)
	ctx := context.Background()

	p := createValidatedPatch(t, env, []string{"edge-1", "edge-2", "edge-3", "edge-4"})

	plan := types.RolloutPlan{
		CanaryPercentage:       25,
		EarlyAdopterPercentage: 25,
		MaxFailureRate:         0.5,
		RequireApproval:        true,
	}
	if _, err := env.coordinator.StartRollout(ctx, p.ID, plan, "alice"); err != nil {
		t.Fatalf("Failed to start rollout: %v", err)
	}

	w := worker.NewStageWorker(env.queue, env.coordinator, worker.Config{RetryAttempts: 3, Concurrency: 1}, nil, env.clock)
	processQueuedTask(t, env, w)

	state, err := env.store.GetRollout(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to read rollout back: %v", err)
	}
	if !state.Paused {
		t.Fatal("Expected rollout to be paused for approval before restart")
	}

	// Second process: fresh managers, same database.
	restarted := newEnv(t, dbPath, nil, nil)
	if err := restarted.coordinator.Restore(ctx); err != nil {
		t.Fatalf("Failed to restore state: %v", err)
	}

	restored, err := restarted.coordinator.Patches().GetPatch(p.ID)
	if err != nil {
		t.Fatalf("Restored coordinator lost the patch: %v", err)
	}
	if restored.Status != types.StatusRollingOut {
		t.Errorf("Expected status ROLLING_OUT after restore, got %s", restored.Status)
	}

	task, err := restarted.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Expected a re-enqueued task after restore: %v", err)
	}
	if !task.Resume {
		t.Error("Expected the restored task to be marked Resume")
	}
	// The paused rollout cannot progress until approved; release the
	// queue slot so the approval's enqueue is not deduplicated away.
	if err := restarted.queue.Complete(ctx, task.PatchID); err != nil {
		t.Fatalf("Failed to complete resume task: %v", err)
	}

	// Approve each remaining pause and drive to completion.
	rw := worker.NewStageWorker(restarted.queue, restarted.coordinator, worker.Config{RetryAttempts: 3, Concurrency: 1}, nil, restarted.clock)
	for i := 0; i < 3; i++ {
		if err := restarted.coordinator.ApproveStage(ctx, p.ID, "alice"); err != nil {
			t.Fatalf("Failed to approve stage: %v", err)
		}
		approvedTask, err := restarted.queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Failed to dequeue approved task: %v", err)
		}
		if err := rw.ProcessTask(ctx, approvedTask); err != nil {
			t.Fatalf("Failed to process approved task: %v", err)
		}
		if err := restarted.queue.Complete(ctx, approvedTask.PatchID); err != nil {
			t.Fatalf("Failed to complete task: %v", err)
		}

		current, err := restarted.coordinator.Rollouts().GetRollout(p.ID)
		if err != nil {
			t.Fatalf("Failed to read rollout: %v", err)
		}
		if current.Completed {
			break
		}
	}

	final, err := restarted.store.GetPatch(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to read final patch: %v", err)
	}
	if final.Status != types.StatusApplied {
		t.Errorf("Expected status APPLIED after recovery, got %s", final.Status)
	}
}

// TestSchedulerResumesSoakingRollout verifies the sweep leaves a
// soaking rollout alone and re-enqueues it once the dwell has passed.
func TestSchedulerResumesSoakingRollout(t *testing.T) {
	dbPath := "test_scheduler.db"
	defer os.Remove(dbPath)

	env := newEnv(t, dbPath, nil, nil)
	ctx := context.Background()

	p := createValidatedPatch(t, env, []string{"node-1", "node-2", "node-3", "node-4"})

	plan := types.RolloutPlan{
		CanaryPercentage:       25,
		EarlyAdopterPercentage: 25,
		SoakTime:               time.Hour,
		MaxFailureRate:         0.5,
	}
	if _, err := env.coordinator.StartRollout(ctx, p.ID, plan, "alice"); err != nil {
		t.Fatalf("Failed to start rollout: %v", err)
	}

	w := worker.NewStageWorker(env.queue, env.coordinator, worker.Config{RetryAttempts: 3, Concurrency: 1}, nil, env.clock)
	processQueuedTask(t, env, w)

	state, err := env.coordinator.Rollouts().GetRollout(p.ID)
	if err != nil {
		t.Fatalf("Failed to read rollout: %v", err)
	}
	if state.CurrentStage != types.StageCanary {
		t.Fatalf("Expected canary to soak, got stage %s", state.CurrentStage)
	}

	sched := scheduler.NewScheduler(env.store, env.queue, scheduler.Config{PollInterval: time.Minute}, nil, env.clock)

	// Mid-soak sweep: nothing due.
	if err := sched.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	depth, err := env.queue.GetQueueDepth(ctx)
	if err != nil {
		t.Fatalf("Failed to get queue depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("Expected empty queue during soak, got depth %d", depth)
	}

	env.clock.Advance(2 * time.Hour)
	if err := sched.Sweep(ctx); err != nil {
		t.Fatalf("Sweep after soak failed: %v", err)
	}
	processQueuedTask(t, env, w)

	state, err = env.coordinator.Rollouts().GetRollout(p.ID)
	if err != nil {
		t.Fatalf("Failed to read rollout: %v", err)
	}
	if state.CurrentStage != types.StageEarlyAdopter {
		t.Errorf("Expected EARLY_ADOPTER after soak elapsed, got %s", state.CurrentStage)
	}
}

// TestGateFailureRollsBack verifies a cohort that keeps failing its
// applies ends in a persisted terminal rollback.
func TestGateFailureRollsBack(t *testing.T) {
	dbPath := "test_gate.db"
	defer os.Remove(dbPath)

	applier := rollout.ApplierFunc(func(ctx context.Context, targetID string, payload []byte) error {
		return context.DeadlineExceeded
	})
	pol, err := policy.NewEngine(nil, policy.Config{})
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}

	env := newEnv(t, dbPath, applier, pol)
	ctx := context.Background()

	p := createValidatedPatch(t, env, []string{"api-1", "api-2", "api-3", "api-4"})

	plan := types.RolloutPlan{
		CanaryPercentage:       25,
		EarlyAdopterPercentage: 25,
		MaxFailureRate:         0,
	}
	if _, err := env.coordinator.StartRollout(ctx, p.ID, plan, "alice"); err != nil {
		t.Fatalf("Failed to start rollout: %v", err)
	}

	w := worker.NewStageWorker(env.queue, env.coordinator, worker.Config{RetryAttempts: 2, Concurrency: 1}, nil, env.clock)
	processQueuedTask(t, env, w)

	final, err := env.store.GetPatch(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to read patch back: %v", err)
	}
	if final.Status != types.StatusRolledBack {
		t.Errorf("Expected status ROLLED_BACK, got %s", final.Status)
	}

	state, err := env.store.GetRollout(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to read rollout back: %v", err)
	}
	if !state.Completed || state.Paused {
		t.Errorf("Expected terminal rollback (completed, not paused), got completed=%t paused=%t",
			state.Completed, state.Paused)
	}
}

// TestNotificationAndVersionFlow covers disclosure and release
// bookkeeping against the SQLite store.
func TestNotificationAndVersionFlow(t *testing.T) {
	dbPath := "test_notify.db"
	defer os.Remove(dbPath)

	env := newEnv(t, dbPath, nil, nil)
	ctx := context.Background()

	p := createValidatedPatch(t, env, []string{"cache-1", "cache-2"})

	ids, err := env.coordinator.Notify(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to notify targets: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(ids))
	}

	if err := env.coordinator.Acknowledge(ctx, ids[0], "cache-1"); err != nil {
		t.Fatalf("Failed to acknowledge notification: %v", err)
	}

	records, err := env.store.ListNotifications(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to list notifications: %v", err)
	}
	acked := 0
	for _, r := range records {
		if r.Status == types.NotificationAcknowledged {
			acked++
		}
	}
	if acked != 1 {
		t.Errorf("Expected 1 acknowledged notification, got %d", acked)
	}

	record, err := env.coordinator.BumpVersion(ctx, p.ID, "first release", "alice")
	if err != nil {
		t.Fatalf("Failed to bump version: %v", err)
	}
	if record.Version.String() != "1.0.0" {
		t.Errorf("Expected version 1.0.0 for HIGH severity, got %s", record.Version)
	}

	history, err := env.store.ListVersionRecords(ctx, p.ID)
	if err != nil {
		t.Fatalf("Failed to list version records: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("Expected 1 version record, got %d", len(history))
	}
}
