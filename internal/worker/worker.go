package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daimoniac/patchline/internal/errors"
	"github.com/daimoniac/patchline/internal/observability"
	"github.com/daimoniac/patchline/internal/queue"
	"github.com/daimoniac/patchline/internal/types"
)

// Worker defines the interface for processing rollout stage tasks
type Worker interface {
	// Start begins processing tasks from the queue
	Start(ctx context.Context) error

	// ProcessTask drives one patch's rollout as far as it can go
	ProcessTask(ctx context.Context, task *queue.StageTask) error
}

// Config contains configuration for the worker
type Config struct {
	RetryAttempts int
	RetryBackoff  time.Duration
	Concurrency   int // Number of concurrent workers
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		RetryAttempts: 3,
		RetryBackoff:  10 * time.Second,
		Concurrency:   3,
	}
}

// StageWorker consumes stage tasks and drives rollouts through the
// coordinator: execute the current stage, evaluate advancement, repeat
// until the rollout completes, pauses for approval or hits its soak
// dwell. A rollout whose advancement gate stays blocked across all
// retry attempts is rolled back.
type StageWorker struct {
	queue       queue.TaskQueue
	coordinator *Coordinator
	config      Config
	logger      *slog.Logger
	clock       types.Clock
	wg          sync.WaitGroup
}

// NewStageWorker creates a new worker instance. Logger and clock may be
// nil.
func NewStageWorker(taskQueue queue.TaskQueue, coordinator *Coordinator, config Config, logger *slog.Logger, clock types.Clock) *StageWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &StageWorker{
		queue:       taskQueue,
		coordinator: coordinator,
		config:      config,
		logger:      logger,
		clock:       clock,
	}
}

// Start begins processing tasks from the queue
func (w *StageWorker) Start(ctx context.Context) error {
	concurrency := w.config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	w.logger.Info("worker starting", "concurrency", concurrency)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go func(workerID int) {
			defer w.wg.Done()
			w.processLoop(workerCtx, workerID)
		}(i)
	}

	<-workerCtx.Done()

	w.logger.Info("worker shutting down, waiting for in-flight tasks to complete")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker shutdown complete")
		return nil
	case <-time.After(30 * time.Second):
		w.logger.Warn("worker shutdown timeout, some tasks may not have completed")
		return fmt.Errorf("shutdown timeout")
	}
}

// processLoop is the main task processing loop
func (w *StageWorker) processLoop(ctx context.Context, workerID int) {
	w.logger.Info("worker processing loop started", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker processing loop stopping", "worker_id", workerID)
			return
		default:
			task, err := w.queue.Dequeue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					w.logger.Info("worker dequeue cancelled", "worker_id", workerID, "error", err)
					return
				}
				w.logger.Error("failed to dequeue task", "worker_id", workerID, "error", err)
				time.Sleep(time.Second)
				continue
			}

			w.logger.Info("processing stage task",
				"worker_id", workerID,
				"patch_id", task.PatchID,
				"resume", task.Resume)

			metrics := observability.GetMetrics()
			if err := w.ProcessTask(ctx, task); err != nil {
				w.logger.Error("stage task failed",
					"worker_id", workerID,
					"patch_id", task.PatchID,
					"error", err)
				metrics.WorkerErrors.Inc()
				_ = w.queue.Fail(ctx, task.PatchID, err)
			} else {
				metrics.WorkerTasksProcessed.Inc()
				_ = w.queue.Complete(ctx, task.PatchID)
			}
		}
	}
}

// ProcessTask drives a rollout forward until it completes, pauses for
// approval, waits out a soak dwell, or fails.
func (w *StageWorker) ProcessTask(ctx context.Context, task *queue.StageTask) error {
	if task == nil {
		return errors.NewPermanentf("stage task is nil")
	}

	const performedBy = "worker"
	gateAttempts := 0
	transientAttempts := 0
	reexecute := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		state, err := w.coordinator.Rollouts().GetRollout(task.PatchID)
		if err != nil {
			return err
		}
		if state.Completed {
			return nil
		}
		if state.Paused {
			w.logger.Info("rollout paused, waiting for approval",
				"patch_id", task.PatchID,
				"stage", state.CurrentStage.String())
			return nil
		}

		if !stageExecuted(state) || reexecute {
			reexecute = false
			if _, err := w.coordinator.ExecuteStage(ctx, task.PatchID, performedBy); err != nil {
				return err
			}
			state, err = w.coordinator.Rollouts().GetRollout(task.PatchID)
			if err != nil {
				return err
			}
		}

		// Soak dwell not met yet: leave the rollout where it is, the
		// scheduler re-enqueues it once the dwell elapses.
		if state.Plan.SoakTime > 0 {
			if dwelled := w.clock.Now().Sub(state.StageStartedAt); dwelled < state.Plan.SoakTime {
				w.logger.Info("stage soaking",
					"patch_id", task.PatchID,
					"stage", state.CurrentStage.String(),
					"dwelled", dwelled.String(),
					"required", state.Plan.SoakTime.String())
				return nil
			}
		}

		_, err = w.coordinator.AdvanceStage(ctx, task.PatchID, performedBy)
		if err == nil {
			gateAttempts = 0
			transientAttempts = 0
			continue
		}

		var gate *errors.RolloutFailedError
		if stderrors.As(err, &gate) {
			gateAttempts++
			if gateAttempts >= w.config.RetryAttempts {
				reason := fmt.Sprintf("advancement blocked after %d attempts: %s", gateAttempts, gate.Reason)
				return w.coordinator.Rollback(ctx, task.PatchID, performedBy, reason)
			}
			w.logger.Warn("advancement blocked, re-executing stage",
				"patch_id", task.PatchID,
				"stage", gate.Stage.String(),
				"attempt", gateAttempts,
				"max_attempts", w.config.RetryAttempts,
				"reason", gate.Reason)
			reexecute = true
			if err := w.sleep(ctx, w.config.RetryBackoff*time.Duration(gateAttempts)); err != nil {
				return err
			}
			continue
		}

		if errors.IsTransient(err) {
			transientAttempts++
			if transientAttempts >= w.config.RetryAttempts {
				return err
			}
			backoff := w.config.RetryBackoff * time.Duration(transientAttempts)
			w.logger.Warn("transient error, retrying",
				"patch_id", task.PatchID,
				"attempt", transientAttempts,
				"max_attempts", w.config.RetryAttempts,
				"backoff", backoff.String(),
				"error", err)
			if err := w.sleep(ctx, backoff); err != nil {
				return err
			}
			continue
		}

		return err
	}
}

func (w *StageWorker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// stageExecuted reports whether the current stage already has recorded
// results.
func stageExecuted(state *types.RolloutState) bool {
	for _, r := range state.Results {
		if r.Stage == state.CurrentStage {
			return true
		}
	}
	return false
}
