package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daimoniac/patchline/internal/queue"
	"github.com/daimoniac/patchline/internal/statestore"
	"github.com/daimoniac/patchline/internal/types"
)

// Scheduler is the wall-clock trigger for rollout processing: it
// periodically sweeps open rollouts and re-enqueues the ones that are
// due for another stage execution, most importantly rollouts whose
// soak dwell has elapsed since the worker last saw them.
type Scheduler interface {
	// Start begins the continuous sweep loop
	Start(ctx context.Context) error

	// Sweep performs a single sweep cycle
	Sweep(ctx context.Context) error
}

// Config contains configuration for the scheduler
type Config struct {
	PollInterval time.Duration
}

type schedulerImpl struct {
	store        statestore.Store
	taskQueue    queue.TaskQueue
	pollInterval time.Duration
	logger       *slog.Logger
	clock        types.Clock
}

// NewScheduler creates a rollout scheduler. Logger and clock may be
// nil.
func NewScheduler(store statestore.Store, taskQueue queue.TaskQueue, config Config, logger *slog.Logger, clock types.Clock) Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &schedulerImpl{
		store:        store,
		taskQueue:    taskQueue,
		pollInterval: config.PollInterval,
		logger:       logger,
		clock:        clock,
	}
}

// Start begins the continuous sweep loop
func (s *schedulerImpl) Start(ctx context.Context) error {
	s.logger.Info("starting rollout scheduler",
		"poll_interval", s.pollInterval.String())

	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("initial sweep failed",
			"error", err.Error())
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("rollout scheduler shutting down")
			return ctx.Err()
		case <-time.After(s.pollInterval):
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep cycle failed",
					"error", err.Error())
			}
		}
	}
}

// Sweep enqueues a stage task for every open rollout that is due:
// not paused, and either not yet executed in its current stage or past
// its soak dwell. The queue's per-patch dedup makes repeated sweeps
// harmless.
func (s *schedulerImpl) Sweep(ctx context.Context) error {
	open, err := s.store.ListOpenRollouts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open rollouts: %w", err)
	}

	enqueued := 0
	for _, state := range open {
		if !s.due(state) {
			continue
		}
		task := &queue.StageTask{
			PatchID:    state.PatchID,
			EnqueuedAt: s.clock.Now(),
			Resume:     true,
		}
		if err := s.taskQueue.Enqueue(ctx, task); err != nil {
			s.logger.Warn("failed to enqueue due rollout",
				"patch_id", state.PatchID,
				"error", err.Error())
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info("sweep cycle completed",
			"open_rollouts", len(open),
			"enqueued", enqueued)
	}
	return nil
}

// due reports whether a rollout needs worker attention right now.
func (s *schedulerImpl) due(state *types.RolloutState) bool {
	if state.Completed || state.Paused {
		return false
	}

	executed := false
	for _, r := range state.Results {
		if r.Stage == state.CurrentStage {
			executed = true
			break
		}
	}
	if !executed {
		return true
	}

	if state.Plan.SoakTime <= 0 {
		return true
	}
	return s.clock.Now().Sub(state.StageStartedAt) >= state.Plan.SoakTime
}
