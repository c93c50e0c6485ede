package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/daimoniac/patchline/internal/types"
)

// AdvancementPolicy decides whether a rollout may advance past its
// current stage once the stage has been executed.
type AdvancementPolicy interface {
	Evaluate(ctx context.Context, state *types.RolloutState) (*Decision, error)
}

// Config defines a CEL-based advancement policy.
type Config struct {
	// Expression is the CEL expression that must evaluate to true for
	// the stage to advance. Available variables:
	//   - stage: current stage name ("CANARY", "EARLY_ADOPTER", "GENERAL_AVAILABILITY")
	//   - successCount: successful applies in the current stage
	//   - failureCount: failed applies in the current stage
	//   - failureRate: failureCount / executed, 0.0 when nothing executed
	//   - maxFailureRate: the plan's configured tolerance
	//   - progress: share of the whole fleet successfully applied (0.0-1.0)
	Expression string `yaml:"expression" json:"expression"`

	// FailureMessage is the message to return when the policy blocks
	// advancement (optional)
	FailureMessage string `yaml:"failureMessage" json:"failureMessage"`
}

// Decision is the result of evaluating the advancement policy against
// one rollout's current stage.
type Decision struct {
	Allowed      bool
	Reason       string
	Stage        types.RolloutStage
	SuccessCount int
	FailureCount int
	FailureRate  float64
}

// Engine implements AdvancementPolicy using CEL expressions.
type Engine struct {
	logger     *slog.Logger
	config     Config
	celEnv     *cel.Env
	celProgram cel.Program
}

// NewEngine creates a policy engine. An empty expression falls back to
// the plan's failure-rate gate.
func NewEngine(logger *slog.Logger, config Config) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if config.Expression == "" {
		config.Expression = `failureRate <= maxFailureRate`
		config.FailureMessage = "stage failure rate exceeds the configured tolerance"
	}

	env, err := cel.NewEnv(
		cel.Variable("stage", cel.StringType),
		cel.Variable("successCount", cel.IntType),
		cel.Variable("failureCount", cel.IntType),
		cel.Variable("failureRate", cel.DoubleType),
		cel.Variable("maxFailureRate", cel.DoubleType),
		cel.Variable("progress", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(config.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy expression must return a boolean, got %v", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Engine{
		logger:     logger,
		config:     config,
		celEnv:     env,
		celProgram: program,
	}, nil
}

// Evaluate checks the current stage's results against the policy
// expression.
func (e *Engine) Evaluate(ctx context.Context, state *types.RolloutState) (*Decision, error) {
	if state == nil {
		return nil, fmt.Errorf("rollout state is nil")
	}

	decision := &Decision{Stage: state.CurrentStage}

	totalApplied := 0
	for _, r := range state.Results {
		if r.Success {
			totalApplied++
		}
		if r.Stage != state.CurrentStage {
			continue
		}
		if r.Success {
			decision.SuccessCount++
		} else {
			decision.FailureCount++
		}
	}

	executed := decision.SuccessCount + decision.FailureCount
	if executed > 0 {
		decision.FailureRate = float64(decision.FailureCount) / float64(executed)
	}

	progress := 0.0
	if total := state.StageAssignments.Total(); total > 0 {
		progress = float64(totalApplied) / float64(total)
	}

	celInput := map[string]interface{}{
		"stage":          state.CurrentStage.String(),
		"successCount":   decision.SuccessCount,
		"failureCount":   decision.FailureCount,
		"failureRate":    decision.FailureRate,
		"maxFailureRate": state.Plan.MaxFailureRate,
		"progress":       progress,
	}

	out, _, err := e.celProgram.Eval(celInput)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("policy expression did not return a boolean: %v", out.Value())
	}
	decision.Allowed = allowed

	if allowed {
		decision.Reason = fmt.Sprintf("policy passed: stage=%s, success=%d, failed=%d, rate=%.4f",
			state.CurrentStage, decision.SuccessCount, decision.FailureCount, decision.FailureRate)

		e.logger.Info("advancement policy passed",
			"patch_id", state.PatchID,
			"stage", state.CurrentStage.String(),
			"success", decision.SuccessCount,
			"failed", decision.FailureCount,
			"failure_rate", decision.FailureRate)
	} else {
		if e.config.FailureMessage != "" {
			decision.Reason = e.config.FailureMessage
		} else {
			decision.Reason = fmt.Sprintf("policy blocked: stage=%s, success=%d, failed=%d, rate=%.4f",
				state.CurrentStage, decision.SuccessCount, decision.FailureCount, decision.FailureRate)
		}

		e.logger.Warn("advancement policy blocked",
			"patch_id", state.PatchID,
			"stage", state.CurrentStage.String(),
			"success", decision.SuccessCount,
			"failed", decision.FailureCount,
			"failure_rate", decision.FailureRate,
			"expression", e.config.Expression)
	}

	return decision, nil
}
