package errors

import (
	"errors"
	"fmt"

	"github.com/daimoniac/patchline/internal/types"
)

// Sentinel errors for the patch lifecycle domain. Callers match them
// with errors.Is; the struct kinds below carry context and are matched
// with errors.As.
var (
	// ErrPatchNotFound indicates no patch exists for the given ID
	ErrPatchNotFound = errors.New("patch not found")

	// ErrRolloutNotFound indicates no rollout exists for the given patch ID
	ErrRolloutNotFound = errors.New("rollout not found")

	// ErrNoVulnerableTargets indicates an operation was attempted against
	// an empty target list
	ErrNoVulnerableTargets = errors.New("no vulnerable targets")

	// ErrDuplicatePatchID indicates a patch ID collision at creation
	ErrDuplicatePatchID = errors.New("duplicate patch id")

	// ErrValidationFailed indicates one or more validation checks failed
	ErrValidationFailed = errors.New("patch validation failed")
)

// InvalidTransitionError reports an attempted status change outside the
// legal edge set. The patch is left unchanged.
type InvalidTransitionError struct {
	From types.PatchStatus
	To   types.PatchStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid patch transition from %s to %s", e.From, e.To)
}

// IntegrityError reports a payload hash mismatch.
type IntegrityError struct {
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: expected hash %s, got %s", e.Expected, e.Actual)
}

// RolloutFailedError reports a rollout operation that could not proceed.
// The rollout state is left exactly as it was.
type RolloutFailedError struct {
	Stage  types.RolloutStage
	Reason string
}

func (e *RolloutFailedError) Error() string {
	return fmt.Sprintf("rollout failed at stage %s: %s", e.Stage, e.Reason)
}

// VersionConflictError reports a proposed version that is not strictly
// greater than the latest recorded one.
type VersionConflictError struct {
	Current  string
	Proposed string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: current %s, proposed %s", e.Current, e.Proposed)
}

// DistributionError reports a notification tracking failure.
type DistributionError struct {
	Reason string
}

func (e *DistributionError) Error() string {
	return fmt.Sprintf("distribution error: %s", e.Reason)
}

// SerializationError reports a failure to encode or decode an entity.
type SerializationError struct {
	Cause error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error: %v", e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// IsDomain reports whether err is one of the typed lifecycle errors.
// Domain errors are deterministic rejections and never retryable.
func IsDomain(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrPatchNotFound) ||
		errors.Is(err, ErrRolloutNotFound) ||
		errors.Is(err, ErrNoVulnerableTargets) ||
		errors.Is(err, ErrDuplicatePatchID) ||
		errors.Is(err, ErrValidationFailed) {
		return true
	}

	var (
		transition   *InvalidTransitionError
		integrity    *IntegrityError
		rollout      *RolloutFailedError
		version      *VersionConflictError
		distribution *DistributionError
		serial       *SerializationError
	)
	return errors.As(err, &transition) ||
		errors.As(err, &integrity) ||
		errors.As(err, &rollout) ||
		errors.As(err, &version) ||
		errors.As(err, &distribution) ||
		errors.As(err, &serial)
}
