package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/daimoniac/patchline/internal/types"
)

func TestTransientError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{
			name:    "with cause",
			err:     NewTransient(errors.New("store unavailable")),
			wantMsg: "transient error: store unavailable",
		},
		{
			name:    "with nil cause",
			err:     NewTransient(nil),
			wantMsg: "",
		},
		{
			name:    "with formatted error",
			err:     NewTransientf("save failed: %s", "disk full"),
			wantMsg: "transient error: save failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				return
			}
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", got, tt.wantMsg)
			}
		})
	}
}

func TestPermanentError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{
			name:    "with cause",
			err:     NewPermanent(errors.New("malformed payload")),
			wantMsg: "permanent error: malformed payload",
		},
		{
			name:    "with nil cause",
			err:     NewPermanent(nil),
			wantMsg: "",
		},
		{
			name:    "with formatted error",
			err:     NewPermanentf("invalid input: %s", "empty title"),
			wantMsg: "permanent error: invalid input: empty title",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				return
			}
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", got, tt.wantMsg)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "explicit transient error",
			err:  NewTransient(errors.New("timeout")),
			want: true,
		},
		{
			name: "explicit permanent error",
			err:  NewPermanent(errors.New("not found")),
			want: false,
		},
		{
			name: "wrapped transient error",
			err:  fmt.Errorf("failed: %w", NewTransient(errors.New("timeout"))),
			want: true,
		},
		{
			name: "wrapped permanent error",
			err:  fmt.Errorf("failed: %w", NewPermanent(errors.New("invalid"))),
			want: false,
		},
		{
			name: "timeout sentinel",
			err:  ErrTimeout,
			want: true,
		},
		{
			name: "rate limit sentinel",
			err:  ErrRateLimit,
			want: true,
		},
		{
			name: "not found sentinel",
			err:  ErrNotFound,
			want: false,
		},
		{
			name: "invalid input sentinel",
			err:  ErrInvalidInput,
			want: false,
		},
		{
			name: "wrapped timeout sentinel",
			err:  fmt.Errorf("operation failed: %w", ErrTimeout),
			want: true,
		},
		{
			name: "patch not found sentinel",
			err:  ErrPatchNotFound,
			want: false,
		},
		{
			name: "invalid transition error",
			err:  &InvalidTransitionError{From: types.StatusDraft, To: types.StatusApplied},
			want: false,
		},
		{
			name: "rollout failed error",
			err:  &RolloutFailedError{Stage: types.StageCanary, Reason: "gate blocked"},
			want: false,
		},
		{
			name: "unknown error defaults to non-transient",
			err:  errors.New("unknown error"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "explicit permanent error",
			err:  NewPermanent(errors.New("not found")),
			want: true,
		},
		{
			name: "explicit transient error",
			err:  NewTransient(errors.New("timeout")),
			want: false,
		},
		{
			name: "wrapped permanent error",
			err:  fmt.Errorf("failed: %w", NewPermanent(errors.New("invalid"))),
			want: true,
		},
		{
			name: "unknown error",
			err:  errors.New("unknown error"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Run("transient error unwrap", func(t *testing.T) {
		cause := errors.New("original error")
		err := NewTransient(cause)

		unwrapped := errors.Unwrap(err)
		if unwrapped != cause {
			t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
		}
	})

	t.Run("permanent error unwrap", func(t *testing.T) {
		cause := errors.New("original error")
		err := NewPermanent(cause)

		unwrapped := errors.Unwrap(err)
		if unwrapped != cause {
			t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
		}
	})

	t.Run("serialization error unwrap", func(t *testing.T) {
		cause := errors.New("original error")
		err := &SerializationError{Cause: cause}

		unwrapped := errors.Unwrap(err)
		if unwrapped != cause {
			t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
		}
	})
}

func TestDomainErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{
			name:    "invalid transition",
			err:     &InvalidTransitionError{From: types.StatusDraft, To: types.StatusApplied},
			wantMsg: "invalid patch transition from DRAFT to APPLIED",
		},
		{
			name:    "integrity mismatch",
			err:     &IntegrityError{Expected: "abc", Actual: "def"},
			wantMsg: "integrity check failed: expected hash abc, got def",
		},
		{
			name:    "rollout failed",
			err:     &RolloutFailedError{Stage: types.StageCanary, Reason: "failure rate exceeded"},
			wantMsg: "rollout failed at stage CANARY: failure rate exceeded",
		},
		{
			name:    "version conflict",
			err:     &VersionConflictError{Current: "2.0.0", Proposed: "1.5.0"},
			wantMsg: "version conflict: current 2.0.0, proposed 1.5.0",
		},
		{
			name:    "distribution failure",
			err:     &DistributionError{Reason: "unknown notification n-1"},
			wantMsg: "distribution error: unknown notification n-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", got, tt.wantMsg)
			}
		})
	}
}

func TestIsDomain(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "patch not found sentinel",
			err:  ErrPatchNotFound,
			want: true,
		},
		{
			name: "rollout not found sentinel",
			err:  ErrRolloutNotFound,
			want: true,
		},
		{
			name: "wrapped duplicate patch sentinel",
			err:  fmt.Errorf("create failed: %w", ErrDuplicatePatchID),
			want: true,
		},
		{
			name: "invalid transition error",
			err:  &InvalidTransitionError{From: types.StatusRejected, To: types.StatusValidating},
			want: true,
		},
		{
			name: "wrapped rollout failed error",
			err:  fmt.Errorf("advance: %w", &RolloutFailedError{Stage: types.StageGeneralAvailability, Reason: "no executions"}),
			want: true,
		},
		{
			name: "version conflict error",
			err:  &VersionConflictError{Current: "1.0.0", Proposed: "1.0.0"},
			want: true,
		},
		{
			name: "transient error is not domain",
			err:  NewTransient(errors.New("db locked")),
			want: false,
		},
		{
			name: "plain error is not domain",
			err:  errors.New("something else"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDomain(tt.err); got != tt.want {
				t.Errorf("IsDomain() = %v, want %v", got, tt.want)
			}
		})
	}
}
