package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Orchestrator.Run", ErrPolicyBlocked, "step 2")
	want := "Orchestrator.Run: step 2: blocked by policy"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Budget.Reserve", ErrBudgetExceeded, "")
	want := "Budget.Reserve: llm budget exceeded"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Sandbox.ValidatePath", ErrPathOutsideWorkspace, "/etc/passwd")
	if !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Error("errors.Is should match ErrPathOutsideWorkspace")
	}
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"unknown", fmt.Errorf("some random error"), CodeUnknown},
		{"direct sentinel", ErrConfirmationRequired, CodeConfirmationRequired},
		{"wrapped sentinel", fmt.Errorf("ctx: %w", ErrBudgetExceeded), CodeBudgetExceeded},
		{"domain error", NewDomainError("Planner.Generate", ErrPlanGeneration, "llm down"), CodePlanGeneration},
		{"subsystem", NewSubSystemError("session", "Store.Fetch", ErrNotFound, "abc"), CodeSessionNotFound},
		{"subsystem fallback", NewSubSystemError("other", "Op", ErrNotFound, ""), CodeNotFound},
		{"managed transport", NewSubSystemError("managed", "Executor.Run", ErrBackendTransport, ""), CodeManagedTransport},
		{"wrapped op", WrapOp("Store.Kill", ErrSessionNotFound), CodeSessionNotFound},
		{"taxonomy over category", fmt.Errorf("%w: %w", ErrInvalidInput, ErrBudgetExceeded), CodeBudgetExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("session", "Store.Fetch", ErrNotFound, "01HX")
	assert.Equal(t, "Store.Fetch: 01HX: not found", err.Error())
	assert.Equal(t, "session", err.SubSystem)
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))

	inner := WrapOp("inner", ErrStepFailure)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: step failed", outer.Error())
	assert.True(t, errors.Is(outer, ErrStepFailure))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(ErrRateLimit))
	assert.True(t, IsRetryableError(fmt.Errorf("wrap: %w", ErrContextOverflow)))
	assert.True(t, IsRetryableError(Retryable(errors.New("status InProgress"))))
	assert.True(t, IsRetryableError(fmt.Errorf("attempt 2: %w", Retryable(ErrBackendTransport))))
	assert.False(t, IsRetryableError(ErrInvalidInput))
	assert.False(t, IsRetryableError(nil))
	assert.Nil(t, Retryable(nil))
}

func TestRetryablePreservesSentinel(t *testing.T) {
	err := Retryable(NewSubSystemError("managed", "Executor.attempt", ErrBackendTransport, "no command id"))
	assert.True(t, errors.Is(err, ErrBackendTransport))
	assert.Equal(t, CodeManagedTransport, ErrorCodeOf(err))
}
