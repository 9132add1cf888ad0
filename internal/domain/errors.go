package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Execution taxonomy. Each terminal state of a run maps to one of these.
var (
	ErrPolicyBlocked        = fmt.Errorf("blocked by policy")
	ErrConfirmationRequired = fmt.Errorf("confirmation required")
	ErrBackendTransport     = fmt.Errorf("backend transport failure")
	ErrStepFailure          = fmt.Errorf("step failed")
	ErrBudgetExceeded       = fmt.Errorf("llm budget exceeded")
	ErrPlanGeneration       = fmt.Errorf("plan generation failed")
	ErrUnsupportedTarget    = fmt.Errorf("operation not supported by target")
)

// Sentinel errors for the adapters.
var (
	ErrProviderNotFound     = fmt.Errorf("llm provider not found")
	ErrTargetNotFound       = fmt.Errorf("target not found")
	ErrSessionNotFound      = fmt.Errorf("session not found")
	ErrPathOutsideWorkspace = fmt.Errorf("path is outside workspace")
	ErrGatewayAuthFailed    = fmt.Errorf("gateway authentication failed")
	ErrRPCMethodNotFound    = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload    = fmt.Errorf("rpc invalid payload")
	ErrContextOverflow      = fmt.Errorf("context window exceeded")
	ErrRateLimit            = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid          = fmt.Errorf("invalid authentication")
	ErrConfigLoad           = fmt.Errorf("failed to load config")
	ErrDecryption           = fmt.Errorf("decryption failed")
	ErrEncryption           = fmt.Errorf("encryption failed")
)

// DomainError wraps a sentinel with operation context.
type DomainError struct {
	Op        string // operation name (e.g., "Orchestrator.Run")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "session", "managed"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RetryableError marks a failure that a bounded retry policy may attempt again.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so that IsRetryableError reports true. Returns nil for nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow)
}

// ErrorCode is a machine-parseable error category for monitoring and API responses.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeLimitReached         ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeProviderError        ErrorCode = "PROVIDER_ERROR"
	CodePolicyBlocked        ErrorCode = "POLICY_BLOCKED"
	CodeConfirmationRequired ErrorCode = "CONFIRMATION_REQUIRED"
	CodeBackendTransport     ErrorCode = "BACKEND_TRANSPORT"
	CodeStepFailure          ErrorCode = "STEP_FAILURE"
	CodeBudgetExceeded       ErrorCode = "BUDGET_EXCEEDED"
	CodePlanGeneration       ErrorCode = "PLAN_GENERATION"
	CodeUnsupportedTarget    ErrorCode = "UNSUPPORTED_TARGET"
	CodeProviderNotFound     ErrorCode = "PROVIDER_NOT_FOUND"
	CodeTargetNotFound       ErrorCode = "TARGET_NOT_FOUND"
	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	CodePathOutsideWorkspace ErrorCode = "PATH_OUTSIDE_WORKSPACE"
	CodeGatewayAuth          ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound    ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload    ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeEncryption           ErrorCode = "ENCRYPTION"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeSessionMaxSessions ErrorCode = "SESSION_MAX_SESSIONS"
	CodeManagedTimeout     ErrorCode = "MANAGED_TIMEOUT"
	CodeSSHTimeout         ErrorCode = "SSH_TIMEOUT"
	CodeManagedTransport   ErrorCode = "MANAGED_TRANSPORT"
	CodeSSHTransport       ErrorCode = "SSH_TRANSPORT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrPolicyBlocked:        CodePolicyBlocked,
	ErrConfirmationRequired: CodeConfirmationRequired,
	ErrBackendTransport:     CodeBackendTransport,
	ErrStepFailure:          CodeStepFailure,
	ErrBudgetExceeded:       CodeBudgetExceeded,
	ErrPlanGeneration:       CodePlanGeneration,
	ErrUnsupportedTarget:    CodeUnsupportedTarget,

	ErrProviderNotFound:     CodeProviderNotFound,
	ErrTargetNotFound:       CodeTargetNotFound,
	ErrSessionNotFound:      CodeSessionNotFound,
	ErrPathOutsideWorkspace: CodePathOutsideWorkspace,
	ErrGatewayAuthFailed:    CodeGatewayAuth,
	ErrRPCMethodNotFound:    CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:    CodeRPCInvalidPayload,
	ErrContextOverflow:      CodeContextOverflow,
	ErrRateLimit:            CodeRateLimit,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrConfigLoad:           CodeConfigLoad,
	ErrDecryption:           CodeDecryption,
	ErrEncryption:           CodeEncryption,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"session": CodeSessionNotFound,
		"target":  CodeTargetNotFound,
	},
	ErrLimitReached: {
		"session": CodeSessionMaxSessions,
	},
	ErrTimeout: {
		"managed": CodeManagedTimeout,
		"ssh":     CodeSSHTimeout,
	},
	ErrBackendTransport: {
		"managed": CodeManagedTransport,
		"ssh":     CodeSSHTransport,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Taxonomy sentinels take precedence over the generic categories they may wrap.
	for _, sentinel := range precedence {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

var precedence = []error{
	ErrBudgetExceeded,
	ErrPolicyBlocked,
	ErrConfirmationRequired,
	ErrPlanGeneration,
	ErrBackendTransport,
	ErrStepFailure,
	ErrUnsupportedTarget,
	ErrInvalidInput,
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
