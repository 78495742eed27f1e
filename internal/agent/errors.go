package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations.
var (
	ErrMaxIterations    = errors.New("max iterations exceeded")
	ErrContextCancelled = errors.New("context cancelled")
	ErrNoProvider       = errors.New("no provider configured")
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolTimeout      = errors.New("tool execution timed out")
	ErrToolPanic        = errors.New("tool panicked")
	ErrDuplicateName    = errors.New("duplicate tool name")
	ErrLockTimeout      = errors.New("session lock acquire timed out")
)

// ToolErrorType categorizes tool execution errors for retry logic.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// IsRetryable returns true if this error type suggests retrying may succeed.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork:
		return true
	default:
		return false
	}
}

// ToolError is a structured tool-dispatch failure: its Type drives whether
// the executor retries and whether the turn engine feeds it back to the
// model as a recoverable tool_result or aborts the turn.
type ToolError struct {
	Type        ToolErrorType
	ToolName    string
	ToolUseID   string
	Message     string
	Cause       error
	Retryable   bool
	Recoverable bool
	Attempts    int
}

func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error { return e.Cause }

// NewToolError builds a ToolError with automatic classification from the
// cause's error text, defaulting Recoverable to true. Neither WithType nor
// the registry's unknown-tool/invalid-params paths clear it; an error is
// non-recoverable at the loop layer only when a caller sets Recoverable to
// false on it.
func NewToolError(toolName string, cause error) *ToolError {
	e := &ToolError{ToolName: toolName, Cause: cause, Type: ToolErrorUnknown, Attempts: 1, Recoverable: true}
	if cause != nil {
		e.Message = cause.Error()
		e.Type = classifyToolError(cause)
		e.Retryable = e.Type.IsRetryable()
	}
	return e
}

// WithType sets the error type and refreshes its retryable flag.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	e.Retryable = t.IsRetryable()
	return e
}

// WithToolUseID sets the originating tool_use id.
func (e *ToolError) WithToolUseID(id string) *ToolError {
	e.ToolUseID = id
	return e
}

// WithMessage overrides the human-readable message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// classifyToolError infers a ToolErrorType from the cause's error text when
// the caller hasn't set one explicitly.
func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}
	if errors.Is(err, ErrToolNotFound) {
		return ToolErrorNotFound
	}
	if errors.Is(err, ErrToolTimeout) {
		return ToolErrorTimeout
	}
	if errors.Is(err, ErrToolPanic) {
		return ToolErrorPanic
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return ToolErrorTimeout
	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "network"), strings.Contains(errStr, "refused"):
		return ToolErrorNetwork
	case strings.Contains(errStr, "invalid"), strings.Contains(errStr, "required"), strings.Contains(errStr, "missing"):
		return ToolErrorInvalidInput
	default:
		return ToolErrorExecution
	}
}

// IsToolError checks if an error is or wraps a ToolError.
func IsToolError(err error) bool {
	var toolErr *ToolError
	return errors.As(err, &toolErr)
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// IsToolRetryable reports whether err should be retried by the executor.
func IsToolRetryable(err error) bool {
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Retryable
	}
	return classifyToolError(err).IsRetryable()
}

// LoopPhase names a phase of the turn engine's state machine.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseStream       LoopPhase = "stream"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseContinue     LoopPhase = "continue"
	PhaseComplete     LoopPhase = "complete"
)

// LoopError wraps a failure with the phase and iteration it occurred in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Message   string
	Cause     error
}

func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

func (e *LoopError) Unwrap() error { return e.Cause }

// LLMErrorKind classifies provider failures per the retry policy in §7.
type LLMErrorKind string

const (
	LLMErrorNetwork        LLMErrorKind = "network"
	LLMErrorRateLimit      LLMErrorKind = "rate_limit"
	LLMErrorInvalidRequest LLMErrorKind = "invalid_request"
	LLMErrorAuth           LLMErrorKind = "auth"
	LLMErrorServer         LLMErrorKind = "server"
	LLMErrorCancelled      LLMErrorKind = "cancelled"
)

// Retryable reports whether the turn engine should retry an error of this
// kind: network/rate_limit/server are transient, invalid_request/auth are
// fatal, cancelled propagates.
func (k LLMErrorKind) Retryable() bool {
	switch k {
	case LLMErrorNetwork, LLMErrorRateLimit, LLMErrorServer:
		return true
	default:
		return false
	}
}

// LLMError is the structured error a provider returns on failure.
type LLMError struct {
	Kind       LLMErrorKind
	Message    string
	RetryAfter int64 // milliseconds; honored when Kind == LLMErrorRateLimit and > 0
	Cause      error
}

func (e *LLMError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *LLMError) Unwrap() error { return e.Cause }

// ClassifyLLMError maps an arbitrary error into an LLMErrorKind for callers
// that may receive a bare error (e.g. from context cancellation) instead of
// a *LLMError.
func ClassifyLLMError(err error) LLMErrorKind {
	if err == nil {
		return ""
	}
	var le *LLMError
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, ErrContextCancelled) || errors.Is(err, context.Canceled) {
		return LLMErrorCancelled
	}
	return LLMErrorNetwork
}
