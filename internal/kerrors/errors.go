// Package kerrors defines the kernel's error taxonomy: sentinel errors for
// simple cases and structured types for the ones callers need to inspect.
package kerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced directly by kernel operations.
var (
	// ErrContextNotFound is returned (wrapped) by kctx.FromContext when no
	// KernelContext is attached to the context.Context.
	ErrContextNotFound = errors.New("kernel: value not found in context")

	// ErrChannelDestroyed is returned by a Channel's Publish and
	// WaitForResponse once the Channel has been destroyed, directly or by
	// its Session's Destroy.
	ErrChannelDestroyed = errors.New("kernel: channel destroyed")

	// ErrToolNotFound indicates a tool call referenced an unregistered tool.
	ErrToolNotFound = errors.New("kernel: tool not found")

	// ErrToolNoHandler indicates a tool descriptor carries no executable
	// handler (a SERVER or MCP tool registered without a Handler).
	ErrToolNoHandler = errors.New("kernel: tool has no handler")

	// ErrInvalidExecutionType indicates a tool's tagged-union Type field
	// was not one of SERVER, CLIENT, MCP.
	ErrInvalidExecutionType = errors.New("kernel: invalid tool execution type")

	// ErrInvalidReturnType indicates a Procedure handler returned a value
	// that did not conform to its declared output shape.
	ErrInvalidReturnType = errors.New("kernel: invalid return type")

	// ErrInvalidContentBlock indicates a streamed chunk carried a content
	// block kind the consumer does not recognize.
	ErrInvalidContentBlock = errors.New("kernel: invalid content block")

	// ErrClientToolTimeout indicates a CLIENT tool's result never arrived
	// within the coordinator's wait window.
	ErrClientToolTimeout = errors.New("kernel: client tool result timed out")

	// ErrClientToolCancelled indicates a pending client tool result wait
	// was cancelled before a result arrived.
	ErrClientToolCancelled = errors.New("kernel: client tool result cancelled")
)

// ValidationError reports a schema-validation failure, e.g. a Procedure's
// first argument failing its declared schema.
type ValidationError struct {
	Subject string // what failed validation, e.g. "procedure:createOrder.input"
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation failed for %s: %v", e.Subject, e.Cause)
	}
	return fmt.Sprintf("validation failed for %s", e.Subject)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// AbortError reports that an operation observed context cancellation.
// Reason distinguishes an explicit caller-initiated cancel from an
// upstream timeout, mirroring the Node AbortController "reason" field.
type AbortError struct {
	Reason string
	Cause  error
}

func (e *AbortError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("aborted: %s", e.Reason)
	}
	return "aborted"
}

func (e *AbortError) Unwrap() error { return e.Cause }

// TimeoutError reports that an operation exceeded its deadline.
type TimeoutError struct {
	Operation string
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Operation)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Kind classifies an error for retry/observability decisions, the way the
// teacher's ToolErrorType categorizes tool failures.
type Kind string

const (
	KindUnknown         Kind = "unknown"
	KindNotFound        Kind = "not_found"
	KindInvalidInput    Kind = "invalid_input"
	KindTimeout         Kind = "timeout"
	KindCancelled       Kind = "cancelled"
	KindNetwork         Kind = "network"
	KindRateLimit       Kind = "rate_limit"
	KindAuth            Kind = "auth"
	KindExecution       Kind = "execution"
	KindPanic           Kind = "panic"
)

// IsRetryable reports whether an error of this kind is worth retrying.
func (k Kind) IsRetryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimit:
		return true
	default:
		return false
	}
}

// Classify inspects err's sentinel/structured identity first, then falls
// back to substring matching on its text, the way classifyToolError does
// in the runtime this kernel was built out of. Sentinel/type checks take
// priority so a wrapped *AbortError is never misclassified just because
// its message happens to contain a word like "timeout".
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		return KindCancelled
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return KindInvalidInput
	}
	if errors.Is(err, ErrToolNotFound) {
		return KindNotFound
	}
	if errors.Is(err, ErrClientToolTimeout) {
		return KindTimeout
	}
	if errors.Is(err, ErrClientToolCancelled) {
		return KindCancelled
	}

	text := strings.ToLower(err.Error())

	switch {
	case strings.Contains(text, "cancel") || strings.Contains(text, "abort"):
		return KindCancelled
	case strings.Contains(text, "timeout") || strings.Contains(text, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(text, "connection") || strings.Contains(text, "network") ||
		strings.Contains(text, "dns") || strings.Contains(text, "refused") ||
		strings.Contains(text, "unreachable"):
		return KindNetwork
	case strings.Contains(text, "rate limit") || strings.Contains(text, "rate_limit") ||
		strings.Contains(text, "too many requests") || strings.Contains(text, "429"):
		return KindRateLimit
	case strings.Contains(text, "unauthorized") || strings.Contains(text, "forbidden") ||
		strings.Contains(text, "access denied") || strings.Contains(text, "permission"):
		return KindAuth
	case strings.Contains(text, "invalid") || strings.Contains(text, "validation") ||
		strings.Contains(text, "required") || strings.Contains(text, "missing"):
		return KindInvalidInput
	case strings.Contains(text, "panic"):
		return KindPanic
	default:
		return KindExecution
	}
}

// IsRetryable is a convenience wrapper over Classify(err).IsRetryable().
func IsRetryable(err error) bool {
	return Classify(err).IsRetryable()
}
