package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: missed acknowledgments, bus connectivity loss.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid input, resource not found, retry budget exhausted.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates capacity or availability issues.
	// Examples: no eligible agent, all agents at their load ceiling.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for common failure scenarios.
const (
	// Protocol errors
	ErrCodeNoAgentAvailable ErrorCode = "NO_AGENT_AVAILABLE" // No eligible agent at selection time
	ErrCodeAckTimeout       ErrorCode = "ACK_TIMEOUT"        // No acknowledgment within the ack window
	ErrCodeAckRejected      ErrorCode = "ACK_REJECTED"       // Agent explicitly declined the task
	ErrCodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"  // Retry budget spent; task escalated
	ErrCodeBusUnavailable   ErrorCode = "BUS_UNAVAILABLE"    // Publish or subscribe failed at the transport
	ErrCodeStateConflict    ErrorCode = "STATE_CONFLICT"     // Compare-and-swap transition rejected

	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Service temporarily unavailable

	// Permanent errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Resource does not exist
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed or invalid input
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeAckTimeout, ErrCodeAckRejected, ErrCodeBusUnavailable,
		ErrCodeStateConflict, ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeRetriesExhausted, ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeNoAgentAvailable:
		return CategoryResource

	case ErrCodeInternal:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeNoAgentAvailable: "no available agents",
	ErrCodeAckTimeout:       "acknowledgment timed out",
	ErrCodeAckRejected:      "agent rejected the task",
	ErrCodeRetriesExhausted: "maximum retries exceeded",
	ErrCodeBusUnavailable:   "message bus unavailable",
	ErrCodeStateConflict:    "conflicting state transition",
	ErrCodeTimeout:          "operation timed out",
	ErrCodeUnavailable:      "service temporarily unavailable",
	ErrCodeNotFound:         "resource not found",
	ErrCodeInvalidInput:     "invalid input provided",
	ErrCodeCanceled:         "operation canceled",
	ErrCodeInternal:         "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
