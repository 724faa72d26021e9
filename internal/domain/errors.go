package domain

import "fmt"

// ErrorCategory classifies a task failure. The set is closed; every failure
// is tagged with exactly one category.
type ErrorCategory string

const (
	CategoryData      ErrorCategory = "data_error"
	CategoryParameter ErrorCategory = "parameter_error"
	CategoryEngine    ErrorCategory = "engine_error"
	CategoryTimeout   ErrorCategory = "timeout"
	CategoryMemory    ErrorCategory = "memory_error"
	CategoryUnknown   ErrorCategory = "unknown"
)

// Categories lists every defined error category.
func Categories() []ErrorCategory {
	return []ErrorCategory{
		CategoryData,
		CategoryParameter,
		CategoryEngine,
		CategoryTimeout,
		CategoryMemory,
		CategoryUnknown,
	}
}

// InputError reports an invalid, ill-typed, or otherwise unusable input
// value supplied to a computation.
type InputError struct {
	msg string
}

// NewInputError creates an InputError with a formatted message.
func NewInputError(format string, a ...any) *InputError {
	return &InputError{msg: fmt.Sprintf(format, a...)}
}

func (e *InputError) Error() string { return e.msg }

// LookupError reports a missing symbol, key, or out-of-range access during a
// computation.
type LookupError struct {
	msg string
}

// NewLookupError creates a LookupError with a formatted message.
func NewLookupError(format string, a ...any) *LookupError {
	return &LookupError{msg: fmt.Sprintf(format, a...)}
}

func (e *LookupError) Error() string { return e.msg }

// EngineError reports an internal computation failure inside the backtest
// engine or a strategy.
type EngineError struct {
	msg string
	err error
}

// NewEngineError creates an EngineError with a formatted message.
func NewEngineError(format string, a ...any) *EngineError {
	return &EngineError{msg: fmt.Sprintf(format, a...)}
}

// WrapEngineError wraps an underlying error as an EngineError.
func WrapEngineError(err error, format string, a ...any) *EngineError {
	return &EngineError{msg: fmt.Sprintf(format, a...), err: err}
}

func (e *EngineError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *EngineError) Unwrap() error { return e.err }

// MemoryError reports an out-of-memory or allocation-failure condition.
type MemoryError struct {
	msg string
}

// NewMemoryError creates a MemoryError with a formatted message.
func NewMemoryError(format string, a ...any) *MemoryError {
	return &MemoryError{msg: fmt.Sprintf(format, a...)}
}

func (e *MemoryError) Error() string { return e.msg }
