package batch

import (
	"context"
	"errors"
	"os"
	"strings"

	"marlin/internal/domain"
)

// Keyword groups for message-based classification. Scan order matters:
// data and parameter signals take priority over engine, timeout, and memory.
var (
	dataKeywords      = []string{"data", "empty", "missing", "insufficient"}
	parameterKeywords = []string{"parameter", "argument", "invalid", "config"}
	engineKeywords    = []string{"engine", "strategy", "broker", "backtest", "calculation", "computation"}
	timeoutKeywords   = []string{"timeout", "timed out", "deadline"}
	memoryKeywords    = []string{"memory", "allocation", "oom"}

	transientKeywords = []string{
		"timeout", "timed out", "connection", "network",
		"temporary", "resource", "busy", "unavailable",
	}
)

// Categorize classifies a task error into exactly one error category. It is
// total and deterministic: type-based signals dominate message-based ones,
// and a nil or unrecognised error maps to CategoryUnknown.
func Categorize(err error) domain.ErrorCategory {
	if err == nil {
		return domain.CategoryUnknown
	}

	msg := strings.ToLower(err.Error())

	// Typed signals first.
	var inputErr *domain.InputError
	if errors.As(err, &inputErr) {
		if containsAny(msg, dataKeywords) {
			return domain.CategoryData
		}
		return domain.CategoryParameter
	}

	var lookupErr *domain.LookupError
	if errors.As(err, &lookupErr) {
		return domain.CategoryData
	}

	var memoryErr *domain.MemoryError
	if errors.As(err, &memoryErr) {
		return domain.CategoryMemory
	}

	if isTimeout(err) {
		return domain.CategoryTimeout
	}

	// Message scan fallback, in priority order.
	switch {
	case containsAny(msg, dataKeywords):
		return domain.CategoryData
	case containsAny(msg, parameterKeywords):
		return domain.CategoryParameter
	case containsAny(msg, engineKeywords):
		return domain.CategoryEngine
	case containsAny(msg, timeoutKeywords):
		return domain.CategoryTimeout
	case containsAny(msg, memoryKeywords):
		return domain.CategoryMemory
	}

	return domain.CategoryUnknown
}

// Retryable reports whether a failure with the given category and message
// looks transient. Timeouts and memory pressure are always retryable; other
// categories only when the message carries a transient-sounding keyword.
func Retryable(category domain.ErrorCategory, message string) bool {
	if category == domain.CategoryTimeout || category == domain.CategoryMemory {
		return true
	}
	return containsAny(strings.ToLower(message), transientKeywords)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func containsAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
