package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"marlin/internal/domain"
)

func TestCategorizeTypedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorCategory
	}{
		{
			name: "input error with data keyword",
			err:  domain.NewInputError("insufficient data for window"),
			want: domain.CategoryData,
		},
		{
			name: "input error without data keyword",
			err:  domain.NewInputError("unknown strategy \"foo\""),
			want: domain.CategoryParameter,
		},
		{
			name: "wrapped input error",
			err:  fmt.Errorf("running item: %w", domain.NewInputError("bad cash amount")),
			want: domain.CategoryParameter,
		},
		{
			name: "lookup error",
			err:  domain.NewLookupError("symbol XYZ not in snapshot"),
			want: domain.CategoryData,
		},
		{
			name: "memory error",
			err:  domain.NewMemoryError("cannot allocate result buffer"),
			want: domain.CategoryMemory,
		},
		{
			name: "context deadline",
			err:  context.DeadlineExceeded,
			want: domain.CategoryTimeout,
		},
		{
			name: "wrapped deadline",
			err:  fmt.Errorf("fetching bars: %w", context.DeadlineExceeded),
			want: domain.CategoryTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.want {
				t.Errorf("Categorize(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestCategorizeMessageScan(t *testing.T) {
	tests := []struct {
		msg  string
		want domain.ErrorCategory
	}{
		{"price series is empty", domain.CategoryData},
		{"missing column 'close'", domain.CategoryData},
		{"invalid lookback period", domain.CategoryParameter},
		{"strategy diverged", domain.CategoryEngine},
		{"request timed out", domain.CategoryTimeout},
		{"out of memory", domain.CategoryMemory},
		{"something inexplicable happened", domain.CategoryUnknown},
		// Data keywords outrank engine keywords when both are present.
		{"strategy received empty series", domain.CategoryData},
	}

	for _, tt := range tests {
		if got := Categorize(errors.New(tt.msg)); got != tt.want {
			t.Errorf("Categorize(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

// Categorize must be total: any error maps to exactly one defined category
// and nil does not panic.
func TestCategorizeTotality(t *testing.T) {
	valid := make(map[domain.ErrorCategory]bool)
	for _, c := range domain.Categories() {
		valid[c] = true
	}

	inputs := []error{
		nil,
		errors.New(""),
		errors.New("completely unrelated"),
		fmt.Errorf("wrapped: %w", errors.New("nested")),
		domain.WrapEngineError(errors.New("inner"), "outer"),
	}
	for _, err := range inputs {
		got := Categorize(err)
		if !valid[got] {
			t.Errorf("Categorize(%v) = %q, not a defined category", err, got)
		}
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		category domain.ErrorCategory
		message  string
		want     bool
	}{
		{domain.CategoryTimeout, "anything", true},
		{domain.CategoryMemory, "anything", true},
		{domain.CategoryData, "connection reset by peer", true},
		{domain.CategoryUnknown, "service unavailable", true},
		{domain.CategoryEngine, "temporary failure", true},
		{domain.CategoryData, "insufficient data", false},
		{domain.CategoryParameter, "invalid lookback", false},
		{domain.CategoryEngine, "strategy diverged", false},
		{domain.CategoryUnknown, "inexplicable", false},
	}

	for _, tt := range tests {
		if got := Retryable(tt.category, tt.message); got != tt.want {
			t.Errorf("Retryable(%s, %q) = %v, want %v", tt.category, tt.message, got, tt.want)
		}
	}
}
