package jobqueue

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryableClassification(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", Transient(base), true},
		{"throttled", Throttled(base, time.Second), true},
		{"validation", Invalid(base), false},
		{"fatal", Fatal(base), false},
		{"budget", &Failure{Kind: KindBudget, Err: base}, false},
		{"unclassified defaults to retryable", base, true},
		{"wrapped transient", fmt.Errorf("outer: %w", Transient(base)), true},
		{"wrapped validation", fmt.Errorf("outer: %w", Invalid(base)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	if got := ClassOf(Invalid(errors.New("x"))); got != KindValidation {
		t.Errorf("ClassOf = %v, want %v", got, KindValidation)
	}
	if got := ClassOf(errors.New("x")); got != KindTransient {
		t.Errorf("ClassOf unclassified = %v, want %v", got, KindTransient)
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := Throttled(errors.New("429"), 42*time.Second)
	if got := RetryAfterOf(err); got != 42*time.Second {
		t.Errorf("RetryAfterOf = %v, want 42s", got)
	}
	if got := RetryAfterOf(errors.New("x")); got != 0 {
		t.Errorf("RetryAfterOf unclassified = %v, want 0", got)
	}
}

func TestFamilyValid(t *testing.T) {
	for _, f := range Families() {
		if !f.Valid() {
			t.Errorf("family %q should be valid", f)
		}
	}
	if Family("urgent").Valid() {
		t.Error("unknown family should be invalid")
	}
}

func TestFailureErrorString(t *testing.T) {
	err := Transient(errors.New("connection reset"))
	want := "transient: connection reset"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
