package fail

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify_WrappedError(t *testing.T) {
	err := New(KindValidation, errors.New("ttl out of range"))
	if got := Classify(err); got != KindValidation {
		t.Errorf("expected %s, got %s", KindValidation, got)
	}

	wrapped := fmt.Errorf("processing clone: %w", err)
	if got := Classify(wrapped); got != KindValidation {
		t.Errorf("expected %s through wrapping, got %s", KindValidation, got)
	}
}

func TestClassify_UnknownErrorIsTransient(t *testing.T) {
	if got := Classify(errors.New("connection refused")); got != KindBackendTransient {
		t.Errorf("expected %s, got %s", KindBackendTransient, got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindValidation, false},
		{KindBackendTransient, true},
		{KindBackendTerminal, false},
		{KindReset, true},
		{KindCollaborator, false},
	}

	for _, tc := range cases {
		err := Newf(tc.kind, "boom")
		if got := Retryable(err); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}

	if !Retryable(errors.New("plain error")) {
		t.Error("expected unclassified errors to be retryable")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := New(KindBackendTerminal, cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the wrapped cause")
	}
	if err.Error() != "backend_terminal_error: root cause" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
