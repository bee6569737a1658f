package errs

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Action
	}{
		{&TransientTransport{Host: "h", Status: 503}, ActionRetry},
		{fmt.Errorf("fetch: %w", &RateLimited{Provider: "p", RetryAfter: time.Second}), ActionRetry},
		{&CircuitOpen{Host: "h"}, ActionSkip},
		{&ValidationRejected{Field: "high", Reason: "below low"}, ActionSkip},
		{&StorageError{Op: "insert", Err: fmt.Errorf("disk full")}, ActionAbort},
		{&EmergencyStopActive{}, ActionAbort},
		{fmt.Errorf("run: %w", context.Canceled), ActionAbort},
		{fmt.Errorf("plain"), ActionSkip},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Fatalf("nil must be 0")
	}
	if ExitCode(&RiskViolation{Severity: SeverityHard, Rule: "max_position"}) != 1 {
		t.Fatalf("risk violation must be 1")
	}
	if ExitCode(Storage("commit", fmt.Errorf("locked"))) != 2 {
		t.Fatalf("storage must be 2")
	}
}

func TestStorageDoesNotDoubleWrap(t *testing.T) {
	inner := Storage("insert", fmt.Errorf("boom"))
	outer := Storage("run", fmt.Errorf("persist: %w", inner))
	if outer.Error() != "persist: storage insert: boom" {
		t.Fatalf("unexpected %q", outer.Error())
	}
}
