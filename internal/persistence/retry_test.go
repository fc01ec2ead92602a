package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{fmt.Errorf("some other error"), false},
		{fmt.Errorf("database is locked"), true},
		{fmt.Errorf("database table is locked"), true},
		{fmt.Errorf("SQLITE_BUSY (5)"), true},
		{fmt.Errorf("SQLITE_LOCKED (6)"), true},
		{fmt.Errorf("wrapped: database is locked"), true},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.expect {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestRetryOnBusy_NonBusyErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return ErrDuplicateTask
	})
	if err != ErrDuplicateTask {
		t.Fatalf("err = %v, want ErrDuplicateTask", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryOnBusy_BusyThenSuccess(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_ExhaustedRetries(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 2, func() error {
		calls++
		return fmt.Errorf("database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// maxRetries=2 means attempts 0,1,2.
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return fmt.Errorf("database is locked")
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRetryDelay_NonDecreasing(t *testing.T) {
	base := 5 * time.Second
	prev := time.Duration(0)
	for n := 0; n < 20; n++ {
		d := RetryDelay(base, n, 0)
		if d < prev {
			t.Fatalf("RetryDelay(%d) = %v < previous %v", n, d, prev)
		}
		prev = d
	}
	if got := RetryDelay(base, 0, 0); got != base {
		t.Fatalf("RetryDelay(0) = %v, want %v", got, base)
	}
	if got := RetryDelay(base, 2, 0); got != 20*time.Second {
		t.Fatalf("RetryDelay(2) = %v, want 20s", got)
	}
	if got := RetryDelay(base, 30, 0); got != maxRetryDelay {
		t.Fatalf("RetryDelay(30) = %v, want cap %v", got, maxRetryDelay)
	}
}

func TestRetryDelay_RetryAfterOverrides(t *testing.T) {
	if got := RetryDelay(5*time.Second, 3, 2*time.Second); got != 2*time.Second {
		t.Fatalf("RetryDelay with retry-after = %v, want 2s", got)
	}
	if got := RetryDelay(time.Second, 0, 3*time.Hour); got != maxRetryDelay {
		t.Fatalf("RetryDelay with huge retry-after = %v, want cap", got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusInProgress, true},
		{TaskStatusRetrying, TaskStatusInProgress, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusRetrying, TaskStatusCancelled, true},
		{TaskStatusInProgress, TaskStatusCompleted, true},
		{TaskStatusInProgress, TaskStatusRetrying, true},
		{TaskStatusInProgress, TaskStatusFailed, true},
		{TaskStatusInProgress, TaskStatusCancelled, false},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusCompleted, TaskStatusPending, false},
		{TaskStatusFailed, TaskStatusRetrying, false},
		{TaskStatusCancelled, TaskStatusInProgress, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPriorityDemoteSaturates(t *testing.T) {
	if got := PriorityCritical.Demote(); got != PriorityHigh {
		t.Fatalf("Critical.Demote() = %v, want high", got)
	}
	if got := PriorityDeferred.Demote(); got != PriorityDeferred {
		t.Fatalf("Deferred.Demote() = %v, want deferred", got)
	}
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{
		"":         PriorityNormal,
		"CRITICAL": PriorityCritical,
		" high ":   PriorityHigh,
		"4":        PriorityLow,
		"deferred": PriorityDeferred,
	} {
		got, err := ParsePriority(in)
		if err != nil {
			t.Fatalf("ParsePriority(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParsePriority(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}
