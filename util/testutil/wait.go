package testutil

import (
	"testing"
	"time"
)

// PollInterval is how often WaitFor re-checks its condition.
const PollInterval = 50 * time.Millisecond

// WaitFor polls condition until it returns true, failing the test once timeout
// has passed. The condition is checked once before the first poll.
//
// Usage:
//
//	testutil.WaitFor(t, 2*time.Second, "chart to be isolated", func() bool {
//	    _, ok := gov.IsIsolated("chart")
//	    return ok
//	})
func WaitFor(t testing.TB, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	if !waitUntil(timeout, PollInterval, condition) {
		t.Fatalf("Timed out after %v waiting for %s", timeout, what)
	}
}

// waitUntil reports whether condition became true before timeout elapsed.
func waitUntil(timeout, every time.Duration, condition func() bool) bool {
	if condition() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			// one last look so a condition met right at the deadline still counts
			return condition()
		}
	}
}
