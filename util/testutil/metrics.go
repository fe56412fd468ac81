package testutil

import (
	"sync"
	"testing"
)

var metricsTestMutex sync.Mutex

// LockMetrics serializes tests that reset or read the global Prometheus collectors
// in util/metrics. The lock is released through t.Cleanup.
//
//	func TestTransitionsCounted(t *testing.T) {
//	    testutil.LockMetrics(t)
//	    metrics.TransitionsTotal.Reset()
//	    // ...
//	}
func LockMetrics(t *testing.T) {
	t.Helper()
	metricsTestMutex.Lock()
	t.Cleanup(metricsTestMutex.Unlock)
}
