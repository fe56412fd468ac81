package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitUntil_Immediate(t *testing.T) {
	var calls atomic.Int32
	ok := waitUntil(time.Second, time.Millisecond, func() bool {
		calls.Add(1)
		return true
	})
	if !ok || calls.Load() != 1 {
		t.Fatalf("waitUntil = %v after %d calls; want true after 1", ok, calls.Load())
	}
}

func TestWaitUntil_BecomesTrue(t *testing.T) {
	var calls atomic.Int32
	ok := waitUntil(5*time.Second, time.Millisecond, func() bool {
		return calls.Add(1) >= 3
	})
	if !ok {
		t.Fatal("waitUntil should succeed once the condition holds")
	}
}

func TestWaitUntil_Timeout(t *testing.T) {
	start := time.Now()
	ok := waitUntil(30*time.Millisecond, 5*time.Millisecond, func() bool { return false })
	if ok {
		t.Fatal("waitUntil should report a timeout")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestWaitFor(t *testing.T) {
	flag := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(flag)
	}()
	WaitFor(t, 5*time.Second, "flag to close", func() bool {
		select {
		case <-flag:
			return true
		default:
			return false
		}
	})
}
