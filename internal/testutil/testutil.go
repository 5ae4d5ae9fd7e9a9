// Package testutil provides shared helpers for the pipeline test
// suites.
//
// Calling t.Fatal or t.FailNow from a spawned goroutine is undefined
// behavior: it terminates that goroutine, not the test. GoroutineTest
// collects errors over a channel instead and reports them from the
// test goroutine.
package testutil

import (
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Concurrent Test Runner
// =============================================================================

// GoroutineTest runs worker functions concurrently and gathers their
// errors for the test goroutine to report.
//
// Usage:
//
//	gt := testutil.NewGoroutineTest(t)
//	for p := 0; p < producers; p++ {
//	    gt.Go(func() error { return produce(p) })
//	}
//	gt.Wait()
type GoroutineTest struct {
	t    *testing.T
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewGoroutineTest creates a runner bound to t.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	t.Helper()
	return &GoroutineTest{t: t}
}

// Go runs fn in a goroutine, recording a non-nil return as a failure.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Wait blocks until every spawned goroutine returns, then fails the
// test with any collected errors.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.wg.Wait()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	for _, err := range gt.errs {
		gt.t.Error(err)
	}
}

// =============================================================================
// Polling
// =============================================================================

// eventuallyInterval is the poll interval for Eventually.
const eventuallyInterval = 5 * time.Millisecond

// Eventually polls cond until it returns true, failing the test if the
// deadline expires first. Used to wait out asynchronous pipeline stages
// without fixed sleeps.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(eventuallyInterval)
	}
	t.Fatalf("condition not met within %v", timeout)
}
