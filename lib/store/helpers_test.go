package store

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for age based tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testOptions(clk *fakeClock) Options {
	opts := DefaultOptions()
	opts.NumShards = 4
	opts.CommitRetryInterval = time.Millisecond
	opts.FlusherMaxSleep = 20 * time.Millisecond
	opts.Clock = clk.Now
	return opts
}

// newManualStore creates a store without a dispatcher, flushes are driven by the test
func newManualStore(t *testing.T, opts Options) (*Store, *fakeBackend) {
	t.Helper()
	be := newFakeBackend()
	s := New(be, nil, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s, be
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
