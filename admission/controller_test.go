package admission

import (
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu      sync.Mutex
	len     int
	workers int
}

func (f *fakeSource) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.len
}
func (f *fakeSource) WorkerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers
}
func (f *fakeSource) setLen(n int) {
	f.mu.Lock()
	f.len = n
	f.mu.Unlock()
}

func TestAdmitWatermark(t *testing.T) {
	c := New(10) // factor 10: admit while queued <= workers*10
	src := &fakeSource{workers: 2}
	c.Register(src)

	src.setLen(20) // exactly at the limit: 2*10
	if !c.Admit() {
		t.Fatalf("Admit() = false at exactly the watermark, want true")
	}

	src.setLen(21)
	if c.Admit() {
		t.Fatalf("Admit() = true above the watermark, want false")
	}
	if !c.Blocked() {
		t.Fatalf("Blocked() = false after denial, want true")
	}

	src.setLen(5)
	if !c.Admit() {
		t.Fatalf("Admit() = false after queue drained, want true")
	}
	if c.Blocked() {
		t.Fatalf("Blocked() = true after admission reopened, want false")
	}
}

func TestNoLostWakeups(t *testing.T) {
	c := New(DefaultFactor)
	src := &fakeSource{workers: 1}
	c.Register(src)
	src.setLen(5000) // deny

	woke := make(chan struct{})
	go func() {
		c.Wait(5 * time.Second)
		close(woke)
	}()

	// give the waiter time to park
	time.Sleep(50 * time.Millisecond)
	src.setLen(0)
	c.NotifyProgress()

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait did not return after NotifyProgress: lost wakeup")
	}
}

func TestWaitTimesOutWithoutProgress(t *testing.T) {
	c := New(DefaultFactor)
	start := time.Now()
	c.Wait(30 * time.Millisecond)
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("Wait returned too early: %s", time.Since(start))
	}
}

func TestWaitDoesNotLeaveAWaiterAfterTimeout(t *testing.T) {
	c := New(DefaultFactor)
	c.Wait(10 * time.Millisecond)

	c.mu.Lock()
	n := len(c.waiters)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("waiters = %d after Wait timed out, want 0 (orphaned waiter)", n)
	}
}

func TestBlockedCounterIncrementsOnlyOnTransition(t *testing.T) {
	c := New(1)
	src := &fakeSource{workers: 1}
	c.Register(src)

	// the counter is a process-wide metric shared with other tests, so
	// compare against its value before the transitions below
	before := c.blockedTotal.Get()

	src.setLen(100)
	c.Admit() // transition to blocked
	c.Admit() // already blocked, should not double count

	if got := c.blockedTotal.Get() - before; got != 1 {
		t.Fatalf("blocked counter grew by %d, want 1", got)
	}
	if !c.Blocked() {
		t.Fatalf("Blocked() = false, want true")
	}
}
